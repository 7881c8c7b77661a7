package eventbus

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, capacity int) *Bus {
	t.Helper()
	b := New(capacity, slog.New(slog.DiscardHandler))
	t.Cleanup(b.Close)
	return b
}

type recorder struct {
	mu     sync.Mutex
	states []State
	docs   []DocumentEvent
}

func (r *recorder) status(e StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, e.State)
}

func (r *recorder) documents(e DocumentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, e)
}

func (r *recorder) snapshotStates() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *recorder) docCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

func TestBus_StatusDeliveredInOrder(t *testing.T) {
	b := newTestBus(t, 0)
	var r recorder
	b.AddStatusListener(r.status)

	seq := []State{StateConnecting, StateCatchingUp, StateIdle, StateStopping, StateStopped}
	for _, s := range seq {
		b.PublishStatus(StatusEvent{State: s})
	}
	b.Flush()

	assert.Equal(t, seq, r.snapshotStates())
}

func TestBus_TokensAreMonotonic(t *testing.T) {
	b := newTestBus(t, 0)
	t1 := b.AddStatusListener(func(StatusEvent) {})
	t2 := b.AddDocumentListener(func(DocumentEvent) {})
	require.True(t, b.Remove(t1))
	t3 := b.AddStatusListener(func(StatusEvent) {})

	assert.Less(t, t1, t2)
	assert.Less(t, t2, t3)
}

func TestBus_RemoveStopsDelivery(t *testing.T) {
	b := newTestBus(t, 0)
	var kept, removed recorder
	b.AddStatusListener(kept.status)
	tok := b.AddStatusListener(removed.status)

	b.PublishStatus(StatusEvent{State: StateConnecting})
	b.Flush()
	require.True(t, b.Remove(tok))
	assert.False(t, b.Remove(tok), "second removal is a no-op")
	assert.False(t, b.Remove(Token(999)))

	b.PublishStatus(StatusEvent{State: StateIdle})
	b.Flush()

	assert.Equal(t, []State{StateConnecting, StateIdle}, kept.snapshotStates())
	assert.Equal(t, []State{StateConnecting}, removed.snapshotStates())
}

func TestBus_ListenerSeesOnlyLaterEvents(t *testing.T) {
	b := newTestBus(t, 0)
	b.PublishStatus(StatusEvent{State: StateConnecting})

	var r recorder
	b.AddStatusListener(r.status)
	b.PublishStatus(StatusEvent{State: StateIdle})
	b.Flush()

	assert.Equal(t, []State{StateIdle}, r.snapshotStates())
}

func TestBus_DocumentListenerIgnoresStatus(t *testing.T) {
	b := newTestBus(t, 0)
	var r recorder
	b.AddDocumentListener(r.documents)

	b.PublishStatus(StatusEvent{State: StateIdle})
	b.PublishDocuments(DocumentEvent{Direction: DirectionPull, Documents: []DocumentOutcome{{DocID: "a"}}})
	b.Flush()

	assert.Empty(t, r.snapshotStates())
	assert.Equal(t, 1, r.docCount())
}

func TestBus_SharedQueue(t *testing.T) {
	b := newTestBus(t, 0)
	q := NewQueue(0)
	defer q.Close()

	var mu sync.Mutex
	var order []string
	b.AddStatusListener(func(e StatusEvent) {
		mu.Lock()
		order = append(order, "status:"+string(e.State))
		mu.Unlock()
	}, WithQueue(q))
	b.AddDocumentListener(func(e DocumentEvent) {
		mu.Lock()
		order = append(order, "docs:"+string(e.Direction))
		mu.Unlock()
	}, WithQueue(q))

	b.PublishStatus(StatusEvent{State: StateActive})
	b.PublishDocuments(DocumentEvent{Direction: DirectionPush})
	b.PublishStatus(StatusEvent{State: StateIdle})
	b.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"status:active", "docs:push", "status:idle"}, order)
}

func TestBus_SlowListenerDoesNotBlockPublisher(t *testing.T) {
	b := newTestBus(t, 4)
	release := make(chan struct{})
	var r recorder
	b.AddStatusListener(func(e StatusEvent) {
		<-release
		r.status(e)
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.PublishStatus(StatusEvent{State: StateActive})
		}
		b.PublishStatus(StatusEvent{State: StateIdle})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow listener")
	}
	close(release)
	b.Flush()

	states := r.snapshotStates()
	assert.Less(t, len(states), 101, "oldest status events were dropped")
	assert.Equal(t, StateIdle, states[len(states)-1], "newest status survives")
}

func TestBus_DocumentEventsNeverDropped(t *testing.T) {
	b := newTestBus(t, 2)
	release := make(chan struct{})
	var r recorder
	b.AddDocumentListener(func(e DocumentEvent) {
		<-release
		r.documents(e)
	})

	for i := 0; i < 50; i++ {
		b.PublishDocuments(DocumentEvent{Direction: DirectionPull})
	}
	close(release)
	b.Flush()

	assert.Equal(t, 50, r.docCount())
}

func TestBus_TerminalStatusSurvivesDocumentBacklog(t *testing.T) {
	b := newTestBus(t, 0)
	q := NewQueue(2)
	defer q.Close()

	release := make(chan struct{})
	var r recorder
	b.AddDocumentListener(func(e DocumentEvent) {
		<-release
		r.documents(e)
	}, WithQueue(q))
	b.AddStatusListener(r.status, WithQueue(q))

	for i := 0; i < 3; i++ {
		b.PublishDocuments(DocumentEvent{Direction: DirectionPush})
	}
	b.PublishStatus(StatusEvent{State: StateStopped})
	close(release)
	b.Flush()

	assert.Equal(t, 3, r.docCount())
	assert.Equal(t, []State{StateStopped}, r.snapshotStates())
}

func TestBus_PanickingListenerKeepsQueueAlive(t *testing.T) {
	b := newTestBus(t, 0)
	calls := 0
	var mu sync.Mutex
	b.AddStatusListener(func(e StatusEvent) {
		mu.Lock()
		calls++
		mu.Unlock()
		if e.State == StateActive {
			panic("boom")
		}
	})

	b.PublishStatus(StatusEvent{State: StateActive})
	b.PublishStatus(StatusEvent{State: StateIdle})
	b.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestBus_RemoveFromInsideListener(t *testing.T) {
	b := newTestBus(t, 0)
	var tok Token
	var r recorder
	tok = b.AddStatusListener(func(e StatusEvent) {
		r.status(e)
		b.Remove(tok)
	})

	b.PublishStatus(StatusEvent{State: StateConnecting})
	require.Eventually(t, func() bool { return len(r.snapshotStates()) == 1 }, time.Second, 5*time.Millisecond)
	b.PublishStatus(StatusEvent{State: StateIdle})
	b.Flush()

	assert.Equal(t, []State{StateConnecting}, r.snapshotStates())
}
