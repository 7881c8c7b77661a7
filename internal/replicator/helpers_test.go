package replicator

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/eventbus"
	"github.com/roach88/docsync/internal/peer"
	"github.com/roach88/docsync/internal/store"
	"github.com/roach88/docsync/internal/testutil"
	"github.com/roach88/docsync/internal/transport"
)

const coll = "notes"

// link connects a local store to a passive peer serving remote over pipes.
// Every dial opens a fresh pipe, so Break simulates a lost network.
type link struct {
	local  *store.Store
	remote *store.Store

	ctx    context.Context
	wg     sync.WaitGroup
	mu     sync.Mutex
	ends   []*transport.PipeEnd
	dials  atomic.Int32
	wrap   func(transport.Session) transport.Session
	refuse atomic.Bool
}

func newLink(t *testing.T) *link {
	t.Helper()
	return linkStores(t, testutil.OpenStore(t, "local"), testutil.OpenStore(t, "remote"))
}

func linkStores(t *testing.T, local, remote *store.Store) *link {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{local: local, remote: remote, ctx: ctx}
	t.Cleanup(func() {
		cancel()
		l.wg.Wait()
	})
	return l
}

func (l *link) dial(ctx context.Context) (transport.Session, error) {
	l.dials.Add(1)
	if l.refuse.Load() {
		return nil, transport.ErrBroken
	}
	client, server := transport.Pipe()
	p := peer.New(l.remote, testutil.Logger())
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		_ = p.Serve(l.ctx, server)
	}()

	l.mu.Lock()
	l.ends = append(l.ends, client)
	l.mu.Unlock()
	if l.wrap != nil {
		return l.wrap(client), nil
	}
	return client, nil
}

// breakLink severs the newest session.
func (l *link) breakLink() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.ends); n > 0 {
		l.ends[n-1].Break()
	}
}

// recorder collects bus events.
type recorder struct {
	bus *eventbus.Bus

	mu       sync.Mutex
	statuses []eventbus.StatusEvent
	docs     []eventbus.DocumentEvent
}

func newRecorder(t *testing.T) *recorder {
	t.Helper()
	rec := &recorder{bus: eventbus.New(4096, testutil.Logger())}
	rec.bus.AddStatusListener(func(e eventbus.StatusEvent) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.statuses = append(rec.statuses, e)
	})
	rec.bus.AddDocumentListener(func(e eventbus.DocumentEvent) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.docs = append(rec.docs, e)
	})
	t.Cleanup(rec.bus.Close)
	return rec
}

// states returns the state transitions seen so far, collapsing the repeats
// that progress updates produce.
func (rec *recorder) states() []eventbus.State {
	rec.bus.Flush()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var out []eventbus.State
	for _, e := range rec.statuses {
		if len(out) == 0 || out[len(out)-1] != e.State {
			out = append(out, e.State)
		}
	}
	return out
}

func (rec *recorder) count(state eventbus.State) int {
	rec.bus.Flush()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	n := 0
	for _, e := range rec.statuses {
		if e.State == state {
			n++
		}
	}
	return n
}

func (rec *recorder) outcomes(dir eventbus.Direction) []eventbus.DocumentOutcome {
	rec.bus.Flush()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var out []eventbus.DocumentOutcome
	for _, e := range rec.docs {
		if e.Direction == dir {
			out = append(out, e.Documents...)
		}
	}
	return out
}

func (rec *recorder) lastStatus() eventbus.StatusEvent {
	rec.bus.Flush()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.statuses[len(rec.statuses)-1]
}

func newReplicator(t *testing.T, l *link, rec *recorder, mutate func(*Config)) *Replicator {
	t.Helper()
	cfg := Config{
		Store:          l.local,
		Target:         "pipe://remote",
		Dialer:         l.dial,
		Direction:      DirectionPushAndPull,
		Collections:    []string{coll},
		Logger:         testutil.Logger(),
		RetryBase:      10 * time.Millisecond,
		RetryMax:       50 * time.Millisecond,
		RequestTimeout: 5 * time.Second,
	}
	if rec != nil {
		cfg.Bus = rec.bus
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Stop()
		<-r.Done()
	})
	return r
}

func waitDone(t *testing.T, r *Replicator) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("replicator did not stop; state %s", r.Status().State)
	}
}

func waitState(t *testing.T, r *Replicator, state eventbus.State) {
	t.Helper()
	require.Eventually(t, func() bool { return r.Status().State == state },
		10*time.Second, 5*time.Millisecond, "waiting for state %s", state)
}

// runOnce starts a one-shot run and waits for it to finish.
func runOnce(t *testing.T, r *Replicator, reset bool) {
	t.Helper()
	require.NoError(t, r.Start(reset))
	waitDone(t, r)
}

// flakySession breaks the link when the n+1th frame of a type is sent.
type flakySession struct {
	transport.Session
	frameType []byte
	allowed   int32
	seen      atomic.Int32
}

func (s *flakySession) Send(ctx context.Context, frame []byte) error {
	if bytes.Contains(frame, s.frameType) && s.seen.Add(1) > s.allowed {
		s.Session.Close()
		return transport.ErrBroken
	}
	return s.Session.Send(ctx, frame)
}
