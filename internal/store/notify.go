package store

import "sync"

// notifier fans out "something committed" signals to subscribers.
//
// Each subscriber owns a channel with a buffer of one; signals coalesce, so a
// subscriber that wakes up must re-read the changes feed rather than count
// signals.
type notifier struct {
	mu     sync.Mutex
	subs   map[int]chan struct{}
	nextID int
	closed bool
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[int]chan struct{})}
}

func (n *notifier) subscribe() (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan struct{}, 1)
	if n.closed {
		close(ch)
		return ch, func() {}
	}

	id := n.nextID
	n.nextID++
	n.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if sub, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

func (n *notifier) notify() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.subs {
		// Non-blocking: buffer of 1 coalesces bursts.
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}

// Subscribe returns a channel that receives a signal after every commit that
// moves a leaf or records a conflict. The channel is closed when the
// subscription is cancelled or the store is closed.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	return s.notifier.subscribe()
}
