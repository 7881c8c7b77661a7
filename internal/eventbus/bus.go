// Package eventbus delivers replication status and per-document outcomes to
// listeners without blocking the replicator.
//
// Publishing only enqueues; each listener runs on a Queue (its own by
// default, or one shared through WithQueue). Delivery is FIFO per listener.
// Listeners added mid-run see only events published after they were added.
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Token identifies a registered listener. Tokens are never reused.
type Token uint64

type listener struct {
	token     Token
	status    func(StatusEvent)
	documents func(DocumentEvent)
	queue     *Queue
	ownsQueue bool
	removed   atomic.Bool
}

// Option configures a listener.
type Option func(*listener)

// WithQueue delivers to the listener on q instead of a private queue.
// The caller owns q and closes it.
func WithQueue(q *Queue) Option {
	return func(l *listener) {
		l.queue = q
	}
}

// Bus fans events out to listeners.
type Bus struct {
	mu        sync.Mutex
	nextToken Token
	slots     []*listener // removed listeners stay as tombstones until compaction
	live      int
	capacity  int
	logger    *slog.Logger
}

// New creates a bus whose private queues hold up to capacity status events.
func New(capacity int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{capacity: capacity, logger: logger}
}

// AddStatusListener registers fn for status events.
func (b *Bus) AddStatusListener(fn func(StatusEvent), opts ...Option) Token {
	return b.add(&listener{status: fn}, opts)
}

// AddDocumentListener registers fn for document events. Register before
// starting a replication to see every outcome.
func (b *Bus) AddDocumentListener(fn func(DocumentEvent), opts ...Option) Token {
	return b.add(&listener{documents: fn}, opts)
}

func (b *Bus) add(l *listener, opts []Option) Token {
	for _, opt := range opts {
		opt(l)
	}
	if l.queue == nil {
		l.queue = NewQueue(b.capacity)
		l.ownsQueue = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextToken++
	l.token = b.nextToken
	b.slots = append(b.slots, l)
	b.live++
	return l.token
}

// Remove unregisters a listener. Deliveries already queued for it are
// skipped. Returns false for unknown or already removed tokens.
func (b *Bus) Remove(token Token) bool {
	b.mu.Lock()
	var found *listener
	for _, l := range b.slots {
		if l != nil && l.token == token && !l.removed.Load() {
			found = l
			break
		}
	}
	if found == nil {
		b.mu.Unlock()
		return false
	}
	found.removed.Store(true)
	b.live--
	b.compactLocked()
	b.mu.Unlock()

	if found.ownsQueue {
		// Runs on its own goroutine: Remove may be called from a listener.
		go found.queue.Close()
	}
	return true
}

// compactLocked drops tombstones once they outnumber live listeners.
// Publishers iterate a snapshot, so compaction never races an iteration.
func (b *Bus) compactLocked() {
	if len(b.slots)-b.live <= b.live {
		return
	}
	kept := make([]*listener, 0, b.live)
	for _, l := range b.slots {
		if !l.removed.Load() {
			kept = append(kept, l)
		}
	}
	b.slots = kept
}

func (b *Bus) snapshot() []*listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*listener, len(b.slots))
	copy(out, b.slots)
	return out
}

// PublishStatus enqueues e for every status listener. Never blocks.
func (b *Bus) PublishStatus(e StatusEvent) {
	for _, l := range b.snapshot() {
		if l.status == nil || l.removed.Load() {
			continue
		}
		l := l
		if !l.queue.enqueue(item{droppable: true, run: func() {
			if !l.removed.Load() {
				l.status(e)
			}
		}}) {
			b.logger.Debug("status event dropped", "state", e.State, "token", l.token)
		}
	}
}

// PublishDocuments enqueues e for every document listener. Never blocks and
// never drops.
func (b *Bus) PublishDocuments(e DocumentEvent) {
	for _, l := range b.snapshot() {
		if l.documents == nil || l.removed.Load() {
			continue
		}
		l := l
		l.queue.enqueue(item{run: func() {
			if !l.removed.Load() {
				l.documents(e)
			}
		}})
	}
}

// Flush waits until every event published before the call has been delivered.
func (b *Bus) Flush() {
	seen := make(map[*Queue]bool)
	for _, l := range b.snapshot() {
		if l.removed.Load() || seen[l.queue] {
			continue
		}
		seen[l.queue] = true
		l.queue.Sync()
	}
}

// Close removes every listener and stops their private queues after
// draining them.
func (b *Bus) Close() {
	b.mu.Lock()
	slots := b.slots
	b.slots = nil
	b.live = 0
	b.mu.Unlock()

	for _, l := range slots {
		if l.ownsQueue {
			l.queue.Close()
		}
		l.removed.Store(true)
	}
}
