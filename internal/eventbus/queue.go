package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultQueueCapacity bounds the number of queued status deliveries.
const DefaultQueueCapacity = 64

type item struct {
	droppable bool
	run       func()
}

// Queue is a serial delivery context: one goroutine runs queued deliveries
// in FIFO order.
//
// The queue is bounded for status events only. When it is full, the oldest
// queued status delivery is dropped to make room; document deliveries are
// always accepted, and so is a status when no older one is queued.
type Queue struct {
	mu       sync.Mutex
	items    []item
	capacity int
	closed   bool
	signal   chan struct{} // buffered, size 1
	done     chan struct{}
	dropped  atomic.Uint64
	logger   *slog.Logger
}

// NewQueue starts a delivery goroutine. capacity <= 0 uses
// DefaultQueueCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &Queue{
		items:    make([]item, 0, 16),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   slog.Default(),
	}
	go q.loop()
	return q
}

// enqueue adds a delivery. Never blocks. Returns false if the queue is
// closed.
func (q *Queue) enqueue(it item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if it.droppable && len(q.items) >= q.capacity {
		// Without an older status to replace, the queue grows past its bound.
		if i := q.oldestDroppable(); i >= 0 {
			q.dropped.Add(1)
			q.items = append(q.items[:i], q.items[i+1:]...)
		}
	}

	q.items = append(q.items, it)

	// Signal availability (non-blocking - buffer of 1 coalesces multiple signals)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *Queue) oldestDroppable() int {
	for i, it := range q.items {
		if it.droppable {
			return i
		}
	}
	return -1
}

func (q *Queue) tryDequeue() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return item{}, false
	}
	it := q.items[0]
	q.items[0] = item{} // release the closure for GC
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return it, true
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		if it, ok := q.tryDequeue(); ok {
			q.deliver(it)
			continue
		}

		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			// Drain anything enqueued before Close.
			for {
				it, ok := q.tryDequeue()
				if !ok {
					return
				}
				q.deliver(it)
			}
		}

		<-q.signal
	}
}

// deliver runs one listener call. A panicking listener does not take the
// queue down.
func (q *Queue) deliver(it item) {
	defer func() {
		if v := recover(); v != nil {
			q.logger.Error("event listener panicked", "panic", v)
		}
	}()
	it.run()
}

// Sync blocks until every delivery enqueued before the call has run.
func (q *Queue) Sync() {
	done := make(chan struct{})
	if !q.enqueue(item{run: func() { close(done) }}) {
		return
	}
	<-done
}

// Dropped returns the number of status deliveries discarded so far.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Close stops accepting deliveries, runs the ones already queued, and waits
// for the delivery goroutine to exit. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	q.mu.Unlock()
	<-q.done
}
