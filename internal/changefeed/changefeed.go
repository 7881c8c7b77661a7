// Package changefeed iterates a store's local changes in commit order.
//
// A Feed pages through ChangesSince starting after a cursor. One-shot feeds
// end with ErrExhausted; continuous feeds block on the store's commit
// notifier and pick up where they left off, never re-delivering a sequence.
package changefeed

import (
	"context"
	"errors"

	"github.com/roach88/docsync/internal/store"
)

const defaultPageSize = 100

var (
	// ErrExhausted is returned by a one-shot feed once every change up to
	// the time of the call has been delivered.
	ErrExhausted = errors.New("change feed exhausted")

	// ErrClosed is returned after Close or when the source shuts down.
	ErrClosed = errors.New("change feed closed")
)

// Source is the part of the revision store a feed reads from.
type Source interface {
	ChangesSince(ctx context.Context, collection string, since int64, limit int) ([]store.Change, error)
	Subscribe() (<-chan struct{}, func())
}

// Options configure a Feed.
type Options struct {
	// Continuous feeds wait for new commits instead of ending.
	Continuous bool
	// PageSize bounds each read from the source. Defaults to 100.
	PageSize int
}

// Feed is an iterator over one collection's changes. Not safe for
// concurrent use.
type Feed struct {
	src        Source
	collection string
	opts       Options
	cursor     int64
	buf        []store.Change

	signal <-chan struct{}
	cancel func()
	closed bool
}

// New creates a feed that delivers changes with a sequence greater than since.
func New(src Source, collection string, since int64, opts Options) *Feed {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	f := &Feed{
		src:        src,
		collection: collection,
		opts:       opts,
		cursor:     since,
	}
	if opts.Continuous {
		// Subscribe before the first read so no commit slips between the
		// scan and the wait.
		f.signal, f.cancel = src.Subscribe()
	}
	return f
}

// Cursor returns the sequence of the last delivered change.
func (f *Feed) Cursor() int64 {
	return f.cursor
}

// Next returns the next change.
func (f *Feed) Next(ctx context.Context) (store.Change, error) {
	batch, err := f.NextBatch(ctx, 1)
	if err != nil {
		return store.Change{}, err
	}
	return batch[0], nil
}

// NextBatch returns between 1 and max changes. A continuous feed blocks until
// at least one change is available.
func (f *Feed) NextBatch(ctx context.Context, max int) ([]store.Change, error) {
	if max <= 0 {
		max = f.opts.PageSize
	}
	for {
		if f.closed {
			return nil, ErrClosed
		}
		if len(f.buf) > 0 {
			n := min(max, len(f.buf))
			out := make([]store.Change, n)
			copy(out, f.buf[:n])
			f.buf = f.buf[n:]
			f.cursor = out[n-1].Seq
			return out, nil
		}

		page, err := f.src.ChangesSince(ctx, f.collection, f.cursor, f.opts.PageSize)
		if err != nil {
			return nil, err
		}
		if len(page) > 0 {
			f.buf = page
			continue
		}

		if !f.opts.Continuous {
			return nil, ErrExhausted
		}
		if err := f.wait(ctx); err != nil {
			return nil, err
		}
	}
}

func (f *Feed) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case _, ok := <-f.signal:
		if !ok {
			f.closed = true
			return ErrClosed
		}
		return nil
	}
}

// Close releases the commit subscription.
func (f *Feed) Close() {
	if f.closed {
		return
	}
	f.closed = true
	if f.cancel != nil {
		f.cancel()
	}
}
