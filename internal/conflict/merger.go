package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/docsync/internal/revision"
)

// DefaultTimeout bounds a single resolver call.
const DefaultTimeout = 10 * time.Second

// ErrTimeout is returned when a resolver does not answer in time.
var ErrTimeout = errors.New("conflict resolver timed out")

// PanicError carries a value recovered from a panicking resolver.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("conflict resolver panicked: %v", e.Value)
}

// Merger runs a Resolver behind a call boundary and builds the merge commit.
type Merger struct {
	Resolver Resolver
	Timeout  time.Duration
	Logger   *slog.Logger
}

// NewMerger returns a Merger for r, falling back to Default when r is nil.
func NewMerger(r Resolver, timeout time.Duration, logger *slog.Logger) *Merger {
	if r == nil {
		r = Default
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{Resolver: r, Timeout: timeout, Logger: logger}
}

// Merge resolves c and returns the merge revision. Resolver errors, panics
// and timeouts are returned as errors; the caller keeps the remote revision
// as an unresolved branch.
func (m *Merger) Merge(ctx context.Context, c Case) (revision.Revision, error) {
	resolved, err := m.call(ctx, c)
	if err != nil {
		m.Logger.Warn("conflict unresolved",
			"collection", c.Collection,
			"doc_id", c.DocID,
			"local", c.Local.ID,
			"remote", c.Remote.ID,
			"error", err,
		)
		return revision.Revision{}, err
	}

	winner, loser := Winner(c.Local, c.Remote)
	merge, err := revision.NewMerge(c.DocID, winner, loser, resolved.Body, resolved.Deleted)
	if err != nil {
		return revision.Revision{}, fmt.Errorf("build merge: %w", err)
	}

	m.Logger.Debug("conflict resolved",
		"collection", c.Collection,
		"doc_id", c.DocID,
		"merge", merge.ID,
		"deleted", merge.Deleted,
	)
	return merge, nil
}

type callResult struct {
	rev revision.Revision
	err error
}

// call invokes the resolver on its own goroutine so a resolver that never
// returns cannot stall replication. The goroutine is abandoned on timeout.
func (m *Merger) call(ctx context.Context, c Case) (revision.Revision, error) {
	ctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- callResult{err: &PanicError{Value: v}}
			}
		}()
		rev, err := m.Resolver.Resolve(ctx, c)
		done <- callResult{rev: rev, err: err}
	}()

	select {
	case res := <-done:
		return res.rev, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return revision.Revision{}, ErrTimeout
		}
		return revision.Revision{}, ctx.Err()
	}
}
