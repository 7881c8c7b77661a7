package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/docsync/internal/checkpoint"
	"github.com/roach88/docsync/internal/conflict"
	"github.com/roach88/docsync/internal/eventbus"
	"github.com/roach88/docsync/internal/peer"
	"github.com/roach88/docsync/internal/replicator"
	"github.com/roach88/docsync/internal/revision"
	"github.com/roach88/docsync/internal/store"
	"github.com/roach88/docsync/internal/testutil"
	"github.com/roach88/docsync/internal/transport"
)

// StepTimeout bounds one replication step.
const StepTimeout = 30 * time.Second

// node is one peer of a scenario.
type node struct {
	store       *store.Store
	checkpoints checkpoint.Store
}

// Harness executes one scenario.
type Harness struct {
	scenario *Scenario
	peers    map[string]*node
	clock    *testutil.DeterministicClock
	logger   *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against fresh stores in a temporary directory that is
// removed afterwards. Step failures and failed assertions are reported in
// the result; the error return is reserved for harness failures.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a parent context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "docsync-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	h := &Harness{
		scenario: scenario,
		peers:    make(map[string]*node, len(scenario.Peers)),
		clock:    testutil.NewDeterministicClock(time.Second),
		logger:   slog.New(slog.DiscardHandler),
	}
	defer h.close()

	for _, name := range scenario.Peers {
		st, err := store.Open(filepath.Join(dir, name+".db"))
		if err != nil {
			return nil, fmt.Errorf("failed to open store for peer %s: %w", name, err)
		}
		cps, err := checkpoint.NewSQLite(st.DB())
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to open checkpoints for peer %s: %w", name, err)
		}
		h.peers[name] = &node{store: st, checkpoints: cps}
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		ts, err := h.execute(ctx, step)
		ts.Step = i + 1
		result.Trace = append(result.Trace, ts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			result.AddError(fmt.Sprintf("steps[%d] (%s): %v", i, step.Op, err))
		}
	}

	if err := h.snapshot(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to read final state: %w", err)
	}
	for _, msg := range EvaluateAssertions(ctx, h, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) close() {
	for _, n := range h.peers {
		n.store.Close()
	}
}

func (h *Harness) collection(name string) string {
	if name != "" {
		return name
	}
	return h.scenario.collections()[0]
}

func (h *Harness) execute(ctx context.Context, step Step) (TraceStep, error) {
	ts := TraceStep{Op: step.Op, Peer: step.Peer, Remote: step.Remote}
	if step.replicates() {
		outcomes, err := h.replicate(ctx, step)
		ts.Outcomes = outcomes
		if err != nil {
			ts.Error = errorCode(err)
		}
		return ts, err
	}

	coll := h.collection(step.Collection)
	ts.Doc = coll + "/" + step.Doc
	st := h.peers[step.Peer].store

	var rev revision.Revision
	var err error
	switch step.Op {
	case OpPut:
		var body revision.Object
		if body, err = revision.FromAny(step.Body); err != nil {
			return ts, fmt.Errorf("body: %w", err)
		}
		rev, err = st.SaveDocument(ctx, coll, step.Doc, body)
	case OpDelete:
		rev, err = st.DeleteDocument(ctx, coll, step.Doc)
	}
	if err != nil {
		return ts, err
	}
	ts.Generation = rev.Generation
	return ts, nil
}

// replicate runs one one-shot replication with step.Peer active against a
// passive peer serving step.Remote over in-memory pipes.
func (h *Harness) replicate(ctx context.Context, step Step) ([]TraceOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()

	local := h.peers[step.Peer]
	remote := h.peers[step.Remote]

	serveCtx, stopServing := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(serveCtx)
	dial := func(context.Context) (transport.Session, error) {
		client, server := transport.Pipe()
		p := peer.New(remote.store, h.logger)
		g.Go(func() error { return p.Serve(gctx, server) })
		return client, nil
	}

	bus := eventbus.New(eventbus.DefaultQueueCapacity, h.logger)
	defer bus.Close()
	var mu sync.Mutex
	var outcomes []TraceOutcome
	bus.AddDocumentListener(func(e eventbus.DocumentEvent) {
		mu.Lock()
		defer mu.Unlock()
		for _, d := range e.Documents {
			outcomes = append(outcomes, traceOutcome(e.Direction, d))
		}
	})

	r, err := replicator.New(replicator.Config{
		Store:       local.store,
		Target:      "pipe://" + step.Remote,
		Dialer:      dial,
		Direction:   direction(step.Op),
		Collections: h.scenario.collections(),
		Resolver:    resolver(step.Resolver),
		Checkpoints: local.checkpoints,
		Bus:         bus,
		Logger:      h.logger,
		Now:         h.clock.Now,
		MaxRetries:  -1,
	})
	if err != nil {
		stopServing()
		return nil, err
	}
	if err := r.Start(false); err != nil {
		stopServing()
		return nil, err
	}
	select {
	case <-r.Done():
	case <-ctx.Done():
		r.Stop()
		<-r.Done()
	}

	stopServing()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug("passive peer exited", "error", err)
	}
	bus.Flush()

	mu.Lock()
	defer mu.Unlock()
	if ctx.Err() != nil {
		return outcomes, fmt.Errorf("replication did not finish: %w", ctx.Err())
	}
	return outcomes, r.Err()
}

func direction(op string) replicator.Direction {
	switch op {
	case OpPush:
		return replicator.DirectionPush
	case OpPull:
		return replicator.DirectionPull
	default:
		return replicator.DirectionPushAndPull
	}
}

func resolver(name string) conflict.Resolver {
	switch name {
	case ResolverLocal:
		return conflict.ResolverFunc(func(_ context.Context, c conflict.Case) (revision.Revision, error) {
			return c.Local, nil
		})
	case ResolverRemote:
		return conflict.ResolverFunc(func(_ context.Context, c conflict.Case) (revision.Revision, error) {
			return c.Remote, nil
		})
	case ResolverDelete:
		return conflict.ResolverFunc(func(context.Context, conflict.Case) (revision.Revision, error) {
			return conflict.Deletion(), nil
		})
	default:
		return conflict.Default
	}
}

func traceOutcome(dir eventbus.Direction, d eventbus.DocumentOutcome) TraceOutcome {
	gen, _ := revision.ParseGeneration(d.RevID)
	out := TraceOutcome{
		Direction:  string(dir),
		Doc:        d.Collection + "/" + d.DocID,
		Generation: gen,
		Deleted:    d.Deleted,
	}
	if d.Err != nil {
		out.Error = errorCode(d.Err)
	}
	return out
}

// errorCode reduces an error to a stable short code for traces.
func errorCode(err error) string {
	var rerr *replicator.Error
	switch {
	case errors.As(err, &rerr):
		return strings.ToLower(string(rerr.Code))
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

// snapshot records every peer's leaves.
func (h *Harness) snapshot(ctx context.Context, result *Result) error {
	for name, n := range h.peers {
		leaves := make(map[string]LeafState)
		for _, coll := range h.scenario.collections() {
			ids, err := n.store.Leaves(ctx, coll)
			if err != nil {
				return err
			}
			for docID := range ids {
				rev, err := n.store.Leaf(ctx, coll, docID)
				if err != nil {
					return err
				}
				state := LeafState{Generation: rev.Generation, Deleted: rev.Deleted}
				if len(rev.Body) > 0 {
					state.Body = toAny(rev.Body).(map[string]any)
				}
				leaves[coll+"/"+docID] = state
			}
		}
		result.Final[name] = leaves
	}
	return nil
}

// toAny converts a body value back to plain Go values.
func toAny(v revision.Value) any {
	switch val := v.(type) {
	case revision.String:
		return string(val)
	case revision.Int:
		return int64(val)
	case revision.Bool:
		return bool(val)
	case revision.Array:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = toAny(e)
		}
		return out
	case revision.Object:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = toAny(e)
		}
		return out
	default:
		return nil
	}
}
