// Package replicator drives checkpointed replication between a local store
// and one remote peer.
//
// A Replicator runs its protocol on a single goroutine. Start and Stop return
// immediately; progress is reported through the event bus:
//
//	stopped -> connecting -> catching_up -> idle <-> active -> stopping -> stopped
//
// Continuous replications additionally go offline when the connection is
// lost and return to connecting on their own, with exponential backoff.
//
// Every pulled batch is fetched, resolved and committed in one store
// transaction before the checkpoint advances, so a run interrupted at any
// point resumes from the last committed batch. Re-applying a revision the
// store already holds is a no-op.
package replicator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/docsync/internal/checkpoint"
	"github.com/roach88/docsync/internal/conflict"
	"github.com/roach88/docsync/internal/eventbus"
)

// Status is a snapshot of a replicator.
type Status struct {
	State    eventbus.State
	Progress eventbus.Progress
	// Err is the most recent error; cleared once a new session catches up.
	Err error
}

// Replicator replicates the configured collections with one remote.
// All methods are safe for concurrent use.
type Replicator struct {
	cfg    Config
	id     string
	remote string
	logger *slog.Logger
	merger *conflict.Merger

	mu          sync.Mutex
	state       eventbus.State
	progress    eventbus.Progress
	lastErr     error
	terminalErr error
	serverPeer  string
	suspended   bool
	cancel      context.CancelFunc
	done        chan struct{}
	resume      chan struct{}
	sessionStop context.CancelFunc

	// Owned by the run goroutine.
	cursors map[string]*cursorState
}

// New validates cfg, fills defaults and returns a stopped replicator.
func New(cfg Config) (*Replicator, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	id := checkpoint.ReplicationID(cfg.Store.PeerID(), cfg.Target, string(cfg.Direction))

	done := make(chan struct{})
	close(done)
	logger := cfg.Logger.With("replication", shortID(id), "target", cfg.Target)
	return &Replicator{
		cfg:    cfg,
		id:     id,
		remote: cfg.Target,
		logger: logger,
		merger: conflict.NewMerger(cfg.Resolver, cfg.ResolverTimeout, logger),
		state:  eventbus.StateStopped,
		done:   done,
		resume: make(chan struct{}, 1),
	}, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// ID returns the replication identity that keys checkpoints.
func (r *Replicator) ID() string {
	return r.id
}

// Start begins a run. With resetCheckpoint the stored checkpoints are
// discarded and catch-up starts from the beginning of both feeds.
//
// Returns ErrAlreadyRunning unless the replicator is stopped, or when another
// replicator with the same identity is running in this process.
func (r *Replicator) Start(resetCheckpoint bool) error {
	if err := r.cfg.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != eventbus.StateStopped {
		return ErrAlreadyRunning
	}
	if !acquire(r.id) {
		return fmt.Errorf("%w: identity %s is in use", ErrAlreadyRunning, shortID(r.id))
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.progress = eventbus.Progress{}
	r.lastErr = nil
	r.terminalErr = nil
	r.setStateLocked(eventbus.StateConnecting, nil)

	r.logger.Info("replicator starting",
		"direction", r.cfg.Direction,
		"collections", r.cfg.Collections,
		"continuous", r.cfg.Continuous,
		"reset", resetCheckpoint,
	)
	go r.run(ctx, resetCheckpoint)
	return nil
}

// Stop ends the current run. Safe to call at any time and more than once;
// only the first call of a run has an effect. Returns without waiting; use
// Done to wait for the stopped state.
func (r *Replicator) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == eventbus.StateStopped || r.state == eventbus.StateStopping {
		return
	}
	r.setStateLocked(eventbus.StateStopping, nil)
	r.cancel()
}

// Done is closed when the current run has stopped.
func (r *Replicator) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Err returns the error that ended the last run, or nil.
func (r *Replicator) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminalErr
}

// Status returns the current state, progress and last error.
func (r *Replicator) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{State: r.state, Progress: r.progress, Err: r.lastErr}
}

// ServerPeerID returns the remote peer id learned in the last hello, or ""
// before the first connection.
func (r *Replicator) ServerPeerID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.serverPeer
}

// Suspend disconnects and keeps the replicator offline until resumed with
// Suspend(false). It does not stop the run. One-shot replicators return
// ErrNotContinuous.
func (r *Replicator) Suspend(suspended bool) error {
	if !r.cfg.Continuous {
		return ErrNotContinuous
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.suspended == suspended {
		return nil
	}
	r.suspended = suspended
	r.logger.Info("replicator suspension changed", "suspended", suspended)
	if suspended {
		if r.sessionStop != nil {
			r.sessionStop()
		}
		return nil
	}
	select {
	case r.resume <- struct{}{}:
	default:
	}
	return nil
}

func (r *Replicator) isSuspended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suspended
}

// PendingDocumentIDs returns the ids of documents whose current revision the
// remote has not acknowledged, sorted.
func (r *Replicator) PendingDocumentIDs(ctx context.Context, collection string) ([]string, error) {
	if err := r.checkPending(collection); err != nil {
		return nil, err
	}
	ids, err := r.cfg.Store.PendingDocumentIDs(ctx, r.remote, collection)
	if err != nil {
		return nil, storageError(collection, err)
	}
	return ids, nil
}

// IsDocumentPending reports whether docID has local changes the remote has
// not acknowledged.
func (r *Replicator) IsDocumentPending(ctx context.Context, docID, collection string) (bool, error) {
	if err := r.checkPending(collection); err != nil {
		return false, err
	}
	pending, err := r.cfg.Store.IsDocumentPending(ctx, r.remote, collection, docID)
	if err != nil {
		return false, storageError(collection, err)
	}
	return pending, nil
}

func (r *Replicator) checkPending(collection string) error {
	if !r.cfg.participates(collection) {
		return fmt.Errorf("%w: %q", ErrNotParticipating, collection)
	}
	if !r.cfg.Direction.pushes() {
		return ErrPullOnly
	}
	return nil
}

// PendingConflictCount returns the number of conflict branches still waiting
// for resolution across the configured collections.
func (r *Replicator) PendingConflictCount(ctx context.Context) (int, error) {
	total := 0
	for _, coll := range r.cfg.Collections {
		n, err := r.cfg.Store.ConflictCount(ctx, coll)
		if err != nil {
			return 0, storageError(coll, err)
		}
		total += n
	}
	return total, nil
}

// setState moves the run to state. A stopping replicator only moves on to
// stopped.
func (r *Replicator) setState(state eventbus.State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == eventbus.StateStopping && state != eventbus.StateStopped {
		return
	}
	r.setStateLocked(state, err)
}

func (r *Replicator) setStateLocked(state eventbus.State, err error) {
	if state == r.state && err == nil {
		return
	}
	r.state = state
	if err != nil {
		r.lastErr = err
	}
	r.logger.Debug("replicator state", "state", state, "error", err)
	r.publishStatusLocked(err)
}

func (r *Replicator) publishStatusLocked(err error) {
	if r.cfg.Bus == nil {
		return
	}
	r.cfg.Bus.PublishStatus(eventbus.StatusEvent{
		State:    r.state,
		Progress: r.progress,
		Err:      err,
		Time:     r.cfg.Now(),
	})
}

// markActive moves a catching-up or idle run to active when a batch has
// work.
func (r *Replicator) markActive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == eventbus.StateIdle || r.state == eventbus.StateCatchingUp {
		r.setStateLocked(eventbus.StateActive, nil)
	}
}

// caughtUp clears the last error once a session works again.
func (r *Replicator) caughtUp() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = nil
}

func (r *Replicator) addProgress(total, completed int) {
	if total == 0 && completed == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress.Total += int64(total)
	r.progress.Completed += int64(completed)
	r.publishStatusLocked(nil)
}

func (r *Replicator) setServerPeer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serverPeer = id
}

// fail records a terminal error; it is reported before the stopped event.
func (r *Replicator) fail(err error) {
	r.logger.Error("replication failed", "error", err)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminalErr = err
	r.lastErr = err
	if r.state == eventbus.StateStopping {
		r.publishStatusLocked(err)
		return
	}
	r.setStateLocked(eventbus.StateStopping, err)
}

func (r *Replicator) publishDocuments(dir eventbus.Direction, outcomes []eventbus.DocumentOutcome) {
	if r.cfg.Bus == nil || len(outcomes) == 0 {
		return
	}
	r.cfg.Bus.PublishDocuments(eventbus.DocumentEvent{Direction: dir, Documents: outcomes})
}

// finish ends a run: flushes checkpoints, frees the identity and emits the
// single stopped event.
func (r *Replicator) finish() {
	r.flushCheckpoints()
	release(r.id)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != eventbus.StateStopping {
		r.setStateLocked(eventbus.StateStopping, nil)
	}
	r.state = eventbus.StateStopped
	r.publishStatusLocked(r.terminalErr)
	r.sessionStop = nil
	r.cancel()
	close(r.done)
	r.logger.Info("replicator stopped", "completed", r.progress.Completed, "error", r.terminalErr)
}
