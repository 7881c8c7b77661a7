package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/roach88/docsync/internal/config"
	"github.com/roach88/docsync/internal/eventbus"
	"github.com/roach88/docsync/internal/logsink"
	"github.com/roach88/docsync/internal/replicator"
	"github.com/roach88/docsync/internal/store"
	"github.com/roach88/docsync/internal/transport"
)

// ReplicateOptions holds flags for the replicate command.
type ReplicateOptions struct {
	*RootOptions
	Database    string
	Target      string
	Direction   string
	Collections []string
	Checkpoints string
	Continuous  bool
	Reset       bool
}

// ReplicationSummary is printed when a replication ends.
type ReplicationSummary struct {
	Target    string            `json:"target"`
	Direction string            `json:"direction"`
	Pushed    int               `json:"pushed"`
	Pulled    int               `json:"pulled"`
	Failed    int               `json:"failed"`
	Progress  eventbus.Progress `json:"progress"`
	Error     string            `json:"error,omitempty"`
}

// NewReplicateCommand creates the replicate command.
func NewReplicateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplicateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replicate",
		Short: "Replicate a store with a remote peer",
		Long: `Replicate the configured collections with a peer started by "serve".

Progress is checkpointed so an interrupted replication resumes where it
stopped. One-shot replications exit once both sides are caught up;
continuous ones stay connected, go offline when the network drops and
reconnect with backoff until interrupted.

Exit codes:
  0 - Replication finished
  1 - Replication failed (transport or storage error)
  2 - Command error (bad flags or config)

Examples:
  docsync replicate --db ./local.db --target ws://peer:4984/sync -C notes
  docsync replicate --config docsync.yaml --continuous
  docsync replicate --db ./local.db --target ws://peer:4984/sync -C notes --reset`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplicate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&opts.Target, "target", "", "remote peer URL (ws:// or wss://)")
	cmd.Flags().StringVar(&opts.Direction, "direction", "", "push, pull or push_and_pull (default push_and_pull)")
	cmd.Flags().StringSliceVarP(&opts.Collections, "collection", "C", nil, "collection to replicate (repeatable)")
	cmd.Flags().StringVar(&opts.Checkpoints, "checkpoints", "", "checkpoint backend DSN (default: the database itself)")
	cmd.Flags().BoolVar(&opts.Continuous, "continuous", false, "keep replicating until interrupted")
	cmd.Flags().BoolVar(&opts.Reset, "reset", false, "discard checkpoints and catch up from the beginning")

	return cmd
}

// applyReplicateFlags layers given flags over the loaded config and checks
// the result against the schema again.
func applyReplicateFlags(cmd *cobra.Command, opts *ReplicateOptions, f *config.File) error {
	overrideString(cmd, "db", &f.Database, opts.Database)
	overrideString(cmd, "target", &f.Target, opts.Target)
	overrideString(cmd, "direction", &f.Direction, opts.Direction)
	overrideString(cmd, "checkpoints", &f.Checkpoints, opts.Checkpoints)
	if cmd.Flags().Changed("collection") {
		f.Collections = opts.Collections
	}
	if opts.Continuous {
		f.Continuous = true
	}
	if err := config.Validate(f); err != nil {
		return WrapExitError(ExitCommandError, "invalid replication settings", err)
	}
	if f.Target == "" {
		return NewExitError(ExitCommandError, "a target is required (--target or target: in the config)")
	}
	if len(f.Collections) == 0 {
		return NewExitError(ExitCommandError, "at least one collection is required (--collection or collections: in the config)")
	}
	return nil
}

func runReplicate(opts *ReplicateOptions, cmd *cobra.Command) error {
	f, restore, err := settings(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer restore()
	if err := applyReplicateFlags(cmd, opts, f); err != nil {
		return err
	}

	st, err := openStore(f.Database)
	if err != nil {
		return err
	}
	defer closeStore(st)

	cps, err := f.CheckpointStore(st)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open checkpoint store", err)
	}
	defer cps.Close()

	logger := logsink.Logger(logsink.DomainReplicator)
	bus := eventbus.New(eventbus.DefaultQueueCapacity, logger)
	defer bus.Close()

	out := formatter(opts.RootOptions, cmd)
	summary := &ReplicationSummary{Target: f.Target}
	watcher := newProgressPrinter(out, summary)
	bus.AddStatusListener(watcher.status)
	bus.AddDocumentListener(watcher.documents)

	cfg := replicator.Config{
		Store:       st,
		Checkpoints: cps,
		Bus:         bus,
		Logger:      logger,
	}
	f.ApplyTo(&cfg)
	if cfg.Dialer, err = dialerFor(cfg.Target); err != nil {
		return WrapExitError(ExitCommandError, "unsupported target", err)
	}

	r, err := replicator.New(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid replication settings", err)
	}
	summary.Direction = string(cfg.Direction)

	ctx, cancel := signalContext(cmd, logger)
	defer cancel()

	if err := r.Start(opts.Reset); err != nil {
		return WrapExitError(ExitFailure, "failed to start replication", err)
	}
	select {
	case <-r.Done():
	case <-ctx.Done():
		r.Stop()
		<-r.Done()
	}
	bus.Flush()

	runErr := r.Err()
	summary.Progress = r.Status().Progress
	if runErr != nil {
		summary.Error = runErr.Error()
	}
	if err := watcher.finish(); err != nil {
		return err
	}
	if runErr != nil {
		return WrapExitError(ExitFailure, "replication failed", runErr)
	}
	return nil
}

// dialerFor returns a websocket dialer for ws:// and wss:// targets, logging
// connection attempts to the network domain.
func dialerFor(target string) (transport.Dialer, error) {
	if !strings.HasPrefix(target, "ws://") && !strings.HasPrefix(target, "wss://") {
		return nil, fmt.Errorf("target %q: only ws:// and wss:// can be dialed", target)
	}
	logger := logsink.Logger(logsink.DomainNetwork)
	dial := transport.WebSocketDialer(target)
	return func(ctx context.Context) (transport.Session, error) {
		logger.Debug("dialing", "target", target)
		sess, err := dial(ctx)
		if err != nil {
			logger.Warn("dial failed", "target", target, "error", err)
			return nil, err
		}
		logger.Debug("connected", "target", target)
		return sess, nil
	}, nil
}

// progressPrinter renders replicator events. Listener callbacks run on the
// bus queue, so the summary is guarded until finish.
type progressPrinter struct {
	out *OutputFormatter

	mu      sync.Mutex
	summary *ReplicationSummary
}

func newProgressPrinter(out *OutputFormatter, summary *ReplicationSummary) *progressPrinter {
	return &progressPrinter{out: out, summary: summary}
}

func (p *progressPrinter) status(e eventbus.StatusEvent) {
	if e.Err != nil {
		p.out.VerboseLog("%s: %v", e.State, e.Err)
		return
	}
	p.out.VerboseLog("%s (%d/%d)", e.State, e.Progress.Completed, e.Progress.Total)
}

func (p *progressPrinter) documents(e eventbus.DocumentEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range e.Documents {
		if d.Err != nil {
			p.summary.Failed++
			p.out.VerboseLog("%s %s/%s %s failed: %v", e.Direction, d.Collection, d.DocID, d.RevID, d.Err)
			continue
		}
		switch e.Direction {
		case eventbus.DirectionPush:
			p.summary.Pushed++
		case eventbus.DirectionPull:
			p.summary.Pulled++
		}
		p.out.VerboseLog("%s %s/%s %s", e.Direction, d.Collection, d.DocID, d.RevID)
	}
}

func (p *progressPrinter) finish() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.summary
	if p.out.Format == "json" {
		if s.Error != "" {
			return p.out.Error(CodeReplication, s.Error, s)
		}
		return p.out.Success(s)
	}
	writeSummary(p.out.Writer, s)
	return nil
}

func writeSummary(w io.Writer, s *ReplicationSummary) {
	fmt.Fprintf(w, "Replication with %s (%s): %d pushed, %d pulled, %d failed\n",
		s.Target, s.Direction, s.Pushed, s.Pulled, s.Failed)
	if s.Error != "" {
		fmt.Fprintf(w, "✗ %s\n", s.Error)
		return
	}
	fmt.Fprintln(w, "✓ Caught up")
}

// pendingReplicator builds a replicator that is never started, to answer
// pending-document queries for a target.
func pendingReplicator(st *store.Store, f *config.File, logger *slog.Logger) (*replicator.Replicator, error) {
	cfg := replicator.Config{
		Store:  st,
		Logger: logger,
		Dialer: func(context.Context) (transport.Session, error) {
			return nil, errors.New("not dialed")
		},
	}
	f.ApplyTo(&cfg)
	return replicator.New(cfg)
}
