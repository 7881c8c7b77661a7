package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/docsync/internal/checkpoint"
	"github.com/roach88/docsync/internal/logsink"
)

// CheckpointOptions holds flags shared by the checkpoint subcommands.
type CheckpointOptions struct {
	*RootOptions
	Database    string
	Target      string
	Direction   string
	Collections []string
	Checkpoints string
}

// CheckpointInfo is the stored position of one collection.
type CheckpointInfo struct {
	Collection   string     `json:"collection"`
	Key          string     `json:"key"`
	Stored       bool       `json:"stored"`
	LocalCursor  int64      `json:"local_cursor"`
	RemoteCursor int64      `json:"remote_cursor"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
}

// CheckpointList renders a set of checkpoints.
type CheckpointList []CheckpointInfo

func (l CheckpointList) String() string {
	lines := make([]string, len(l))
	for i, c := range l {
		if !c.Stored {
			lines[i] = fmt.Sprintf("%s: no checkpoint", c.Collection)
			continue
		}
		lines[i] = fmt.Sprintf("%s: local=%d remote=%d at %s",
			c.Collection, c.LocalCursor, c.RemoteCursor, c.Timestamp.Format(time.RFC3339))
	}
	return strings.Join(lines, "\n")
}

// NewCheckpointCommand creates the checkpoint command group.
func NewCheckpointCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckpointOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or discard replication checkpoints",
		Long: `Checkpoints are keyed by the replication identity: the local peer id,
the target and the direction. Pass the same flags (or config) as the
replication they belong to.`,
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.PersistentFlags().StringVar(&opts.Target, "target", "", "remote peer URL")
	cmd.PersistentFlags().StringVar(&opts.Direction, "direction", "", "replication direction")
	cmd.PersistentFlags().StringSliceVarP(&opts.Collections, "collection", "C", nil, "collection (repeatable)")
	cmd.PersistentFlags().StringVar(&opts.Checkpoints, "checkpoints", "", "checkpoint backend DSN (default: the database itself)")

	cmd.AddCommand(&cobra.Command{
		Use:           "show",
		Short:         "Print stored checkpoints",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpoint(opts, cmd, false)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Discard stored checkpoints",
		Long: `Discard the checkpoints of a replication so its next run catches up from
the beginning of both change feeds. Already-held revisions are skipped, so
this is safe but may be slow.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpoint(opts, cmd, true)
		},
	})

	return cmd
}

func runCheckpoint(opts *CheckpointOptions, cmd *cobra.Command, reset bool) error {
	f, restore, err := settings(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer restore()

	overrideString(cmd, "db", &f.Database, opts.Database)
	overrideString(cmd, "target", &f.Target, opts.Target)
	overrideString(cmd, "direction", &f.Direction, opts.Direction)
	overrideString(cmd, "checkpoints", &f.Checkpoints, opts.Checkpoints)
	if cmd.Flags().Changed("collection") {
		f.Collections = opts.Collections
	}

	st, err := openStore(f.Database)
	if err != nil {
		return err
	}
	defer closeStore(st)

	r, err := pendingReplicator(st, f, logsink.Logger(logsink.DomainReplicator))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid replication settings", err)
	}
	cps, err := f.CheckpointStore(st)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open checkpoint store", err)
	}
	defer cps.Close()

	ctx := cmd.Context()
	list := make(CheckpointList, 0, len(f.Collections))
	for _, coll := range f.Collections {
		key := checkpoint.Key(r.ID(), coll)
		if reset {
			if err := cps.Reset(ctx, key); err != nil {
				return WrapExitError(ExitFailure, "failed to reset checkpoint", err)
			}
		}
		info := CheckpointInfo{Collection: coll, Key: key}
		cp, err := cps.Load(ctx, key)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to load checkpoint", err)
		}
		if cp != nil {
			info.Stored = true
			info.LocalCursor = cp.LocalCursor
			info.RemoteCursor = cp.RemoteCursor
			ts := cp.Timestamp
			info.Timestamp = &ts
		}
		list = append(list, info)
	}
	return formatter(opts.RootOptions, cmd).Success(list)
}
