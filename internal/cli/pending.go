package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/docsync/internal/logsink"
)

// PendingOptions holds flags for the pending command.
type PendingOptions struct {
	*RootOptions
	Database    string
	Target      string
	Direction   string
	Collections []string
}

// PendingResult lists documents not yet pushed to the target.
type PendingResult struct {
	Target    string              `json:"target"`
	Documents map[string][]string `json:"documents"`
	Conflicts int                 `json:"conflicts"`
}

func (p PendingResult) String() string {
	var b strings.Builder
	total := 0
	for coll, ids := range p.Documents {
		total += len(ids)
		for _, id := range ids {
			fmt.Fprintf(&b, "%s/%s\n", coll, id)
		}
	}
	fmt.Fprintf(&b, "%d documents pending for %s, %d unresolved conflicts", total, p.Target, p.Conflicts)
	return b.String()
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PendingOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List documents not yet pushed to a target",
		Long: `List the documents whose current leaf the target has not acknowledged,
and the number of unresolved conflicts in the replicated collections.

Example:
  docsync pending --db ./local.db --target ws://peer:4984/sync -C notes`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPending(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&opts.Target, "target", "", "remote peer URL")
	cmd.Flags().StringVar(&opts.Direction, "direction", "", "replication direction (pull-only replications track nothing)")
	cmd.Flags().StringSliceVarP(&opts.Collections, "collection", "C", nil, "collection (repeatable)")

	return cmd
}

func runPending(opts *PendingOptions, cmd *cobra.Command) error {
	f, restore, err := settings(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer restore()

	overrideString(cmd, "db", &f.Database, opts.Database)
	overrideString(cmd, "target", &f.Target, opts.Target)
	overrideString(cmd, "direction", &f.Direction, opts.Direction)
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

	ctx := cmd.Context()
	result := PendingResult{Target: f.Target, Documents: make(map[string][]string, len(f.Collections))}
	for _, coll := range f.Collections {
		ids, err := r.PendingDocumentIDs(ctx, coll)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list pending documents", err)
		}
		result.Documents[coll] = ids
	}
	if result.Conflicts, err = r.PendingConflictCount(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to count conflicts", err)
	}
	return formatter(opts.RootOptions, cmd).Success(result)
}
