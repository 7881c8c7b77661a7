package cli

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/roach88/docsync/internal/logsink"
	"github.com/roach88/docsync/internal/peer"
)

// DefaultListenAddr is used when neither --addr nor listen: is set.
const DefaultListenAddr = ":4984"

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Database string
	Addr     string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a store to remote replicators",
		Long: `Serve a revision store as a passive peer.

Replicators connect to ws://<addr>/sync. Pushed revisions are applied only
when they extend the local leaf; forks are reported back so the replicator
pulls, merges and pushes the merge. GET /healthz reports the peer id and the
last sequence number.

Example:
  docsync serve --db ./server.db --addr :4984`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&opts.Addr, "addr", DefaultListenAddr, "listen address")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	f, restore, err := settings(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer restore()

	overrideString(cmd, "db", &f.Database, opts.Database)
	overrideString(cmd, "addr", &f.Listen, opts.Addr)

	st, err := openStore(f.Database)
	if err != nil {
		return err
	}
	defer closeStore(st)

	logger := logsink.Logger(logsink.DomainListener)
	ctx, cancel := signalContext(cmd, logger)
	defer cancel()

	out := formatter(opts.RootOptions, cmd)
	srv := peer.NewServer(peer.New(st, logger))
	err = srv.ListenAndServe(ctx, f.Listen, func(addr net.Addr) {
		if out.Format == "json" {
			_ = out.Success(map[string]string{
				"addr":    addr.String(),
				"peer_id": st.PeerID(),
			})
			return
		}
		fmt.Fprintf(out.Writer, "Serving peer %s on ws://%s/sync\n", st.PeerID(), addr)
		fmt.Fprintln(out.Writer, "Press Ctrl-C to stop.")
	})
	if err != nil {
		return WrapExitError(ExitFailure, "listener error", err)
	}

	logger.Info("listener stopped gracefully")
	return nil
}
