package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/docsync/internal/config"
	"github.com/roach88/docsync/internal/logsink"
	"github.com/roach88/docsync/internal/store"
)

// settings loads the config file and environment, then installs the log
// sinks. The returned func restores the default sinks and closes any log
// file.
func settings(opts *RootOptions, cmd *cobra.Command) (*config.File, func(), error) {
	f, err := config.Load(opts.Config)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logCfg, err := f.LogConfig(opts.Verbose)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "invalid logging config", err)
	}
	if logCfg.Console != nil {
		logCfg.Console.Writer = cmd.ErrOrStderr()
	}
	if err := logsink.Configure(logCfg); err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to configure logging", err)
	}
	return f, logsink.Reset, nil
}

// overrideString sets *dst to the flag value when the flag was given, or
// when the config left *dst empty and the flag has a default.
func overrideString(cmd *cobra.Command, name string, dst *string, value string) {
	if cmd.Flags().Changed(name) || (*dst == "" && value != "") {
		*dst = value
	}
}

// openStore opens the revision store named by the --db flag or the config.
func openStore(path string) (*store.Store, error) {
	if path == "" {
		return nil, NewExitError(ExitCommandError, "a database is required (--db or database: in the config)")
	}
	logger := logsink.Logger(logsink.DomainDatabase)
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	logger.Debug("store opened", "path", st.Path(), "peer_id", st.PeerID())
	return st, nil
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		logsink.Logger(logsink.DomainDatabase).Error("error closing database", "error", err)
	}
}

func formatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// signalContext is cancelled on SIGINT, SIGTERM or when the command's own
// context ends.
func signalContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
