package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/outboxd/internal/broadcast"
	"github.com/roach88/outboxd/internal/connectivity"
	"github.com/roach88/outboxd/internal/coordinator"
	"github.com/roach88/outboxd/internal/offline"
	"github.com/roach88/outboxd/internal/remote"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Online bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the outboxd sync daemon.

The daemon opens the outbox database and offline spool, tracks connectivity
by probing the remote health URL, and drains the outbox to the remote
endpoint on reconnect, on a periodic timer, when retries come due, and when
another process stages offline actions in the spool.

Example:
  outboxd run --config ./outboxd.yaml
  OUTBOXD_REMOTE_URL=http://localhost:8080 outboxd run --db ./outbox.db -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Online, "online", false, "start online instead of waiting for the first probe")

	return cmd
}

func runDaemon(opts *RunOptions, cmd *cobra.Command) error {
	cfg := opts.Config
	if cfg.Remote.URL == "" {
		return NewExitError(ExitCommandError, "remote.url is required (set --config or OUTBOXD_REMOTE_URL)")
	}

	slog.Info("opening database", "path", cfg.DB)
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	recorder, err := opts.openRecorder(st)
	if err != nil {
		return err
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	monitor := connectivity.NewMonitor(opts.Online || cfg.Connectivity.InitialOnline, nil)
	bus := broadcast.New()
	defer bus.Close()
	bus.OnCollectionsChanged(func(collections []string) {
		slog.Info("collections changed", "collections", collections, "event", "collections_changed")
	})

	endpoint := remote.NewHTTPEndpoint(&http.Client{}, cfg.Remote.URL)
	coord, err := coordinator.New(st, endpoint, monitor, bus, cfg.Coordinator(),
		coordinator.WithPromoter(recorder))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create coordinator", err)
	}
	defer coord.Close()

	watcher, err := offline.NewSpoolWatcher(cfg.Spool, coord.Trigger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to watch spool", err)
	}
	if err := watcher.Start(); err != nil {
		return WrapExitError(ExitCommandError, "failed to watch spool", err)
	}
	defer watcher.Stop()

	if probeURL := cfg.ProbeURL(); probeURL != "" {
		prober := connectivity.NewProber(probeURL, cfg.Connectivity.ProbeInterval, monitor)
		go func() {
			if err := prober.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("connectivity prober stopped", "error", err)
			}
		}()
	}

	slog.Info("daemon starting", "db", cfg.DB, "remote", cfg.Remote.URL, "spool", cfg.Spool)
	fmt.Fprintln(cmd.OutOrStdout(), "Sync daemon started. Press Ctrl-C to stop.")

	if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "coordinator error", err)
	}

	slog.Info("daemon stopped gracefully")
	return nil
}
