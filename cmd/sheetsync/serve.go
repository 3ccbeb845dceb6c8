package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/sheetsync/internal/schedule"
	"github.com/JonMunkholm/sheetsync/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled cycles, file watchers and the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	dispatcher, err := schedule.NewDispatcher(a.engine, a.sync.Mappings, cfg.Sync.DefaultInterval)
	if err != nil {
		return err
	}
	for id, every := range dispatcher.Intervals() {
		slog.Debug("mapping scheduled", "mapping", id, "every", every)
	}

	// Background jobs stop when jobCtx is cancelled, before the server drains.
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	// A failing job is logged and does not take the others down.
	var jobs errgroup.Group
	startJob := func(name string, run func(context.Context) error) {
		jobs.Go(func() error {
			if err := run(jobCtx); err != nil {
				slog.Error("background job failed", "job", name, "error", err)
			}
			return nil
		})
	}

	startJob("dispatcher", dispatcher.Run)
	if cfg.Sync.Watch {
		if w := schedule.NewWatcher(a.engine, a.sync.Mappings, cfg.Sync.WatchDebounce); !w.Empty() {
			startJob("watcher", w.Run)
		}
	}
	if r := schedule.NewRetention(a.store, cfg.Audit.Retention(), cfg.Audit.PurgeInterval); r != nil {
		startJob("retention", r.Run)
	}

	server := web.NewServer(a.engine, a.store, a.pinger, cfg.Server, cfg.Security)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			cancelJobs()
			_ = jobs.Wait()
			return err
		}
	}

	// Stop background jobs
	cancelJobs()
	_ = jobs.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Wait for running cycles to commit or fail (with timeout)
	limiter := a.engine.Limiter()
	if status := limiter.Status(); status.Active > 0 {
		slog.Info("waiting for cycles to complete", "active", status.Active)
		if err := limiter.WaitForDrain(shutdownCtx); err != nil {
			slog.Warn("cycles did not complete in time", "error", err)
		} else {
			slog.Info("all cycles completed")
		}
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("server stopped")
	return nil
}
