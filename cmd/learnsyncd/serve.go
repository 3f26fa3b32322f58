package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/learnsync/core/cmd/learnsyncd/handlers"
	"github.com/kimhsiao/learnsync/core/internal/config"
	"github.com/kimhsiao/learnsync/core/internal/logging"
)

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon and its local HTTP API",
		Long: `Run the sync engine, connectivity probing and scheduled maintenance, and
serve the local API:

  GET  /api/health
  GET  /api/sync/status
  POST /api/sync/trigger
  GET  /api/sync/queue
  GET  /api/sync/conflicts
  POST /api/sync/conflicts/{id}/resolve
  POST /api/network
  GET  /ws/sync

Example:
  learnsyncd serve --config ./learnsync.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts, nil)
		},
	}
}

// runServe blocks until ctx is done or the listener fails. When ready is
// non-nil it receives the bound address once the API accepts connections.
func runServe(ctx context.Context, opts *RootOptions, ready chan<- string) error {
	cfg := opts.manager.Current()
	logger := opts.logger

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}
	if err := d.start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(err, d.stop(stopCtx))
	}

	opts.manager.Watch(func(old, updated *config.Config) {
		if old.Logging.Level != updated.Logging.Level && !opts.Verbose {
			logger.SetLevel(logging.ParseLevel(updated.Logging.Level))
			logger.Info("Log level changed", map[string]interface{}{"level": updated.Logging.Level})
		}
	})

	api := handlers.NewSyncHandler(d.engine, d.monitor, d.queue)
	api.SetLogger(logger)
	srv := &http.Server{
		Handler:      api.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(err, d.stop(stopCtx))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", map[string]interface{}{"addr": ln.Addr().String()})
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if ready != nil {
		ready <- ln.Addr().String()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down server...")
	case serveErr = <-errCh:
		logger.Error("Server failed", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", err)
	}
	if err := d.stop(shutdownCtx); err != nil {
		logger.Error("Daemon shutdown incomplete", err)
		serveErr = errors.Join(serveErr, err)
	}
	logger.Info("Server exited")
	return serveErr
}
