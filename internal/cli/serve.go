package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/salvacell/offsync/internal/api"
	"github.com/salvacell/offsync/internal/backup"
	"github.com/salvacell/offsync/internal/logging"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon and local control API",
		Long: `Run the sync daemon: poll connectivity, sync on every online transition,
purge synced queue items periodically, and serve the control API, the
WebSocket state feed and Prometheus metrics.

Example:
  offsync serve --config offsync.yaml
  offsync serve --listen 127.0.0.1:9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logging.Info("Received signal, shutting down", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	return withApp(ctx, opts.RootOptions, func(app *App) error {
		addr := app.Config.Listen
		if opts.Listen != "" {
			addr = opts.Listen
		}

		gin.SetMode(gin.ReleaseMode)
		srv := api.NewServer(addr, api.Deps{
			Engine:       app.Engine,
			Queue:        app.Queue,
			Network:      app.Monitor,
			Offline:      app.Offline,
			Metrics:      app.Metrics.Handler(),
			ProbeTimeout: app.Config.ProbeTimeout,
		})

		exporter, err := app.Exporter(ctx)
		if err != nil {
			return commandError("open backup store", err)
		}
		backups := backup.NewScheduler(exporter, backup.ScheduleConfig{
			Interval:  app.Config.Backup.Interval,
			Retention: app.Config.Backup.Keep,
		})

		app.Probe(ctx)
		app.Poller.Start(ctx)
		app.Scheduler.Start(ctx)
		backups.Start(ctx)

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		fmt.Fprintf(cmd.OutOrStdout(), "offsync serving on %s (online=%t)\n", addr, app.Monitor.IsOnline())

		var serveErr error
		select {
		case <-ctx.Done():
		case serveErr = <-errCh:
		}

		backups.Stop()
		app.Scheduler.Stop()
		app.Poller.Stop()

		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("Control API shutdown incomplete", map[string]interface{}{"error": err.Error()})
		}

		if serveErr != nil {
			return WrapExitError(ExitCommandError, "serve control API", serveErr)
		}
		logging.Info("Stopped gracefully", nil)
		return nil
	})
}
