package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planrun/internal/config"
	httpserver "github.com/fyrsmithlabs/planrun/internal/http"
	"github.com/fyrsmithlabs/planrun/internal/logging"
	"github.com/fyrsmithlabs/planrun/internal/plan"
	"github.com/fyrsmithlabs/planrun/internal/scheduler"
	"github.com/fyrsmithlabs/planrun/internal/watch"
	"github.com/fyrsmithlabs/planrun/internal/workspace"
)

var watchDir string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&watchDir, "watch-dir", "", "directory of plan files to validate as they change")
	serveCmd.Flags().StringVar(&templatesDir, "templates", "", "directory of *.tmpl prompt template overrides")
}

// serveCmd runs the HTTP API server
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the planrun HTTP API server",
	Long: `Start the HTTP API server.

Endpoints:
  POST /api/v1/plans/execute   Execute a plan
  POST /api/v1/plans/validate  Validate a plan and preview its waves
  POST /api/v1/rollback        Roll back the most recent checkpointed run
  GET  /health                 Health check
  GET  /metrics                Prometheus metrics

With --watch-dir, plan files in that directory are validated as they
appear or change and the outcome is logged.

Examples:
  # Serve on the configured host and port
  planrun serve

  # Also validate plans as they are edited
  planrun serve --watch-dir ./plans`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	ws, err := workspace.Detect(cfg.Workspace.Root)
	if err != nil {
		return err
	}

	deps, err := initDependencies(ctx, cfg, ws.Root, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	logger.Info("starting planrun",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("workspace", ws.Root),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()),
	)

	srv, err := httpserver.NewServer(deps.service, logger, &httpserver.Config{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		WorkspaceRoot: ws.Root,
		CheckpointDir: cfg.Checkpoint.Dir,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	// Register metrics endpoint
	srv.Echo().GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if watchDir != "" {
		watcher, err := watch.New(&watch.Config{Dir: watchDir}, logger)
		if err != nil {
			return fmt.Errorf("failed to create plan watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start plan watcher: %w", err)
		}
		defer watcher.Stop()
		go watchPlans(ctx, watcher, logger)
	}

	logger.Info("server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// watchPlans validates each changed plan file and logs the outcome.
func watchPlans(ctx context.Context, watcher *watch.Watcher, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			p, err := plan.Load(ev.Path)
			if err != nil {
				logger.Warn("plan file unreadable", zap.String("path", ev.Path), zap.Error(err))
				continue
			}
			if err := p.Validate(); err != nil {
				logger.Warn("plan invalid", zap.String("path", ev.Path), zap.Error(err))
				continue
			}
			plan.InferFileDependencies(p)
			waves, err := scheduler.Waves(p.Steps)
			if err != nil {
				logger.Warn("plan invalid", zap.String("path", ev.Path), zap.Error(err))
				continue
			}
			logger.Info("plan valid",
				zap.String("path", ev.Path),
				zap.String("plan_id", p.ID),
				zap.Int("steps", len(p.Steps)),
				zap.Int("waves", len(waves)),
			)
		}
	}
}
