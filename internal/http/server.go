// Package http provides the HTTP API for planrun: plan execution and
// validation, checkpoint rollback, and health.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planrun/internal/checkpoint"
	"github.com/fyrsmithlabs/planrun/internal/orchestrator"
	"github.com/fyrsmithlabs/planrun/internal/plan"
	"github.com/fyrsmithlabs/planrun/internal/scheduler"
)

// Server provides HTTP endpoints for planrun.
type Server struct {
	echo         *echo.Echo
	orchestrator orchestrator.Service
	logger       *zap.Logger
	config       *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// WorkspaceRoot and CheckpointDir locate the checkpoint records served
	// by the rollback endpoint.
	WorkspaceRoot string
	CheckpointDir string
}

// NewServer creates a new HTTP server.
func NewServer(svc orchestrator.Service, logger *zap.Logger, cfg *Config) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("orchestrator service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host:          "127.0.0.1",
			Port:          8390,
			WorkspaceRoot: ".",
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:         e,
		orchestrator: svc,
		logger:       logger,
		config:       cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Health check
	s.echo.GET("/health", s.handleHealth)

	// API v1 routes
	v1 := s.echo.Group("/api/v1")
	v1.POST("/plans/execute", s.handleExecute)
	v1.POST("/plans/validate", s.handleValidate)
	v1.POST("/rollback", s.handleRollback)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleExecute runs the posted plan to completion and returns the
// aggregated result. The run is tied to the request context, so a client
// that disconnects aborts the run; anything already written stays on disk
// for rollback.
func (s *Server) handleExecute(c echo.Context) error {
	var p plan.Plan
	if err := c.Bind(&p); err != nil {
		s.logger.Warn("invalid execute request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := s.orchestrator.ExecutePlan(c.Request().Context(), &p)
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrStructural):
		// The partial result is still the authoritative answer; its
		// structural_failure field names the stuck steps.
	case errors.Is(err, orchestrator.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
	case isPlanInvalid(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("plan execution failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "plan execution failed")
	}

	return c.JSON(http.StatusOK, result)
}

// handleValidate checks the posted plan and previews its waves without
// executing anything.
func (s *Server) handleValidate(c echo.Context) error {
	var p plan.Plan
	if err := c.Bind(&p); err != nil {
		s.logger.Warn("invalid validate request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := p.Validate(); err != nil {
		return c.JSON(http.StatusOK, ValidateResponse{
			Valid: false,
			Error: err.Error(),
			Steps: len(p.Steps),
		})
	}

	plan.InferFileDependencies(&p)
	waves, err := scheduler.Waves(p.Steps)
	if err != nil {
		return c.JSON(http.StatusOK, ValidateResponse{
			Valid: false,
			Error: err.Error(),
			Steps: len(p.Steps),
		})
	}

	preview := make([][]string, len(waves))
	for i, wave := range waves {
		ids := make([]string, len(wave))
		for j := range wave {
			ids[j] = wave[j].ID
		}
		preview[i] = ids
	}

	return c.JSON(http.StatusOK, ValidateResponse{
		Valid: true,
		Steps: len(p.Steps),
		Waves: preview,
	})
}

// handleRollback undoes the most recent run with a persisted checkpoint.
func (s *Server) handleRollback(c echo.Context) error {
	store, err := checkpoint.OpenLatest(&checkpoint.Config{
		Root: s.config.WorkspaceRoot,
		Dir:  s.config.CheckpointDir,
	}, s.logger)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNoCheckpoint) {
			return echo.NewHTTPError(http.StatusNotFound, "no checkpoint to roll back")
		}
		s.logger.Error("failed to open checkpoint", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to open checkpoint")
	}
	defer store.Close()

	runID := store.Record().RunID
	summary, err := store.Rollback(c.Request().Context())
	if err != nil {
		s.logger.Error("rollback failed",
			zap.String("run_id", runID),
			zap.Error(err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "rollback failed")
	}

	s.logger.Info("rollback served",
		zap.String("run_id", runID),
		zap.Int("deleted", len(summary.Deleted)),
		zap.Int("restored", len(summary.Restored)),
	)

	return c.JSON(http.StatusOK, RollbackResponse{
		RunID:      runID,
		Deleted:    summary.Deleted,
		Restored:   summary.Restored,
		PrunedDirs: summary.PrunedDirs,
	})
}

// isPlanInvalid reports whether err stems from plan ingestion validation,
// which maps to a client error rather than a server one.
func isPlanInvalid(err error) bool {
	return errors.Is(err, plan.ErrEmptyStepID) ||
		errors.Is(err, plan.ErrDuplicateID) ||
		errors.Is(err, plan.ErrUnknownDependency) ||
		errors.Is(err, plan.ErrSelfDependency) ||
		errors.Is(err, plan.ErrCircularDependency)
}

// Echo exposes the underlying router so callers can attach extra handlers,
// like the Prometheus metrics endpoint.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
