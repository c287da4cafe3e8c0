// Planrun executes declarative plans of generated artifacts.
//
// A plan names steps with typed prompts, file outputs, validation checks,
// and dependencies. Steps run in waves of their dependency order, parallel
// where the plan allows; failed steps are retried with their validation
// feedback, and every filesystem change is checkpointed so an unwanted run
// can be rolled back.
//
// Configuration is loaded from ~/.config/planrun/config.yaml with
// environment variable overrides. See internal/config for details.
//
// Usage:
//
//	# Execute a plan
//	planrun run feature.yaml
//
//	# Preview execution order without running anything
//	planrun validate feature.yaml
//
//	# Undo the last failed run
//	planrun rollback
//
//	# Serve the HTTP API
//	SERVER_PORT=9090 planrun serve
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planrun/internal/config"
	"github.com/fyrsmithlabs/planrun/internal/generator"
	"github.com/fyrsmithlabs/planrun/internal/logging"
	"github.com/fyrsmithlabs/planrun/internal/orchestrator"
	"github.com/fyrsmithlabs/planrun/internal/reporting"
	"github.com/fyrsmithlabs/planrun/internal/secrets"
	"github.com/fyrsmithlabs/planrun/internal/telemetry"
	"github.com/fyrsmithlabs/planrun/internal/template"
	"github.com/fyrsmithlabs/planrun/internal/validator"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath overrides the default config file location.
	configPath string

	// templatesDir holds *.tmpl prompt overrides for run and serve.
	templatesDir string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "planrun",
	Short: "Plan execution engine for generated artifacts",
	Long: `planrun executes declarative plans: steps with typed prompts, file
outputs, validation checks, and dependencies. Steps run in waves of their
dependency order, parallel where the plan allows, with failed steps retried
against their validation feedback and every filesystem change checkpointed
for rollback.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/planrun/config.yaml)")
	rootCmd.AddCommand(versionCmd)
}

// versionCmd prints full build information; --version prints the bare version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("planrun by Fyrsmith Labs\n")
		cmd.Printf("Version:    %s\n", version)
		cmd.Printf("Commit:     %s\n", gitCommit)
		cmd.Printf("Build Date: %s\n", buildDate)
	},
}

// signalContext derives a context that is cancelled on SIGINT or SIGTERM,
// giving run and serve a graceful shutdown path.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			log.Printf("Received signal %v, shutting down gracefully...", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// initLogger initializes the structured logger.
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}, nil)
}

// dependencies holds everything a plan-executing command wires up.
type dependencies struct {
	config    *config.Config
	logger    *zap.Logger
	telemetry *telemetry.Telemetry
	generator generator.Client
	natsConn  *nats.Conn
	reports   *reporting.FileReporter
	reporter  reporting.Reporter
	service   orchestrator.Service
}

// initDependencies wires configuration into a ready orchestrator service.
//
// This function initializes, in order:
//  1. Telemetry providers (no-op when disabled)
//  2. Prompt template registry, with file overrides when --templates is set
//  3. Generator client for the configured provider
//  4. Secret scrubber with project and user allowlists
//  5. Reporter fan-out: zap, run report files, optional NATS publisher
//  6. The orchestrator service itself
//
// root anchors step outputs, checkpoints, and run reports.
func initDependencies(ctx context.Context, cfg *config.Config, root string, logger *zap.Logger) (*dependencies, error) {
	tel, err := telemetry.New(ctx, cfg.Telemetry, version, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	deps := &dependencies{config: cfg, logger: logger, telemetry: tel}

	templates := template.NewRegistry(logger)
	if templatesDir != "" {
		if err := templates.LoadDir(templatesDir); err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to load prompt templates: %w", err)
		}
		logger.Info("loaded prompt template overrides", zap.String("dir", templatesDir))
	}

	gen, err := generator.NewClient(&generator.Config{
		Provider:    cfg.Generator.Provider,
		Model:       cfg.Generator.Model,
		APIKey:      cfg.Generator.APIKey.Value(),
		BaseURL:     cfg.Generator.BaseURL,
		Timeout:     cfg.Generator.Timeout.Duration(),
		Temperature: cfg.Generator.Temperature,
		MaxTokens:   cfg.Generator.MaxTokens,
		RateLimit:   cfg.Generator.RateLimit,
		RateBurst:   cfg.Generator.RateBurst,
	}, logger)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to create generator client: %w", err)
	}
	deps.generator = gen

	scrubberCfg := &secrets.Config{
		Enabled:    cfg.Generator.ScrubEnabled(),
		ProjectDir: root,
	}
	if home, err := os.UserHomeDir(); err == nil {
		scrubberCfg.UserAllowlistPath = filepath.Join(home, ".config", "planrun", "allowlist.toml")
	}
	scrubber, err := secrets.NewScrubber(scrubberCfg, logger)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to create secret scrubber: %w", err)
	}

	reportDir := cfg.Reporting.Dir
	if reportDir == "" {
		reportDir = filepath.Join(root, ".planrun", "runs")
	}
	reports, err := reporting.NewFileReporter(reportDir, logger)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to create file reporter: %w", err)
	}
	deps.reports = reports

	sinks := []reporting.Reporter{reporting.NewZapReporter(logger), reports}
	if cfg.Reporting.NATS.Enabled {
		nc, err := nats.Connect(cfg.Reporting.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.Reporting.NATS.URL, err)
		}
		deps.natsConn = nc
		logger.Info("connected to NATS", zap.String("url", cfg.Reporting.NATS.URL))

		natsReporter, err := reporting.NewNATSReporter(nc, cfg.Reporting.NATS.SubjectPrefix, logger)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to create NATS reporter: %w", err)
		}
		sinks = append(sinks, natsReporter)
	}
	deps.reporter = reporting.NewMulti(sinks...)

	svc, err := orchestrator.New(&orchestrator.Config{
		MaxRetries:    cfg.Engine.Retries(),
		MaxConcurrent: cfg.Engine.MaxConcurrent,
		WorkspaceRoot: root,
		CheckpointDir: cfg.Checkpoint.Dir,
	}, templates, gen, validator.NewRunner(logger), scrubber, deps.reporter, logger)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	deps.service = svc

	return deps, nil
}

// Close releases everything the command wired, in reverse order. The multi
// reporter owns the file and NATS sinks, so closing it covers them.
func (d *dependencies) Close() {
	if d.service != nil {
		_ = d.service.Close()
	}
	if d.reporter != nil {
		if err := d.reporter.Close(); err != nil {
			d.logger.Warn("failed to close reporters", zap.Error(err))
		}
	}
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.generator != nil {
		_ = d.generator.Close()
	}
	if d.telemetry != nil {
		if err := d.telemetry.Shutdown(context.Background()); err != nil {
			d.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
}
