package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planrun/internal/config"
	"github.com/fyrsmithlabs/planrun/internal/logging"
	"github.com/fyrsmithlabs/planrun/internal/plan"
	"github.com/fyrsmithlabs/planrun/internal/workspace"
)

var allowDirty bool

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&allowDirty, "allow-dirty", false, "run even if the git worktree has uncommitted changes")
	runCmd.Flags().StringVar(&templatesDir, "templates", "", "directory of *.tmpl prompt template overrides")
}

// runCmd executes a plan file against the workspace
var runCmd = &cobra.Command{
	Use:   "run <plan-file>",
	Short: "Execute a plan file",
	Long: `Execute a plan file against the workspace.

Steps run in dependency waves; parallelizable steps share a wave up to
engine.max_concurrent. Every file the run creates or modifies is recorded
in a checkpoint, so "planrun rollback" can undo a failed or unwanted run.
Inside a git repository the run refuses a dirty worktree unless
--allow-dirty is set, and outputs resolve against the worktree root.

Examples:
  # Execute a plan
  planrun run feature.yaml

  # Run despite uncommitted changes
  planrun run --allow-dirty feature.yaml

  # Override the built-in prompt templates
  planrun run --templates ./prompts feature.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	p, err := plan.Load(args[0])
	if err != nil {
		return err
	}

	ws, err := workspace.Detect(cfg.Workspace.Root)
	if err != nil {
		return err
	}
	if cfg.Workspace.CleanRequired() && !allowDirty {
		if err := ws.RequireClean(); err != nil {
			return fmt.Errorf("%w (commit, stash, or pass --allow-dirty)", err)
		}
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	deps, err := initDependencies(ctx, cfg, ws.Root, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	logger.Info("executing plan",
		zap.String("plan_file", args[0]),
		zap.String("plan_id", p.ID),
		zap.Int("steps", len(p.Steps)),
		zap.String("workspace", ws.Root),
		zap.Bool("git_repo", ws.GitRepo),
		zap.String("branch", ws.Branch),
	)

	result, err := deps.service.ExecutePlan(ctx, p)
	if result != nil {
		printResult(cmd, deps, result)
	}
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("plan failed: %d of %d executed steps failed", len(result.FailedSteps), len(result.Steps))
	}
	return nil
}

// printResult writes the human summary. The full result and event log are
// persisted by the file reporter.
func printResult(cmd *cobra.Command, deps *dependencies, result *plan.ExecutionResult) {
	status := "succeeded"
	if !result.Success {
		status = "failed"
	}
	cmd.Printf("Run %s %s in %s\n", result.RunID, status,
		result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))

	for _, sr := range result.Steps {
		mark := "ok"
		if !sr.Success {
			mark = "FAILED"
		}
		cmd.Printf("  %-6s  %s (%d attempt(s))\n", mark, sr.StepID, sr.Attempts)
		if !sr.Success && len(sr.Errors) > 0 {
			last := sr.Errors[len(sr.Errors)-1]
			cmd.Printf("          %s\n", firstLine(last))
		}
	}

	if result.StructuralFailure != "" {
		cmd.Printf("Structural failure: %s\n", result.StructuralFailure)
	}
	if len(result.EscalateToCloud) > 0 {
		ids := make([]string, len(result.EscalateToCloud))
		for i, step := range result.EscalateToCloud {
			ids[i] = step.ID
		}
		cmd.Printf("Escalated: %s\n", strings.Join(ids, ", "))
	}
	cmd.Printf("Report: %s\n", deps.reports.RunDir(result.RunID))
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx != -1 {
		return s[:idx]
	}
	return s
}
