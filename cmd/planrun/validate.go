package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/planrun/internal/plan"
	"github.com/fyrsmithlabs/planrun/internal/scheduler"
)

func init() {
	rootCmd.AddCommand(validateCmd)
}

// validateCmd checks a plan file without executing it
var validateCmd = &cobra.Command{
	Use:   "validate <plan-file>",
	Short: "Validate a plan file and preview its execution waves",
	Long: `Validate a plan file without executing it.

Checks step ids, dependency references, and acyclicity, then prints the
waves the steps would execute in. File-parameter dependencies are inferred
the same way "planrun run" infers them, so the preview matches the real
execution order.

Examples:
  # Validate a plan
  planrun validate feature.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	p, err := plan.Load(args[0])
	if err != nil {
		return err
	}

	if err := p.Validate(); err != nil {
		return fmt.Errorf("plan is invalid: %w", err)
	}
	plan.InferFileDependencies(p)

	waves, err := scheduler.Waves(p.Steps)
	if err != nil {
		return fmt.Errorf("plan is invalid: %w", err)
	}

	if p.ID != "" {
		cmd.Printf("Plan:  %s\n", p.ID)
	}
	if p.Task != "" {
		cmd.Printf("Task:  %s\n", p.Task)
	}
	cmd.Printf("Steps: %d\n", len(p.Steps))
	for i, wave := range waves {
		ids := make([]string, len(wave))
		for j, step := range wave {
			ids[j] = step.ID
		}
		cmd.Printf("  wave %d: %s\n", i+1, strings.Join(ids, ", "))
	}
	cmd.Println("Plan is valid.")
	return nil
}
