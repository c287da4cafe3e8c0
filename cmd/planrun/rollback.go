package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/planrun/internal/checkpoint"
	"github.com/fyrsmithlabs/planrun/internal/config"
	"github.com/fyrsmithlabs/planrun/internal/workspace"
)

func init() {
	rootCmd.AddCommand(rollbackCmd)
}

// rollbackCmd undoes the most recent run that left a checkpoint
var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Undo the filesystem changes of the most recent checkpointed run",
	Long: `Undo the filesystem changes of the most recent run that left a
checkpoint behind.

Files the run created are deleted (with empty parent directories pruned up
to the workspace root), files it modified are restored to their pre-run
content, and the checkpoint record is removed. Fully successful runs clear
their checkpoint, so only failed or aborted runs can be rolled back.

Examples:
  # Undo the last failed run
  planrun rollback`,
	RunE: runRollback,
}

func runRollback(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ws, err := workspace.Detect(cfg.Workspace.Root)
	if err != nil {
		return err
	}

	store, err := checkpoint.OpenLatest(&checkpoint.Config{
		Root: ws.Root,
		Dir:  cfg.Checkpoint.Dir,
	}, nil)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNoCheckpoint) {
			return errors.New("no checkpoint to roll back")
		}
		return err
	}
	defer store.Close()

	runID := store.Record().RunID
	summary, err := store.Rollback(cmd.Context())
	if err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	cmd.Printf("Rolled back run %s\n", runID)
	for _, path := range summary.Deleted {
		cmd.Printf("  deleted   %s\n", path)
	}
	for _, path := range summary.Restored {
		cmd.Printf("  restored  %s\n", path)
	}
	for _, dir := range summary.PrunedDirs {
		cmd.Printf("  pruned    %s\n", dir)
	}
	return nil
}
