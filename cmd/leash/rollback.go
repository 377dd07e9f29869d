package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	rollbackSteps int
	rollbackList  bool
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <session-id>",
	Short: "Undo a session's file changes",
	Long: `Restore the pre-images captured for a session, newest change first. By
default every captured change is restored; --steps limits how many.

A session that is still running cannot be rolled back.

Examples:
  leash rollback 20260829_142301_a3f1
  leash rollback 20260829_142301_a3f1 --steps 2
  leash rollback 20260829_142301_a3f1 --list`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

var rollbackPruneOlder time.Duration

var rollbackPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old backup sets",
	Long: `Delete backup sets whose sessions are older than the given age.

Examples:
  leash rollback prune --older-than 168h`,
	Args: cobra.NoArgs,
	RunE: runRollbackPrune,
}

func init() {
	rollbackCmd.Flags().IntVar(&rollbackSteps, "steps", 0, "Restore only the last N changes (0 = all)")
	rollbackCmd.Flags().BoolVar(&rollbackList, "list", false, "List captured backups without restoring")
	rollbackPruneCmd.Flags().DurationVar(&rollbackPruneOlder, "older-than", 7*24*time.Hour, "Minimum age of backup sets to remove")
	rollbackCmd.AddCommand(rollbackPruneCmd)
	rootCmd.AddCommand(rollbackCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	runner, err := newRunner()
	if err != nil {
		return err
	}
	sessionID := args[0]

	if rollbackList {
		backups, err := runner.Backups(sessionID)
		if err != nil {
			return err
		}
		if len(backups) == 0 {
			fmt.Println("no backups")
			return nil
		}
		for _, b := range backups {
			kind := "pre-image"
			if b.BackupPath == "" {
				kind = "created (restore deletes)"
			}
			fmt.Printf("%3d  %-28s  %s\n", b.Sequence, kind, b.OriginalPath)
		}
		return nil
	}

	results, err := runner.Rollback(sessionID, rollbackSteps)
	if err != nil {
		return err
	}
	restored := 0
	for _, res := range results {
		if res.Restored {
			restored++
			fmt.Printf("restored  %s\n", res.Path)
		} else {
			fmt.Printf("FAILED    %s: %v\n", res.Path, res.Err)
		}
	}
	fmt.Printf("%d of %d paths restored\n", restored, len(results))
	return nil
}

func runRollbackPrune(cmd *cobra.Command, args []string) error {
	runner, err := newRunner()
	if err != nil {
		return err
	}
	pruned, err := runner.PruneBackups(rollbackPruneOlder)
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d backup sets\n", pruned)
	return nil
}
