package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentleash/leash"
)

var (
	// Global flags
	rootDir string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "leash",
	Short: "Policy-screened sandboxed execution for agent commands",
	Long: `leash wraps agent-issued shell commands with policy screening, sandboxed
execution, an append-only audit trail, and file rollback.

Core Commands:
  run        Screen and execute a command in a sandbox
  logs       Show a session's audit trail
  status     Show active sessions and daemon state
  policies   List configured policies
  rollback   Undo a session's file changes
  daemon     Manage the container monitoring daemon

State lives under ~/.leash by default: per-session JSONL logs, file
backups, the policies file, and daemon state.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "State directory (default: ~/.leash)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// stateRoot returns the effective state directory.
func stateRoot() string {
	if rootDir != "" {
		return rootDir
	}
	return leash.DefaultRoot()
}

// newLogger builds the CLI's logger. Diagnostics go to stderr so command
// output stays clean on stdout.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newRunner builds a Runner from the global flags.
func newRunner() (*leash.Runner, error) {
	return leash.New(leash.Config{Root: stateRoot(), Logger: newLogger()})
}
