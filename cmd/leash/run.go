package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentleash/leash"
	"github.com/agentleash/leash/sandbox"
)

var (
	runPolicy  string
	runMode    string
	runImage   string
	runCPUs    float64
	runMemory  string
	runWorkDir string
	runNetwork bool
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command>...",
	Short: "Screen and execute a command in a sandbox",
	Long: `Screen the command against the selected policy, then execute it inside
namespace or container isolation as one audited session.

A blocked command exits 1 without executing. Otherwise the wrapped
command's exit code is passed through; an interrupted run exits 130.

Examples:
  leash run -- python train.py
  leash run --policy paranoid -- ./deploy.sh
  leash run --mode container --image node:22-slim --memory 512m -- npm test`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runPolicy, "policy", "default", "Policy to screen against")
	runCmd.Flags().StringVar(&runMode, "mode", "namespace", "Isolation strategy (namespace, container)")
	runCmd.Flags().StringVar(&runImage, "image", "", "Container image (container mode)")
	runCmd.Flags().Float64Var(&runCPUs, "cpus", 0, "CPU cap in cores (container mode)")
	runCmd.Flags().StringVar(&runMemory, "memory", "", "Memory cap, e.g. 512m (container mode)")
	runCmd.Flags().StringVar(&runWorkDir, "workdir", "", "Working directory (default: current)")
	runCmd.Flags().BoolVar(&runNetwork, "network", false, "Request network access (policy permitting)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	mode, err := sandbox.ParseMode(runMode)
	if err != nil {
		return err
	}
	runner, err := newRunner()
	if err != nil {
		return err
	}

	opts := []leash.Option{
		leash.WithPolicy(runPolicy),
		leash.WithMode(mode),
		leash.WithStdout(os.Stdout),
		leash.WithStderr(os.Stderr),
	}
	if runImage != "" {
		opts = append(opts, leash.WithImage(runImage))
	}
	if runCPUs > 0 {
		opts = append(opts, leash.WithCPULimit(runCPUs))
	}
	if runMemory != "" {
		opts = append(opts, leash.WithMemoryLimit(runMemory))
	}
	if runWorkDir != "" {
		opts = append(opts, leash.WithWorkDir(runWorkDir))
	}
	if cmd.Flags().Changed("network") {
		opts = append(opts, leash.WithNetwork(runNetwork))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := strings.Join(args, " ")
	res, err := runner.Run(ctx, command, opts...)

	var blocked *leash.BlockedError
	if errors.As(err, &blocked) {
		fmt.Fprintf(os.Stderr, "BLOCKED by policy %q: %s\n", blocked.Policy, strings.Join(blocked.Patterns, ", "))
		fmt.Fprintf(os.Stderr, "session: %s\n", res.SessionID)
		os.Exit(res.ExitCode)
	}
	if err != nil {
		return err
	}

	if verbose {
		fmt.Fprintf(os.Stderr, "session %s finished: exit %d in %s\n",
			res.SessionID, res.ExitCode, res.Duration.Round(time.Millisecond))
	}
	if res.ExitCode != 0 {
		os.Exit(res.ExitCode)
	}
	return nil
}
