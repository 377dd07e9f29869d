package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentleash/leash/daemon"
)

var (
	daemonForeground bool
	daemonInterval   time.Duration
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the container monitoring daemon",
	Long: `The daemon polls sandbox-managed containers at a fixed interval, records
their resource usage, and appends alerts when usage crosses thresholds.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the monitoring daemon",
	Long: `Start the daemon in the background. With --foreground the poll loop runs
in this process until interrupted.

Examples:
  leash daemon start
  leash daemon start --interval 10s
  leash daemon start --foreground`,
	Args: cobra.NoArgs,
	RunE: runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the monitoring daemon",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon liveness",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

func init() {
	daemonStartCmd.Flags().BoolVar(&daemonForeground, "foreground", false, "Run the poll loop in this process")
	daemonStartCmd.Flags().DurationVar(&daemonInterval, "interval", daemon.DefaultInterval, "Poll interval")
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

// newDaemon builds a Daemon wired so that a background start re-executes
// this binary with the foreground flag.
func newDaemon() *daemon.Daemon {
	args := []string{"daemon", "start", "--foreground",
		"--interval", daemonInterval.String()}
	if rootDir != "" {
		args = append(args, "--root", rootDir)
	}
	return daemon.New(daemon.Config{
		Root:           stateRoot(),
		Interval:       daemonInterval,
		BackgroundArgs: args,
		Logger:         newLogger(),
	})
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	d := newDaemon()
	if daemonForeground {
		return d.StartForeground(cmd.Context())
	}
	pid, err := d.StartBackground()
	if err != nil {
		return err
	}
	fmt.Printf("daemon started (pid %d)\n", pid)
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	if err := newDaemon().Stop(); err != nil {
		return err
	}
	fmt.Println("daemon stopped")
	return nil
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	report := newDaemon().Status()
	if report.Running {
		fmt.Printf("running (pid %d)\n", report.PID)
	} else {
		fmt.Println("stopped")
	}
	if !report.LastTick.IsZero() {
		fmt.Printf("last poll: %s\n", report.LastTick.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("tracked containers: %d\n", len(report.Containers))
	return nil
}
