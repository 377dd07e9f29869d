package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentleash/leash/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active sessions and daemon state",
	Long: `Display the sessions still marked running, whether the monitoring daemon
is alive, and the containers it currently tracks.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	runner, err := newRunner()
	if err != nil {
		return err
	}

	active, err := runner.Active()
	if err != nil {
		return err
	}
	fmt.Printf("Active sessions: %d\n", len(active))
	for _, sess := range active {
		fmt.Printf("  %s  [%s/%s]  %s\n", sess.ID, sess.Mode, sess.Policy, sess.Command)
	}

	report := daemon.New(daemon.Config{Root: stateRoot(), Logger: newLogger()}).Status()
	fmt.Println()
	if report.Running {
		fmt.Printf("Daemon: running (pid %d)\n", report.PID)
	} else {
		fmt.Println("Daemon: stopped")
	}
	if !report.LastTick.IsZero() {
		fmt.Printf("Last poll: %s ago\n", time.Since(report.LastTick).Round(time.Second))
	}
	if len(report.Containers) > 0 {
		fmt.Println("Tracked containers:")
		for _, rec := range report.Containers {
			fmt.Printf("  %s  session=%s  cpu=%.1f%%  mem=%.1f%%  alerts=%d\n",
				rec.ContainerID, rec.SessionID, rec.CPUPercent, rec.MemoryPercent, rec.AlertCount)
		}
	}

	alerts, err := daemon.ReadAlerts(stateRoot(), 5)
	if err != nil {
		return err
	}
	if len(alerts) > 0 {
		fmt.Println("\nRecent alerts:")
		for _, a := range alerts {
			fmt.Printf("  %s  %s  %s %.1f > %.1f\n",
				a.Timestamp.Format("2006-01-02 15:04:05"),
				a.ContainerID, a.Metric, a.Value, a.Threshold)
		}
	}
	return nil
}
