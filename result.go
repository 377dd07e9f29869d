package leash

import (
	"time"

	"github.com/agentleash/leash/sandbox"
)

// RunResult is the outcome of one completed (or blocked) session.
type RunResult struct {
	// SessionID identifies the audit session this run produced.
	SessionID string

	// ExitCode is the wrapped command's exit code. A blocked run reports 1
	// and an interrupted run reports 130 without any command having run.
	ExitCode int

	// Blocked is true iff pre-execution screening rejected the command.
	Blocked bool

	// Mode is the isolation strategy the run used.
	Mode sandbox.Mode

	// Usage is the final resource snapshot. Zero for blocked runs.
	Usage sandbox.Usage

	// Duration is the wall time from launch to exit. Zero for blocked runs.
	Duration time.Duration
}
