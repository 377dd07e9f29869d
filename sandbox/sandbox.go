// Package sandbox provides the two interchangeable launch strategies for
// wrapped commands: namespace-based isolation (a direct child process inside
// fresh Linux namespaces) and container-based isolation (a Docker container
// with hard resource caps).
//
// Callers pick a strategy once per session via New and interact with the
// Launcher interface from then on; nothing downstream branches on which kind
// was chosen.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/agentleash/leash/daemon"
)

// Mode selects an isolation strategy.
type Mode string

const (
	// ModeNamespace runs the command as a direct child inside freshly
	// created namespaces. Teardown is implicit: the namespaces are released
	// once no process references them.
	ModeNamespace Mode = "namespace"

	// ModeContainer runs the command in a Docker container with resource
	// limits enforced by the runtime.
	ModeContainer Mode = "container"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeNamespace, ModeContainer:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("sandbox: unknown mode %q", s)
	}
}

// ErrUnsupported indicates the requested strategy cannot run on this system.
var ErrUnsupported = errors.New("sandbox: strategy unsupported on this platform")

// Spec describes one sandboxed invocation. Fields that only apply to one
// strategy are documented as such and ignored by the other.
type Spec struct {
	// SessionID is the audit session this launch belongs to.
	SessionID string

	// Command is the shell command line to execute.
	Command string

	// WorkDir is the host directory the command runs in. Container mode
	// bind-mounts it at /workspace.
	WorkDir string

	// NetworkEnabled permits network access. Namespace mode omits the
	// network namespace when set; container mode selects bridge networking
	// instead of none.
	NetworkEnabled bool

	// Image is the container image (container mode). Empty selects
	// DefaultImage.
	Image string

	// CPULimit is a hard CPU cap in cores (container mode). 0 means no cap.
	CPULimit float64

	// MemoryLimit is a hard memory cap such as "512m" (container mode).
	// Empty means no cap.
	MemoryLimit string

	// Stdout and Stderr receive the command's output live. Nil writers
	// discard the corresponding stream.
	Stdout io.Writer
	Stderr io.Writer

	// Registry, when non-nil, receives the container registration consumed
	// by the monitoring daemon (container mode).
	Registry *daemon.Registry

	// Logger receives structured diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

func (s *Spec) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Spec) stdout() io.Writer {
	if s.Stdout != nil {
		return s.Stdout
	}
	return io.Discard
}

func (s *Spec) stderr() io.Writer {
	if s.Stderr != nil {
		return s.Stderr
	}
	return io.Discard
}

// Usage is a point-in-time resource snapshot for a finished command.
type Usage struct {
	// CPUPercent and MemoryPercent are runtime-reported utilization
	// (container mode). Always non-negative.
	CPUPercent    float64
	MemoryPercent float64

	// MemoryUsageMB is resident memory in megabytes.
	MemoryUsageMB float64

	// CPUSeconds is consumed CPU time (namespace mode).
	CPUSeconds float64
}

// Result is the outcome of a completed sandboxed command. A non-zero
// ExitCode is the wrapped command's own outcome, not a sandbox failure.
type Result struct {
	ExitCode int
	Usage    Usage
	Duration time.Duration
}

// Launcher is the capability set shared by both strategies.
type Launcher interface {
	// Launch starts the wrapped command. Errors here mean no child process
	// was ever started.
	Launch(ctx context.Context) error

	// Terminate stops the running command and releases sandbox resources.
	// It is safe to call after CollectResult or on a launcher that already
	// cleaned up.
	Terminate(ctx context.Context) error

	// CollectResult blocks until the command finishes and returns its
	// outcome. Cleanup runs on every exit path, including cancellation.
	CollectResult(ctx context.Context) (*Result, error)
}

// New returns the launcher for the chosen strategy. The variant is selected
// here, once per session.
func New(mode Mode, spec *Spec) (Launcher, error) {
	switch mode {
	case ModeNamespace:
		return newNamespace(spec)
	case ModeContainer:
		return NewContainer(spec)
	default:
		return nil, fmt.Errorf("sandbox: unknown mode %q", mode)
	}
}
