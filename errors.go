package leash

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agentleash/leash/audit"
	"github.com/agentleash/leash/daemon"
)

// Sentinel errors returned by the leash package.
var (
	// ErrConfigInvalid indicates a malformed policy or configuration file.
	// It is only returned at load time, never during evaluation.
	ErrConfigInvalid = errors.New("leash: invalid configuration")

	// ErrBlockedByPolicy indicates the command was rejected by pre-execution
	// policy screening. It is a normal, logged outcome rather than a fault.
	ErrBlockedByPolicy = errors.New("leash: blocked by policy")

	// ErrLaunchFailed indicates the sandbox could not be started (runtime
	// unreachable, image missing, namespaces unavailable). It always occurs
	// before any child process exists.
	ErrLaunchFailed = errors.New("leash: sandbox launch failed")

	// ErrUnknownPolicy indicates the requested policy name is not defined.
	ErrUnknownPolicy = errors.New("leash: unknown policy")

	// ErrSessionNotFound indicates no session exists with the given id. It is
	// the audit store's sentinel, re-exported so callers only need this
	// package for error checks.
	ErrSessionNotFound = audit.ErrSessionNotFound

	// ErrSessionActive indicates a rollback was requested against a session
	// that is still running. Rolling back an in-progress session is rejected
	// rather than allowed to race with the live process.
	ErrSessionActive = errors.New("leash: session still running")

	// ErrDaemonRunning and ErrDaemonNotRunning re-export the daemon package's
	// liveness sentinels.
	ErrDaemonRunning    = daemon.ErrAlreadyRunning
	ErrDaemonNotRunning = daemon.ErrNotRunning
)

// ConfigError is returned when a policy or configuration file fails
// validation. It wraps ErrConfigInvalid so errors.Is(err, ErrConfigInvalid)
// still works.
type ConfigError struct {
	// File is the configuration file that failed to load, if known.
	File string
	// Detail explains what was malformed.
	Detail string
}

func (e *ConfigError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("%s: %s", ErrConfigInvalid.Error(), e.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", ErrConfigInvalid.Error(), e.File, e.Detail)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfigInvalid
}

// BlockedError is returned when pre-execution screening rejects a command.
// It wraps ErrBlockedByPolicy so errors.Is(err, ErrBlockedByPolicy) still works.
type BlockedError struct {
	// Command is the command line that was blocked.
	Command string
	// Policy is the name of the policy that blocked it.
	Policy string
	// Patterns lists every block pattern that matched.
	Patterns []string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s: policy %q matched [%s]",
		ErrBlockedByPolicy.Error(), e.Policy, strings.Join(e.Patterns, ", "))
}

func (e *BlockedError) Unwrap() error {
	return ErrBlockedByPolicy
}

// LaunchError is returned when a sandbox strategy fails before the wrapped
// command starts. It wraps ErrLaunchFailed so errors.Is(err, ErrLaunchFailed)
// still works. A non-zero exit from the wrapped command is never a
// LaunchError; it is reported as the session outcome.
type LaunchError struct {
	// Mode is the sandbox strategy that failed ("namespace" or "container").
	Mode string
	// Err is the underlying cause.
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("%s: %s sandbox: %v", ErrLaunchFailed.Error(), e.Mode, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return ErrLaunchFailed
}
