//go:build linux

package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/agentleash/leash/internal/envutil"
)

// namespaceBox runs the command as a direct child inside fresh Linux
// namespaces. The kernel releases the namespaces once the last process
// inside them exits, so there is no teardown protocol beyond killing the
// process group.
type namespaceBox struct {
	spec    *Spec
	cmd     *exec.Cmd
	started time.Time
}

func newNamespace(spec *Spec) (Launcher, error) {
	return &namespaceBox{spec: spec}, nil
}

// configureNamespaces sets up namespace isolation on the command: user,
// mount, PID, IPC, and UTS namespaces always, plus a network namespace when
// network access is denied. The current user maps to root inside the user
// namespace, which is what lets an unprivileged process create the rest.
func configureNamespaces(cmd *exec.Cmd, networkEnabled bool) {
	flags := unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWPID |
		unix.CLONE_NEWIPC | unix.CLONE_NEWUTS
	if !networkEnabled {
		flags |= unix.CLONE_NEWNET
	}

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Cloneflags = uintptr(flags)
	cmd.SysProcAttr.UidMappings = []syscall.SysProcIDMap{
		{ContainerID: 0, HostID: os.Getuid(), Size: 1},
	}
	cmd.SysProcAttr.GidMappings = []syscall.SysProcIDMap{
		{ContainerID: 0, HostID: os.Getgid(), Size: 1},
	}
	// Own process group so Terminate can reach the whole tree.
	cmd.SysProcAttr.Setpgid = true
}

func (n *namespaceBox) Launch(_ context.Context) error {
	cmd := exec.Command("/bin/sh", "-c", n.spec.Command)
	cmd.Dir = n.spec.WorkDir
	cmd.Env = envutil.Set(envutil.Sanitize(os.Environ()), "LEASH_SESSION", n.spec.SessionID)
	cmd.Stdin = os.Stdin
	cmd.Stdout = n.spec.stdout()
	cmd.Stderr = n.spec.stderr()
	configureNamespaces(cmd, n.spec.NetworkEnabled)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("sandbox: start namespaced command: %w", err)
	}
	n.cmd = cmd
	n.started = time.Now()
	n.spec.logger().Debug("namespaced command started",
		"session", n.spec.SessionID, "pid", cmd.Process.Pid,
		"network", n.spec.NetworkEnabled)
	return nil
}

// PID returns the host PID of the running child, or 0 before Launch.
func (n *namespaceBox) PID() int {
	if n.cmd == nil || n.cmd.Process == nil {
		return 0
	}
	return n.cmd.Process.Pid
}

func (n *namespaceBox) CollectResult(ctx context.Context) (*Result, error) {
	if n.cmd == nil {
		return nil, fmt.Errorf("sandbox: command was never launched")
	}

	done := make(chan error, 1)
	go func() { done <- n.cmd.Wait() }()

	var waitErr error
	select {
	case <-ctx.Done():
		_ = n.Terminate(context.Background())
		<-done
		return nil, ctx.Err()
	case waitErr = <-done:
	}

	res := &Result{Duration: time.Since(n.started)}
	if waitErr != nil {
		exitErr, ok := waitErr.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("sandbox: wait for command: %w", waitErr)
		}
		// A non-zero exit is the command's outcome, not a sandbox failure.
		res.ExitCode = exitErr.ExitCode()
	}
	if state := n.cmd.ProcessState; state != nil {
		res.Usage.CPUSeconds = state.UserTime().Seconds() + state.SystemTime().Seconds()
	}
	return res, nil
}

// Terminate kills the whole process group. Safe to call after the command
// already exited.
func (n *namespaceBox) Terminate(_ context.Context) error {
	pid := n.PID()
	if pid == 0 {
		return nil
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("sandbox: kill process group %d: %w", pid, err)
	}
	return nil
}
