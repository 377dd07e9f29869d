package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// pidFileName is the PID file name under the root directory.
const pidFileName = "daemon.pid"

// pidFile tracks the single live daemon process for an installation. A PID
// file referencing a dead process is treated as stopped and removed, never
// reported as an error.
type pidFile struct {
	path string
}

func newPIDFile(root string) *pidFile {
	return &pidFile{path: filepath.Join(root, pidFileName)}
}

// Write records the current process as the live daemon.
func (p *pidFile) Write() error {
	return os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

// Read returns the recorded PID, or 0 if no PID file exists.
func (p *pidFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("daemon: read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("daemon: malformed pid file %q", p.path)
	}
	return pid, nil
}

// Remove deletes the PID file. Missing files are not an error.
func (p *pidFile) Remove() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("daemon: remove pid file: %w", err)
	}
	return nil
}

// Live returns the PID of a live daemon process, or 0 when no live daemon
// exists. Stale and malformed PID files are removed on the way (self-heal).
func (p *pidFile) Live() int {
	pid, err := p.Read()
	if err != nil {
		// Malformed file: heal by removing it.
		_ = p.Remove()
		return 0
	}
	if pid == 0 {
		return 0
	}
	if !processAlive(pid) {
		_ = p.Remove()
		return 0
	}
	return pid
}

// processAlive probes a PID with signal 0. EPERM means the process exists
// but belongs to another user, which still counts as alive.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}
