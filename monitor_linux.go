//go:build linux

package leash

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/agentleash/leash/audit"
	"github.com/agentleash/leash/internal/pathutil"
	"github.com/agentleash/leash/rollback"
)

// monitorInterval is how often the sandboxed process's open files are
// sampled.
const monitorInterval = 200 * time.Millisecond

// fileMonitor observes a namespaced process's file access by sampling
// /proc/<pid>/fd. Each distinct path is recorded once per access kind, a
// pre-image is captured on the first observed write, and exceeding the
// policy's write budget terminates the process.
//
// Sampling is inherently best effort: a file opened and closed between two
// samples is missed, and a pre-image snapshot races the writer. The audit
// trail and backups are an observation layer, not an enforcement boundary;
// enforcement comes from the namespaces themselves.
type fileMonitor struct {
	cfg monitorConfig

	mu        sync.Mutex
	seen      map[string]bool
	writes    int
	budgetHit bool
}

func newFileMonitor(cfg monitorConfig) *fileMonitor {
	return &fileMonitor{cfg: cfg, seen: make(map[string]bool)}
}

// WriteCount returns the number of distinct files observed opened for
// writing.
func (m *fileMonitor) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// run samples until ctx is cancelled or the process exits.
func (m *fileMonitor) run(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !m.scan() {
			return
		}
	}
}

// scan samples the process's open fds once. It reports false once the
// process is gone.
func (m *fileMonitor) scan() bool {
	fdDir := fmt.Sprintf("/proc/%d/fd", m.cfg.pid)
	entries, err := os.ReadDir(fdDir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join(fdDir, e.Name()))
		if err != nil {
			continue
		}
		target = strings.TrimSuffix(target, " (deleted)")
		// Pipes, sockets, and anonymous inodes have non-path targets.
		if !strings.HasPrefix(target, "/") {
			continue
		}
		if !pathutil.Within(target, m.cfg.workDir) {
			continue
		}
		m.observe(target, fdWritable(m.cfg.pid, e.Name()))
	}
	return true
}

// fdWritable reads the fd's open flags from fdinfo and reports whether the
// access mode permits writing.
func fdWritable(pid int, fd string) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/fdinfo/%s", pid, fd))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		rest, ok := strings.CutPrefix(line, "flags:")
		if !ok {
			continue
		}
		flags, err := strconv.ParseInt(strings.TrimSpace(rest), 8, 64)
		if err != nil {
			return false
		}
		acc := flags & unix.O_ACCMODE
		return acc == unix.O_WRONLY || acc == unix.O_RDWR
	}
	return false
}

// observe records one distinct path access. First writes capture a
// pre-image; crossing the write budget records the overrun and terminates
// the process.
func (m *fileMonitor) observe(path string, writable bool) {
	kind := "r"
	if writable {
		kind = "w"
	}
	m.mu.Lock()
	if m.seen[kind+"|"+path] {
		m.mu.Unlock()
		return
	}
	m.seen[kind+"|"+path] = true
	overBudget := false
	if writable {
		m.writes++
		if m.cfg.policy.CheckWriteBudget(m.writes) && !m.budgetHit {
			m.budgetHit = true
			overBudget = true
		}
	}
	writes := m.writes
	m.mu.Unlock()

	if !writable {
		m.record(audit.ActionFileRead, audit.SeverityInfo, map[string]string{"path": path})
		return
	}

	// The snapshot races the writer, so a fast first write may already be in
	// the copy. A path that resolves outside the workspace is recorded but
	// never backed up through the link.
	if real, err := pathutil.Resolve(path, m.cfg.workDir); err != nil {
		m.cfg.logger.Warn("backup capture skipped", "path", path, "error", err)
	} else if _, err := m.cfg.engine.Capture(m.cfg.sessionID, real, rollback.OpModify); err != nil {
		m.cfg.logger.Warn("backup capture failed", "path", real, "error", err)
	}
	m.record(audit.ActionFileWrite, audit.SeverityInfo, map[string]string{"path": path})

	if overBudget {
		m.cfg.logger.Warn("file write budget exceeded, terminating",
			"session", m.cfg.sessionID, "writes", writes, "limit", m.cfg.policy.MaxFileWrites)
		m.record(audit.ActionFileWrite, audit.SeverityCritical, map[string]string{
			"path":   path,
			"writes": strconv.Itoa(writes),
			"limit":  strconv.Itoa(m.cfg.policy.MaxFileWrites),
			"action": "terminated",
		})
		if m.cfg.terminate != nil {
			m.cfg.terminate()
		}
	}
}

func (m *fileMonitor) record(t audit.ActionType, sev audit.Severity, details map[string]string) {
	if err := m.cfg.store.Record(m.cfg.sessionID, t, sev, details); err != nil {
		m.cfg.logger.Warn("audit record failed", "session", m.cfg.sessionID, "error", err)
	}
}
