// Package rollback captures pre-images of files before a session's first
// mutation of them and restores those pre-images on demand.
//
// Backups for a session live under <root>/backups/<session-id>: numbered
// pre-image files plus a manifest.jsonl listing one FileBackup per captured
// path. Only the earliest pre-image per (session, path) is retained, and
// sequence numbers are contiguous from 1. Manifest entries are removed only
// by rollback or retention pruning.
package rollback

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentleash/leash/audit"
	"github.com/agentleash/leash/internal/fsutil"
)

// Operation is the kind of mutation that triggered a capture.
type Operation string

const (
	OpModify Operation = "modify"
	OpCreate Operation = "create"
	OpDelete Operation = "delete"
)

// FileBackup is one captured pre-image. An empty BackupPath records that the
// path did not exist before the session touched it; restoring such an entry
// deletes the path.
type FileBackup struct {
	SessionID    string      `json:"session_id"`
	Sequence     int         `json:"sequence"`
	OriginalPath string      `json:"original_path"`
	BackupPath   string      `json:"backup_path,omitempty"`
	Operation    Operation   `json:"operation"`
	Mode         fs.FileMode `json:"mode,omitempty"`
}

// PathResult reports the outcome of restoring one path. A failure on one
// path never aborts restoration of the remaining paths.
type PathResult struct {
	Path     string
	Restored bool
	Err      error
}

// Recorder receives a rollback_restore audit record per restored path.
// *audit.Store satisfies it.
type Recorder interface {
	Record(sessionID string, t audit.ActionType, sev audit.Severity, details map[string]string) error
}

// Engine captures and restores file pre-images for sessions under a root
// directory.
type Engine struct {
	root   string
	rec    Recorder
	logger *slog.Logger
}

// NewEngine creates an Engine rooted at root. rec may be nil, in which case
// restores are not audited.
func NewEngine(root string, rec Recorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{root: root, rec: rec, logger: logger}
}

func (e *Engine) sessionDir(sessionID string) string {
	return filepath.Join(e.root, "backups", sessionID)
}

func (e *Engine) manifestPath(sessionID string) string {
	return filepath.Join(e.sessionDir(sessionID), "manifest.jsonl")
}

// Capture records the pre-image of path for the session if this is the first
// observed mutation of that path. Later mutations of the same path in the
// same session are ignored. It reports whether a new backup was created.
func (e *Engine) Capture(sessionID, path string, op Operation) (bool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("rollback: resolve %q: %w", path, err)
	}

	dir := e.sessionDir(sessionID)
	if err := fsutil.EnsureDir(dir); err != nil {
		return false, fmt.Errorf("rollback: create backup dir: %w", err)
	}

	entries, err := e.loadManifest(sessionID)
	if err != nil {
		return false, err
	}
	for _, b := range entries {
		if b.OriginalPath == abs {
			return false, nil
		}
	}

	entry := FileBackup{
		SessionID:    sessionID,
		Sequence:     len(entries) + 1,
		OriginalPath: abs,
		Operation:    op,
	}

	info, statErr := os.Stat(abs)
	switch {
	case statErr == nil:
		backup := filepath.Join(dir, fmt.Sprintf("%06d.pre", entry.Sequence))
		if err := fsutil.CopyFile(abs, backup); err != nil {
			return false, fmt.Errorf("rollback: back up %q: %w", abs, err)
		}
		entry.BackupPath = backup
		entry.Mode = info.Mode().Perm()
	case os.IsNotExist(statErr):
		// Path did not exist: record non-existence so rollback deletes it.
	default:
		return false, fmt.Errorf("rollback: stat %q: %w", abs, statErr)
	}

	line, err := json.Marshal(&entry)
	if err != nil {
		return false, fmt.Errorf("rollback: marshal manifest entry: %w", err)
	}
	if err := fsutil.AppendLine(e.manifestPath(sessionID), line); err != nil {
		return false, err
	}
	return true, nil
}

// Backups returns the session's manifest entries in sequence order.
func (e *Engine) Backups(sessionID string) ([]FileBackup, error) {
	return e.loadManifest(sessionID)
}

// Rollback restores the session's backups in reverse sequence order. With
// steps <= 0 every backup is restored; otherwise only the last steps entries
// are. Restored entries are consumed: a second Rollback(session, 1) restores
// the next-most-recent backup, never the same one twice. Each path's outcome
// is reported individually and failures do not halt the remaining restores.
func (e *Engine) Rollback(sessionID string, steps int) ([]PathResult, error) {
	entries, err := e.loadManifest(sessionID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	if steps <= 0 || steps > len(entries) {
		steps = len(entries)
	}

	keep := entries[:len(entries)-steps]
	target := entries[len(entries)-steps:]

	results := make([]PathResult, 0, len(target))
	// Reverse-chronological: a lower-sequence entry for a different path must
	// never shadow a later one.
	for i := len(target) - 1; i >= 0; i-- {
		b := target[i]
		res := PathResult{Path: b.OriginalPath}
		if err := e.restore(b); err != nil {
			res.Err = err
			// Keep the failed entry so a retry can still restore it.
			keep = append(keep, b)
			e.logger.Warn("restore failed", "session", sessionID, "path", b.OriginalPath, "error", err)
		} else {
			res.Restored = true
			if b.BackupPath != "" {
				_ = os.Remove(b.BackupPath)
			}
		}
		e.audit(sessionID, b, res)
		results = append(results, res)
	}

	sort.Slice(keep, func(i, j int) bool { return keep[i].Sequence < keep[j].Sequence })
	if err := e.writeManifest(sessionID, keep); err != nil {
		return results, err
	}
	return results, nil
}

// restore writes back one pre-image: the backup content, or deletion when
// non-existence was recorded.
func (e *Engine) restore(b FileBackup) error {
	if b.BackupPath == "" {
		if err := os.Remove(b.OriginalPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("rollback: remove %q: %w", b.OriginalPath, err)
		}
		return nil
	}
	if err := fsutil.EnsureDir(filepath.Dir(b.OriginalPath)); err != nil {
		return fmt.Errorf("rollback: recreate parent of %q: %w", b.OriginalPath, err)
	}
	if err := fsutil.CopyFile(b.BackupPath, b.OriginalPath); err != nil {
		return err
	}
	if b.Mode != 0 {
		if err := os.Chmod(b.OriginalPath, b.Mode); err != nil {
			return fmt.Errorf("rollback: chmod %q: %w", b.OriginalPath, err)
		}
	}
	return nil
}

func (e *Engine) audit(sessionID string, b FileBackup, res PathResult) {
	if e.rec == nil {
		return
	}
	details := map[string]string{
		"path":      b.OriginalPath,
		"operation": string(b.Operation),
		"sequence":  fmt.Sprintf("%d", b.Sequence),
	}
	sev := audit.SeverityInfo
	if res.Err != nil {
		details["error"] = res.Err.Error()
		sev = audit.SeverityWarning
	}
	if err := e.rec.Record(sessionID, audit.ActionRollbackRestore, sev, details); err != nil {
		e.logger.Warn("audit record failed", "session", sessionID, "error", err)
	}
}

// Prune removes backup directories for sessions whose last capture is older
// than cutoff. It returns the number of session directories removed.
func (e *Engine) Prune(cutoff time.Time) (int, error) {
	base := filepath.Join(e.root, "backups")
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("rollback: list backups: %w", err)
	}

	removed := 0
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		manifest := filepath.Join(base, ent.Name(), "manifest.jsonl")
		info, err := os.Stat(manifest)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(base, ent.Name())); err != nil {
			e.logger.Warn("prune failed", "session", ent.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (e *Engine) loadManifest(sessionID string) ([]FileBackup, error) {
	data, err := os.ReadFile(e.manifestPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("rollback: read manifest: %w", err)
	}
	var entries []FileBackup
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var b FileBackup
		if err := json.Unmarshal([]byte(line), &b); err != nil {
			e.logger.Warn("skipping malformed manifest line", "session", sessionID, "error", err)
			continue
		}
		entries = append(entries, b)
	}
	return entries, nil
}

func (e *Engine) writeManifest(sessionID string, entries []FileBackup) error {
	var buf strings.Builder
	for _, b := range entries {
		line, err := json.Marshal(&b)
		if err != nil {
			return fmt.Errorf("rollback: marshal manifest entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return fsutil.AtomicWriteFile(e.manifestPath(sessionID), []byte(buf.String()), 0o600)
}
