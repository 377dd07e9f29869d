// Package audit provides the session store and append-only action log.
//
// Every session owns one JSON Lines file under <root>/logs; each record is
// flushed to disk before Record returns, so a crash immediately afterwards
// still leaves the record observable. The store supports only append: there
// is no update or delete, which makes tampering detectable as a break in
// monotonic growth. The sessions index follows the same discipline: one
// JSON line per session event, replayed on read, so run invocations in
// separate processes never overwrite each other's entries.
package audit

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentleash/leash/internal/fsutil"
)

// ErrSessionNotFound indicates no session exists with the given id.
var ErrSessionNotFound = errors.New("audit: session not found")

// ActionType identifies the kind of event recorded in a session log.
type ActionType string

const (
	ActionStart           ActionType = "start"
	ActionFileRead        ActionType = "file_read"
	ActionFileWrite       ActionType = "file_write"
	ActionFileDelete      ActionType = "file_delete"
	ActionNetwork         ActionType = "network"
	ActionCommandBlocked  ActionType = "command_blocked"
	ActionRollbackRestore ActionType = "rollback_restore"
	ActionExit            ActionType = "exit"
)

// Severity grades an action record.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusBlocked   Status = "blocked"
)

// ActionRecord is one immutable entry in a session's audit trail. Append
// order is causal order within a session.
type ActionRecord struct {
	Timestamp time.Time         `json:"timestamp"`
	SessionID string            `json:"session_id"`
	Type      ActionType        `json:"action_type"`
	Details   map[string]string `json:"details,omitempty"`
	Severity  Severity          `json:"severity"`
}

// Session describes one bounded invocation of the sandboxed-run workflow.
type Session struct {
	ID      string    `json:"session_id"`
	Started time.Time `json:"started"`
	Command string    `json:"command"`
	Mode    string    `json:"mode"`
	Policy  string    `json:"policy"`
	Status  Status    `json:"status"`
}

// Store is a per-installation session and action store rooted at a
// directory. It is safe for concurrent use within one process and across
// processes: every write, index entries included, is a single O_APPEND
// write, so two run invocations sharing a root never lose each other's
// sessions.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore opens (creating if needed) the store under root.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := fsutil.EnsureDir(filepath.Join(root, "logs")); err != nil {
		return nil, fmt.Errorf("audit: create logs dir: %w", err)
	}
	return &Store{root: root, logger: logger}, nil
}

// newSessionID derives a session id from the start time plus a random
// suffix. The suffix disambiguates two sessions started within the same
// second.
func newSessionID(now time.Time) string {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return now.Format("20060102_150405") + "_" + hex.EncodeToString(b[:])
}

// logPath returns the JSONL file for a session.
func (s *Store) logPath(sessionID string) string {
	return filepath.Join(s.root, "logs", sessionID+".jsonl")
}

// OpenSession creates a new running session for the given command line.
func (s *Store) OpenSession(command, policy, mode string) (*Session, error) {
	sess := &Session{
		ID:      newSessionID(time.Now()),
		Started: time.Now(),
		Command: command,
		Mode:    mode,
		Policy:  policy,
		Status:  StatusRunning,
	}

	// Create the log file up front so the session is observable even before
	// its first record.
	f, err := os.OpenFile(s.logPath(sess.ID), os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: create session log: %w", err)
	}
	_ = f.Close()

	if err := s.appendIndex(*sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Record durably appends one action record to the session's log. The record
// is flushed before Record returns.
func (s *Store) Record(sessionID string, t ActionType, sev Severity, details map[string]string) error {
	rec := ActionRecord{
		Timestamp: time.Now(),
		SessionID: sessionID,
		Type:      t,
		Details:   details,
		Severity:  sev,
	}
	line, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}
	return fsutil.AppendLine(s.logPath(sessionID), line)
}

// CloseSession transitions a session to its terminal status and appends the
// final record: an exit record with the exit code for completed sessions, or
// a command_blocked record with the block reason for blocked ones.
func (s *Store) CloseSession(sessionID string, status Status, details map[string]string) error {
	t := ActionExit
	sev := SeverityInfo
	if status == StatusBlocked {
		t = ActionCommandBlocked
		sev = SeverityCritical
	}
	if err := s.Record(sessionID, t, sev, details); err != nil {
		return err
	}
	// A status-only line; replay folds it into the session's open entry.
	return s.appendIndex(Session{ID: sessionID, Status: status})
}

// Read returns a session's records in append order. A limit > 0 keeps only
// the last limit records.
func (s *Store) Read(sessionID string, limit int) ([]ActionRecord, error) {
	if _, err := s.Session(sessionID); err != nil {
		return nil, err
	}
	recs, err := s.readFile(s.logPath(sessionID))
	if err != nil {
		return nil, err
	}
	return tail(recs, limit), nil
}

// ReadAll merges the records of every session, ordered by timestamp, most
// recent last. A limit > 0 keeps only the last limit records. Records from
// one session keep their append order relative to each other.
func (s *Store) ReadAll(limit int) ([]ActionRecord, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "logs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: list logs: %w", err)
	}

	var all []ActionRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		recs, err := s.readFile(filepath.Join(s.root, "logs", e.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable session log", "file", e.Name(), "error", err)
			continue
		}
		all = append(all, recs...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	return tail(all, limit), nil
}

// readFile parses one JSONL session log. Truncated trailing lines (from a
// crash mid-append) are skipped with a warning rather than failing the read.
func (s *Store) readFile(path string) ([]ActionRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("audit: read session log: %w", err)
	}
	var recs []ActionRecord
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec ActionRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			s.logger.Warn("skipping malformed audit line", "file", filepath.Base(path), "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Session returns the index entry for one session.
func (s *Store) Session(sessionID string) (Session, error) {
	sessions, err := s.loadIndex()
	if err != nil {
		return Session{}, err
	}
	for _, sess := range sessions {
		if sess.ID == sessionID {
			return sess, nil
		}
	}
	return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
}

// Sessions returns every known session, oldest first.
func (s *Store) Sessions() ([]Session, error) {
	return s.loadIndex()
}

// Active returns the sessions whose status is still running.
func (s *Store) Active() ([]Session, error) {
	all, err := s.Sessions()
	if err != nil {
		return nil, err
	}
	var active []Session
	for _, sess := range all {
		if sess.Status == StatusRunning {
			active = append(active, sess)
		}
	}
	return active, nil
}

func (s *Store) indexPath() string {
	return filepath.Join(s.root, "sessions.jsonl")
}

// loadIndex replays the append-only sessions index, oldest session first.
// The first line for an id opens the entry; later lines for the same id
// carry status transitions. Malformed lines are skipped with a warning
// rather than failing the read.
func (s *Store) loadIndex() ([]Session, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: read sessions index: %w", err)
	}

	var sessions []Session
	byID := make(map[string]int)
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var sess Session
		if err := json.Unmarshal([]byte(line), &sess); err != nil || sess.ID == "" {
			s.logger.Warn("skipping malformed sessions index line", "error", err)
			continue
		}
		if i, ok := byID[sess.ID]; ok {
			if sess.Status != "" {
				sessions[i].Status = sess.Status
			}
			continue
		}
		byID[sess.ID] = len(sessions)
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// appendIndex durably appends one session event as a single index line.
func (s *Store) appendIndex(sess Session) error {
	line, err := json.Marshal(&sess)
	if err != nil {
		return fmt.Errorf("audit: marshal index entry: %w", err)
	}
	return fsutil.AppendLine(s.indexPath(), line)
}

func tail(recs []ActionRecord, limit int) []ActionRecord {
	if limit > 0 && len(recs) > limit {
		return recs[len(recs)-limit:]
	}
	return recs
}
