package rollback

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentleash/leash/audit"
)

// captureRecorder collects audit records emitted during restores.
type captureRecorder struct {
	records []map[string]string
	types   []audit.ActionType
}

func (r *captureRecorder) Record(_ string, t audit.ActionType, _ audit.Severity, details map[string]string) error {
	r.types = append(r.types, t)
	r.records = append(r.records, details)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *captureRecorder, string) {
	t.Helper()
	root := t.TempDir()
	rec := &captureRecorder{}
	return NewEngine(root, rec, nil), rec, root
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestCaptureFirstMutationOnly(t *testing.T) {
	e, _, _ := newTestEngine(t)
	work := t.TempDir()
	fileA := filepath.Join(work, "a.txt")
	write(t, fileA, "original")

	created, err := e.Capture("sess1", fileA, OpModify)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if !created {
		t.Error("first Capture: want created=true")
	}

	// Second mutation of the same path must not re-capture.
	write(t, fileA, "changed")
	created, err = e.Capture("sess1", fileA, OpModify)
	if err != nil {
		t.Fatalf("second Capture: %v", err)
	}
	if created {
		t.Error("second Capture: want created=false")
	}

	backups, err := e.Backups("sess1")
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 1 {
		t.Fatalf("backups: got %d, want 1", len(backups))
	}
	if backups[0].Sequence != 1 {
		t.Errorf("sequence: got %d, want 1", backups[0].Sequence)
	}
}

func TestSequencesContiguous(t *testing.T) {
	e, _, _ := newTestEngine(t)
	work := t.TempDir()
	for i, name := range []string{"a", "b", "c"} {
		path := filepath.Join(work, name)
		write(t, path, name)
		if _, err := e.Capture("sess1", path, OpModify); err != nil {
			t.Fatal(err)
		}
		backups, _ := e.Backups("sess1")
		if backups[i].Sequence != i+1 {
			t.Errorf("backup %d: sequence %d, want %d", i, backups[i].Sequence, i+1)
		}
	}
}

func TestRollbackWriteWriteThenB(t *testing.T) {
	// Writes to A, then A again, then B: rollback restores B then A, with
	// exactly one FileBackup for A.
	e, rec, _ := newTestEngine(t)
	work := t.TempDir()
	fileA := filepath.Join(work, "a.txt")
	fileB := filepath.Join(work, "b.txt")
	write(t, fileA, "a-pre")
	write(t, fileB, "b-pre")

	mustCapture := func(path string) {
		t.Helper()
		if _, err := e.Capture("sess1", path, OpModify); err != nil {
			t.Fatal(err)
		}
	}
	mustCapture(fileA)
	write(t, fileA, "a-mut1")
	mustCapture(fileA)
	write(t, fileA, "a-mut2")
	mustCapture(fileB)
	write(t, fileB, "b-mut")

	results, err := e.Rollback("sess1", 0)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results: got %d, want 2", len(results))
	}
	// Reverse sequence order: B first, then A.
	if results[0].Path != fileB || results[1].Path != fileA {
		t.Errorf("restore order: got [%s, %s], want [B, A]", results[0].Path, results[1].Path)
	}
	if read(t, fileA) != "a-pre" || read(t, fileB) != "b-pre" {
		t.Errorf("contents after rollback: a=%q b=%q", read(t, fileA), read(t, fileB))
	}
	if len(rec.types) != 2 {
		t.Fatalf("audit records: got %d, want 2", len(rec.types))
	}
	for _, typ := range rec.types {
		if typ != audit.ActionRollbackRestore {
			t.Errorf("audit type: got %v, want rollback_restore", typ)
		}
	}
}

func TestRollbackSingleStepTwice(t *testing.T) {
	// rollback(steps=1) called twice restores two distinct backups.
	e, _, _ := newTestEngine(t)
	work := t.TempDir()
	fileA := filepath.Join(work, "a.txt")
	fileB := filepath.Join(work, "b.txt")
	write(t, fileA, "a-pre")
	write(t, fileB, "b-pre")

	_, _ = e.Capture("sess1", fileA, OpModify)
	write(t, fileA, "a-mut")
	_, _ = e.Capture("sess1", fileB, OpModify)
	write(t, fileB, "b-mut")

	first, err := e.Rollback("sess1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 || first[0].Path != fileB {
		t.Fatalf("first step: got %+v, want restore of B", first)
	}
	if read(t, fileA) != "a-mut" {
		t.Error("A restored too early")
	}

	second, err := e.Rollback("sess1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 || second[0].Path != fileA {
		t.Fatalf("second step: got %+v, want restore of A", second)
	}
	if read(t, fileA) != "a-pre" || read(t, fileB) != "b-pre" {
		t.Errorf("contents: a=%q b=%q", read(t, fileA), read(t, fileB))
	}
}

func TestRollbackCreateThenDelete(t *testing.T) {
	// Write file F (did not exist), delete F, then rollback: F's final state
	// equals its pre-session absence.
	e, _, _ := newTestEngine(t)
	work := t.TempDir()
	fileF := filepath.Join(work, "f.txt")

	if _, err := e.Capture("sess1", fileF, OpCreate); err != nil {
		t.Fatal(err)
	}
	write(t, fileF, "created")
	// Deletion later in the session must not re-capture.
	if created, _ := e.Capture("sess1", fileF, OpDelete); created {
		t.Error("delete after create re-captured")
	}
	if err := os.Remove(fileF); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Rollback("sess1", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(fileF); !os.IsNotExist(err) {
		t.Errorf("file F should not exist after rollback, stat err = %v", err)
	}
}

func TestRollbackPreExistingFileDeleted(t *testing.T) {
	// Pre-existing file that the session deleted comes back with its
	// original content.
	e, _, _ := newTestEngine(t)
	work := t.TempDir()
	fileF := filepath.Join(work, "f.txt")
	write(t, fileF, "pre-session")

	_, _ = e.Capture("sess1", fileF, OpDelete)
	if err := os.Remove(fileF); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Rollback("sess1", 0); err != nil {
		t.Fatal(err)
	}
	if got := read(t, fileF); got != "pre-session" {
		t.Errorf("restored content: got %q, want %q", got, "pre-session")
	}
}

func TestRollbackPartialFailureContinues(t *testing.T) {
	e, _, root := newTestEngine(t)
	work := t.TempDir()
	fileA := filepath.Join(work, "a.txt")
	fileB := filepath.Join(work, "b.txt")
	write(t, fileA, "a-pre")
	write(t, fileB, "b-pre")

	_, _ = e.Capture("sess1", fileA, OpModify)
	_, _ = e.Capture("sess1", fileB, OpModify)
	write(t, fileA, "a-mut")
	write(t, fileB, "b-mut")

	// Sabotage B's backup so its restore fails.
	backups, _ := e.Backups("sess1")
	for _, b := range backups {
		if b.OriginalPath == fileB {
			if err := os.Remove(b.BackupPath); err != nil {
				t.Fatal(err)
			}
		}
	}

	results, err := e.Rollback("sess1", 0)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	var okA, failB bool
	for _, r := range results {
		switch r.Path {
		case fileA:
			okA = r.Restored
		case fileB:
			failB = r.Err != nil
		}
	}
	if !okA {
		t.Error("A was not restored despite B failing")
	}
	if !failB {
		t.Error("B restore should have failed")
	}
	if read(t, fileA) != "a-pre" {
		t.Errorf("A content: got %q", read(t, fileA))
	}

	// The failed entry stays in the manifest for a retry.
	remaining, _ := e.Backups("sess1")
	if len(remaining) != 1 || remaining[0].OriginalPath != fileB {
		t.Errorf("manifest after partial failure: %+v", remaining)
	}
	_ = root
}

func TestRollbackRestoresMode(t *testing.T) {
	e, _, _ := newTestEngine(t)
	work := t.TempDir()
	script := filepath.Join(work, "run.sh")
	write(t, script, "#!/bin/sh\n")
	if err := os.Chmod(script, 0o755); err != nil {
		t.Fatal(err)
	}

	_, _ = e.Capture("sess1", script, OpModify)
	write(t, script, "tampered")

	if _, err := e.Rollback("sess1", 0); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(script)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode: got %v, want 0755", info.Mode().Perm())
	}
}

func TestRollbackEmptySession(t *testing.T) {
	e, _, _ := newTestEngine(t)
	results, err := e.Rollback("no-such-session", 0)
	if err != nil {
		t.Fatalf("Rollback empty: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results: got %d, want 0", len(results))
	}
}

func TestPrune(t *testing.T) {
	e, _, _ := newTestEngine(t)
	work := t.TempDir()
	fileA := filepath.Join(work, "a.txt")
	write(t, fileA, "x")
	_, _ = e.Capture("old-session", fileA, OpModify)

	removed, err := e.Prune(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed: got %d, want 1", removed)
	}
	if backups, _ := e.Backups("old-session"); len(backups) != 0 {
		t.Errorf("backups after prune: %+v", backups)
	}

	// A fresh session survives a cutoff in the past.
	_, _ = e.Capture("new-session", fileA, OpModify)
	removed, err = e.Prune(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Errorf("removed fresh session: got %d, want 0", removed)
	}
}
