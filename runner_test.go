package leash

import (
	"context"
	"errors"
	"testing"

	"github.com/agentleash/leash/audit"
	"github.com/agentleash/leash/sandbox"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	r, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestNewInitializesRoot(t *testing.T) {
	r := newTestRunner(t)
	policies, err := r.Policies()
	if err != nil {
		t.Fatalf("Policies: %v", err)
	}
	if policies["default"] == nil || policies["paranoid"] == nil {
		t.Errorf("default policies not written: %v", policies)
	}
}

func TestRunBlockedCommand(t *testing.T) {
	r := newTestRunner(t)

	res, err := r.Run(context.Background(), "echo DROP TABLE users")
	if !errors.Is(err, ErrBlockedByPolicy) {
		t.Fatalf("Run: got %v, want ErrBlockedByPolicy", err)
	}
	var be *BlockedError
	if !errors.As(err, &be) {
		t.Fatal("error is not a BlockedError")
	}
	if be.Policy != "default" || len(be.Patterns) == 0 {
		t.Errorf("blocked error: %+v", be)
	}
	if res == nil {
		t.Fatal("blocked run returned no result")
	}
	if !res.Blocked || res.ExitCode != 1 || res.SessionID == "" {
		t.Errorf("result: %+v", res)
	}

	// The block is a recorded session outcome, not just an error.
	sess, err := r.Store().Session(res.SessionID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sess.Status != audit.StatusBlocked {
		t.Errorf("session status: %q, want blocked", sess.Status)
	}
	recs, err := r.Logs(res.SessionID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Type != audit.ActionCommandBlocked || recs[0].Severity != audit.SeverityCritical {
		t.Errorf("records: %+v", recs)
	}
}

func TestRunUnknownPolicy(t *testing.T) {
	r := newTestRunner(t)
	_, err := r.Run(context.Background(), "ls", WithPolicy("nope"))
	if !errors.Is(err, ErrUnknownPolicy) {
		t.Errorf("Run: got %v, want ErrUnknownPolicy", err)
	}
	// No session is created for a policy the runner cannot even resolve.
	sessions, err := r.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Errorf("sessions after unknown policy: %+v", sessions)
	}
}

func TestRunParanoidBlocksMore(t *testing.T) {
	r := newTestRunner(t)

	// Allowed by default, blocked by paranoid.
	cmd := "cat /etc/passwd"
	eval, err := r.Policies()
	if err != nil {
		t.Fatal(err)
	}
	if eval["default"].Evaluate(cmd).Blocked {
		t.Fatalf("%q unexpectedly blocked by default policy", cmd)
	}

	_, err = r.Run(context.Background(), cmd, WithPolicy("paranoid"))
	if !errors.Is(err, ErrBlockedByPolicy) {
		t.Errorf("paranoid Run: got %v, want ErrBlockedByPolicy", err)
	}
}

func TestRollbackGuards(t *testing.T) {
	r := newTestRunner(t)

	if _, err := r.Rollback("20990101_000000_dead", 0); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session: got %v, want ErrSessionNotFound", err)
	}

	sess, err := r.Store().OpenSession("sleep 60", "default", string(sandbox.ModeNamespace))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Rollback(sess.ID, 0); !errors.Is(err, ErrSessionActive) {
		t.Errorf("running session: got %v, want ErrSessionActive", err)
	}

	if err := r.Store().CloseSession(sess.ID, audit.StatusCompleted, nil); err != nil {
		t.Fatal(err)
	}
	results, err := r.Rollback(sess.ID, 0)
	if err != nil {
		t.Fatalf("rollback after close: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results for session with no backups: %+v", results)
	}
}

func TestBackupsUnknownSession(t *testing.T) {
	r := newTestRunner(t)
	if _, err := r.Backups("20990101_000000_dead"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Backups: got %v, want ErrSessionNotFound", err)
	}
}

func TestMergeRunOptions(t *testing.T) {
	co := mergeRunOptions()
	if co.policy != "default" || co.mode != sandbox.ModeNamespace {
		t.Errorf("defaults: %+v", co)
	}
	if co.network != nil {
		t.Error("network override set by default")
	}

	co = mergeRunOptions(
		WithPolicy("paranoid"),
		WithMode(sandbox.ModeContainer),
		WithImage("alpine:3.20"),
		WithCPULimit(2),
		WithMemoryLimit("1g"),
		WithWorkDir("/tmp"),
		WithNetwork(false),
	)
	if co.policy != "paranoid" || co.mode != sandbox.ModeContainer {
		t.Errorf("options: %+v", co)
	}
	if co.image != "alpine:3.20" || co.cpuLimit != 2 || co.memoryLimit != "1g" || co.workDir != "/tmp" {
		t.Errorf("options: %+v", co)
	}
	if co.network == nil || *co.network {
		t.Errorf("network: %v", co.network)
	}
}
