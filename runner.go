package leash

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agentleash/leash/audit"
	"github.com/agentleash/leash/daemon"
	"github.com/agentleash/leash/rollback"
	"github.com/agentleash/leash/sandbox"
)

const (
	// blockedExitCode is reported when screening rejects the command.
	blockedExitCode = 1

	// interruptExitCode is reported when the run is cancelled, matching the
	// shell convention for SIGINT.
	interruptExitCode = 130
)

// Runner is the top-level entry point: it screens, launches, observes, and
// audits wrapped commands under one state root. A Runner is safe for
// concurrent use.
type Runner struct {
	root     string
	logger   *slog.Logger
	store    *audit.Store
	engine   *rollback.Engine
	registry *daemon.Registry
}

// New creates a Runner from cfg, initializing the state root (directory
// layout and default policies file) if it does not exist yet.
func New(cfg Config) (*Runner, error) {
	root := cfg.Root
	if root == "" {
		root = DefaultRoot()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := Init(root); err != nil {
		return nil, err
	}
	store, err := audit.NewStore(root, logger)
	if err != nil {
		return nil, err
	}
	return &Runner{
		root:     root,
		logger:   logger,
		store:    store,
		engine:   rollback.NewEngine(root, store, logger),
		registry: daemon.NewRegistry(root, logger),
	}, nil
}

// Root returns the state root directory.
func (r *Runner) Root() string {
	return r.root
}

// Store exposes the audit store for read-side consumers.
func (r *Runner) Store() *audit.Store {
	return r.store
}

// Run executes command as one bounded session: screen against the policy,
// launch in the chosen sandbox, observe, and close the session with its
// terminal status. A policy block returns a BlockedError alongside a result
// carrying the session id and exit code 1; the caller decides whether that
// is a failure.
//
// Policies are reloaded from disk on every call, so edits to the policies
// file take effect for the next run without restarting anything.
func (r *Runner) Run(ctx context.Context, command string, opts ...Option) (*RunResult, error) {
	co := mergeRunOptions(opts...)

	policies, err := LoadPolicies(r.root)
	if err != nil {
		return nil, err
	}
	pol, ok := policies[co.policy]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, co.policy)
	}

	workDir := co.workDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("leash: resolve working directory: %w", err)
		}
	}
	if workDir, err = filepath.Abs(workDir); err != nil {
		return nil, fmt.Errorf("leash: resolve working directory: %w", err)
	}

	if eval := pol.Evaluate(command); eval.Blocked {
		return r.blockRun(command, pol, co, eval)
	}

	// The policy has the final word on granting network access; an explicit
	// request can only narrow it.
	network := pol.AllowNetwork
	networkDenied := false
	if co.network != nil {
		if pol.CheckNetwork(*co.network) {
			networkDenied = true
		} else {
			network = *co.network
		}
	}

	sess, err := r.store.OpenSession(command, pol.Name, string(co.mode))
	if err != nil {
		return nil, err
	}

	startDetails := map[string]string{
		"command": command,
		"policy":  pol.Name,
		"mode":    string(co.mode),
		"workdir": workDir,
		"network": strconv.FormatBool(network),
	}
	if co.mode == sandbox.ModeContainer {
		img := co.image
		if img == "" {
			img = sandbox.DefaultImage
		}
		startDetails["image"] = img
		if co.cpuLimit > 0 {
			startDetails["cpu_limit"] = strconv.FormatFloat(co.cpuLimit, 'f', -1, 64)
		}
		if co.memoryLimit != "" {
			startDetails["memory_limit"] = co.memoryLimit
		}
	}
	if err := r.store.Record(sess.ID, audit.ActionStart, audit.SeverityInfo, startDetails); err != nil {
		return nil, err
	}
	if networkDenied {
		r.logger.Warn("network request denied by policy", "session", sess.ID, "policy", pol.Name)
		_ = r.store.Record(sess.ID, audit.ActionNetwork, audit.SeverityWarning, map[string]string{
			"requested": "true",
			"allowed":   "false",
		})
	}

	spec := &sandbox.Spec{
		SessionID:      sess.ID,
		Command:        command,
		WorkDir:        workDir,
		NetworkEnabled: network,
		Image:          co.image,
		CPULimit:       co.cpuLimit,
		MemoryLimit:    co.memoryLimit,
		Stdout:         co.stdout,
		Stderr:         co.stderr,
		Logger:         r.logger,
	}
	if co.mode == sandbox.ModeContainer {
		spec.Registry = r.registry
	}

	box, err := sandbox.New(co.mode, spec)
	if err != nil {
		r.failSession(sess.ID, err)
		return nil, &LaunchError{Mode: string(co.mode), Err: err}
	}
	if err := box.Launch(ctx); err != nil {
		r.failSession(sess.ID, err)
		return nil, &LaunchError{Mode: string(co.mode), Err: err}
	}

	monCtx, monCancel := context.WithCancel(ctx)
	defer monCancel()
	mon := r.attachMonitor(monCtx, box, sess.ID, workDir, pol, co.mode)

	res, err := box.CollectResult(ctx)
	monCancel()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			r.logger.Warn("run interrupted", "session", sess.ID)
			_ = r.store.CloseSession(sess.ID, audit.StatusCompleted, map[string]string{
				"exit_code":   strconv.Itoa(interruptExitCode),
				"interrupted": "true",
			})
			return &RunResult{SessionID: sess.ID, ExitCode: interruptExitCode, Mode: co.mode}, nil
		}
		r.failSession(sess.ID, err)
		return nil, fmt.Errorf("leash: collect result: %w", err)
	}

	exitDetails := map[string]string{
		"exit_code":   strconv.Itoa(res.ExitCode),
		"duration_ms": strconv.FormatInt(res.Duration.Milliseconds(), 10),
	}
	switch co.mode {
	case sandbox.ModeNamespace:
		exitDetails["cpu_seconds"] = strconv.FormatFloat(res.Usage.CPUSeconds, 'f', 2, 64)
	case sandbox.ModeContainer:
		exitDetails["cpu_percent"] = strconv.FormatFloat(res.Usage.CPUPercent, 'f', 1, 64)
		exitDetails["memory_percent"] = strconv.FormatFloat(res.Usage.MemoryPercent, 'f', 1, 64)
		exitDetails["memory_mb"] = strconv.FormatFloat(res.Usage.MemoryUsageMB, 'f', 1, 64)
	}
	if mon != nil {
		exitDetails["file_writes"] = strconv.Itoa(mon.WriteCount())
	}
	if err := r.store.CloseSession(sess.ID, audit.StatusCompleted, exitDetails); err != nil {
		return nil, err
	}
	r.logger.Info("run completed",
		"session", sess.ID, "exit_code", res.ExitCode, "duration", res.Duration)

	return &RunResult{
		SessionID: sess.ID,
		ExitCode:  res.ExitCode,
		Mode:      co.mode,
		Usage:     res.Usage,
		Duration:  res.Duration,
	}, nil
}

// blockRun records a policy rejection as a blocked session.
func (r *Runner) blockRun(command string, pol *Policy, co *runOptions, eval Evaluation) (*RunResult, error) {
	sess, err := r.store.OpenSession(command, pol.Name, string(co.mode))
	if err != nil {
		return nil, err
	}
	r.logger.Warn("command blocked",
		"session", sess.ID, "policy", pol.Name, "patterns", eval.Matched)
	if err := r.store.CloseSession(sess.ID, audit.StatusBlocked, map[string]string{
		"command":  command,
		"policy":   pol.Name,
		"patterns": strings.Join(eval.Matched, ", "),
	}); err != nil {
		return nil, err
	}
	return &RunResult{SessionID: sess.ID, ExitCode: blockedExitCode, Blocked: true, Mode: co.mode},
		&BlockedError{Command: command, Policy: pol.Name, Patterns: eval.Matched}
}

// failSession closes a session that died before producing an exit code.
func (r *Runner) failSession(sessionID string, cause error) {
	if err := r.store.CloseSession(sessionID, audit.StatusCompleted, map[string]string{
		"exit_code": "-1",
		"error":     cause.Error(),
	}); err != nil {
		r.logger.Warn("session close failed", "session", sessionID, "error", err)
	}
}

// attachMonitor starts file-access observation for namespace runs. Container
// runs are observed by the daemon instead.
func (r *Runner) attachMonitor(ctx context.Context, box sandbox.Launcher, sessionID, workDir string, pol *Policy, mode sandbox.Mode) *fileMonitor {
	if mode != sandbox.ModeNamespace {
		return nil
	}
	pider, ok := box.(interface{ PID() int })
	if !ok || pider.PID() == 0 {
		return nil
	}
	mon := newFileMonitor(monitorConfig{
		pid:       pider.PID(),
		sessionID: sessionID,
		workDir:   workDir,
		policy:    pol,
		store:     r.store,
		engine:    r.engine,
		logger:    r.logger,
		terminate: func() { _ = box.Terminate(context.Background()) },
	})
	if mon != nil {
		go mon.run(ctx)
	}
	return mon
}

// Logs returns one session's audit records in append order. A limit > 0
// keeps only the last limit records.
func (r *Runner) Logs(sessionID string, limit int) ([]audit.ActionRecord, error) {
	return r.store.Read(sessionID, limit)
}

// AllLogs returns records across every session, ordered by timestamp.
func (r *Runner) AllLogs(limit int) ([]audit.ActionRecord, error) {
	return r.store.ReadAll(limit)
}

// Sessions returns every recorded session, oldest first.
func (r *Runner) Sessions() ([]audit.Session, error) {
	return r.store.Sessions()
}

// Active returns the sessions still marked running.
func (r *Runner) Active() ([]audit.Session, error) {
	return r.store.Active()
}

// Policies returns the compiled policies defined under the root.
func (r *Runner) Policies() (map[string]*Policy, error) {
	return LoadPolicies(r.root)
}

// Backups lists the captured pre-images for a session in capture order.
func (r *Runner) Backups(sessionID string) ([]rollback.FileBackup, error) {
	if _, err := r.store.Session(sessionID); err != nil {
		return nil, err
	}
	return r.engine.Backups(sessionID)
}

// Rollback restores a finished session's file mutations, newest first.
// steps <= 0 restores everything. Rolling back a session that is still
// running is refused with ErrSessionActive.
func (r *Runner) Rollback(sessionID string, steps int) ([]rollback.PathResult, error) {
	sess, err := r.store.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == audit.StatusRunning {
		return nil, fmt.Errorf("%w: %s", ErrSessionActive, sessionID)
	}
	return r.engine.Rollback(sessionID, steps)
}

// PruneBackups removes backup sets older than the given age and reports how
// many sessions were pruned.
func (r *Runner) PruneBackups(olderThan time.Duration) (int, error) {
	return r.engine.Prune(time.Now().Add(-olderThan))
}
