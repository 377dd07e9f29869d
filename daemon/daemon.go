// Package daemon implements the background monitoring process: an
// interval-driven poll loop over sandbox-managed containers, a file-backed
// container registry, a PID file protocol, and an append-only alert log.
//
// The daemon and the run path are independently scheduled processes that
// coordinate only through durable files under the shared root; registry
// updates are atomic replacements, so a crash mid-tick loses at most that
// tick and never corrupts state.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"golang.org/x/sys/unix"

	"github.com/agentleash/leash/internal/dockerstats"
	"github.com/agentleash/leash/internal/fsutil"
)

// Sentinel errors returned by the daemon package.
var (
	// ErrAlreadyRunning indicates a live daemon process already holds the
	// PID file.
	ErrAlreadyRunning = errors.New("daemon: already running")

	// ErrNotRunning indicates no live daemon process exists.
	ErrNotRunning = errors.New("daemon: not running")
)

// alertsFile is the append-only alert log name under the root directory.
const alertsFile = "alerts.jsonl"

// DefaultInterval is the poll interval used when none is configured.
const DefaultInterval = 5 * time.Second

// defaultStatsTimeout bounds one container's stats query so a single slow
// container cannot stall the tick for the others.
const defaultStatsTimeout = 3 * time.Second

// defaultStopGrace is how long Stop waits for a signalled daemon to exit.
const defaultStopGrace = 5 * time.Second

// Thresholds are the fixed alerting limits checked each tick.
type Thresholds struct {
	CPUPercent    float64
	MemoryPercent float64
	MaxContainers int
}

// DefaultThresholds returns the standard alerting limits.
func DefaultThresholds() Thresholds {
	return Thresholds{CPUPercent: 80.0, MemoryPercent: 80.0, MaxContainers: 10}
}

// Alert is one append-only threshold-crossing record.
type Alert struct {
	Timestamp   time.Time `json:"timestamp"`
	ContainerID string    `json:"container_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Metric      string    `json:"metric"`
	Threshold   float64   `json:"threshold"`
	Value       float64   `json:"value"`
}

// DockerAPI is the subset of the Docker Engine client the daemon needs.
// *client.Client satisfies it; tests substitute a fake.
type DockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error)
}

// NewDockerAPI connects to the Docker Engine using the standard environment
// configuration.
func NewDockerAPI() (DockerAPI, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("daemon: connect to docker: %w", err)
	}
	return cli, nil
}

// Config holds the daemon's settings.
type Config struct {
	// Root is the per-user state directory.
	Root string

	// Interval is the poll interval. 0 means DefaultInterval.
	Interval time.Duration

	// Thresholds are the alerting limits. Zero value means
	// DefaultThresholds.
	Thresholds Thresholds

	// API is the Docker client. Nil means NewDockerAPI at Start.
	API DockerAPI

	// StatsTimeout bounds one container's stats query. 0 means a 3s default.
	StatsTimeout time.Duration

	// BackgroundArgs are the argv (without the program path) used to re-exec
	// this binary for background mode, e.g. {"daemon", "start",
	// "--foreground"}. Required for background starts.
	BackgroundArgs []string

	// Logger receives structured diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

// Daemon monitors sandbox-managed containers.
type Daemon struct {
	root         string
	interval     time.Duration
	thresholds   Thresholds
	api          DockerAPI
	statsTimeout time.Duration
	stopGrace    time.Duration
	bgArgs       []string
	logger       *slog.Logger

	registry *Registry
	pid      *pidFile
}

// New creates a Daemon from cfg.
func New(cfg Config) *Daemon {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	th := cfg.Thresholds
	if th == (Thresholds{}) {
		th = DefaultThresholds()
	}
	statsTimeout := cfg.StatsTimeout
	if statsTimeout <= 0 {
		statsTimeout = defaultStatsTimeout
	}
	return &Daemon{
		root:         cfg.Root,
		interval:     interval,
		thresholds:   th,
		api:          cfg.API,
		statsTimeout: statsTimeout,
		stopGrace:    defaultStopGrace,
		bgArgs:       cfg.BackgroundArgs,
		logger:       logger,
		registry:     NewRegistry(cfg.Root, logger),
		pid:          newPIDFile(cfg.Root),
	}
}

// Registry exposes the daemon's container registry for the container
// sandbox to register launches in.
func (d *Daemon) Registry() *Registry {
	return d.registry
}

// StartForeground runs the poll loop in the current process until ctx is
// cancelled or a termination signal arrives. The current tick is always
// finished before exiting.
func (d *Daemon) StartForeground(ctx context.Context) error {
	if live := d.pid.Live(); live != 0 {
		return fmt.Errorf("%w: pid %d", ErrAlreadyRunning, live)
	}
	if d.api == nil {
		api, err := NewDockerAPI()
		if err != nil {
			return err
		}
		d.api = api
	}
	if err := fsutil.EnsureDir(d.root); err != nil {
		return fmt.Errorf("daemon: create root: %w", err)
	}
	if err := d.pid.Write(); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}
	defer func() { _ = d.pid.Remove() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	d.logger.Info("daemon started", "pid", os.Getpid(), "interval", d.interval)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			d.logger.Info("daemon stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// startupTimeout bounds how long StartBackground waits for the spawned
// process to write its PID file before reporting a failed start.
const startupTimeout = 2 * time.Second

// StartBackground launches a detached copy of this binary running the
// foreground loop and returns its PID. Fails with ErrAlreadyRunning if a
// live daemon process is found via the PID file. The call only succeeds
// once the spawned process has written its PID file, so a second start
// issued right afterwards sees the live daemon instead of racing it.
func (d *Daemon) StartBackground() (int, error) {
	if live := d.pid.Live(); live != 0 {
		return 0, fmt.Errorf("%w: pid %d", ErrAlreadyRunning, live)
	}
	if len(d.bgArgs) == 0 {
		return 0, errors.New("daemon: background start requires BackgroundArgs")
	}
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("daemon: resolve executable: %w", err)
	}
	if err := fsutil.EnsureDir(d.root); err != nil {
		return 0, fmt.Errorf("daemon: create root: %w", err)
	}

	logPath := filepath.Join(d.root, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("daemon: open daemon log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, d.bgArgs...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("daemon: start background process: %w", err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	// The spawned process writes its own PID file once its loop is up. Wait
	// for that before reporting success so startup failures (including its
	// own ErrAlreadyRunning) surface here instead of silently in the log.
	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		if pid, err := d.pid.Read(); err == nil && pid == cmd.Process.Pid {
			return pid, nil
		}
		select {
		case err := <-exited:
			if err != nil {
				return 0, fmt.Errorf("daemon: background process exited during startup: %w (see %s)", err, logPath)
			}
			return 0, fmt.Errorf("daemon: background process exited during startup (see %s)", logPath)
		case <-time.After(50 * time.Millisecond):
		}
	}
	return 0, fmt.Errorf("daemon: background process did not come up within %s (see %s)", startupTimeout, logPath)
}

// Stop signals the live daemon to finish its current tick and exit, then
// removes the PID file. A daemon that outlives the grace period keeps its
// PID file and Stop reports an error, so status never claims STOPPED for a
// live process.
func (d *Daemon) Stop() error {
	pid := d.pid.Live()
	if pid == 0 {
		return ErrNotRunning
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return fmt.Errorf("daemon: signal pid %d: %w", pid, err)
	}
	// Give the process a grace period to finish the tick and exit.
	deadline := time.Now().Add(d.stopGrace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return d.pid.Remove()
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon: pid %d still running after %s grace period", pid, d.stopGrace)
}

// StatusReport describes daemon liveness and the tracked-container table.
type StatusReport struct {
	Running    bool
	PID        int
	LastTick   time.Time
	Containers []ContainerRecord
}

// Status reports liveness from the PID file and state from the registry
// file. A dead process behind the PID file reports as not running, never as
// an error.
func (d *Daemon) Status() StatusReport {
	st := d.registry.Load()
	report := StatusReport{
		LastTick:   st.LastTick,
		Containers: d.registry.Records(),
	}
	if pid := d.pid.Live(); pid != 0 {
		report.Running = true
		report.PID = pid
	}
	return report
}

// Tick performs one complete poll: enumerate sandbox-managed containers,
// query their stats with a bounded per-container timeout, update the
// registry, and append alerts for threshold crossings. The tick is a
// restartable unit; the registry write at the end merges under the registry
// lock, so containers registered while the tick was polling are kept.
func (d *Daemon) Tick(ctx context.Context) error {
	list, err := d.api.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return fmt.Errorf("daemon: list containers: %w", err)
	}

	st := d.registry.Load()
	now := time.Now()
	next := make(map[string]ContainerRecord, len(list))

	for _, c := range list {
		shortID := c.ID
		if len(shortID) > 12 {
			shortID = shortID[:12]
		}
		rec, ok := st.Containers[shortID]
		if !ok {
			rec = ContainerRecord{
				ContainerID: shortID,
				SessionID:   c.Labels[LabelSession],
			}
		}
		rec.LastSeen = now

		stats, err := d.queryStats(ctx, c.ID)
		if err != nil {
			// One failing container never aborts the tick for the others.
			d.logger.Warn("stats query failed", "container", shortID, "error", err)
			next[shortID] = rec
			continue
		}
		rec.CPUPercent = dockerstats.CPUPercent(stats)
		rec.MemoryPercent = dockerstats.MemoryPercent(stats)

		for _, alert := range d.checkThresholds(rec, now) {
			if err := d.appendAlert(alert); err != nil {
				d.logger.Warn("alert append failed", "container", shortID, "error", err)
				continue
			}
			rec.AlertCount++
			d.logger.Warn("threshold crossed",
				"container", shortID, "session", rec.SessionID,
				"metric", alert.Metric, "value", alert.Value, "threshold", alert.Threshold)
		}
		next[shortID] = rec
	}

	if d.thresholds.MaxContainers > 0 && len(list) > d.thresholds.MaxContainers {
		d.logger.Warn("too many managed containers", "count", len(list), "max", d.thresholds.MaxContainers)
	}

	return d.registry.Update(func(cur *State) {
		for id, rec := range next {
			cur.Containers[id] = rec
		}
		for id := range cur.Containers {
			if _, polled := next[id]; polled {
				continue
			}
			// Known before the tick but gone from the listing: the container
			// disappeared. Anything registered mid-tick stays until the next
			// poll sees it.
			if _, known := st.Containers[id]; known {
				delete(cur.Containers, id)
			}
		}
		cur.LastTick = now
	})
}

// queryStats fetches one stats snapshot with the bounded per-container
// timeout.
func (d *Daemon) queryStats(ctx context.Context, containerID string) (*container.StatsResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, d.statsTimeout)
	defer cancel()

	rdr, err := d.api.ContainerStats(cctx, containerID, false)
	if err != nil {
		return nil, err
	}
	defer rdr.Body.Close()
	return dockerstats.Decode(rdr.Body)
}

// checkThresholds returns an alert per crossed metric.
func (d *Daemon) checkThresholds(rec ContainerRecord, now time.Time) []Alert {
	var alerts []Alert
	if d.thresholds.CPUPercent > 0 && rec.CPUPercent > d.thresholds.CPUPercent {
		alerts = append(alerts, Alert{
			Timestamp: now, ContainerID: rec.ContainerID, SessionID: rec.SessionID,
			Metric: "cpu_percent", Threshold: d.thresholds.CPUPercent, Value: rec.CPUPercent,
		})
	}
	if d.thresholds.MemoryPercent > 0 && rec.MemoryPercent > d.thresholds.MemoryPercent {
		alerts = append(alerts, Alert{
			Timestamp: now, ContainerID: rec.ContainerID, SessionID: rec.SessionID,
			Metric: "memory_percent", Threshold: d.thresholds.MemoryPercent, Value: rec.MemoryPercent,
		})
	}
	return alerts
}

func (d *Daemon) appendAlert(alert Alert) error {
	line, err := json.Marshal(&alert)
	if err != nil {
		return fmt.Errorf("daemon: marshal alert: %w", err)
	}
	return fsutil.AppendLine(filepath.Join(d.root, alertsFile), line)
}

// ReadAlerts returns the alert log under root, oldest first. A limit > 0
// keeps only the last limit alerts.
func ReadAlerts(root string, limit int) ([]Alert, error) {
	data, err := os.ReadFile(filepath.Join(root, alertsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("daemon: read alerts: %w", err)
	}
	var alerts []Alert
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var a Alert
		if err := json.Unmarshal([]byte(line), &a); err != nil {
			continue
		}
		alerts = append(alerts, a)
	}
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[len(alerts)-limit:]
	}
	return alerts, nil
}
