package daemon

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentleash/leash/internal/fsutil"
)

// Labels applied to sandbox-managed containers. The daemon only tracks
// containers carrying LabelManaged, never every container on the host.
const (
	LabelManaged = "leash.managed"
	LabelSession = "leash.session"
	LabelImage   = "leash.image"
)

// stateFile is the registry file name under the root directory.
const stateFile = "daemon.json"

// ContainerRecord is the daemon's view of one tracked container, updated on
// every poll tick and removed when the container disappears.
type ContainerRecord struct {
	ContainerID   string    `json:"container_id"`
	SessionID     string    `json:"session_id"`
	CPULimit      float64   `json:"cpu_limit,omitempty"`
	MemoryLimit   string    `json:"memory_limit,omitempty"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	AlertCount    int       `json:"alert_count"`
	LastSeen      time.Time `json:"last_seen"`
}

// State is the durable daemon state: the container registry plus the last
// successful tick time. It is the only channel between the run path and the
// daemon; there is no in-memory sharing.
type State struct {
	LastTick   time.Time                  `json:"last_tick"`
	Containers map[string]ContainerRecord `json:"containers"`
}

// Registry is the file-backed container registry. Every write is an atomic
// replacement, so the daemon and any concurrent run invocation can read it
// at any time without observing a partial state.
type Registry struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex // serializes read-modify-write within this process
}

// NewRegistry opens the registry under root.
func NewRegistry(root string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{path: filepath.Join(root, stateFile), logger: logger}
}

// Load reads the current state. A missing or corrupt registry file is
// self-healed to an empty state with a warning, never a hard error.
func (r *Registry) Load() State {
	st := State{Containers: make(map[string]ContainerRecord)}
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("unreadable daemon state, starting empty", "error", err)
		}
		return st
	}
	if err := json.Unmarshal(data, &st); err != nil {
		r.logger.Warn("corrupt daemon state, starting empty", "error", err)
		return State{Containers: make(map[string]ContainerRecord)}
	}
	if st.Containers == nil {
		st.Containers = make(map[string]ContainerRecord)
	}
	return st
}

// Save atomically replaces the registry file with the given state.
func (r *Registry) Save(st State) error {
	data, err := json.MarshalIndent(&st, "", "  ")
	if err != nil {
		return fmt.Errorf("daemon: marshal state: %w", err)
	}
	return fsutil.AtomicWriteFile(r.path, data, 0o600)
}

// Update applies fn to the current state under the registry lock and saves
// the result. Every read-modify-write in this process must go through here
// so a Register landing mid-tick is never overwritten by the tick's save.
func (r *Registry) Update(fn func(*State)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.Load()
	fn(&st)
	return r.Save(st)
}

// Register adds or replaces a container record. Called by the container
// sandbox when a container starts.
func (r *Registry) Register(rec ContainerRecord) error {
	if rec.LastSeen.IsZero() {
		rec.LastSeen = time.Now()
	}
	return r.Update(func(st *State) {
		st.Containers[rec.ContainerID] = rec
	})
}

// Remove drops a container record. Called when a container is cleaned up.
func (r *Registry) Remove(containerID string) error {
	return r.Update(func(st *State) {
		delete(st.Containers, containerID)
	})
}

// Records returns the tracked containers sorted by container id.
func (r *Registry) Records() []ContainerRecord {
	st := r.Load()
	recs := make([]ContainerRecord, 0, len(st.Containers))
	for _, rec := range st.Containers {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ContainerID < recs[j].ContainerID })
	return recs
}
