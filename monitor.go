package leash

import (
	"log/slog"

	"github.com/agentleash/leash/audit"
	"github.com/agentleash/leash/rollback"
)

// monitorConfig wires the file-access monitor to one running session.
type monitorConfig struct {
	// pid is the host PID of the sandboxed process.
	pid int

	// sessionID is the audit session observations are recorded under.
	sessionID string

	// workDir scopes observation: only paths under it are reported.
	workDir string

	// policy supplies the write budget.
	policy *Policy

	store  *audit.Store
	engine *rollback.Engine
	logger *slog.Logger

	// terminate is invoked when the write budget is exceeded.
	terminate func()
}
