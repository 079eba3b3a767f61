// Package backend implements the pluggable runner-backend interface:
// creating a point-in-time checkpoint of a runner's disk state, resetting
// the runner back to a checkpoint, tearing down a checkpoint's resources,
// and checking whether a runner is ready to accept jobs again. Proxmox VMs
// and bare-metal machines are supported; both drive the agent over the
// agent channel for anything that happens inside the runner's OS.
package backend

import (
	"context"
	"time"

	"github.com/e2epool/e2epool/internal/agentchannel"
	"github.com/e2epool/e2epool/internal/db"
)

// Config carries the settings backend implementations need at construction
// time: the agent readiness timeout/poll interval and the agent exec
// timeout. The Proxmox* polling fields are not read: ProxmoxBackend waits
// with fixed timeouts (60s for stop, 120s for the rollback task, 180s for
// start) and polls every 2s.
type Config struct {
	ProxmoxStatusPollInterval time.Duration
	ProxmoxStatusTimeout      time.Duration
	ProxmoxStartTimeout       time.Duration
	ProxmoxTaskPollInterval   time.Duration
	ProxmoxTaskTimeout        time.Duration

	ReadinessTimeout      time.Duration
	ReadinessPollInterval time.Duration

	AgentExecTimeout time.Duration
}

// Backend is implemented once per runner.Backend value ("proxmox",
// "bare_metal"). All operations are long-running and must respect ctx
// cancellation — the finalize and GC workers bound them with the
// configured task time limits.
type Backend interface {
	// CreateCheckpoint snapshots the runner's current disk state under
	// name. Called synchronously from the checkpoint-create request path.
	CreateCheckpoint(ctx context.Context, runner *db.Runner, name string) error

	// Reset rolls the runner back to the checkpoint named name. The
	// Proxmox backend rolls back the VM, starts it, and runs the runner's
	// cleanup command once it responds over the agent channel again; the
	// bare-metal backend runs the runner's reset command only.
	Reset(ctx context.Context, runner *db.Runner, name string) error

	// Cleanup tears down a checkpoint's resources following the success
	// path. It is not invoked by this implementation — see
	// SPEC_FULL.md's resolution of the Backend.Cleanup open question —
	// but is kept on the interface so a future success-fast-path can use
	// it without changing the interface shape.
	Cleanup(ctx context.Context, runner *db.Runner, name string) error

	// CheckReady reports whether the runner is ready to accept jobs.
	CheckReady(ctx context.Context, runner *db.Runner) (bool, error)
}

// Registry resolves a Backend implementation by runner.Backend value.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry wires up the supported backends against the given agent
// channel client, mirroring the module-level _backends dict the reference
// dependency wiring builds at startup.
func NewRegistry(agents agentchannel.Client, cfg Config) *Registry {
	return &Registry{
		backends: map[string]Backend{
			db.BackendProxmox:   NewProxmoxBackend(agents, cfg),
			db.BackendBareMetal: NewBareMetalBackend(agents, cfg),
		},
	}
}

// Get returns the Backend for a runner, or false if its Backend field
// names something unsupported. The runners table has no constraint on
// backend; the inventory importer rejects other values, and callers check
// the result anyway.
func (r *Registry) Get(runner *db.Runner) (Backend, bool) {
	b, ok := r.backends[runner.Backend]
	return b, ok
}
