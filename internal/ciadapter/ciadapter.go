// Package ciadapter normalizes job status across CI providers and lets the
// engine pause/unpause a runner's CI registration during a reset so the
// provider stops scheduling new jobs on it mid-rollback.
package ciadapter

import "context"

// Status values the engine itself understands, independent of provider
// vocabulary.
const (
	StatusRunning  = "running"
	StatusSuccess  = "success"
	StatusFailure  = "failure"
	StatusCanceled = "canceled"
)

// IsTerminal reports whether status represents a finished job.
func IsTerminal(status string) bool {
	switch status {
	case StatusSuccess, StatusFailure, StatusCanceled:
		return true
	default:
		return false
	}
}

// Adapter is implemented once per CI provider.
type Adapter interface {
	// GetJobStatus fetches a job's current status and normalizes it to
	// the engine's vocabulary. Unrecognized provider statuses map to
	// StatusRunning so the poller keeps waiting rather than prematurely
	// finalizing.
	GetJobStatus(ctx context.Context, jobID string) (string, error)

	// PauseRunner asks the provider to stop scheduling new jobs on
	// ciRunnerID. Called before a reset begins.
	PauseRunner(ctx context.Context, ciRunnerID int) error

	// UnpauseRunner re-enables scheduling. Called once the reset
	// completes (or fails) so the runner returns to service.
	UnpauseRunner(ctx context.Context, ciRunnerID int) error
}

// Registry resolves an Adapter by provider name ("gitlab").
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry wires the supported CI adapters.
func NewRegistry(gitlab Adapter) *Registry {
	return &Registry{adapters: map[string]Adapter{"gitlab": gitlab}}
}

// Get returns the named adapter, or the GitLab adapter registered by
// default if name is empty (matching the reference's single-provider
// dependency wiring).
func (r *Registry) Get(name string) (Adapter, bool) {
	if name == "" {
		name = "gitlab"
	}
	a, ok := r.adapters[name]
	return a, ok
}
