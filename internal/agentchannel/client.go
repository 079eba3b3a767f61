package agentchannel

import (
	"context"
	"errors"
)

// ErrNotConnected is returned when a runner has no live agent connection.
var ErrNotConnected = errors.New("agentchannel: runner not connected")

// ErrExecTimeout is returned when an exec request is not answered in time.
var ErrExecTimeout = errors.New("agentchannel: exec timed out")

// Client is the surface backend implementations use to drive a runner's
// agent, without caring whether the agent's WebSocket connection terminates
// in this process (the Hub, when running with --role=all or --role=controller)
// or in a sibling controller process reached over HTTP (when running with
// --role=worker, see SPEC_FULL.md §9).
type Client interface {
	// Exec runs cmd on the runner and returns its captured output. timeout
	// bounds how long the controller waits for the agent's reply.
	Exec(ctx context.Context, runnerID, cmd string, timeout float64) (ExecResult, error)

	// Connected reports whether the runner currently has a live agent
	// connection.
	Connected(runnerID string) bool
}
