// Package checkpoint implements the checkpoint lifecycle service: creating
// a checkpoint for a runner, queueing it for finalize, and reading its
// current state. It owns the invariants the rest of the engine depends on —
// at most one active checkpoint per runner, and the finalize cooldown. At
// create time it checks with plain reads (no row lock is taken) and relies on
// the partial unique index on active checkpoints to reject a concurrent
// second create; at transition time it uses a compare-and-swap.
package checkpoint

import "fmt"

// Error is a checkpoint-service error carrying the HTTP status the API
// layer should respond with, mirroring the CheckpointError the original
// service layer raised directly from FastAPI route handlers.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string {
	return e.Detail
}

func newError(status int, format string, args ...interface{}) *Error {
	return &Error{Status: status, Detail: fmt.Sprintf(format, args...)}
}
