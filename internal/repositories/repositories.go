// Package repositories contains the GORM-backed persistence layer for the
// Checkpoint Lifecycle Engine. Each repository exposes the narrow set of
// queries its callers actually issue rather than a generic CRUD surface —
// the checkpoint repository, in particular, has methods shaped directly
// around the invariants the service layer enforces (active-state lookups,
// cooldown lookups, compare-and-swap state updates, paged scans). None of
// the reads take a row lock.
package repositories

import (
	"context"
	"time"

	"github.com/e2epool/e2epool/internal/db"
)

// ListOptions contains common pagination options for paged scans.
type ListOptions struct {
	Limit  int
	Offset int
}

// PageOptions drives the id-ordered keyset pagination used by the GC,
// poller, and reconciler loops, which must not miss or reprocess rows when
// a scan spans multiple batches while writes are happening concurrently.
type PageOptions struct {
	AfterID uint
	Limit   int
}

// CheckpointRepository is the persistence surface backing internal/checkpoint.
type CheckpointRepository interface {
	// Create inserts a new checkpoint row. Returns ErrConflict if the
	// partial unique index on (runner_id) WHERE state IN (active) is
	// violated by a concurrent create.
	Create(ctx context.Context, cp *db.Checkpoint) error

	GetByName(ctx context.Context, name string) (*db.Checkpoint, error)

	// GetActiveByJobID looks up the active checkpoint for a job, used by
	// the webhook handlers which only carry the CI job's own ID, not the
	// checkpoint name. ErrNotFound if no active checkpoint matches.
	GetActiveByJobID(ctx context.Context, jobID string) (*db.Checkpoint, error)

	// GetActiveForRunner returns the checkpoint in an active state for a
	// runner, or ErrNotFound if none exists.
	GetActiveForRunner(ctx context.Context, runnerID string) (*db.Checkpoint, error)

	// GetMostRecentFinalized returns the most recently finalized checkpoint
	// for a runner (by finalized_at descending), used for the finalize
	// cooldown check. ErrNotFound if the runner has never had one.
	GetMostRecentFinalized(ctx context.Context, runnerID string) (*db.Checkpoint, error)

	// UpdateState performs a compare-and-swap from expectedState to
	// newState, along with the finalize fields. Returns ErrNotFound if no
	// row matched — either the name doesn't exist or the state moved
	// under the caller.
	UpdateState(ctx context.Context, name, expectedState, newState string, finalizeStatus, finalizeSource *string, finalizedAt *time.Time) error

	// ForceState sets the state unconditionally, used by the finalize and
	// GC workers to record their terminal outcome after having already
	// taken the advisory lock for the runner.
	ForceState(ctx context.Context, id uint, newState string) error

	// ListStaleCreated pages through checkpoints in state "created" older
	// than the cutoff, ordered by id ascending, for the GC scan.
	ListStaleCreated(ctx context.Context, cutoff time.Time, page PageOptions) ([]db.Checkpoint, error)

	// ListByState pages through checkpoints in a given state ordered by id
	// ascending, used by the poller (state=created) and the reconciler
	// (state=finalize_queued).
	ListByState(ctx context.Context, state string, page PageOptions) ([]db.Checkpoint, error)
}

// OperationLogRepository appends audit rows for checkpoint operations.
type OperationLogRepository interface {
	Create(ctx context.Context, entry *db.OperationLog) error
	ListByCheckpoint(ctx context.Context, checkpointID uint) ([]db.OperationLog, error)
}

// RunnerRepository is read-mostly: the engine consumes runner configuration,
// it does not manage the runner fleet's lifecycle.
type RunnerRepository interface {
	GetByRunnerID(ctx context.Context, runnerID string) (*db.Runner, error)
	GetByToken(ctx context.Context, token string) (*db.Runner, error)
	ListActive(ctx context.Context) ([]db.Runner, error)

	// Upsert is used by the inventory importer to sync a YAML-defined
	// fleet into the database.
	Upsert(ctx context.Context, runner *db.Runner) error
}
