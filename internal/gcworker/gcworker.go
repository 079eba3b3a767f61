// Package gcworker reclaims checkpoints abandoned in the created state —
// ones whose job never reported back, crashed, or whose webhook/poller
// trigger was lost — by resetting their runner directly, pausing and
// unpausing its CI registration around the reset the same way finalize does.
package gcworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/e2epool/e2epool/internal/backend"
	"github.com/e2epool/e2epool/internal/ciadapter"
	"github.com/e2epool/e2epool/internal/db"
	"github.com/e2epool/e2epool/internal/repositories"
	"go.uber.org/zap"
)

// Worker scans for and resets stale checkpoints.
type Worker struct {
	db       *db.DB
	cps      repositories.CheckpointRepository
	logs     repositories.OperationLogRepository
	runners  repositories.RunnerRepository
	backends *backend.Registry
	ci       *ciadapter.Registry
	logger   *zap.Logger

	ttl       time.Duration
	batchSize int
}

// New constructs a Worker.
func New(database *db.DB, cps repositories.CheckpointRepository, logs repositories.OperationLogRepository, runners repositories.RunnerRepository, backends *backend.Registry, ci *ciadapter.Registry, logger *zap.Logger, ttl time.Duration, batchSize int) *Worker {
	return &Worker{db: database, cps: cps, logs: logs, runners: runners, backends: backends, ci: ci, logger: logger, ttl: ttl, batchSize: batchSize}
}

// Sweep pages through checkpoints stuck in "created" past the TTL and
// resets each runner. A failure on one checkpoint does not abort the pass —
// the next GC tick will retry it, and other runners must not be starved by
// one stuck reset.
func (w *Worker) Sweep(ctx context.Context) (processed int, err error) {
	cutoff := time.Now().Add(-w.ttl)
	var afterID uint

	for {
		rows, err := w.cps.ListStaleCreated(ctx, cutoff, repositories.PageOptions{AfterID: afterID, Limit: w.batchSize})
		if err != nil {
			return processed, fmt.Errorf("gcworker: list stale created: %w", err)
		}
		if len(rows) == 0 {
			return processed, nil
		}

		for _, cp := range rows {
			w.resetOne(ctx, cp)
			processed++
			afterID = cp.ID
		}

		if len(rows) < w.batchSize {
			return processed, nil
		}
	}
}

func (w *Worker) resetOne(ctx context.Context, cp db.Checkpoint) {
	runner, err := w.runners.GetByRunnerID(ctx, cp.RunnerID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			w.logger.Warn("gcworker: runner not in inventory, skipping", zap.String("runner_id", cp.RunnerID), zap.String("checkpoint", cp.Name))
			return
		}
		w.logger.Error("gcworker: failed to load runner", zap.String("runner_id", cp.RunnerID), zap.Error(err))
		return
	}

	acquired, err := db.TryAdvisoryLock(ctx, w.db, runner.RunnerID)
	if err != nil {
		w.logger.Error("gcworker: failed to acquire lock", zap.String("runner_id", runner.RunnerID), zap.Error(err))
		return
	}
	if !acquired {
		w.logger.Info("gcworker: runner lock busy, will retry next sweep", zap.String("runner_id", runner.RunnerID))
		return
	}
	defer func() {
		if _, err := db.ReleaseAdvisoryLock(ctx, w.db, runner.RunnerID); err != nil {
			w.logger.Error("gcworker: failed to release lock", zap.String("runner_id", runner.RunnerID), zap.Error(err))
		}
	}()

	fresh, err := w.cps.GetByName(ctx, cp.Name)
	if err != nil {
		w.logger.Error("gcworker: failed to reload checkpoint", zap.String("checkpoint", cp.Name), zap.Error(err))
		return
	}
	if fresh.State != db.StateCreated {
		return
	}

	b, ok := w.backends.Get(runner)
	if !ok {
		w.logger.Error("gcworker: unsupported backend", zap.String("runner_id", runner.RunnerID), zap.String("backend", runner.Backend))
		return
	}

	var adapter ciadapter.Adapter
	paused := false
	if runner.CIRunnerID != nil {
		if a, ok := w.ci.Get("gitlab"); ok {
			adapter = a
		}
	}
	if adapter != nil {
		if err := adapter.PauseRunner(ctx, *runner.CIRunnerID); err != nil {
			w.logger.Warn("gcworker: failed to pause CI runner", zap.String("runner_id", runner.RunnerID), zap.Error(err))
		} else {
			paused = true
		}
	}

	result := "ok"
	resetErr := func() error {
		if err := b.Reset(ctx, runner, cp.Name); err != nil {
			return err
		}
		ready, err := b.CheckReady(ctx, runner)
		if err != nil {
			return err
		}
		if !ready {
			return fmt.Errorf("runner did not become ready after reset")
		}
		return nil
	}()

	if paused {
		if err := adapter.UnpauseRunner(ctx, *runner.CIRunnerID); err != nil {
			w.logger.Error("gcworker: failed to unpause CI runner", zap.String("runner_id", runner.RunnerID), zap.Error(err))
		}
	}

	if resetErr != nil {
		result = "error"
		w.logger.Error("gcworker: reset failed", zap.String("runner_id", runner.RunnerID), zap.String("checkpoint", cp.Name), zap.Error(resetErr))
	} else if err := w.cps.ForceState(ctx, cp.ID, db.StateGCReset); err != nil {
		w.logger.Error("gcworker: failed to record gc_reset state", zap.String("checkpoint", cp.Name), zap.Error(err))
		result = "error"
	}

	detail := "Stale checkpoint reset by GC"
	now := time.Now()
	entry := &db.OperationLog{
		CheckpointID: cp.ID,
		RunnerID:     cp.RunnerID,
		Operation:    "gc",
		Backend:      &runner.Backend,
		Detail:       &detail,
		Result:       &result,
		StartedAt:    now,
		FinishedAt:   &now,
	}
	if err := w.logs.Create(ctx, entry); err != nil {
		w.logger.Error("gcworker: failed to append operation log", zap.String("checkpoint", cp.Name), zap.Error(err))
	}
}
