// Package finalize implements the asynchronous work that follows a
// checkpoint being queued for finalize: acquire the runner's mutual
// exclusion lock, pause its CI registration if it has one, reset it back to
// the checkpoint, wait for it to become ready again, then release the lock
// and record the outcome.
package finalize

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

// ErrLockBusy is returned when the runner's advisory lock is already held
// by someone else. The queue worker handles it like any other task error: it
// retries after queue.backoffDelay (about 5s, then about 10s) and marks the
// task failed after three attempts in all, that is, two retries.
var ErrLockBusy = errors.New("finalize: runner lock busy")

// Worker runs one checkpoint's finalize sequence to completion.
type Worker struct {
	db       *db.DB
	cps      repositories.CheckpointRepository
	logs     repositories.OperationLogRepository
	runners  repositories.RunnerRepository
	backends *backend.Registry
	ci       *ciadapter.Registry
	logger   *zap.Logger
}

// New constructs a Worker.
func New(database *db.DB, cps repositories.CheckpointRepository, logs repositories.OperationLogRepository, runners repositories.RunnerRepository, backends *backend.Registry, ci *ciadapter.Registry, logger *zap.Logger) *Worker {
	return &Worker{db: database, cps: cps, logs: logs, runners: runners, backends: backends, ci: ci, logger: logger}
}

// Run executes the finalize sequence for the named checkpoint. It is a
// no-op (nil error) if the checkpoint is missing or no longer in
// finalize_queued by the time the lock is acquired — another worker or a
// duplicate trigger already handled it.
func (w *Worker) Run(ctx context.Context, checkpointName string) error {
	cp, err := w.cps.GetByName(ctx, checkpointName)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			w.logger.Warn("finalize: checkpoint not found, skipping", zap.String("checkpoint", checkpointName))
			return nil
		}
		return fmt.Errorf("finalize: load checkpoint: %w", err)
	}
	if cp.State != db.StateFinalizeQueued {
		return nil
	}

	runner, err := w.runners.GetByRunnerID(ctx, cp.RunnerID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			w.logger.Warn("finalize: runner not in inventory, skipping", zap.String("runner_id", cp.RunnerID))
			return nil
		}
		return fmt.Errorf("finalize: load runner: %w", err)
	}

	acquired, err := db.TryAdvisoryLock(ctx, w.db, runner.RunnerID)
	if err != nil {
		return fmt.Errorf("finalize: acquire lock: %w", err)
	}
	if !acquired {
		return ErrLockBusy
	}
	defer func() {
		if _, err := db.ReleaseAdvisoryLock(ctx, w.db, runner.RunnerID); err != nil {
			w.logger.Error("finalize: failed to release lock", zap.String("runner_id", runner.RunnerID), zap.Error(err))
		}
	}()

	// Re-check state now that the lock is held — it may have changed
	// between the unlocked read above and lock acquisition.
	cp, err = w.cps.GetByName(ctx, checkpointName)
	if err != nil {
		return fmt.Errorf("finalize: reload checkpoint: %w", err)
	}
	if cp.State != db.StateFinalizeQueued {
		return nil
	}

	b, ok := w.backends.Get(runner)
	if !ok {
		return fmt.Errorf("finalize: unsupported backend %q", runner.Backend)
	}

	var adapter ciadapter.Adapter
	paused := false
	if runner.CIRunnerID != nil {
		if a, ok := w.ci.Get("gitlab"); ok {
			adapter = a
		}
	}

	result := "ok"
	newState := db.StateReset

	if adapter != nil {
		if err := adapter.PauseRunner(ctx, *runner.CIRunnerID); err != nil {
			w.logger.Warn("finalize: failed to pause CI runner", zap.String("runner_id", runner.RunnerID), zap.Error(err))
		} else {
			paused = true
		}
	}

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
			w.logger.Error("finalize: failed to unpause CI runner", zap.String("runner_id", runner.RunnerID), zap.Error(err))
		}
	}

	if resetErr != nil {
		result = "error"
	}

	if err := w.cps.ForceState(ctx, cp.ID, newState); err != nil && resetErr == nil {
		return fmt.Errorf("finalize: record new state: %w", err)
	}

	detail := fmt.Sprintf("Finalized: status=%s, new_state=%s", derefStr(cp.FinalizeStatus), newState)
	now := time.Now()
	entry := &db.OperationLog{
		CheckpointID: cp.ID,
		RunnerID:     cp.RunnerID,
		Operation:    "finalize",
		Backend:      &runner.Backend,
		Detail:       &detail,
		Result:       &result,
		StartedAt:    now,
		FinishedAt:   &now,
	}
	if err := w.logs.Create(ctx, entry); err != nil {
		w.logger.Error("finalize: failed to append operation log", zap.String("checkpoint", cp.Name), zap.Error(err))
	}

	if resetErr != nil {
		return fmt.Errorf("finalize: reset runner %q: %w", runner.RunnerID, resetErr)
	}
	return nil
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
