// Package reconciler re-enqueues finalize work for checkpoints stuck in
// finalize_queued — the state a checkpoint is left in if the process that
// queued it crashed before handing it to the durable queue, or if the queue
// row itself was lost. It runs on both a periodic tick and once at process
// startup, since startup is exactly when a prior crash's debris needs
// cleaning up.
package reconciler

import (
	"context"
	"fmt"

	"github.com/e2epool/e2epool/internal/db"
	"github.com/e2epool/e2epool/internal/repositories"
	"go.uber.org/zap"
)

// Reconciler re-triggers finalize for stuck checkpoints.
type Reconciler struct {
	cps       repositories.CheckpointRepository
	logger    *zap.Logger
	batchSize int

	// Enqueue hands a checkpoint name to the durable finalize queue. Wired
	// to the same internal/queue.Queue.Enqueue the HTTP/webhook paths use.
	// The poller does not enqueue; checkpoints it moves to finalize_queued
	// reach the queue through this reconciler's next pass.
	Enqueue func(ctx context.Context, checkpointName string) error
}

// New constructs a Reconciler.
func New(cps repositories.CheckpointRepository, logger *zap.Logger, batchSize int) *Reconciler {
	return &Reconciler{cps: cps, logger: logger, batchSize: batchSize}
}

// ReconcileStuck pages through checkpoints in finalize_queued and re-enqueues
// each. A failure to enqueue one row is logged and does not stop the scan —
// the next tick will retry it.
func (r *Reconciler) ReconcileStuck(ctx context.Context) (int, error) {
	count := 0
	var afterID uint

	for {
		rows, err := r.cps.ListByState(ctx, db.StateFinalizeQueued, repositories.PageOptions{AfterID: afterID, Limit: r.batchSize})
		if err != nil {
			return count, fmt.Errorf("reconciler: list stuck: %w", err)
		}
		if len(rows) == 0 {
			return count, nil
		}

		for _, cp := range rows {
			afterID = cp.ID
			if r.Enqueue == nil {
				continue
			}
			if err := r.Enqueue(ctx, cp.Name); err != nil {
				r.logger.Warn("reconciler: failed to enqueue finalize", zap.String("checkpoint", cp.Name), zap.Error(err))
				continue
			}
			count++
		}

		if len(rows) < r.batchSize {
			return count, nil
		}
	}
}

// ReconcileOnStartup runs ReconcileStuck once and logs a summary. cmd/server
// calls it in the scheduler-role setup (roles all and scheduler), before the
// periodic ticks start.
func (r *Reconciler) ReconcileOnStartup(ctx context.Context) {
	count, err := r.ReconcileStuck(ctx)
	if err != nil {
		r.logger.Error("reconciler: startup reconciliation failed", zap.Error(err))
		return
	}
	if count == 0 {
		r.logger.Info("reconciler: no stuck checkpoints found at startup")
		return
	}
	r.logger.Info("reconciler: re-queued stuck checkpoints at startup", zap.Int("count", count))
}
