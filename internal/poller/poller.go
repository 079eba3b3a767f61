// Package poller periodically checks each active checkpoint's CI job status
// directly with the provider, as a safety net for runners whose webhook
// delivery failed or was never configured. It only looks at checkpoints old
// enough that a webhook would plausibly have already arrived, to avoid
// spamming the CI API for jobs that are obviously still running.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/e2epool/e2epool/internal/checkpoint"
	"github.com/e2epool/e2epool/internal/ciadapter"
	"github.com/e2epool/e2epool/internal/db"
	"github.com/e2epool/e2epool/internal/repositories"
	"go.uber.org/zap"
)

// Poller drives one poll pass over active checkpoints.
type Poller struct {
	cps     repositories.CheckpointRepository
	runners repositories.RunnerRepository
	svc     *checkpoint.Service
	ci      *ciadapter.Registry
	logger  *zap.Logger

	enabled   bool
	minAge    time.Duration
	batchSize int
}

// New constructs a Poller.
func New(cps repositories.CheckpointRepository, runners repositories.RunnerRepository, svc *checkpoint.Service, ci *ciadapter.Registry, logger *zap.Logger, enabled bool, minAge time.Duration, batchSize int) *Poller {
	return &Poller{cps: cps, runners: runners, svc: svc, ci: ci, logger: logger, enabled: enabled, minAge: minAge, batchSize: batchSize}
}

// Poll pages through checkpoints in state "created", queueing finalize for
// any whose CI job has reached a terminal status. Returns the count of
// checkpoints for which finalize was newly queued. It moves the checkpoint
// to finalize_queued but does not enqueue the finalize task; the
// reconciler's next pass does.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	if !p.enabled {
		return 0, nil
	}

	queued := 0
	var afterID uint

	for {
		rows, err := p.cps.ListByState(ctx, db.StateCreated, repositories.PageOptions{AfterID: afterID, Limit: p.batchSize})
		if err != nil {
			return queued, fmt.Errorf("poller: list active: %w", err)
		}
		if len(rows) == 0 {
			return queued, nil
		}

		for _, cp := range rows {
			afterID = cp.ID
			if time.Since(cp.CreatedAt) < p.minAge {
				continue
			}

			runner, err := p.runners.GetByRunnerID(ctx, cp.RunnerID)
			if err != nil {
				if errors.Is(err, repositories.ErrNotFound) {
					p.logger.Warn("poller: runner not in inventory, skipping", zap.String("runner_id", cp.RunnerID))
					continue
				}
				p.logger.Error("poller: failed to load runner", zap.String("runner_id", cp.RunnerID), zap.Error(err))
				continue
			}

			adapter, ok := p.ci.Get("gitlab")
			if !ok {
				continue
			}

			status, err := adapter.GetJobStatus(ctx, cp.JobID)
			if err != nil {
				p.logger.Warn("poller: failed to get job status", zap.String("job_id", cp.JobID), zap.Error(err))
				continue
			}
			if !ciadapter.IsTerminal(status) {
				continue
			}

			_, already, err := p.svc.QueueFinalize(ctx, cp.Name, status, "poller")
			if err != nil {
				p.logger.Error("poller: failed to queue finalize", zap.String("checkpoint", cp.Name), zap.Error(err))
				continue
			}
			if !already {
				queued++
			}
			_ = runner
		}

		if len(rows) < p.batchSize {
			return queued, nil
		}
	}
}
