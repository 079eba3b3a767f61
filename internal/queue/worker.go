package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Worker repeatedly claims and processes ready tasks until its context is
// cancelled. Run multiple Workers (one per --role=worker process, or
// several goroutines within one) to process tasks concurrently — claimNext's
// conditional UPDATE keeps them from double-processing the same row.
type Worker struct {
	id       string
	queue    *Queue
	logger   *zap.Logger
	pollIdle time.Duration
}

// NewWorker constructs a Worker with the given identity (used as the
// locked_by column for diagnosability) and idle poll interval.
func NewWorker(id string, q *Queue, logger *zap.Logger, pollIdle time.Duration) *Worker {
	return &Worker{id: id, queue: q, logger: logger, pollIdle: pollIdle}
}

// Run blocks, processing tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		processed, err := w.runOnce(ctx)
		if err != nil {
			w.logger.Error("queue: worker iteration failed", zap.String("worker", w.id), zap.Error(err))
		}
		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollIdle):
			}
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) (processed bool, err error) {
	t, err := w.queue.claimNext(ctx, w.id)
	if err != nil {
		if err == ErrNoTask {
			return false, nil
		}
		return false, err
	}

	handler, ok := w.queue.handlers[t.TaskType]
	if !ok {
		w.logger.Error("queue: no handler registered for task type", zap.String("task_type", t.TaskType))
		_ = w.queue.markRetry(ctx, t, fmt.Errorf("no handler registered for task type %q", t.TaskType), 0)
		return true, nil
	}

	taskErr := handler(ctx, []byte(t.Payload))
	if taskErr != nil {
		delay := backoffDelay(t.Attempts)
		w.logger.Warn("queue: task failed, will retry", zap.String("task_type", t.TaskType), zap.Uint("task_id", t.ID), zap.Int("attempt", t.Attempts+1), zap.Duration("delay", delay), zap.Error(taskErr))
		if err := w.queue.markRetry(ctx, t, taskErr, delay); err != nil {
			return true, fmt.Errorf("queue: mark retry: %w", err)
		}
		return true, nil
	}

	if err := w.queue.markDone(ctx, t.ID); err != nil {
		return true, fmt.Errorf("queue: mark done: %w", err)
	}
	return true, nil
}

// backoffDelay computes the wait before the next attempt using an
// exponential backoff with jitter, matching the reference finalize task's
// countdown=5s retry for a busy runner lock while still bounding pathological
// growth via retry.WithMaxDuration.
func backoffDelay(attempt int) time.Duration {
	b, err := retry.NewExponential(5 * time.Second)
	if err != nil {
		return 5 * time.Second
	}
	b = retry.WithMaxDuration(2*time.Minute, b)
	b = retry.WithJitterPercent(20, b)

	var delay time.Duration
	for i := 0; i <= attempt; i++ {
		d, stop := b.Next()
		if stop {
			break
		}
		delay = d
	}
	return delay
}
