// Package scheduler drives the controller's periodic background passes —
// abandoned-checkpoint GC, the CI-status poller, and the crash-recovery
// reconciler — on independent gocron ticks, each running in singleton mode
// so a slow pass never overlaps with its own next tick.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Sweeper is satisfied by gcworker.Worker.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// CIPoller is satisfied by poller.Poller.
type CIPoller interface {
	Poll(ctx context.Context) (int, error)
}

// StuckReconciler is satisfied by reconciler.Reconciler.
type StuckReconciler interface {
	ReconcileStuck(ctx context.Context) (int, error)
}

// Scheduler wraps gocron and ticks the three background passes at their
// configured intervals. The zero value is not usable — build one with New.
type Scheduler struct {
	cron   gocron.Scheduler
	logger *zap.Logger
}

// New creates the underlying gocron scheduler. Call Start to begin ticking.
func New(logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}
	return &Scheduler{cron: s, logger: logger.Named("scheduler")}, nil
}

// RegisterGC schedules the GC sweep on a fixed interval.
func (s *Scheduler) RegisterGC(w Sweeper, interval time.Duration) error {
	return s.registerTick("gc", interval, func(ctx context.Context) (int, error) {
		return w.Sweep(ctx)
	})
}

// RegisterPoller schedules the CI-status poller on a fixed interval.
func (s *Scheduler) RegisterPoller(p CIPoller, interval time.Duration) error {
	return s.registerTick("poller", interval, func(ctx context.Context) (int, error) {
		return p.Poll(ctx)
	})
}

// RegisterReconciler schedules the stuck-checkpoint reconciler on a fixed
// interval. ReconcileOnStartup is not scheduled here — main.go runs it once
// synchronously before the HTTP server starts accepting traffic.
func (s *Scheduler) RegisterReconciler(r StuckReconciler, interval time.Duration) error {
	return s.registerTick("reconciler", interval, func(ctx context.Context) (int, error) {
		return r.ReconcileStuck(ctx)
	})
}

func (s *Scheduler) registerTick(name string, interval time.Duration, fn func(ctx context.Context) (int, error)) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()

			n, err := fn(ctx)
			if err != nil {
				s.logger.Error("pass failed", zap.String("pass", name), zap.Error(err))
				return
			}
			if n > 0 {
				s.logger.Info("pass completed", zap.String("pass", name), zap.Int("processed", n))
			}
		}),
		gocron.WithTags(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: register %s: %w", name, err)
	}
	return nil
}

// Start begins ticking every registered job.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop waits for any in-flight tick to finish, then shuts the scheduler down.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}
