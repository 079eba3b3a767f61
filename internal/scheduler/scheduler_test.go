package scheduler

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

type countingSweeper struct {
	calls chan struct{}
}

func (c *countingSweeper) Sweep(ctx context.Context) (int, error) {
	c.calls <- struct{}{}
	return 0, nil
}

type countingPoller struct {
	calls chan struct{}
}

func (c *countingPoller) Poll(ctx context.Context) (int, error) {
	c.calls <- struct{}{}
	return 0, nil
}

type countingReconciler struct {
	calls chan struct{}
}

func (c *countingReconciler) ReconcileStuck(ctx context.Context) (int, error) {
	c.calls <- struct{}{}
	return 0, nil
}

func TestSchedulerTicksRegisteredGCPass(t *testing.T) {
	s, err := New(zap.NewNop())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	sweeper := &countingSweeper{calls: make(chan struct{}, 4)}
	if err := s.RegisterGC(sweeper, 10*time.Millisecond); err != nil {
		t.Fatalf("register gc: %v", err)
	}

	s.Start()
	defer s.Stop()

	select {
	case <-sweeper.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the gc pass to tick")
	}
}

func TestSchedulerTicksRegisteredPollerAndReconciler(t *testing.T) {
	s, err := New(zap.NewNop())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	poller := &countingPoller{calls: make(chan struct{}, 4)}
	reconciler := &countingReconciler{calls: make(chan struct{}, 4)}
	if err := s.RegisterPoller(poller, 10*time.Millisecond); err != nil {
		t.Fatalf("register poller: %v", err)
	}
	if err := s.RegisterReconciler(reconciler, 10*time.Millisecond); err != nil {
		t.Fatalf("register reconciler: %v", err)
	}

	s.Start()
	defer s.Stop()

	select {
	case <-poller.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the poller pass to tick")
	}
	select {
	case <-reconciler.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the reconciler pass to tick")
	}
}

func TestSchedulerStartStopWithNoJobs(t *testing.T) {
	s, err := New(zap.NewNop())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start()
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
