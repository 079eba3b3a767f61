package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/e2epool/e2epool/internal/db"
	"github.com/e2epool/e2epool/internal/repositories"
)

func newTestReconciler(t *testing.T, batchSize int) (*Reconciler, repositories.CheckpointRepository) {
	t.Helper()
	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	cps := repositories.NewCheckpointRepository(database.DB)
	return New(cps, zap.NewNop(), batchSize), cps
}

func seedStuckCheckpoint(t *testing.T, ctx context.Context, cps repositories.CheckpointRepository, name string) {
	t.Helper()
	status := db.FinalizeSuccess
	source := "webhook"
	now := time.Now()
	cp := &db.Checkpoint{
		Name: name, RunnerID: "runner-" + name, JobID: "1",
		State: db.StateFinalizeQueued, CreatedAt: now.Add(-time.Hour),
		FinalizeStatus: &status, FinalizeSource: &source, FinalizedAt: &now,
	}
	if err := cps.Create(ctx, cp); err != nil {
		t.Fatalf("seed stuck checkpoint %q: %v", name, err)
	}
}

func TestReconcileStuckEnqueuesEveryStuckCheckpoint(t *testing.T) {
	r, cps := newTestReconciler(t, 10)
	ctx := context.Background()
	seedStuckCheckpoint(t, ctx, cps, "job-a-1-deadbeef")
	seedStuckCheckpoint(t, ctx, cps, "job-b-1-cafebabe")

	var enqueued []string
	r.Enqueue = func(ctx context.Context, name string) error {
		enqueued = append(enqueued, name)
		return nil
	}

	count, err := r.ReconcileStuck(ctx)
	if err != nil {
		t.Fatalf("reconcile stuck: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 stuck checkpoints re-enqueued, got %d", count)
	}
	if len(enqueued) != 2 {
		t.Fatalf("expected Enqueue called twice, got %d", len(enqueued))
	}
}

func TestReconcileStuckSkipsNonStuckCheckpoints(t *testing.T) {
	r, cps := newTestReconciler(t, 10)
	ctx := context.Background()

	cp := &db.Checkpoint{Name: "job-a-1-deadbeef", RunnerID: "runner-1", JobID: "1", State: db.StateCreated, CreatedAt: time.Now()}
	if err := cps.Create(ctx, cp); err != nil {
		t.Fatalf("seed created checkpoint: %v", err)
	}

	r.Enqueue = func(ctx context.Context, name string) error { return nil }

	count, err := r.ReconcileStuck(ctx)
	if err != nil {
		t.Fatalf("reconcile stuck: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 re-enqueued since the checkpoint isn't stuck, got %d", count)
	}
}

func TestReconcileStuckContinuesPastEnqueueFailure(t *testing.T) {
	r, cps := newTestReconciler(t, 10)
	ctx := context.Background()
	seedStuckCheckpoint(t, ctx, cps, "job-a-1-deadbeef")
	seedStuckCheckpoint(t, ctx, cps, "job-b-1-cafebabe")

	r.Enqueue = func(ctx context.Context, name string) error {
		if name == "job-a-1-deadbeef" {
			return errors.New("queue unavailable")
		}
		return nil
	}

	count, err := r.ReconcileStuck(ctx)
	if err != nil {
		t.Fatalf("reconcile stuck: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected the failing enqueue to not count while the other still succeeds, got %d", count)
	}
}

func TestReconcileOnStartupDoesNotPanicWithoutEnqueue(t *testing.T) {
	r, cps := newTestReconciler(t, 10)
	ctx := context.Background()
	seedStuckCheckpoint(t, ctx, cps, "job-a-1-deadbeef")

	r.ReconcileOnStartup(ctx)
}
