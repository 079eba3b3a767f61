package gcworker

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/e2epool/e2epool/internal/agentchannel"
	"github.com/e2epool/e2epool/internal/backend"
	"github.com/e2epool/e2epool/internal/ciadapter"
	"github.com/e2epool/e2epool/internal/db"
	"github.com/e2epool/e2epool/internal/repositories"
)

type fakeAgentClient struct{ ready bool }

func (f *fakeAgentClient) Exec(ctx context.Context, runnerID, cmd string, timeout float64) (agentchannel.ExecResult, error) {
	return agentchannel.ExecResult{ExitCode: 0}, nil
}

func (f *fakeAgentClient) Connected(runnerID string) bool { return f.ready }

type fakeCIAdapter struct {
	pauseCalls   int
	unpauseCalls int
}

func (f *fakeCIAdapter) GetJobStatus(ctx context.Context, jobID string) (string, error) {
	return ciadapter.StatusSuccess, nil
}

func (f *fakeCIAdapter) PauseRunner(ctx context.Context, ciRunnerID int) error {
	f.pauseCalls++
	return nil
}

func (f *fakeCIAdapter) UnpauseRunner(ctx context.Context, ciRunnerID int) error {
	f.unpauseCalls++
	return nil
}

func newTestWorker(t *testing.T, ttl time.Duration, batchSize int) (*Worker, *db.DB, repositories.CheckpointRepository, repositories.RunnerRepository, *fakeCIAdapter) {
	t.Helper()
	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	cps := repositories.NewCheckpointRepository(database.DB)
	logs := repositories.NewOperationLogRepository(database.DB)
	runners := repositories.NewRunnerRepository(database.DB)
	backends := backend.NewRegistry(&fakeAgentClient{ready: true}, backend.Config{})
	ci := &fakeCIAdapter{}
	ciRegistry := ciadapter.NewRegistry(ci)

	w := New(database, cps, logs, runners, backends, ciRegistry, zap.NewNop(), ttl, batchSize)
	return w, database, cps, runners, ci
}

func seedStaleRunnerAndCheckpoint(t *testing.T, ctx context.Context, runners repositories.RunnerRepository, cps repositories.CheckpointRepository, runnerID string, ciRunnerID *int) *db.Checkpoint {
	t.Helper()
	if err := runners.Upsert(ctx, &db.Runner{RunnerID: runnerID, Backend: db.BackendBareMetal, Token: "tok-" + runnerID, IsActive: true, CIRunnerID: ciRunnerID}); err != nil {
		t.Fatalf("seed runner: %v", err)
	}
	cp := &db.Checkpoint{Name: "job-a-1-deadbeef", RunnerID: runnerID, JobID: "1", State: db.StateCreated, CreatedAt: time.Now().Add(-2 * time.Hour)}
	if err := cps.Create(ctx, cp); err != nil {
		t.Fatalf("seed stale checkpoint: %v", err)
	}
	return cp
}

func TestSweepResetsStaleCheckpointsPastTTL(t *testing.T) {
	w, _, cps, runners, _ := newTestWorker(t, time.Hour, 10)
	ctx := context.Background()

	if err := runners.Upsert(ctx, &db.Runner{RunnerID: "runner-1", Backend: db.BackendBareMetal, Token: "tok-1", IsActive: true}); err != nil {
		t.Fatalf("seed runner: %v", err)
	}

	stale := &db.Checkpoint{Name: "job-a-1-deadbeef", RunnerID: "runner-1", JobID: "1", State: db.StateCreated, CreatedAt: time.Now().Add(-2 * time.Hour)}
	if err := cps.Create(ctx, stale); err != nil {
		t.Fatalf("seed stale checkpoint: %v", err)
	}

	processed, err := w.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 checkpoint processed, got %d", processed)
	}

	got, err := cps.GetByName(ctx, stale.Name)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.State != db.StateGCReset {
		t.Fatalf("expected state gc_reset, got %q", got.State)
	}
}

func TestSweepPausesAndUnpausesCIRunner(t *testing.T) {
	w, _, cps, runners, ci := newTestWorker(t, time.Hour, 10)
	ctx := context.Background()

	ciRunnerID := 42
	seedStaleRunnerAndCheckpoint(t, ctx, runners, cps, "runner-1", &ciRunnerID)

	if _, err := w.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if ci.pauseCalls != 1 || ci.unpauseCalls != 1 {
		t.Fatalf("expected exactly one pause and one unpause, got pause=%d unpause=%d", ci.pauseCalls, ci.unpauseCalls)
	}
}

func TestSweepDoesNotTouchCIWhenRunnerHasNoCIRunnerID(t *testing.T) {
	w, _, cps, runners, ci := newTestWorker(t, time.Hour, 10)
	ctx := context.Background()

	seedStaleRunnerAndCheckpoint(t, ctx, runners, cps, "runner-1", nil)

	if _, err := w.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if ci.pauseCalls != 0 || ci.unpauseCalls != 0 {
		t.Fatalf("expected no pause/unpause calls for a runner with no ci_runner_id, got pause=%d unpause=%d", ci.pauseCalls, ci.unpauseCalls)
	}
}

func TestSweepIgnoresCheckpointsUnderTTL(t *testing.T) {
	w, _, cps, runners, _ := newTestWorker(t, time.Hour, 10)
	ctx := context.Background()

	if err := runners.Upsert(ctx, &db.Runner{RunnerID: "runner-1", Backend: db.BackendBareMetal, Token: "tok-1", IsActive: true}); err != nil {
		t.Fatalf("seed runner: %v", err)
	}

	fresh := &db.Checkpoint{Name: "job-a-1-deadbeef", RunnerID: "runner-1", JobID: "1", State: db.StateCreated, CreatedAt: time.Now()}
	if err := cps.Create(ctx, fresh); err != nil {
		t.Fatalf("seed fresh checkpoint: %v", err)
	}

	processed, err := w.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if processed != 0 {
		t.Fatalf("expected 0 checkpoints processed for one under the TTL, got %d", processed)
	}

	got, err := cps.GetByName(ctx, fresh.Name)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.State != db.StateCreated {
		t.Fatalf("expected state to remain created, got %q", got.State)
	}
}

func TestSweepPagesAcrossMultipleBatches(t *testing.T) {
	w, _, cps, runners, _ := newTestWorker(t, time.Hour, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		runnerID := "runner-" + time.Now().Add(time.Duration(i)*time.Millisecond).Format("150405.000000000")
		if err := runners.Upsert(ctx, &db.Runner{RunnerID: runnerID, Backend: db.BackendBareMetal, Token: "tok-" + runnerID, IsActive: true}); err != nil {
			t.Fatalf("seed runner %d: %v", i, err)
		}
		cp := &db.Checkpoint{Name: "job-a-" + runnerID + "-deadbeef", RunnerID: runnerID, JobID: "1", State: db.StateCreated, CreatedAt: time.Now().Add(-2 * time.Hour)}
		if err := cps.Create(ctx, cp); err != nil {
			t.Fatalf("seed checkpoint %d: %v", i, err)
		}
	}

	processed, err := w.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if processed != 5 {
		t.Fatalf("expected all 5 stale checkpoints processed across batches, got %d", processed)
	}
}

func TestSweepSkipsCheckpointWithUnknownRunner(t *testing.T) {
	w, _, cps, _, _ := newTestWorker(t, time.Hour, 10)
	ctx := context.Background()

	stale := &db.Checkpoint{Name: "job-a-1-deadbeef", RunnerID: "ghost-runner", JobID: "1", State: db.StateCreated, CreatedAt: time.Now().Add(-2 * time.Hour)}
	if err := cps.Create(ctx, stale); err != nil {
		t.Fatalf("seed stale checkpoint: %v", err)
	}

	processed, err := w.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected the row to still count as processed even though it was skipped, got %d", processed)
	}

	got, err := cps.GetByName(ctx, stale.Name)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.State != db.StateCreated {
		t.Fatalf("expected state to remain created when the runner is unknown, got %q", got.State)
	}
}
