package poller

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/e2epool/e2epool/internal/agentchannel"
	"github.com/e2epool/e2epool/internal/backend"
	"github.com/e2epool/e2epool/internal/checkpoint"
	"github.com/e2epool/e2epool/internal/ciadapter"
	"github.com/e2epool/e2epool/internal/db"
	"github.com/e2epool/e2epool/internal/repositories"
)

type fakeAgentClient struct{}

func (fakeAgentClient) Exec(ctx context.Context, runnerID, cmd string, timeout float64) (agentchannel.ExecResult, error) {
	return agentchannel.ExecResult{}, nil
}
func (fakeAgentClient) Connected(runnerID string) bool { return true }

type fakeCIAdapter struct {
	statusByJobID map[string]string
}

func (f *fakeCIAdapter) GetJobStatus(ctx context.Context, jobID string) (string, error) {
	if s, ok := f.statusByJobID[jobID]; ok {
		return s, nil
	}
	return ciadapter.StatusRunning, nil
}
func (f *fakeCIAdapter) PauseRunner(ctx context.Context, ciRunnerID int) error   { return nil }
func (f *fakeCIAdapter) UnpauseRunner(ctx context.Context, ciRunnerID int) error { return nil }

func newTestPoller(t *testing.T, enabled bool, minAge time.Duration, statuses map[string]string) (*Poller, repositories.CheckpointRepository, repositories.RunnerRepository) {
	t.Helper()
	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	cps := repositories.NewCheckpointRepository(database.DB)
	logs := repositories.NewOperationLogRepository(database.DB)
	runners := repositories.NewRunnerRepository(database.DB)
	backends := backend.NewRegistry(fakeAgentClient{}, backend.Config{})
	svc := checkpoint.New(database.DB, cps, logs, backends, zap.NewNop(), time.Minute)
	ci := ciadapter.NewRegistry(&fakeCIAdapter{statusByJobID: statuses})

	p := New(cps, runners, svc, ci, zap.NewNop(), enabled, minAge, 10)
	return p, cps, runners
}

func seedActiveCheckpoint(t *testing.T, ctx context.Context, cps repositories.CheckpointRepository, runners repositories.RunnerRepository, runnerID, jobID string, age time.Duration) {
	t.Helper()
	if err := runners.Upsert(ctx, &db.Runner{RunnerID: runnerID, Backend: db.BackendBareMetal, Token: "tok-" + runnerID, IsActive: true}); err != nil {
		t.Fatalf("seed runner: %v", err)
	}
	cp := &db.Checkpoint{Name: "job-" + jobID + "-1-deadbeef", RunnerID: runnerID, JobID: jobID, State: db.StateCreated, CreatedAt: time.Now().Add(-age)}
	if err := cps.Create(ctx, cp); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
}

func TestPollQueuesFinalizeForTerminalJob(t *testing.T) {
	p, cps, runners := newTestPoller(t, true, time.Minute, map[string]string{"job-1": ciadapter.StatusSuccess})
	ctx := context.Background()
	seedActiveCheckpoint(t, ctx, cps, runners, "runner-1", "job-1", 2*time.Minute)

	queued, err := p.Poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if queued != 1 {
		t.Fatalf("expected 1 checkpoint queued, got %d", queued)
	}

	got, err := cps.GetByName(ctx, "job-job-1-1-deadbeef")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.State != db.StateFinalizeQueued {
		t.Fatalf("expected state finalize_queued, got %q", got.State)
	}
}

func TestPollIgnoresJobsStillRunning(t *testing.T) {
	p, cps, runners := newTestPoller(t, true, time.Minute, map[string]string{"job-1": ciadapter.StatusRunning})
	ctx := context.Background()
	seedActiveCheckpoint(t, ctx, cps, runners, "runner-1", "job-1", 2*time.Minute)

	queued, err := p.Poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if queued != 0 {
		t.Fatalf("expected 0 checkpoints queued while the job is still running, got %d", queued)
	}
}

func TestPollSkipsCheckpointsYoungerThanMinAge(t *testing.T) {
	p, cps, runners := newTestPoller(t, true, time.Hour, map[string]string{"job-1": ciadapter.StatusSuccess})
	ctx := context.Background()
	seedActiveCheckpoint(t, ctx, cps, runners, "runner-1", "job-1", time.Second)

	queued, err := p.Poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if queued != 0 {
		t.Fatalf("expected a checkpoint younger than minAge to be skipped, got %d queued", queued)
	}
}

func TestPollIsNoopWhenDisabled(t *testing.T) {
	p, cps, runners := newTestPoller(t, false, 0, map[string]string{"job-1": ciadapter.StatusSuccess})
	ctx := context.Background()
	seedActiveCheckpoint(t, ctx, cps, runners, "runner-1", "job-1", time.Hour)

	queued, err := p.Poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if queued != 0 {
		t.Fatalf("expected a disabled poller to queue nothing, got %d", queued)
	}
}
