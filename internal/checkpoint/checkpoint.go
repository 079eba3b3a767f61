package checkpoint

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/e2epool/e2epool/internal/backend"
	"github.com/e2epool/e2epool/internal/db"
	"github.com/e2epool/e2epool/internal/repositories"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// namePattern validates a generated or caller-supplied checkpoint name.
var namePattern = regexp.MustCompile(`^job-[\w.\-]+-\d+-[0-9a-f]{8}$`)

// Service implements the checkpoint lifecycle operations shared by the HTTP
// API, the agent channel's agent-initiated requests, and the webhook
// handlers.
type Service struct {
	db       *gorm.DB
	cps      repositories.CheckpointRepository
	logs     repositories.OperationLogRepository
	backends *backend.Registry
	logger   *zap.Logger

	finalizeCooldown time.Duration
}

// New constructs a Service.
func New(gdb *gorm.DB, cps repositories.CheckpointRepository, logs repositories.OperationLogRepository, backends *backend.Registry, logger *zap.Logger, finalizeCooldown time.Duration) *Service {
	return &Service{
		db:               gdb,
		cps:              cps,
		logs:             logs,
		backends:         backends,
		logger:           logger,
		finalizeCooldown: finalizeCooldown,
	}
}

// generateName builds a new checkpoint name in the job-<job_id>-<unix_time>-<8 hex>
// format the rest of the system (webhooks, poller, CLI) recognizes.
func generateName(jobID string) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("checkpoint: generate name: %w", err)
	}
	return fmt.Sprintf("job-%s-%d-%s", jobID, time.Now().Unix(), hex.EncodeToString(buf)), nil
}

// Create creates a new checkpoint for a runner's job, enforcing the
// at-most-one-active-per-runner invariant and the finalize cooldown. caller
// is an optional free-text annotation recorded on the audit log entry.
func (s *Service) Create(ctx context.Context, runner *db.Runner, jobID, caller string) (*db.Checkpoint, error) {
	recent, err := s.cps.GetMostRecentFinalized(ctx, runner.RunnerID)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("checkpoint: create: %w", err)
	}
	if err == nil && recent.FinalizedAt != nil {
		elapsed := time.Since(*recent.FinalizedAt)
		if elapsed < s.finalizeCooldown {
			return nil, newError(http.StatusTooManyRequests,
				"Runner '%s' is in finalize cooldown, try again in %.0fs", runner.RunnerID, (s.finalizeCooldown - elapsed).Seconds())
		}
	}

	if active, err := s.cps.GetActiveForRunner(ctx, runner.RunnerID); err == nil {
		return nil, newError(http.StatusConflict,
			"Active checkpoint '%s' already exists for runner '%s'", active.Name, runner.RunnerID)
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("checkpoint: create: %w", err)
	}

	name, err := generateName(jobID)
	if err != nil {
		return nil, err
	}

	b, ok := s.backends.Get(runner)
	if !ok {
		return nil, newError(http.StatusInternalServerError, "unsupported backend %q for runner %q", runner.Backend, runner.RunnerID)
	}
	if err := b.CreateCheckpoint(ctx, runner, name); err != nil {
		return nil, newError(http.StatusBadGateway, "failed to create checkpoint on backend: %s", err)
	}

	cp := &db.Checkpoint{
		Name:      name,
		RunnerID:  runner.RunnerID,
		JobID:     jobID,
		State:     db.StateCreated,
		CreatedAt: time.Now(),
	}
	if err := s.cps.Create(ctx, cp); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return nil, newError(http.StatusConflict, "concurrent create for runner '%s'", runner.RunnerID)
		}
		return nil, fmt.Errorf("checkpoint: create: %w", err)
	}

	detail := fmt.Sprintf("Checkpoint created for job %s", jobID)
	if caller != "" {
		detail += fmt.Sprintf(", caller=%s", caller)
	}
	s.appendLog(ctx, cp, "create", &runner.Backend, detail, nil)

	return cp, nil
}

// QueueFinalize transitions a checkpoint from created to finalize_queued.
// It is idempotent: calling it again for an already-queued or terminal
// checkpoint returns (row, true) rather than an error, since the same
// finalize trigger (webhook retry, poller re-scan, reconciler) can fire
// more than once for the same checkpoint.
func (s *Service) QueueFinalize(ctx context.Context, name, status, source string) (*db.Checkpoint, bool, error) {
	if !namePattern.MatchString(name) {
		return nil, false, newError(http.StatusBadRequest, "invalid checkpoint name %q", name)
	}

	cp, err := s.cps.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, false, newError(http.StatusNotFound, "checkpoint %q not found", name)
		}
		return nil, false, fmt.Errorf("checkpoint: queue finalize: %w", err)
	}

	if cp.State == db.StateFinalizeQueued || isTerminal(cp.State) {
		return cp, true, nil
	}
	if cp.State != db.StateCreated {
		return nil, false, newError(http.StatusConflict, "checkpoint %q is in state %q, cannot queue finalize", name, cp.State)
	}

	now := time.Now()
	finalizeStatus, finalizeSource := status, source
	if err := s.cps.UpdateState(ctx, name, db.StateCreated, db.StateFinalizeQueued, &finalizeStatus, &finalizeSource, &now); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, false, newError(http.StatusConflict, "checkpoint %q state changed concurrently", name)
		}
		return nil, false, fmt.Errorf("checkpoint: queue finalize: %w", err)
	}
	cp.State = db.StateFinalizeQueued
	cp.FinalizeStatus = &finalizeStatus
	cp.FinalizeSource = &finalizeSource
	cp.FinalizedAt = &now

	zero := 0
	s.appendLog(ctx, cp, "queue_finalize", nil, fmt.Sprintf("Finalize queued: status=%s, source=%s", status, source), &zero)

	// Enqueuing onto the durable queue is the caller's responsibility (see
	// the api/webhook/dispatcher callers' enqueueFinalize), not this
	// package's — the HTTP create/finalize endpoint must be able to
	// surface a 503 if the enqueue itself fails after this commit, which a
	// fire-and-forget hook here couldn't propagate.
	return cp, false, nil
}

// GetByName looks up a checkpoint by its name.
func (s *Service) GetByName(ctx context.Context, name string) (*db.Checkpoint, error) {
	cp, err := s.cps.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, newError(http.StatusNotFound, "checkpoint %q not found", name)
		}
		return nil, fmt.Errorf("checkpoint: get by name: %w", err)
	}
	return cp, nil
}

// GetActiveForRunner returns the active checkpoint for a runner, if any.
func (s *Service) GetActiveForRunner(ctx context.Context, runnerID string) (*db.Checkpoint, error) {
	cp, err := s.cps.GetActiveForRunner(ctx, runnerID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, newError(http.StatusNotFound, "no active checkpoint for runner %q", runnerID)
		}
		return nil, fmt.Errorf("checkpoint: get active for runner: %w", err)
	}
	return cp, nil
}

// GetCheckpointByJobID returns the active checkpoint for a CI job, used by
// the webhook handlers which only carry the provider's own job id.
func (s *Service) GetCheckpointByJobID(ctx context.Context, jobID string) (*db.Checkpoint, error) {
	cp, err := s.cps.GetActiveByJobID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, newError(http.StatusNotFound, "no active checkpoint for job %q", jobID)
		}
		return nil, fmt.Errorf("checkpoint: get by job id: %w", err)
	}
	return cp, nil
}

func isTerminal(state string) bool {
	for _, s := range db.TerminalStates {
		if s == state {
			return true
		}
	}
	return false
}

func (s *Service) appendLog(ctx context.Context, cp *db.Checkpoint, operation string, be *string, detail string, durationMS *int) {
	now := time.Now()
	entry := &db.OperationLog{
		CheckpointID: cp.ID,
		RunnerID:     cp.RunnerID,
		Operation:    operation,
		Backend:      be,
		Detail:       &detail,
		StartedAt:    now,
		FinishedAt:   &now,
		DurationMS:   durationMS,
	}
	if err := s.logs.Create(ctx, entry); err != nil {
		s.logger.Error("checkpoint: failed to append operation log", zap.String("checkpoint", cp.Name), zap.String("operation", operation), zap.Error(err))
	}
}
