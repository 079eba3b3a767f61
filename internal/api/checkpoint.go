package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/e2epool/e2epool/internal/checkpoint"
	"github.com/e2epool/e2epool/internal/db"
	"github.com/e2epool/e2epool/internal/repositories"
)

// CheckpointHandler serves the /checkpoint/* routes.
type CheckpointHandler struct {
	svc             *checkpoint.Service
	runners         repositories.RunnerRepository
	logger          *zap.Logger
	enqueueFinalize func(ctx context.Context, checkpointName string) error
}

// NewCheckpointHandler constructs a CheckpointHandler.
func NewCheckpointHandler(svc *checkpoint.Service, runners repositories.RunnerRepository, logger *zap.Logger, enqueueFinalize func(ctx context.Context, checkpointName string) error) *CheckpointHandler {
	return &CheckpointHandler{svc: svc, runners: runners, logger: logger, enqueueFinalize: enqueueFinalize}
}

type createCheckpointRequest struct {
	RunnerID string `json:"runner_id"`
	JobID    string `json:"job_id"`
	Caller   string `json:"caller"`
}

type checkpointResponse struct {
	Name           string  `json:"name"`
	RunnerID       string  `json:"runner_id"`
	JobID          string  `json:"job_id"`
	State          string  `json:"state"`
	FinalizeStatus *string `json:"finalize_status"`
	FinalizeSource *string `json:"finalize_source"`
	CreatedAt      string  `json:"created_at"`
	FinalizedAt    *string `json:"finalized_at"`
}

func toCheckpointResponse(cp *db.Checkpoint) checkpointResponse {
	var finalizedAt *string
	if cp.FinalizedAt != nil {
		s := cp.FinalizedAt.UTC().Format(time.RFC3339)
		finalizedAt = &s
	}
	return checkpointResponse{
		Name:           cp.Name,
		RunnerID:       cp.RunnerID,
		JobID:          cp.JobID,
		State:          cp.State,
		FinalizeStatus: cp.FinalizeStatus,
		FinalizeSource: cp.FinalizeSource,
		CreatedAt:      cp.CreatedAt.UTC().Format(time.RFC3339),
		FinalizedAt:    finalizedAt,
	}
}

// Create handles POST /checkpoint/create.
func (h *CheckpointHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createCheckpointRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RunnerID == "" || req.JobID == "" {
		ErrDetail(w, http.StatusUnprocessableEntity, "runner_id and job_id are required")
		return
	}

	authRunner := runnerFromCtx(r.Context())
	if authRunner.RunnerID != req.RunnerID {
		ErrDetail(w, http.StatusForbidden, "token does not authorize runner_id")
		return
	}

	cp, err := h.svc.Create(r.Context(), authRunner, req.JobID, req.Caller)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	JSON(w, http.StatusCreated, toCheckpointResponse(cp))
}

type finalizeCheckpointRequest struct {
	CheckpointName string `json:"checkpoint_name"`
	Status         string `json:"status"`
	Source         string `json:"source"`
}

var validFinalizeStatuses = map[string]bool{"success": true, "failure": true, "canceled": true}

// Finalize handles POST /checkpoint/finalize.
func (h *CheckpointHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeCheckpointRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CheckpointName == "" || !validFinalizeStatuses[req.Status] {
		ErrDetail(w, http.StatusUnprocessableEntity, "checkpoint_name and a valid status are required")
		return
	}
	if req.Source == "" {
		req.Source = "hook"
	}

	authRunner := runnerFromCtx(r.Context())

	existing, err := h.svc.GetByName(r.Context(), req.CheckpointName)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if existing.RunnerID != authRunner.RunnerID {
		ErrDetail(w, http.StatusForbidden, "token does not authorize this checkpoint")
		return
	}

	cp, already, err := h.svc.QueueFinalize(r.Context(), req.CheckpointName, req.Status, req.Source)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if already {
		JSON(w, http.StatusAccepted, detailBody{Detail: "Already finalized"})
		return
	}

	if h.enqueueFinalize != nil {
		if err := h.enqueueFinalize(r.Context(), cp.Name); err != nil {
			h.logger.Error("checkpoint: failed to enqueue finalize after commit", zap.String("checkpoint", cp.Name), zap.Error(err))
			ErrDetail(w, http.StatusServiceUnavailable, "finalize queued in database but could not be enqueued")
			return
		}
	}

	JSON(w, http.StatusAccepted, toCheckpointResponse(cp))
}

// Status handles GET /checkpoint/status/{name}.
func (h *CheckpointHandler) Status(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	cp, err := h.svc.GetByName(r.Context(), name)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	authRunner := runnerFromCtx(r.Context())
	if cp.RunnerID != authRunner.RunnerID {
		ErrDetail(w, http.StatusForbidden, "token does not authorize this checkpoint")
		return
	}

	JSON(w, http.StatusOK, toCheckpointResponse(cp))
}

// writeServiceError translates a *checkpoint.Error (or any other error) into
// an HTTP response.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var svcErr *checkpoint.Error
	if errors.As(err, &svcErr) {
		ErrDetail(w, svcErr.Status, svcErr.Detail)
		return
	}
	logger.Error("checkpoint: unhandled error", zap.Error(err))
	ErrDetail(w, http.StatusInternalServerError, "an internal error occurred")
}
