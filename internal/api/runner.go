package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/e2epool/e2epool/internal/backend"
)

// RunnerHandler serves the /runner/* routes.
type RunnerHandler struct {
	backends *backend.Registry
	logger   *zap.Logger
}

// NewRunnerHandler constructs a RunnerHandler.
func NewRunnerHandler(backends *backend.Registry, logger *zap.Logger) *RunnerHandler {
	return &RunnerHandler{backends: backends, logger: logger}
}

type readinessResponse struct {
	Ready bool `json:"ready"`
}

// Readiness handles GET /runner/readiness, authenticated as the calling
// runner via the bearer token, and asks that runner's backend whether it is
// ready to accept a new job.
func (h *RunnerHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	runner := runnerFromCtx(r.Context())

	b, ok := h.backends.Get(runner)
	if !ok {
		ErrDetail(w, http.StatusInternalServerError, "unsupported backend for runner")
		return
	}

	ready, err := b.CheckReady(r.Context(), runner)
	if err != nil {
		h.logger.Warn("runner: readiness check failed", zap.String("runner_id", runner.RunnerID), zap.Error(err))
	}
	if !ready {
		JSON(w, http.StatusServiceUnavailable, readinessResponse{Ready: false})
		return
	}

	JSON(w, http.StatusOK, readinessResponse{Ready: true})
}
