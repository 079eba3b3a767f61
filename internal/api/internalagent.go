package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/e2epool/e2epool/internal/agentchannel"
)

// InternalAgentHandler serves the controller-only /internal/agent/* routes
// that let a separate worker process reach the agent channel over HTTP
// instead of holding the WebSocket connections itself (see SPEC_FULL.md's
// resolution of the cross-process agent channel question).
type InternalAgentHandler struct {
	hub    *agentchannel.Hub
	logger *zap.Logger
}

// NewInternalAgentHandler constructs an InternalAgentHandler.
func NewInternalAgentHandler(hub *agentchannel.Hub, logger *zap.Logger) *InternalAgentHandler {
	return &InternalAgentHandler{hub: hub, logger: logger}
}

type execRequest struct {
	Cmd     string  `json:"cmd"`
	Timeout float64 `json:"timeout"`
}

// Exec handles POST /internal/agent/{runner_id}/exec.
func (h *InternalAgentHandler) Exec(w http.ResponseWriter, r *http.Request) {
	runnerID := chi.URLParam(r, "runner_id")

	var req execRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Timeout <= 0 {
		req.Timeout = 120
	}

	result, err := h.hub.Exec(r.Context(), runnerID, req.Cmd, req.Timeout)
	if err != nil {
		switch {
		case errors.Is(err, agentchannel.ErrNotConnected):
			ErrDetail(w, http.StatusServiceUnavailable, "agent not connected")
		case errors.Is(err, agentchannel.ErrExecTimeout):
			ErrDetail(w, http.StatusGatewayTimeout, "agent did not respond in time")
		default:
			h.logger.Warn("internal agent: exec failed", zap.String("runner_id", runnerID), zap.Error(err))
			ErrDetail(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	status := http.StatusOK
	if result.ExitCode != 0 {
		status = http.StatusBadGateway
	}
	JSON(w, status, result)
}

type connectedResponse struct {
	Connected bool `json:"connected"`
}

// Connected handles GET /internal/agent/{runner_id}/connected.
func (h *InternalAgentHandler) Connected(w http.ResponseWriter, r *http.Request) {
	runnerID := chi.URLParam(r, "runner_id")
	JSON(w, http.StatusOK, connectedResponse{Connected: h.hub.Connected(runnerID)})
}
