package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/e2epool/e2epool/internal/agentchannel"
	"github.com/e2epool/e2epool/internal/repositories"
)

// AgentWSHandler serves GET /ws/agent, the persistent bidirectional
// connection each runner's agentd maintains with the controller.
type AgentWSHandler struct {
	hub     *agentchannel.Hub
	runners repositories.RunnerRepository
	logger  *zap.Logger
}

// NewAgentWSHandler constructs an AgentWSHandler.
func NewAgentWSHandler(hub *agentchannel.Hub, runners repositories.RunnerRepository, logger *zap.Logger) *AgentWSHandler {
	return &AgentWSHandler{hub: hub, runners: runners, logger: logger.Named("agent_ws")}
}

// ServeWS handles GET /ws/agent?runner_id=&token=.
func (h *AgentWSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	runnerID := r.URL.Query().Get("runner_id")
	token := r.URL.Query().Get("token")

	runner, err := h.runners.GetByToken(r.Context(), token)
	if err != nil || runner.RunnerID != runnerID {
		if rejectErr := h.hub.RejectUnauthorized(w, r); rejectErr != nil {
			h.logger.Warn("ws: failed to reject unauthorized connection", zap.Error(rejectErr))
		}
		return
	}

	h.logger.Info("ws: agent connected", zap.String("runner_id", runnerID))
	if err := h.hub.Accept(w, r, runnerID); err != nil {
		h.logger.Warn("ws: upgrade failed", zap.String("runner_id", runnerID), zap.Error(err))
		return
	}
	h.logger.Info("ws: agent disconnected", zap.String("runner_id", runnerID))
}
