package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/e2epool/e2epool/internal/agentchannel"
	"github.com/e2epool/e2epool/internal/backend"
	"github.com/e2epool/e2epool/internal/checkpoint"
	"github.com/e2epool/e2epool/internal/repositories"
	"github.com/e2epool/e2epool/internal/webhook"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It is
// populated in main.go after every component is wired and passed to
// NewRouter as a single struct to keep the constructor signature manageable.
type RouterConfig struct {
	DB       *gorm.DB
	Runners  repositories.RunnerRepository
	Service  *checkpoint.Service
	Backends *backend.Registry
	Hub      *agentchannel.Hub
	Webhooks *webhook.Handlers
	Logger   *zap.Logger

	AdminToken string

	// EnqueueFinalize hands a checkpoint name to the durable finalize queue.
	EnqueueFinalize func(ctx context.Context, checkpointName string) error
}

// NewRouter builds the fully configured Chi router serving every route
// spec.md §6 names, plus the ambient /metrics endpoint.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	checkpointHandler := NewCheckpointHandler(cfg.Service, cfg.Runners, cfg.Logger, cfg.EnqueueFinalize)
	runnerHandler := NewRunnerHandler(cfg.Backends, cfg.Logger)
	healthHandler := NewHealthHandler(cfg.DB)
	internalAgentHandler := NewInternalAgentHandler(cfg.Hub, cfg.Logger)
	wsHandler := NewAgentWSHandler(cfg.Hub, cfg.Runners, cfg.Logger)

	r.Get("/healthz", healthHandler.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.Runners))
		r.Post("/checkpoint/create", checkpointHandler.Create)
		r.Post("/checkpoint/finalize", checkpointHandler.Finalize)
		r.Get("/checkpoint/status/{name}", checkpointHandler.Status)
		r.Get("/runner/readiness", runnerHandler.Readiness)
	})

	if cfg.Webhooks != nil {
		r.Post("/webhooks/gitlab", cfg.Webhooks.GitLab)
		r.Post("/webhooks/github", cfg.Webhooks.GitHub)
	}

	r.Get("/ws/agent", wsHandler.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(RequireAdminToken(cfg.AdminToken))
		r.Post("/internal/agent/{runner_id}/exec", internalAgentHandler.Exec)
		r.Get("/internal/agent/{runner_id}/connected", internalAgentHandler.Connected)
	})

	return r
}
