package api

import (
	"net/http"

	"gorm.io/gorm"
)

// HealthHandler serves GET /healthz.
type HealthHandler struct {
	db *gorm.DB
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(gdb *gorm.DB) *HealthHandler {
	return &HealthHandler{db: gdb}
}

type healthResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Healthz pings the database and reports overall health.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := h.db.DB()
	if err != nil {
		JSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Detail: err.Error()})
		return
	}
	if err := sqlDB.PingContext(r.Context()); err != nil {
		JSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Detail: err.Error()})
		return
	}
	JSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
