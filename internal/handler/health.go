package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/xilu0/kiro-gateway/internal/pool"
)

// HealthHandler reports gateway liveness and account pool status.
type HealthHandler struct {
	pool    *pool.Manager
	started time.Time
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(p *pool.Manager) *HealthHandler {
	return &HealthHandler{pool: p, started: time.Now()}
}

// ServeHTTP handles GET /health.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	status := "ok"
	accounts := h.pool.AccountCount()
	if accounts == 0 {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         status,
		"accounts":       accounts,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}
