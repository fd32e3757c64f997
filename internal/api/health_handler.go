package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/skovert/relay/internal/worker"
)

// StatsProvider reports current pool liveness. Implemented by *worker.Pool.
type StatsProvider interface {
	Stats(ctx context.Context) worker.PoolStats
}

// HealthResponse is the payload returned by GET /healthz.
type HealthResponse struct {
	Status         string `json:"status"`
	ActiveSlots    int    `json:"active_slots"`
	IdleSlots      int    `json:"idle_slots"`
	ExecutingSlots int    `json:"executing_slots"`
	Backlog        int64  `json:"backlog"`
}

// HealthHandler serves the worker's health endpoint.
type HealthHandler struct {
	stats  StatsProvider
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler reading liveness from the given
// provider.
func NewHealthHandler(stats StatsProvider, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		stats:  stats,
		logger: logger.With("component", "health_handler"),
	}
}

// ServeHTTP handles GET /healthz. A worker with zero active slots reports
// unhealthy with a 503 so load balancers stop routing to a drained process.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	stats := h.stats.Stats(r.Context())

	resp := HealthResponse{
		Status:         "ok",
		ActiveSlots:    stats.ActiveSlots,
		IdleSlots:      stats.IdleSlots,
		ExecutingSlots: stats.ExecutingSlots,
		Backlog:        stats.Backlog,
	}

	status := http.StatusOK
	if stats.ActiveSlots == 0 {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode health response", "error", err)
	}
}

// NewRouter builds the worker's HTTP router with the standard middleware
// stack and the health route mounted.
func NewRouter(stats StatsProvider, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Method(http.MethodGet, "/healthz", NewHealthHandler(stats, logger))

	return r
}
