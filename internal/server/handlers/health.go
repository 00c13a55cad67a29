package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/iudanet/benchkeeper/pkg/api"
)

// HealthHandler обрабатывает health check запросы
type HealthHandler struct {
	logger    *slog.Logger
	check     func(ctx context.Context) error
	version   string
	buildDate string
}

// NewHealthHandler создает новый handler для health check.
// check проверяет локальное хранилище; nil означает всегда здоров.
func NewHealthHandler(logger *slog.Logger, version, buildDate string, check func(ctx context.Context) error) *HealthHandler {
	return &HealthHandler{
		logger:    logger,
		check:     check,
		version:   version,
		buildDate: buildDate,
	}
}

// Health обрабатывает GET /api/v1/health
// Агент здоров, пока доступно локальное хранилище; центральная БД не проверяется
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := api.HealthResponse{
		Status:    "ok",
		Version:   h.version,
		BuildDate: h.buildDate,
	}

	status := http.StatusOK
	if h.check != nil {
		if err := h.check(r.Context()); err != nil {
			h.logger.Error("Health check failed", "error", err)
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}

	sendJSON(h.logger, w, resp, status)
}
