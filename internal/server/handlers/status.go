package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iudanet/benchkeeper/pkg/api"
)

// KeepAliveInterval период комментариев в потоке статуса, чтобы прокси не рвали соединение
var KeepAliveInterval = 15 * time.Second

// Status обрабатывает GET /api/v1/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.sync.Status(r.Context())
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	h.sendJSON(w, toAPIStatus(st), http.StatusOK)
}

// StatusStream обрабатывает GET /api/v1/status/stream
// Server-Sent Events: текущее состояние сразу, затем после каждого изменения
func (h *Handler) StatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.sendError(w, "streaming unsupported", "", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	updates, cancel := h.sync.Subscribe()
	defer cancel()

	st, err := h.sync.Status(ctx)
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "status", toAPIStatus(st)); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(w, "status", toAPIStatus(st)); err != nil {
				h.logger.Debug("Status stream closed", "error", err)
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}

// Conflicts обрабатывает GET /api/v1/conflicts
func (h *Handler) Conflicts(w http.ResponseWriter, r *http.Request) {
	ops, err := h.sync.Conflicts(r.Context())
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	resp := api.ConflictsResponse{Conflicts: make([]api.Conflict, 0, len(ops))}
	for _, op := range ops {
		resp.Conflicts = append(resp.Conflicts, toAPIConflict(op))
	}
	h.sendJSON(w, resp, http.StatusOK)
}

// ResolveConflict обрабатывает POST /api/v1/conflicts/{id}/resolve
// Техник подтвердил, что видел расхождение; операция уходит в архив
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	technician, ok := h.technician(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.sync.ResolveConflict(r.Context(), id); err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "Conflict reviewed", "id", id, "technician", technician)
	w.WriteHeader(http.StatusNoContent)
}
