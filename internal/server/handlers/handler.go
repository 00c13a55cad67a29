// Package handlers implements the agent HTTP API used by the bench UI and the CLI.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/iudanet/benchkeeper/internal/client/inventory"
	"github.com/iudanet/benchkeeper/internal/client/storage"
	clientsync "github.com/iudanet/benchkeeper/internal/client/sync"
	"github.com/iudanet/benchkeeper/internal/lookup/cmdb"
	"github.com/iudanet/benchkeeper/internal/models"
	"github.com/iudanet/benchkeeper/internal/validation"
	"github.com/iudanet/benchkeeper/pkg/api"
)

// maxBodySize ограничение тела запроса
const maxBodySize = 64 << 10

// Inventory определяет операции техника над активами
type Inventory interface {
	CheckIn(ctx context.Context, req inventory.CheckRequest) (*inventory.Result, error)
	CheckOut(ctx context.Context, req inventory.CheckRequest) (*inventory.Result, error)
	Flag(ctx context.Context, req inventory.CheckRequest) (*inventory.Result, error)
	Unflag(ctx context.Context, tag, technician string) (*inventory.Result, error)
	SetNotes(ctx context.Context, tag, technician, notes string) (*inventory.Result, error)
	Deactivate(ctx context.Context, tag, technician string) (*inventory.Result, error)
	Undo(ctx context.Context, operationID string) (*models.Asset, error)
	RegisterAsset(ctx context.Context, md models.AssetMetadata) (*models.Asset, error)
	Get(ctx context.Context, tag string) (*models.Asset, error)
	Inventory(ctx context.Context, filter models.AssetFilter) ([]*models.Asset, error)
	Expiring(ctx context.Context, days int) ([]*models.Asset, error)
	UpdateLease(ctx context.Context, req inventory.LeaseRequest) (*inventory.Result, error)
	ImportLeases(ctx context.Context, technician string, r io.Reader, filename string, dryRun bool) (*inventory.LeaseImportSummary, error)
}

// SyncService определяет состояние синхронизации и разбор конфликтов
type SyncService interface {
	Status(ctx context.Context) (clientsync.Status, error)
	Subscribe() (<-chan clientsync.Status, func())
	Conflicts(ctx context.Context) ([]*models.PendingOperation, error)
	ResolveConflict(ctx context.Context, id string) error
	History(ctx context.Context, tag string) ([]*models.CheckEvent, error)
	RecentHistory(ctx context.Context, days int) ([]*models.CheckEvent, error)
	SearchHistory(ctx context.Context, term string) ([]*models.CheckEvent, error)
}

// Handler обрабатывает запросы API агента
type Handler struct {
	logger    *slog.Logger
	inventory Inventory
	sync      SyncService
}

// NewHandler создает handler API агента
func NewHandler(logger *slog.Logger, inv Inventory, sync SyncService) *Handler {
	return &Handler{
		logger:    logger,
		inventory: inv,
		sync:      sync,
	}
}

// technician возвращает техника из контекста или отвечает 401
func (h *Handler) technician(w http.ResponseWriter, r *http.Request) (string, bool) {
	technician, ok := GetTechnician(r.Context())
	if !ok {
		h.logger.Error("Technician not found in context")
		h.sendError(w, "unauthorized", "", http.StatusUnauthorized)
		return "", false
	}
	return technician, true
}

// decode разбирает JSON тело запроса
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.logger.WarnContext(r.Context(), "failed to decode request", slog.Any("error", err))
		h.sendError(w, "invalid request body", api.CodeInvalidInput, http.StatusBadRequest)
		return false
	}
	return true
}

// sendServiceError переводит ошибки сервисов в HTTP статус
func (h *Handler) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status = http.StatusInternalServerError
		code   string
	)

	switch {
	case errors.Is(err, validation.ErrInvalidInput), errors.Is(err, models.ErrInvalidEvent):
		status, code = http.StatusBadRequest, api.CodeInvalidInput
	case errors.Is(err, inventory.ErrUnknownAsset):
		status, code = http.StatusNotFound, api.CodeUnknownAsset
	case errors.Is(err, storage.ErrAssetNotFound), errors.Is(err, storage.ErrOperationNotFound):
		status, code = http.StatusNotFound, api.CodeNotFound
	case errors.Is(err, storage.ErrInvalidTransition):
		status, code = http.StatusConflict, api.CodeInvalidTransition
	case errors.Is(err, inventory.ErrInactiveAsset):
		status, code = http.StatusConflict, api.CodeInactiveAsset
	case errors.Is(err, storage.ErrNotWithdrawable):
		status, code = http.StatusConflict, api.CodeNotWithdrawable
	case errors.Is(err, storage.ErrNotConflicted):
		status, code = http.StatusConflict, api.CodeNotConflicted
	case errors.Is(err, clientsync.ErrOffline):
		status, code = http.StatusServiceUnavailable, api.CodeOffline
	case errors.Is(err, cmdb.ErrUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, storage.ErrDurability):
		code = api.CodeDurability
	}

	if status >= 500 {
		h.logger.ErrorContext(r.Context(), "request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	h.sendError(w, err.Error(), code, status)
}

// sendJSON отправляет JSON ответ
func sendJSON(logger *slog.Logger, w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", slog.Any("error", err))
	}
}

func (h *Handler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	sendJSON(h.logger, w, data, statusCode)
}

// sendError отправляет JSON ответ с ошибкой
func (h *Handler) sendError(w http.ResponseWriter, message, code string, statusCode int) {
	h.sendJSON(w, api.ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    code,
	}, statusCode)
}
