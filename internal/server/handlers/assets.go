package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iudanet/benchkeeper/internal/client/inventory"
	"github.com/iudanet/benchkeeper/internal/models"
	"github.com/iudanet/benchkeeper/pkg/api"
)

// PostEvent обрабатывает POST /api/v1/events
// Прием или выдача по отсканированному тегу или серийному номеру
func (h *Handler) PostEvent(w http.ResponseWriter, r *http.Request) {
	technician, ok := h.technician(w, r)
	if !ok {
		return
	}

	var req api.EventRequest
	if !h.decode(w, r, &req) {
		return
	}

	check := inventory.CheckRequest{
		Identifier: req.Identifier,
		Technician: technician,
		Site:       h.site(r, req.Site),
		Notes:      req.Notes,
	}

	var (
		res *inventory.Result
		err error
	)
	switch strings.ToUpper(req.Type) {
	case api.EventCheckIn:
		res, err = h.inventory.CheckIn(r.Context(), check)
	case api.EventCheckOut:
		res, err = h.inventory.CheckOut(r.Context(), check)
	default:
		h.sendError(w, fmt.Sprintf("unknown event type %q", req.Type), api.CodeInvalidInput, http.StatusBadRequest)
		return
	}
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	h.sendResult(w, res, http.StatusAccepted)
}

// DeleteEvent обрабатывает DELETE /api/v1/events/{id}
// Отмена последней операции актива, пока она не ушла на сервер
func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.technician(w, r); !ok {
		return
	}

	asset, err := h.inventory.Undo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	h.sendJSON(w, toAPIAsset(asset), http.StatusOK)
}

// RegisterAsset обрабатывает POST /api/v1/assets
func (h *Handler) RegisterAsset(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.technician(w, r); !ok {
		return
	}

	var req api.RegisterAssetRequest
	if !h.decode(w, r, &req) {
		return
	}

	asset, err := h.inventory.RegisterAsset(r.Context(), models.AssetMetadata{
		Tag:          req.Tag,
		Serial:       req.Serial,
		Hostname:     req.Hostname,
		Manufacturer: req.Manufacturer,
		Model:        req.Model,
		Location:     req.Location,
	})
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	h.sendJSON(w, toAPIAsset(asset), http.StatusCreated)
}

// ListAssets обрабатывает GET /api/v1/assets?view=in|out|flagged|all|expiring
// Для expiring окно задается параметром days, по умолчанию 90
func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	view := strings.ToLower(r.URL.Query().Get("view"))
	if view == "" {
		view = api.ViewAll
	}

	if view == api.ViewExpiring {
		days, ok := h.days(w, r, models.ExpiryWarningDays)
		if !ok {
			return
		}
		assets, err := h.inventory.Expiring(r.Context(), days)
		if err != nil {
			h.sendServiceError(w, r, err)
			return
		}
		h.sendJSON(w, api.AssetListResponse{View: view, Days: days, Assets: toAPIAssets(assets)}, http.StatusOK)
		return
	}

	assets, err := h.inventory.Inventory(r.Context(), models.AssetFilter(view))
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	h.sendJSON(w, api.AssetListResponse{View: view, Assets: toAPIAssets(assets)}, http.StatusOK)
}

// days разбирает параметр days; пустой дает def
func (h *Handler) days(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("days")
	if raw == "" {
		return def, true
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < 0 {
		h.sendError(w, fmt.Sprintf("invalid days %q", raw), api.CodeInvalidInput, http.StatusBadRequest)
		return 0, false
	}
	return days, true
}

// GetAsset обрабатывает GET /api/v1/assets/{tag}
func (h *Handler) GetAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := h.inventory.Get(r.Context(), chi.URLParam(r, "tag"))
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	h.sendJSON(w, toAPIAsset(asset), http.StatusOK)
}

// History обрабатывает GET /api/v1/assets/{tag}/history
// Журнал читается из центральной БД; без подключения 503
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	tag := strings.ToUpper(chi.URLParam(r, "tag"))

	events, err := h.sync.History(r.Context(), tag)
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	h.sendJSON(w, api.HistoryResponse{Tag: tag, Events: toAPIEvents(events)}, http.StatusOK)
}

// defaultHistoryDays окно GET /api/v1/history без параметров
const defaultHistoryDays = 7

// GlobalHistory обрабатывает GET /api/v1/history?days=N или ?q=term
// q ищет по тегу или серийному номеру, иначе события за последние days дней
func (h *Handler) GlobalHistory(w http.ResponseWriter, r *http.Request) {
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		events, err := h.sync.SearchHistory(r.Context(), q)
		if err != nil {
			h.sendServiceError(w, r, err)
			return
		}
		h.sendJSON(w, api.HistoryResponse{Query: q, Events: toAPIEvents(events)}, http.StatusOK)
		return
	}

	days, ok := h.days(w, r, defaultHistoryDays)
	if !ok {
		return
	}
	events, err := h.sync.RecentHistory(r.Context(), days)
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}
	h.sendJSON(w, api.HistoryResponse{Days: days, Events: toAPIEvents(events)}, http.StatusOK)
}

// UpdateLease обрабатывает PUT /api/v1/assets/{tag}/lease
func (h *Handler) UpdateLease(w http.ResponseWriter, r *http.Request) {
	technician, ok := h.technician(w, r)
	if !ok {
		return
	}

	var req api.LeaseRequest
	if !h.decode(w, r, &req) {
		return
	}

	start, err := parseLeaseDate(req.LeaseStart)
	if err != nil {
		h.sendError(w, "invalid lease_start: "+err.Error(), api.CodeInvalidInput, http.StatusBadRequest)
		return
	}
	maturity, err := parseLeaseDate(req.LeaseMaturity)
	if err != nil {
		h.sendError(w, "invalid lease_maturity: "+err.Error(), api.CodeInvalidInput, http.StatusBadRequest)
		return
	}

	res, err := h.inventory.UpdateLease(r.Context(), inventory.LeaseRequest{
		Identifier: chi.URLParam(r, "tag"),
		Technician: technician,
		Start:      start,
		Maturity:   maturity,
	})
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	h.sendResult(w, res, http.StatusAccepted)
}

// maxImportSize ограничение файла аренды
const maxImportSize = 20 << 20

// ImportLeases обрабатывает POST /api/v1/leases/import
// multipart/form-data: file (.xlsx или .csv), dry_run=true для проверки без записи
func (h *Handler) ImportLeases(w http.ResponseWriter, r *http.Request) {
	technician, ok := h.technician(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxImportSize)
	if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
		h.sendError(w, "content-type must be multipart/form-data", api.CodeInvalidInput, http.StatusBadRequest)
		return
	}
	if err := r.ParseMultipartForm(maxImportSize); err != nil {
		h.sendError(w, "invalid multipart form: "+err.Error(), api.CodeInvalidInput, http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.sendError(w, "file is required", api.CodeInvalidInput, http.StatusBadRequest)
		return
	}
	defer file.Close()

	dryRun := r.FormValue("dry_run") == "true"
	summary, err := h.inventory.ImportLeases(r.Context(), technician, file, header.Filename, dryRun)
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if dryRun {
		status = http.StatusOK
	}
	h.sendJSON(w, toAPILeaseImport(summary), status)
}

func parseLeaseDate(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return nil, fmt.Errorf("expected YYYY-MM-DD, got %q", value)
	}
	return &t, nil
}

// Flag обрабатывает POST /api/v1/assets/{tag}/flag
func (h *Handler) Flag(w http.ResponseWriter, r *http.Request) {
	technician, ok := h.technician(w, r)
	if !ok {
		return
	}

	var req api.FlagRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.inventory.Flag(r.Context(), inventory.CheckRequest{
		Identifier: chi.URLParam(r, "tag"),
		Technician: technician,
		Site:       h.site(r, req.Site),
		Notes:      req.Notes,
	})
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	h.sendResult(w, res, http.StatusAccepted)
}

// Unflag обрабатывает POST /api/v1/assets/{tag}/unflag
func (h *Handler) Unflag(w http.ResponseWriter, r *http.Request) {
	technician, ok := h.technician(w, r)
	if !ok {
		return
	}

	res, err := h.inventory.Unflag(r.Context(), chi.URLParam(r, "tag"), technician)
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	h.sendResult(w, res, http.StatusAccepted)
}

// Notes обрабатывает POST /api/v1/assets/{tag}/notes
func (h *Handler) Notes(w http.ResponseWriter, r *http.Request) {
	technician, ok := h.technician(w, r)
	if !ok {
		return
	}

	var req api.NotesRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.inventory.SetNotes(r.Context(), chi.URLParam(r, "tag"), technician, req.Notes)
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	h.sendResult(w, res, http.StatusAccepted)
}

// Deactivate обрабатывает POST /api/v1/assets/{tag}/deactivate
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	technician, ok := h.technician(w, r)
	if !ok {
		return
	}

	res, err := h.inventory.Deactivate(r.Context(), chi.URLParam(r, "tag"), technician)
	if err != nil {
		h.sendServiceError(w, r, err)
		return
	}

	h.sendResult(w, res, http.StatusAccepted)
}

// site площадка из запроса, иначе из токена техника
func (h *Handler) site(r *http.Request, requested string) string {
	if strings.TrimSpace(requested) != "" {
		return requested
	}
	return GetSite(r.Context())
}

func (h *Handler) sendResult(w http.ResponseWriter, res *inventory.Result, status int) {
	h.sendJSON(w, api.OperationResponse{
		Asset:        toAPIAsset(res.Asset),
		OperationID:  res.OperationID,
		AutoCheckOut: res.AutoCheckOut,
	}, status)
}
