package api

import "time"

// Asset состояние актива, известное агенту
type Asset struct {
	FlaggedAt          *time.Time `json:"flagged_at,omitempty"`
	LastEventTimestamp *time.Time `json:"last_event_timestamp,omitempty"`
	LeaseStart         *time.Time `json:"lease_start,omitempty"`
	LeaseMaturity      *time.Time `json:"lease_maturity,omitempty"`
	LeaseDaysRemaining *int       `json:"lease_days_remaining,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
	Tag                string     `json:"tag"`
	Serial             string     `json:"serial"`
	Site               string     `json:"site"`
	Status             string     `json:"status"`
	AssignedTechnician string     `json:"assigned_technician,omitempty"`
	Notes              string     `json:"notes,omitempty"`
	FlagNotes          string     `json:"flag_notes,omitempty"`
	FlagTechnician     string     `json:"flag_technician,omitempty"`
	Hostname           string     `json:"hostname,omitempty"`
	Manufacturer       string     `json:"manufacturer,omitempty"`
	Model              string     `json:"model,omitempty"`
	Location           string     `json:"location,omitempty"`
	CMDBURL            string     `json:"cmdb_url,omitempty"`
	LastEventID        string     `json:"last_event_id,omitempty"`
	Flagged            bool       `json:"flagged"`
	Inactive           bool       `json:"inactive"`
	ExpiryFlagged      bool       `json:"expiry_flagged"`
}

// EventRequest запрос POST /api/v1/events
type EventRequest struct {
	Type       string `json:"type"`       // CHECK_IN или CHECK_OUT
	Identifier string `json:"identifier"` // тег или серийный номер
	Site       string `json:"site,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// OperationResponse результат локально принятой операции
type OperationResponse struct {
	Asset        Asset  `json:"asset"`
	OperationID  string `json:"operation_id"`
	AutoCheckOut string `json:"auto_check_out,omitempty"` // выдача перед установкой флага
}

// RegisterAssetRequest ручная регистрация актива, неизвестного справочнику
type RegisterAssetRequest struct {
	Tag          string `json:"tag"`
	Serial       string `json:"serial"`
	Hostname     string `json:"hostname,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	Location     string `json:"location,omitempty"`
}

// FlagRequest запрос POST /api/v1/assets/{tag}/flag
type FlagRequest struct {
	Site  string `json:"site,omitempty"`
	Notes string `json:"notes,omitempty"`
}

// NotesRequest запрос POST /api/v1/assets/{tag}/notes
type NotesRequest struct {
	Notes string `json:"notes"`
}

// LeaseRequest запрос PUT /api/v1/assets/{tag}/lease; даты в формате YYYY-MM-DD
type LeaseRequest struct {
	LeaseStart    string `json:"lease_start,omitempty"`
	LeaseMaturity string `json:"lease_maturity,omitempty"`
}

// LeaseRowError строка файла аренды, которую не удалось применить
type LeaseRowError struct {
	Serial  string `json:"serial,omitempty"`
	Message string `json:"message"`
	Row     int    `json:"row"`
}

// LeaseImportResponse ответ POST /api/v1/leases/import
type LeaseImportResponse struct {
	NotFound  []string        `json:"not_found"`
	Errors    []LeaseRowError `json:"errors"`
	Total     int             `json:"total"`
	Updated   int             `json:"updated"`
	Unchanged int             `json:"unchanged"`
	Skipped   int             `json:"skipped"`
	DryRun    bool            `json:"dry_run"`
}

// AssetListResponse ответ GET /api/v1/assets
type AssetListResponse struct {
	View   string  `json:"view"`
	Assets []Asset `json:"assets"`
	Days   int     `json:"days,omitempty"` // окно представления expiring
}

// Event событие приема или выдачи из журнала
type Event struct {
	ClientTimestamp time.Time  `json:"client_timestamp"`
	ServerTimestamp *time.Time `json:"server_timestamp,omitempty"`
	EventID         string     `json:"event_id"`
	AssetTag        string     `json:"asset_tag"`
	Technician      string     `json:"technician"`
	Type            string     `json:"type"`
	Site            string     `json:"site"`
	Notes           string     `json:"notes,omitempty"`
}

// HistoryResponse ответ GET /api/v1/assets/{tag}/history и GET /api/v1/history
type HistoryResponse struct {
	Tag    string  `json:"tag,omitempty"`
	Query  string  `json:"query,omitempty"`
	Events []Event `json:"events"`
	Days   int     `json:"days,omitempty"`
}
