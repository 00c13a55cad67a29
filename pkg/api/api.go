// Package api contains the JSON types of the benchkeeper agent HTTP API.
package api

// Event types accepted by POST /api/v1/events
const (
	EventCheckIn  = "CHECK_IN"
	EventCheckOut = "CHECK_OUT"
)

// Inventory views accepted by GET /api/v1/assets?view=
const (
	ViewAll      = "all"
	ViewIn       = "in"
	ViewOut      = "out"
	ViewFlagged  = "flagged"
	ViewExpiring = "expiring" // аренда истекает в ближайшие days дней
)

// ErrorResponse представляет ответ с ошибкой
type ErrorResponse struct {
	Error   string `json:"error"`             // описание ошибки
	Message string `json:"message,omitempty"` // дополнительное сообщение
	Code    string `json:"code,omitempty"`    // машиночитаемый код, например unknown_asset
}

// Error codes carried in ErrorResponse.Code
const (
	CodeUnknownAsset      = "unknown_asset"
	CodeInvalidTransition = "invalid_transition"
	CodeInactiveAsset     = "inactive_asset"
	CodeNotFound          = "not_found"
	CodeNotWithdrawable   = "not_withdrawable"
	CodeNotConflicted     = "not_conflicted"
	CodeOffline           = "offline"
	CodeInvalidInput      = "invalid_input"
	CodeDurability        = "durability"
)

// HealthResponse представляет ответ health check
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
}
