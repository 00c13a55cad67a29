package models

import "time"

// AssetStatus текущее состояние актива на складе
type AssetStatus string

const (
	// AssetStatusIn актив находится на складе
	AssetStatusIn AssetStatus = "IN"
	// AssetStatusOut актив выдан технику (или еще ни разу не принимался)
	AssetStatusOut AssetStatus = "OUT"
)

// Valid reports whether s is a known status.
func (s AssetStatus) Valid() bool {
	return s == AssetStatusIn || s == AssetStatusOut
}

// Asset представляет физический актив.
// Site, Status и AssignedTechnician меняются только применением CheckEvent.
type Asset struct {
	FlaggedAt          *time.Time  `json:"flagged_at,omitempty"`           // FlaggedAt время установки флага
	LeaseStart         *time.Time  `json:"lease_start,omitempty"`          // LeaseStart дата начала аренды (DaaS)
	LeaseMaturity      *time.Time  `json:"lease_maturity,omitempty"`       // LeaseMaturity дата окончания аренды
	LastEventTimestamp *time.Time  `json:"last_event_timestamp,omitempty"` // LastEventTimestamp время последнего события (серверное, либо клиентское пока не подтверждено)
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
	Tag                string      `json:"tag"`    // Tag уникальный инвентарный номер
	Serial             string      `json:"serial"` // Serial серийный номер производителя
	Site               string      `json:"site"`   // Site текущая площадка
	Status             AssetStatus `json:"status"`
	AssignedTechnician string      `json:"assigned_technician,omitempty"` // только когда OUT
	Notes              string      `json:"notes,omitempty"`
	FlagNotes          string      `json:"flag_notes,omitempty"`
	FlagTechnician     string      `json:"flag_technician,omitempty"`
	Hostname           string      `json:"hostname,omitempty"`
	Manufacturer       string      `json:"manufacturer,omitempty"`
	Model              string      `json:"model,omitempty"`
	Location           string      `json:"location,omitempty"` // Location расположение из CMDB, не путать с Site
	CMDBURL            string      `json:"cmdb_url,omitempty"`
	LastEventID        string      `json:"last_event_id,omitempty"`
	Flagged            bool        `json:"flagged"`
	Inactive           bool        `json:"inactive"` // Inactive активы не удаляются, только помечаются
	ExpiryFlagged      bool        `json:"expiry_flagged"` // ExpiryFlagged аренда истекает, вычисляется при обновлении аренды
}

// ExpiryWarningDays сколько дней до окончания аренды актив считается истекающим
const ExpiryWarningDays = 90

// LeaseDaysRemaining returns whole calendar days until lease maturity,
// negative once the lease has expired. ok is false without a maturity date.
func (a *Asset) LeaseDaysRemaining(now time.Time) (days int, ok bool) {
	if a.LeaseMaturity == nil {
		return 0, false
	}
	return int(civilDate(*a.LeaseMaturity).Sub(civilDate(now)).Hours() / 24), true
}

// LeaseExpiresWithin reports whether the lease ends within days or has ended.
func (a *Asset) LeaseExpiresWithin(now time.Time, days int) bool {
	remaining, ok := a.LeaseDaysRemaining(now)
	return ok && remaining <= days
}

// RefreshExpiry recomputes ExpiryFlagged for now.
func (a *Asset) RefreshExpiry(now time.Time) {
	a.ExpiryFlagged = a.LeaseExpiresWithin(now, ExpiryWarningDays)
}

func civilDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Clone returns a deep copy of the asset.
func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	c := *a
	if a.FlaggedAt != nil {
		t := *a.FlaggedAt
		c.FlaggedAt = &t
	}
	if a.LastEventTimestamp != nil {
		t := *a.LastEventTimestamp
		c.LastEventTimestamp = &t
	}
	if a.LeaseStart != nil {
		t := *a.LeaseStart
		c.LeaseStart = &t
	}
	if a.LeaseMaturity != nil {
		t := *a.LeaseMaturity
		c.LeaseMaturity = &t
	}
	return &c
}

// AssetMetadata описание актива, полученное от внешнего справочника (CMDB)
// при первом сканировании метки.
type AssetMetadata struct {
	Tag          string `json:"tag"`
	Serial       string `json:"serial"`
	Hostname     string `json:"hostname,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	Location     string `json:"location,omitempty"`
	CMDBURL      string `json:"cmdb_url,omitempty"`
}

// NewAsset creates an asset from lookup metadata. A newly sighted asset has
// no events and starts OUT.
func NewAsset(md AssetMetadata, now time.Time) *Asset {
	return &Asset{
		Tag:          md.Tag,
		Serial:       md.Serial,
		Hostname:     md.Hostname,
		Manufacturer: md.Manufacturer,
		Model:        md.Model,
		Location:     md.Location,
		CMDBURL:      md.CMDBURL,
		Status:       AssetStatusOut,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Metadata returns the lookup-derived part of the asset.
func (a *Asset) Metadata() AssetMetadata {
	return AssetMetadata{
		Tag:          a.Tag,
		Serial:       a.Serial,
		Hostname:     a.Hostname,
		Manufacturer: a.Manufacturer,
		Model:        a.Model,
		Location:     a.Location,
		CMDBURL:      a.CMDBURL,
	}
}

// AssetFilter выборка активов для представлений инвентаря
type AssetFilter string

const (
	AssetFilterAll     AssetFilter = "all"
	AssetFilterIn      AssetFilter = "in"
	AssetFilterOut     AssetFilter = "out"
	AssetFilterFlagged AssetFilter = "flagged"
)

// Match reports whether the asset belongs to the view. Inactive assets are
// only part of the "all" view.
func (f AssetFilter) Match(a *Asset) bool {
	switch f {
	case AssetFilterIn:
		return !a.Inactive && a.Status == AssetStatusIn
	case AssetFilterOut:
		return !a.Inactive && a.Status == AssetStatusOut
	case AssetFilterFlagged:
		return !a.Inactive && a.Flagged
	case AssetFilterAll, "":
		return true
	default:
		return false
	}
}
