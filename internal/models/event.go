package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidTransition событие противоречит текущему состоянию актива
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidEvent событие не прошло проверку полей
	ErrInvalidEvent = errors.New("invalid event")
)

// EventType тип события приема/выдачи
type EventType string

const (
	EventTypeCheckIn  EventType = "CHECK_IN"
	EventTypeCheckOut EventType = "CHECK_OUT"
)

// Target returns the status an asset has after an event of this type.
func (t EventType) Target() AssetStatus {
	if t == EventTypeCheckIn {
		return AssetStatusIn
	}
	return AssetStatusOut
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t == EventTypeCheckIn || t == EventTypeCheckOut
}

// CheckEvent событие приема или выдачи актива.
// После создания не изменяется, кроме ServerTimestamp, который назначает центральное хранилище.
type CheckEvent struct {
	ClientTimestamp time.Time  `json:"client_timestamp"`
	ServerTimestamp *time.Time `json:"server_timestamp,omitempty"`
	ID              string     `json:"event_id"` // ID генерируется клиентом, повторная доставка идемпотентна
	AssetTag        string     `json:"asset_tag"`
	Technician      string     `json:"technician"`
	Type            EventType  `json:"type"`
	Site            string     `json:"site"`
	Notes           string     `json:"notes,omitempty"`
	// PrevEventID последнее событие актива, известное клиенту в момент локального применения.
	// Пустая строка означает, что у актива не было событий.
	PrevEventID string `json:"prev_event_id,omitempty"`
}

// NewCheckEvent creates an event with a fresh client-generated ID.
func NewCheckEvent(tag, technician string, typ EventType, site string, now time.Time) *CheckEvent {
	return &CheckEvent{
		ID:              uuid.New().String(),
		AssetTag:        tag,
		Technician:      technician,
		Type:            typ,
		Site:            site,
		ClientTimestamp: now.UTC(),
	}
}

// Validate checks the mandatory fields.
func (e *CheckEvent) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	case e.ID == "":
		return fmt.Errorf("%w: empty event_id", ErrInvalidEvent)
	case e.AssetTag == "":
		return fmt.Errorf("%w: empty asset_tag", ErrInvalidEvent)
	case e.Technician == "":
		return fmt.Errorf("%w: empty technician", ErrInvalidEvent)
	case !e.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	case e.Site == "":
		return fmt.Errorf("%w: empty site", ErrInvalidEvent)
	}
	return nil
}

// CheckTransition returns ErrInvalidTransition if the asset is already in
// the status the event would move it to.
func (e *CheckEvent) CheckTransition(a *Asset) error {
	if a.Status == e.Type.Target() {
		return fmt.Errorf("%w: %s on asset %s which is already %s", ErrInvalidTransition, e.Type, a.Tag, a.Status)
	}
	return nil
}

// ApplyTo moves the asset to the state implied by the event. ts is the
// timestamp recorded as the asset's last event time.
func (e *CheckEvent) ApplyTo(a *Asset, ts time.Time) error {
	if err := e.CheckTransition(a); err != nil {
		return err
	}

	a.Status = e.Type.Target()
	a.Site = e.Site
	if a.Status == AssetStatusOut {
		a.AssignedTechnician = e.Technician
	} else {
		a.AssignedTechnician = ""
	}
	a.LastEventID = e.ID
	t := ts.UTC()
	a.LastEventTimestamp = &t
	a.UpdatedAt = t

	return nil
}

// Clone returns a copy of the event.
func (e *CheckEvent) Clone() *CheckEvent {
	if e == nil {
		return nil
	}
	c := *e
	if e.ServerTimestamp != nil {
		t := *e.ServerTimestamp
		c.ServerTimestamp = &t
	}
	return &c
}
