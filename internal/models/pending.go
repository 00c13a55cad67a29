package models

import "time"

// OperationKind что именно лежит в очереди
type OperationKind string

const (
	OperationCheck      OperationKind = "check"
	OperationAnnotation OperationKind = "annotation"
)

// DeliveryState состояние доставки операции в центральное хранилище
type DeliveryState string

const (
	DeliveryQueued       DeliveryState = "QUEUED"
	DeliveryInFlight     DeliveryState = "IN_FLIGHT"
	DeliveryAcknowledged DeliveryState = "ACKNOWLEDGED"
	DeliveryConflicted   DeliveryState = "CONFLICTED"
)

// Terminal reports whether no further delivery attempts will be made.
func (s DeliveryState) Terminal() bool {
	return s == DeliveryAcknowledged || s == DeliveryConflicted
}

// Conflict описывает расхождение с сервером, требующее ручного разбора.
type Conflict struct {
	DetectedAt  time.Time   `json:"detected_at"`
	ServerAsset *Asset      `json:"server_asset,omitempty"` // ServerAsset состояние актива на сервере на момент обнаружения
	ServerEvent *CheckEvent `json:"server_event,omitempty"` // ServerEvent последнее событие актива на сервере
	Reason      string      `json:"reason"`
}

// PendingOperation операция в локальной очереди доставки.
// Принадлежит LocalStore, изменяется только через его API.
type PendingOperation struct {
	CreatedAt      time.Time      `json:"created_at"`
	InFlightSince  *time.Time     `json:"in_flight_since,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	Event          *CheckEvent    `json:"event,omitempty"`
	Annotation     *Annotation    `json:"annotation,omitempty"`
	Before         *Asset         `json:"before,omitempty"`    // Before состояние зеркала до локального применения
	NewAsset       *AssetMetadata `json:"new_asset,omitempty"` // NewAsset метаданные для создания актива на сервере
	Conflict       *Conflict      `json:"conflict,omitempty"`
	Kind           OperationKind  `json:"kind"`
	State          DeliveryState  `json:"state"`
	LastError      string         `json:"last_error,omitempty"`
	Seq            uint64         `json:"seq"` // Seq позиция в FIFO очереди
	Attempts       int            `json:"attempts"`
}

// NewCheckOperation wraps a check event into a queued operation.
func NewCheckOperation(e *CheckEvent) *PendingOperation {
	return &PendingOperation{Kind: OperationCheck, Event: e, State: DeliveryQueued}
}

// NewAnnotationOperation wraps an annotation into a queued operation.
func NewAnnotationOperation(an *Annotation) *PendingOperation {
	return &PendingOperation{Kind: OperationAnnotation, Annotation: an, State: DeliveryQueued}
}

// ID returns the client-generated identifier of the wrapped event.
func (op *PendingOperation) ID() string {
	if op.Kind == OperationAnnotation && op.Annotation != nil {
		return op.Annotation.ID
	}
	if op.Event != nil {
		return op.Event.ID
	}
	return ""
}

// AssetTag returns the tag of the asset the operation targets.
func (op *PendingOperation) AssetTag() string {
	if op.Kind == OperationAnnotation && op.Annotation != nil {
		return op.Annotation.AssetTag
	}
	if op.Event != nil {
		return op.Event.AssetTag
	}
	return ""
}

// Validate checks the wrapped event.
func (op *PendingOperation) Validate() error {
	if op.Kind == OperationAnnotation {
		return op.Annotation.Validate()
	}
	return op.Event.Validate()
}

// Clone returns a deep copy of the operation.
func (op *PendingOperation) Clone() *PendingOperation {
	if op == nil {
		return nil
	}
	c := *op
	c.Event = op.Event.Clone()
	c.Annotation = op.Annotation.Clone()
	c.Before = op.Before.Clone()
	if op.NewAsset != nil {
		md := *op.NewAsset
		c.NewAsset = &md
	}
	if op.Conflict != nil {
		cf := *op.Conflict
		cf.ServerAsset = op.Conflict.ServerAsset.Clone()
		cf.ServerEvent = op.Conflict.ServerEvent.Clone()
		c.Conflict = &cf
	}
	if op.InFlightSince != nil {
		t := *op.InFlightSince
		c.InFlightSince = &t
	}
	if op.AcknowledgedAt != nil {
		t := *op.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	return &c
}
