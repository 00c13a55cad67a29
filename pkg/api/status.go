package api

import "time"

// Status состояние синхронизации агента
type Status struct {
	UpdatedAt           time.Time `json:"updated_at"`
	LastProbeTime       time.Time `json:"last_probe_time"`
	Endpoint            string    `json:"endpoint"`
	Role                string    `json:"role"` // PRIMARY, REPLICA(i) или LOCAL_ONLY
	LastError           string    `json:"last_error,omitempty"`
	QueueDepth          int       `json:"queue_depth"`
	Conflicts           int       `json:"conflicts"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LatencyMS           int64     `json:"latency_ms"`
	Alert               bool      `json:"alert"`
}

// Conflict операция, отклоненная центральным хранилищем
type Conflict struct {
	DetectedAt     time.Time `json:"detected_at"`
	ServerAsset    *Asset    `json:"server_asset,omitempty"`
	ServerEvent    *Event    `json:"server_event,omitempty"`
	LocalEvent     *Event    `json:"local_event,omitempty"`
	OperationID    string    `json:"operation_id"`
	AssetTag       string    `json:"asset_tag"`
	Kind           string    `json:"kind"`
	AnnotationKind string    `json:"annotation_kind,omitempty"`
	Reason         string    `json:"reason"`
}

// ConflictsResponse ответ GET /api/v1/conflicts
type ConflictsResponse struct {
	Conflicts []Conflict `json:"conflicts"`
}
