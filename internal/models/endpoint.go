package models

import (
	"fmt"
	"time"
)

// Role роль выбранной точки подключения
type Role string

const (
	RolePrimary   Role = "PRIMARY"
	RoleReplica   Role = "REPLICA"
	RoleLocalOnly Role = "LOCAL_ONLY"
)

// EndpointStatus результат проверки точки подключения к центральной БД.
type EndpointStatus struct {
	LastProbeTime       time.Time     `json:"last_probe_time"`
	Name                string        `json:"name"`
	Role                Role          `json:"role"`
	LastError           string        `json:"last_error,omitempty"`
	ReplicaIndex        int           `json:"replica_index"` // ReplicaIndex приоритет реплики, 0 для primary
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Latency             time.Duration `json:"latency"`
	Reachable           bool          `json:"reachable"`
}

// LocalOnlyStatus describes the state with no central endpoint selected.
func LocalOnlyStatus() EndpointStatus {
	return EndpointStatus{Name: "local", Role: RoleLocalOnly}
}

// RoleLabel renders the role, e.g. PRIMARY, REPLICA(2) or LOCAL_ONLY.
func (s EndpointStatus) RoleLabel() string {
	if s.Role == RoleReplica {
		return fmt.Sprintf("REPLICA(%d)", s.ReplicaIndex)
	}
	return string(s.Role)
}

// Online reports whether a central endpoint is selected.
func (s EndpointStatus) Online() bool {
	return s.Role != "" && s.Role != RoleLocalOnly
}
