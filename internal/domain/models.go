package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ==================== ENUMS ====================

type HostState string

const (
	HostStateHealthy       HostState = "HEALTHY"
	HostStateHeartbeatLost HostState = "HEARTBEAT_LOST"
	HostStateUnhealthy     HostState = "UNHEALTHY"
)

type EventStatus string

const (
	EventStatusPending EventStatus = "pending"
	EventStatusSuccess EventStatus = "success"
	EventStatusFailed  EventStatus = "failed"
)

// ==================== JSONB TYPES ====================

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("failed to scan JSONB: invalid type")
	}
	if len(raw) == 0 {
		*j = nil
		return nil
	}
	return json.Unmarshal(raw, j)
}

// ==================== ENTITIES ====================

type Host struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name          string           `gorm:"size:255;uniqueIndex;not null" json:"name"`
	IP            string           `gorm:"size:45" json:"ip"`
	State         HostState        `gorm:"size:20;not null;default:'HEALTHY'" json:"state"`
	Maintenance   MaintenanceState `gorm:"size:40;not null;default:'OFF'" json:"maintenance_state"`
	LastHeartbeat *time.Time       `json:"last_heartbeat,omitempty"`
	AgentVersion  string           `gorm:"size:50" json:"agent_version,omitempty"`
	Stats         JSONB            `gorm:"type:jsonb" json:"stats,omitempty"`
}

// HostComponent places one component of a service on one host.
type HostComponent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ClusterName string           `gorm:"size:100;not null;uniqueIndex:idx_host_component" json:"cluster_name"`
	Service     string           `gorm:"size:100;not null;uniqueIndex:idx_host_component;index" json:"service"`
	Component   Role             `gorm:"size:100;not null;uniqueIndex:idx_host_component" json:"component"`
	HostName    string           `gorm:"size:255;not null;uniqueIndex:idx_host_component;index" json:"host_name"`
	Maintenance MaintenanceState `gorm:"size:40;not null;default:'OFF'" json:"maintenance_state"`
}

type TimelineEvent struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Type         string      `gorm:"size:100;not null;index" json:"type"`
	Status       EventStatus `gorm:"size:20;not null;default:'pending';index" json:"status"`
	Message      string      `gorm:"type:text" json:"message"`
	Meta         JSONB       `gorm:"type:jsonb" json:"meta"`
	ResourceID   *uint       `gorm:"index" json:"resource_id,omitempty"`
	ResourceType string      `gorm:"size:100;index" json:"resource_type"`
}

// SystemSetting is a key/value row; cluster scoped values use the cluster
// name as category.
type SystemSetting struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Key      string `gorm:"size:255;uniqueIndex;not null" json:"key"`
	Value    string `gorm:"type:text" json:"value"`
	Type     string `gorm:"size:50;default:'string'" json:"type"`
	Category string `gorm:"size:100;index" json:"category"`
}

// SequenceRequestID names the sequence request ids are drawn from.
const SequenceRequestID = "request_id"

// Sequence backs identifiers that must survive restarts.
type Sequence struct {
	Name  string `gorm:"primaryKey;size:100"`
	Value int64  `gorm:"not null"`
}

func (Sequence) TableName() string {
	return "sequences"
}
