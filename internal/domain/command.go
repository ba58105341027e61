package domain

import (
	"strings"
	"time"
)

// Well-known command parameter keys.
const (
	ParamActionName             = "action_name"
	ParamManual                 = "manual"
	ParamForceRefreshConfigTags = "forceRefreshConfigTags"
)

// HostRoleCommand is the tracked unit of work: one role command on one host
// within one stage. Rows are never deleted.
type HostRoleCommand struct {
	TaskID    int64     `gorm:"primaryKey;autoIncrement" json:"task_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RequestID         int64          `gorm:"not null;index;uniqueIndex:idx_hrc_identity" json:"request_id"`
	StageID           int64          `gorm:"not null;uniqueIndex:idx_hrc_identity" json:"stage_id"`
	HostName          string         `gorm:"size:255;not null;index;uniqueIndex:idx_hrc_identity" json:"host_name"`
	Role              Role           `gorm:"size:100;not null;uniqueIndex:idx_hrc_identity" json:"role"`
	RoleCommand       RoleCommand    `gorm:"size:40;not null" json:"role_command"`
	CustomCommandName string         `gorm:"size:100" json:"custom_command_name,omitempty"`
	Service           string         `gorm:"size:100" json:"service,omitempty"`
	Status            HostRoleStatus `gorm:"size:30;not null;default:'PENDING';index" json:"status"`
	CommandParams     JSONB          `gorm:"type:jsonb" json:"command_params,omitempty"`
	TimeoutSeconds    int            `gorm:"not null;default:600" json:"timeout_seconds"`
	ExitCode          *int           `json:"exit_code,omitempty"`
	Stdout            string         `gorm:"type:text" json:"stdout,omitempty"`
	Stderr            string         `gorm:"type:text" json:"stderr,omitempty"`
	StructuredOut     string         `gorm:"type:text" json:"structured_out,omitempty"`
	Attempts          int            `gorm:"not null;default:0" json:"attempts"`
	StartTime         *time.Time     `json:"start_time,omitempty"`
	EndTime           *time.Time     `json:"end_time,omitempty"`
}

func (c *HostRoleCommand) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TimeoutSeconds converts a command timeout to whole seconds, rounding up so
// sub-second timeouts never become zero.
func TimeoutSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// IsManual reports commands that wait for an operator instead of an agent.
func (c *HostRoleCommand) IsManual() bool {
	if c.CommandParams == nil {
		return false
	}
	switch v := c.CommandParams[ParamManual].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}

// Param returns a string parameter, or "" when absent.
func (c *HostRoleCommand) Param(key string) string {
	if c.CommandParams == nil {
		return ""
	}
	if v, ok := c.CommandParams[key].(string); ok {
		return v
	}
	return ""
}

// ExecutionCommand is what a host receives for one HostRoleCommand.
type ExecutionCommand struct {
	ClusterName            string            `json:"cluster_name"`
	RequestID              int64             `json:"request_id"`
	StageID                int64             `json:"stage_id"`
	TaskID                 int64             `json:"task_id"`
	HostName               string            `json:"host_name"`
	Role                   Role              `json:"role"`
	RoleCommand            RoleCommand       `json:"role_command"`
	CustomCommandName      string            `json:"custom_command_name,omitempty"`
	Service                string            `json:"service,omitempty"`
	CommandParams          map[string]string `json:"command_params,omitempty"`
	ForceRefreshConfigTags []string          `json:"force_refresh_config_tags,omitempty"`
	Structured             JSONB             `json:"structured,omitempty"`
	Timeout                time.Duration     `json:"timeout"`
}

// NewExecutionCommand flattens a tracked command into its dispatch form.
// String parameters land in CommandParams, everything else in Structured.
func NewExecutionCommand(stage *Stage, cmd *HostRoleCommand) *ExecutionCommand {
	ec := &ExecutionCommand{
		RequestID:         cmd.RequestID,
		StageID:           cmd.StageID,
		TaskID:            cmd.TaskID,
		HostName:          cmd.HostName,
		Role:              cmd.Role,
		RoleCommand:       cmd.RoleCommand,
		CustomCommandName: cmd.CustomCommandName,
		Service:           cmd.Service,
		CommandParams:     map[string]string{},
		Timeout:           cmd.Timeout(),
	}
	if stage != nil {
		ec.ClusterName = stage.ClusterName
	}
	for k, v := range cmd.CommandParams {
		if k == ParamForceRefreshConfigTags {
			ec.ForceRefreshConfigTags = toStringSlice(v)
			continue
		}
		if s, ok := v.(string); ok {
			ec.CommandParams[k] = s
			continue
		}
		if ec.Structured == nil {
			ec.Structured = JSONB{}
		}
		ec.Structured[k] = v
	}
	return ec
}

func toStringSlice(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return strings.Split(t, ",")
	}
	return nil
}

// CommandReport is a per-command progress report coming back from a host.
type CommandReport struct {
	TaskID        int64          `json:"task_id"`
	Status        HostRoleStatus `json:"status"`
	ExitCode      *int           `json:"exit_code,omitempty"`
	Stdout        string         `json:"stdout,omitempty"`
	Stderr        string         `json:"stderr,omitempty"`
	StructuredOut string         `json:"structured_out,omitempty"`
}

// CancelDirective asks a host to stop working on a task.
type CancelDirective struct {
	TaskID int64  `json:"task_id"`
	Reason string `json:"reason"`
}

// HeartbeatResponse represents the response sent to agents during heartbeat
type HeartbeatResponse struct {
	Status   string              `json:"status"`
	Commands []*ExecutionCommand `json:"commands,omitempty"`
	Cancels  []CancelDirective   `json:"cancels,omitempty"`
}
