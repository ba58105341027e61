package communicator

import "time"

// Command statuses reported back to the server.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusTimedOut   = "TIMEDOUT"
	StatusAborted    = "ABORTED"
)

// ExecutionCommand is one unit of work handed to this host.
type ExecutionCommand struct {
	ClusterName            string                 `json:"cluster_name"`
	RequestID              int64                  `json:"request_id"`
	StageID                int64                  `json:"stage_id"`
	TaskID                 int64                  `json:"task_id"`
	HostName               string                 `json:"host_name"`
	Role                   string                 `json:"role"`
	RoleCommand            string                 `json:"role_command"`
	CustomCommandName      string                 `json:"custom_command_name,omitempty"`
	Service                string                 `json:"service,omitempty"`
	CommandParams          map[string]string      `json:"command_params,omitempty"`
	ForceRefreshConfigTags []string               `json:"force_refresh_config_tags,omitempty"`
	Structured             map[string]interface{} `json:"structured,omitempty"`
	Timeout                time.Duration          `json:"timeout"`
}

type CommandReport struct {
	TaskID        int64  `json:"task_id"`
	Status        string `json:"status"`
	ExitCode      *int   `json:"exit_code,omitempty"`
	Stdout        string `json:"stdout,omitempty"`
	Stderr        string `json:"stderr,omitempty"`
	StructuredOut string `json:"structured_out,omitempty"`
}

type CancelDirective struct {
	TaskID int64  `json:"task_id"`
	Reason string `json:"reason"`
}

type RegisterRequest struct {
	Name         string `json:"name"`
	IP           string `json:"ip,omitempty"`
	AgentVersion string `json:"agent_version"`
}

type HeartbeatRequest struct {
	Host    string                 `json:"host"`
	Reports []CommandReport        `json:"reports,omitempty"`
	Stats   map[string]interface{} `json:"stats,omitempty"`
}

type HeartbeatResponse struct {
	Status   string              `json:"status"`
	Commands []*ExecutionCommand `json:"commands,omitempty"`
	Cancels  []CancelDirective   `json:"cancels,omitempty"`
}
