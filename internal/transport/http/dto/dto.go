package dto

import (
	"net"
	"strings"

	"github.com/clusterd/backend/internal/domain"
)

type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

type SuccessResponse struct {
	Message string `json:"message"`
}

type ServiceCommandRequest struct {
	Command    string        `json:"command"`
	Components []domain.Role `json:"components,omitempty"`
	Params     domain.JSONB  `json:"params,omitempty"`
}

func (r *ServiceCommandRequest) Validate() []string {
	var errors []string
	if r.Command == "" {
		errors = append(errors, "command is required")
	}
	return errors
}

type KerberosToggleRequest struct {
	Enable           bool   `json:"enable"`
	ManageIdentities bool   `json:"manage_identities"`
	Realm            string `json:"realm,omitempty"`
	AdminPrincipal   string `json:"admin_principal,omitempty"`
	AdminPassword    string `json:"admin_password,omitempty"`
}

func (r *KerberosToggleRequest) Validate() []string {
	var errors []string
	if (r.AdminPrincipal == "") != (r.AdminPassword == "") {
		errors = append(errors, "admin_principal and admin_password go together")
	}
	if r.Realm != "" && strings.ContainsAny(r.Realm, " /@") {
		errors = append(errors, "realm is not a valid realm name")
	}
	return errors
}

type MaintenanceRequest struct {
	State domain.MaintenanceState `json:"state"`
}

func (r *MaintenanceRequest) Validate() []string {
	if !r.State.IsValidExplicit() {
		return []string{"state must be ON or OFF"}
	}
	return nil
}

type HostComponentRequest struct {
	Service   string      `json:"service"`
	Component domain.Role `json:"component"`
	HostName  string      `json:"host_name"`
}

func (r *HostComponentRequest) Validate() []string {
	var errors []string
	if r.Service == "" {
		errors = append(errors, "service is required")
	}
	if r.Component == "" {
		errors = append(errors, "component is required")
	}
	if r.HostName == "" {
		errors = append(errors, "host_name is required")
	}
	return errors
}

type ComponentMaintenanceRequest struct {
	Component domain.Role             `json:"component"`
	HostName  string                  `json:"host_name"`
	State     domain.MaintenanceState `json:"state"`
}

func (r *ComponentMaintenanceRequest) Validate() []string {
	var errors []string
	if r.Component == "" {
		errors = append(errors, "component is required")
	}
	if r.HostName == "" {
		errors = append(errors, "host_name is required")
	}
	if !r.State.IsValidExplicit() {
		errors = append(errors, "state must be ON or OFF")
	}
	return errors
}

type AbortRequest struct {
	Reason string `json:"reason"`
}

type ResolveTaskRequest struct {
	Status domain.HostRoleStatus `json:"status"`
}

func (r *ResolveTaskRequest) Validate() []string {
	switch r.Status {
	case domain.StatusPending, domain.StatusCompleted, domain.StatusFailed, domain.StatusTimedOut,
		domain.StatusSkippedFailed, domain.StatusAborted:
		return nil
	}
	return []string{"status must be one of PENDING, COMPLETED, FAILED, TIMEDOUT, SKIPPED_FAILED, ABORTED"}
}

type RegisterHostRequest struct {
	Name         string `json:"name"`
	IP           string `json:"ip"`
	AgentVersion string `json:"agent_version"`
}

func (r *RegisterHostRequest) Validate() []string {
	var errors []string
	if r.Name == "" {
		errors = append(errors, "name is required")
	}
	if r.IP != "" && net.ParseIP(r.IP) == nil {
		errors = append(errors, "ip is not a valid IP address")
	}
	return errors
}

type HeartbeatRequest struct {
	Host    string                 `json:"host"`
	Reports []domain.CommandReport `json:"reports,omitempty"`
	Stats   domain.JSONB           `json:"stats,omitempty"`
}

// RequestCreatedResponse is returned by every endpoint that submits work.
// Request is nil when nothing had to be done.
type RequestCreatedResponse struct {
	RequestID int64           `json:"request_id,omitempty"`
	Request   *domain.Request `json:"request,omitempty"`
	Message   string          `json:"message,omitempty"`
}

func NewRequestCreatedResponse(req *domain.Request) RequestCreatedResponse {
	if req == nil {
		return RequestCreatedResponse{Message: "nothing to do"}
	}
	return RequestCreatedResponse{RequestID: req.ID, Request: req}
}
