package domain

import (
	"fmt"
	"strings"
)

// Role names a component or a client on a host, e.g. NAMENODE or KERBEROS_CLIENT.
type Role string

// RoleCommand is the verb executed for a role.
type RoleCommand string

const (
	RoleCommandInstall             RoleCommand = "INSTALL"
	RoleCommandStart               RoleCommand = "START"
	RoleCommandStop                RoleCommand = "STOP"
	RoleCommandServiceCheck        RoleCommand = "SERVICE_CHECK"
	RoleCommandCustomCommand       RoleCommand = "CUSTOM_COMMAND"
	RoleCommandBackgroundExecution RoleCommand = "BACKGROUND_EXECUTION"
	RoleCommandExecute             RoleCommand = "EXECUTE"
)

const (
	// RoleServerAction runs inside the server process instead of on an agent.
	RoleServerAction   Role = "SERVER_ACTION"
	RoleKerberosClient Role = "KERBEROS_CLIENT"
)

var knownRoleCommands = map[RoleCommand]bool{
	RoleCommandInstall:             true,
	RoleCommandStart:               true,
	RoleCommandStop:                true,
	RoleCommandServiceCheck:        true,
	RoleCommandCustomCommand:       true,
	RoleCommandBackgroundExecution: true,
	RoleCommandExecute:             true,
}

func (c RoleCommand) IsValid() bool {
	return knownRoleCommands[c]
}

// ServiceCheckRole returns the role that runs the smoke test of a service.
func ServiceCheckRole(service string) Role {
	return Role(strings.ToUpper(service) + "_SERVICE_CHECK")
}

// RoleCommandPair is the unit the ordering table speaks about.
type RoleCommandPair struct {
	Role    Role
	Command RoleCommand
}

func (p RoleCommandPair) String() string {
	return string(p.Role) + "-" + string(p.Command)
}

// Less orders pairs alphabetically by role, then command.
func (p RoleCommandPair) Less(o RoleCommandPair) bool {
	if p.Role != o.Role {
		return p.Role < o.Role
	}
	return p.Command < o.Command
}

// ParseRoleCommandPair parses the ROLE-COMMAND form used by ordering tables.
// Role names never contain '-', commands may contain '_'.
func ParseRoleCommandPair(s string) (RoleCommandPair, error) {
	idx := strings.LastIndex(s, "-")
	if idx <= 0 || idx == len(s)-1 {
		return RoleCommandPair{}, fmt.Errorf("%w: %q", ErrInvalidRolePair, s)
	}
	role := strings.TrimSpace(s[:idx])
	cmd := RoleCommand(strings.TrimSpace(s[idx+1:]))
	if role == "" || !cmd.IsValid() {
		return RoleCommandPair{}, fmt.Errorf("%w: %q", ErrInvalidRolePair, s)
	}
	return RoleCommandPair{Role: Role(role), Command: cmd}, nil
}
