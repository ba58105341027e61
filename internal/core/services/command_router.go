package services

import (
	"context"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/domain"
)

// CommandRouter sends SERVER_ACTION commands to the in-process executor and
// everything else to the agents.
type CommandRouter struct {
	agents     ports.AgentChannel
	server     ports.AgentChannel
	serverHost string
}

func NewCommandRouter(agents, server ports.AgentChannel, serverHost string) *CommandRouter {
	return &CommandRouter{agents: agents, server: server, serverHost: serverHost}
}

func (r *CommandRouter) Dispatch(ctx context.Context, cmd *domain.ExecutionCommand) error {
	if cmd.Role == domain.RoleServerAction {
		return r.server.Dispatch(ctx, cmd)
	}
	return r.agents.Dispatch(ctx, cmd)
}

func (r *CommandRouter) Cancel(ctx context.Context, host string, taskID int64, reason string) error {
	if host == r.serverHost {
		return r.server.Cancel(ctx, host, taskID, reason)
	}
	return r.agents.Cancel(ctx, host, taskID, reason)
}
