package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/domain"
	"github.com/clusterd/backend/internal/infrastructure/logger"
)

// AgentCommandQueue holds commands per host until the host's next heartbeat
// picks them up.
type AgentCommandQueue struct {
	hosts  ports.HostRepository
	logger *logger.Logger

	mu       sync.Mutex
	commands map[string][]*domain.ExecutionCommand
	cancels  map[string][]domain.CancelDirective
}

func NewAgentCommandQueue(hosts ports.HostRepository, log *logger.Logger) *AgentCommandQueue {
	if log == nil {
		log = logger.NewNop()
	}
	return &AgentCommandQueue{
		hosts:    hosts,
		logger:   log,
		commands: make(map[string][]*domain.ExecutionCommand),
		cancels:  make(map[string][]domain.CancelDirective),
	}
}

// Dispatch queues cmd for its host. Unknown hosts and hosts that stopped
// heartbeating are refused.
func (q *AgentCommandQueue) Dispatch(ctx context.Context, cmd *domain.ExecutionCommand) error {
	host, err := q.hosts.GetByName(ctx, cmd.HostName)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return fmt.Errorf("%w: %s is not registered", ErrHostUnavailable, cmd.HostName)
		}
		return err
	}
	if host.State != domain.HostStateHealthy {
		return fmt.Errorf("%w: %s is %s", ErrHostUnavailable, cmd.HostName, host.State)
	}

	q.mu.Lock()
	q.commands[cmd.HostName] = append(q.commands[cmd.HostName], cmd)
	depth := len(q.commands[cmd.HostName])
	q.mu.Unlock()

	q.logger.Debugw("agent_queue_dispatch", "host", cmd.HostName, "task_id", cmd.TaskID, "role", cmd.Role, "depth", depth)
	return nil
}

// Cancel drops the command if the host has not picked it up yet, otherwise
// a cancel directive goes out with the next heartbeat.
func (q *AgentCommandQueue) Cancel(_ context.Context, host string, taskID int64, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	queued := q.commands[host]
	for i, cmd := range queued {
		if cmd.TaskID == taskID {
			q.commands[host] = append(queued[:i:i], queued[i+1:]...)
			q.logger.Infow("agent_queue_cancel_dequeued", "host", host, "task_id", taskID)
			return nil
		}
	}
	q.cancels[host] = append(q.cancels[host], domain.CancelDirective{TaskID: taskID, Reason: reason})
	q.logger.Infow("agent_queue_cancel_directive", "host", host, "task_id", taskID)
	return nil
}

// Drain hands every queued command and cancel directive of host to the caller.
func (q *AgentCommandQueue) Drain(host string) ([]*domain.ExecutionCommand, []domain.CancelDirective) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cmds := q.commands[host]
	cancels := q.cancels[host]
	delete(q.commands, host)
	delete(q.cancels, host)
	return cmds, cancels
}

// Pending returns the number of commands waiting for host.
func (q *AgentCommandQueue) Pending(host string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.commands[host])
}
