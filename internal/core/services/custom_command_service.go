package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/core/rolegraph"
	"github.com/clusterd/backend/internal/domain"
	"github.com/clusterd/backend/internal/infrastructure/logger"
)

// Service level commands accepted by ExecuteServiceCommand.
const (
	ServiceCommandInstall      = "INSTALL"
	ServiceCommandStart        = "START"
	ServiceCommandStop         = "STOP"
	ServiceCommandRestart      = "RESTART"
	ServiceCommandServiceCheck = "SERVICE_CHECK"
)

// ServiceCommandInput targets one service of a cluster. Components narrows
// the command to the listed components.
type ServiceCommandInput struct {
	Cluster    string
	Service    string
	Command    string
	Components []domain.Role
	Params     domain.JSONB
}

type CustomCommandServiceConfig struct {
	Components ports.HostComponentRepository
	Filter     ports.HostFilter
	Requests   *RequestService
	Logger     *logger.Logger
}

type CustomCommandService struct {
	components ports.HostComponentRepository
	filter     ports.HostFilter
	requests   *RequestService
	logger     *logger.Logger
}

func NewCustomCommandService(cfg CustomCommandServiceConfig) *CustomCommandService {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &CustomCommandService{
		components: cfg.Components,
		filter:     cfg.Filter,
		requests:   cfg.Requests,
		logger:     log,
	}
}

// ExecuteServiceCommand builds and persists one request for a service level
// command. Host components under maintenance or on unhealthy hosts are left
// out; if none remain nothing is persisted.
func (s *CustomCommandService) ExecuteServiceCommand(ctx context.Context, in ServiceCommandInput) (*domain.Request, error) {
	if in.Cluster == "" || in.Service == "" {
		return nil, fmt.Errorf("%w: cluster and service are required", ErrServiceInvalidInput)
	}
	command := strings.ToUpper(in.Command)
	switch command {
	case ServiceCommandInstall, ServiceCommandStart, ServiceCommandStop, ServiceCommandRestart, ServiceCommandServiceCheck:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCommand, in.Command)
	}

	all, err := s.components.GetByService(ctx, in.Cluster, in.Service)
	if err != nil {
		return nil, err
	}
	candidates := selectComponents(all, in.Components, command)
	eligible, err := s.filter.Eligible(ctx, candidates)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		s.logger.Warnw("service_command_no_eligible_host", "cluster", in.Cluster, "service", in.Service, "command", command, "candidates", len(candidates))
		return nil, fmt.Errorf("%w: %s %s in %s", ErrTopology, command, in.Service, in.Cluster)
	}

	ops, factors := buildServiceOperations(in, command, eligible)
	c, err := s.requests.NewContainer(ctx, in.Cluster, serviceRequestContext(command, in.Service))
	if err != nil {
		return nil, err
	}
	if _, err := c.AddOperations(ops, BatchOptions{SuccessFactors: factors}); err != nil {
		return nil, err
	}
	req, err := s.requests.Submit(ctx, c)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("service_command_submitted", "request_id", req.ID, "cluster", in.Cluster, "service", in.Service, "command", command, "hosts", len(eligible), "stages", req.StageCount)
	return req, nil
}

func selectComponents(all []domain.HostComponent, only []domain.Role, command string) []domain.HostComponent {
	wanted := make(map[domain.Role]bool, len(only))
	for _, r := range only {
		wanted[r] = true
	}
	var out []domain.HostComponent
	for _, hc := range all {
		if len(wanted) > 0 && !wanted[hc.Component] {
			continue
		}
		// Clients have nothing to start, stop or restart.
		if isClient(hc.Component) && (command == ServiceCommandStart || command == ServiceCommandStop || command == ServiceCommandRestart) {
			continue
		}
		out = append(out, hc)
	}
	return out
}

func buildServiceOperations(in ServiceCommandInput, command string, eligible []domain.HostComponent) ([]rolegraph.Operation, map[domain.Role]float64) {
	if command == ServiceCommandServiceCheck {
		hosts := make([]string, 0, len(eligible))
		for _, hc := range eligible {
			hosts = append(hosts, hc.HostName)
		}
		sort.Strings(hosts)
		role := domain.ServiceCheckRole(in.Service)
		return []rolegraph.Operation{{
			Host:    hosts[0],
			Role:    role,
			Command: domain.RoleCommandServiceCheck,
			Service: in.Service,
			Params:  copyParams(in.Params),
		}}, map[domain.Role]float64{role: domain.DefaultSuccessFactor}
	}

	ops := make([]rolegraph.Operation, 0, len(eligible))
	for _, hc := range eligible {
		op := rolegraph.Operation{
			Host:    hc.HostName,
			Role:    hc.Component,
			Command: domain.RoleCommand(command),
			Service: hc.Service,
			Params:  copyParams(in.Params),
		}
		if command == ServiceCommandRestart {
			op.Command = domain.RoleCommandCustomCommand
			op.CustomCommandName = ServiceCommandRestart
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func isClient(role domain.Role) bool {
	return strings.HasSuffix(string(role), "_CLIENT")
}

func serviceRequestContext(command, service string) string {
	switch command {
	case ServiceCommandServiceCheck:
		return service + " Service Check"
	case ServiceCommandInstall:
		return "Install " + service
	default:
		return strings.ToUpper(command[:1]) + strings.ToLower(command[1:]) + " " + service
	}
}
