package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/domain"
	"github.com/clusterd/backend/internal/infrastructure/logger"
)

type RegisterHostInput struct {
	Name         string `json:"name"`
	IP           string `json:"ip"`
	AgentVersion string `json:"agent_version"`
}

type HeartbeatInput struct {
	Host    string                 `json:"host"`
	Reports []domain.CommandReport `json:"reports"`
	Stats   domain.JSONB           `json:"stats"`
}

type HostServiceConfig struct {
	Hosts      ports.HostRepository
	Components ports.HostComponentRepository
	Settings   ports.SystemSettingRepository
	Queue      *AgentCommandQueue
	Reports    ports.ReportSink
	Timeline   *TimelineRecorder
	Logger     *logger.Logger
	// LostAfter is how long a host may stay silent before it is marked lost.
	LostAfter time.Duration
	Now       func() time.Time
}

// HostService is the registry of agent hosts and the heartbeat endpoint
// behind them.
type HostService struct {
	hosts      ports.HostRepository
	components ports.HostComponentRepository
	settings   ports.SystemSettingRepository
	queue      *AgentCommandQueue
	reports    ports.ReportSink
	timeline   *TimelineRecorder
	logger     *logger.Logger
	lostAfter  time.Duration
	now        func() time.Time
}

func NewHostService(cfg HostServiceConfig) *HostService {
	s := &HostService{
		hosts:      cfg.Hosts,
		components: cfg.Components,
		settings:   cfg.Settings,
		queue:      cfg.Queue,
		reports:    cfg.Reports,
		timeline:   cfg.Timeline,
		logger:     cfg.Logger,
		lostAfter:  cfg.LostAfter,
		now:        cfg.Now,
	}
	if s.logger == nil {
		s.logger = logger.NewNop()
	}
	if s.lostAfter <= 0 {
		s.lostAfter = 90 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SetReportSink wires the scheduler in after construction.
func (s *HostService) SetReportSink(sink ports.ReportSink) {
	s.reports = sink
}

// RegisterHost creates the host or refreshes an existing registration.
func (s *HostService) RegisterHost(ctx context.Context, in RegisterHostInput) (*domain.Host, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrHostInvalidInput)
	}
	if in.IP != "" && net.ParseIP(in.IP) == nil {
		return nil, fmt.Errorf("%w: invalid ip %q", ErrHostInvalidInput, in.IP)
	}
	now := s.now()

	existing, err := s.hosts.GetByName(ctx, in.Name)
	if err != nil && !errors.Is(err, ports.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		existing.IP = in.IP
		existing.AgentVersion = in.AgentVersion
		existing.State = domain.HostStateHealthy
		existing.LastHeartbeat = &now
		if err := s.hosts.Update(ctx, existing); err != nil {
			return nil, err
		}
		s.logger.Infow("host_reregistered", "host", in.Name, "ip", in.IP)
		return existing, nil
	}

	host := &domain.Host{
		Name:          in.Name,
		IP:            in.IP,
		AgentVersion:  in.AgentVersion,
		State:         domain.HostStateHealthy,
		Maintenance:   domain.MaintenanceOff,
		LastHeartbeat: &now,
	}
	if err := s.hosts.Create(ctx, host); err != nil {
		return nil, err
	}
	s.logger.Infow("host_registered", "host", in.Name, "ip", in.IP)
	return host, nil
}

func (s *HostService) ListHosts(ctx context.Context) ([]domain.Host, error) {
	return s.hosts.GetAll(ctx)
}

// Heartbeat records liveness, forwards command reports and hands back what
// is queued for the host.
func (s *HostService) Heartbeat(ctx context.Context, in HeartbeatInput) (*domain.HeartbeatResponse, error) {
	host, err := s.getHost(ctx, in.Host)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if host.State != domain.HostStateHealthy {
		s.logger.Infow("host_heartbeat_recovered", "host", host.Name, "previous_state", host.State)
	}
	host.State = domain.HostStateHealthy
	host.LastHeartbeat = &now
	if in.Stats != nil {
		host.Stats = in.Stats
	}
	if err := s.hosts.Update(ctx, host); err != nil {
		return nil, err
	}

	if len(in.Reports) > 0 && s.reports != nil {
		if err := s.reports.ProcessReports(ctx, host.Name, in.Reports); err != nil {
			s.logger.Errorw("host_heartbeat_reports_failed", "host", host.Name, "reports", len(in.Reports), "error", err)
			return nil, err
		}
	}

	cmds, cancels := s.queue.Drain(host.Name)
	return &domain.HeartbeatResponse{Status: "ok", Commands: cmds, Cancels: cancels}, nil
}

func (s *HostService) SetHostMaintenance(ctx context.Context, name string, state domain.MaintenanceState) (*domain.Host, error) {
	if !state.IsValidExplicit() {
		return nil, fmt.Errorf("%w: maintenance state %q", ErrHostInvalidInput, state)
	}
	host, err := s.getHost(ctx, name)
	if err != nil {
		return nil, err
	}
	host.Maintenance = state
	if err := s.hosts.Update(ctx, host); err != nil {
		return nil, err
	}
	s.logger.Infow("host_maintenance_set", "host", name, "state", state)
	return host, nil
}

func (s *HostService) SetServiceMaintenance(ctx context.Context, cluster, service string, state domain.MaintenanceState) error {
	if cluster == "" || service == "" {
		return fmt.Errorf("%w: cluster and service are required", ErrHostInvalidInput)
	}
	if !state.IsValidExplicit() {
		return fmt.Errorf("%w: maintenance state %q", ErrHostInvalidInput, state)
	}
	err := s.settings.Set(ctx, &domain.SystemSetting{
		Key:      serviceMaintenanceKey(cluster, service),
		Value:    string(state),
		Type:     settingTypeMaintenance,
		Category: cluster,
	})
	if err != nil {
		return err
	}
	s.logger.Infow("service_maintenance_set", "cluster", cluster, "service", service, "state", state)
	return nil
}

func (s *HostService) ServiceMaintenance(ctx context.Context, cluster, service string) (domain.MaintenanceState, error) {
	return serviceMaintenance(ctx, s.settings, cluster, service)
}

func (s *HostService) SetComponentMaintenance(ctx context.Context, cluster string, component domain.Role, host string, state domain.MaintenanceState) error {
	if !state.IsValidExplicit() {
		return fmt.Errorf("%w: maintenance state %q", ErrHostInvalidInput, state)
	}
	if err := s.components.UpdateMaintenance(ctx, cluster, component, host, state); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return ErrComponentNotFound
		}
		return err
	}
	s.logger.Infow("component_maintenance_set", "cluster", cluster, "component", component, "host", host, "state", state)
	return nil
}

// AddHostComponent places a component of a service on a registered host.
func (s *HostService) AddHostComponent(ctx context.Context, hc *domain.HostComponent) error {
	if hc.ClusterName == "" || hc.Service == "" || hc.Component == "" {
		return fmt.Errorf("%w: cluster, service and component are required", ErrHostInvalidInput)
	}
	if _, err := s.getHost(ctx, hc.HostName); err != nil {
		return err
	}
	if hc.Maintenance == "" {
		hc.Maintenance = domain.MaintenanceOff
	}
	return s.components.Create(ctx, hc)
}

func (s *HostService) ListHostComponents(ctx context.Context, cluster string) ([]domain.HostComponent, error) {
	return s.components.GetByCluster(ctx, cluster)
}

// MarkLostHosts flags healthy hosts that missed their heartbeats.
func (s *HostService) MarkLostHosts(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.lostAfter)
	stale, err := s.hosts.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, h := range stale {
		if err := s.hosts.UpdateState(ctx, h.Name, domain.HostStateHeartbeatLost); err != nil {
			s.logger.Warnw("host_mark_lost_failed", "host", h.Name, "error", err)
			continue
		}
		marked++
		s.logger.Warnw("host_heartbeat_lost", "host", h.Name, "last_heartbeat", h.LastHeartbeat)
		s.timeline.Record(ctx, domain.EventTypeHostLost, domain.EventStatusFailed, domain.ResourceTypeHost, h.ID,
			fmt.Sprintf("Host %s stopped heartbeating", h.Name), domain.JSONB{"host": h.Name})
	}
	return marked, nil
}

func (s *HostService) getHost(ctx context.Context, name string) (*domain.Host, error) {
	host, err := s.hosts.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, ErrHostNotFound
		}
		return nil, err
	}
	return host, nil
}
