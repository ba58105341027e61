package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clusterd/backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	reports map[string][]domain.CommandReport
}

func (s *recordingSink) ProcessReports(_ context.Context, host string, reports []domain.CommandReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reports == nil {
		s.reports = map[string][]domain.CommandReport{}
	}
	s.reports[host] = append(s.reports[host], reports...)
	return nil
}

type hostEnv struct {
	*testEnv
	clock time.Time
	queue *AgentCommandQueue
	sink  *recordingSink
	svc   *HostService
}

func newHostEnv(t *testing.T) *hostEnv {
	e := &hostEnv{testEnv: newTestEnv(t), sink: &recordingSink{}}
	e.clock = e.now
	e.queue = NewAgentCommandQueue(e.hosts, nil)
	e.svc = NewHostService(HostServiceConfig{
		Hosts:      e.hosts,
		Components: e.components,
		Settings:   e.settings,
		Queue:      e.queue,
		Reports:    e.sink,
		Timeline:   e.timeline,
		LostAfter:  time.Minute,
		Now:        func() time.Time { return e.clock },
	})
	return e
}

func TestHostService_RegisterAndRefresh(t *testing.T) {
	e := newHostEnv(t)

	host, err := e.svc.RegisterHost(e.ctx, RegisterHostInput{Name: "h1", IP: "10.0.0.5", AgentVersion: "1.0"})
	require.NoError(t, err)
	assert.Equal(t, domain.HostStateHealthy, host.State)
	assert.Equal(t, domain.MaintenanceOff, host.Maintenance)

	require.NoError(t, e.hosts.UpdateState(e.ctx, "h1", domain.HostStateHeartbeatLost))
	host, err = e.svc.RegisterHost(e.ctx, RegisterHostInput{Name: "h1", IP: "10.0.0.6", AgentVersion: "1.1"})
	require.NoError(t, err)
	assert.Equal(t, domain.HostStateHealthy, host.State)
	assert.Equal(t, "10.0.0.6", host.IP)

	hosts, err := e.svc.ListHosts(e.ctx)
	require.NoError(t, err)
	assert.Len(t, hosts, 1)

	_, err = e.svc.RegisterHost(e.ctx, RegisterHostInput{Name: "h2", IP: "not-an-ip"})
	assert.ErrorIs(t, err, ErrHostInvalidInput)
	_, err = e.svc.RegisterHost(e.ctx, RegisterHostInput{})
	assert.ErrorIs(t, err, ErrHostInvalidInput)
}

func TestHostService_HeartbeatDrainsQueue(t *testing.T) {
	e := newHostEnv(t)
	_, err := e.svc.RegisterHost(e.ctx, RegisterHostInput{Name: "h1"})
	require.NoError(t, err)

	require.NoError(t, e.queue.Dispatch(e.ctx, &domain.ExecutionCommand{HostName: "h1", TaskID: 1}))
	require.NoError(t, e.queue.Dispatch(e.ctx, &domain.ExecutionCommand{HostName: "h1", TaskID: 2}))
	require.NoError(t, e.queue.Cancel(e.ctx, "h1", 9, "aborted"))

	exit := 0
	resp, err := e.svc.Heartbeat(e.ctx, HeartbeatInput{
		Host:    "h1",
		Reports: []domain.CommandReport{{TaskID: 7, Status: domain.StatusCompleted, ExitCode: &exit}},
		Stats:   domain.JSONB{"load": 0.5},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Commands, 2)
	assert.Equal(t, int64(1), resp.Commands[0].TaskID)
	require.Len(t, resp.Cancels, 1)
	assert.Equal(t, int64(9), resp.Cancels[0].TaskID)
	assert.Len(t, e.sink.reports["h1"], 1)

	resp, err = e.svc.Heartbeat(e.ctx, HeartbeatInput{Host: "h1"})
	require.NoError(t, err)
	assert.Empty(t, resp.Commands)

	_, err = e.svc.Heartbeat(e.ctx, HeartbeatInput{Host: "ghost"})
	assert.ErrorIs(t, err, ErrHostNotFound)
}

func TestHostService_MarkLostHosts(t *testing.T) {
	e := newHostEnv(t)
	_, err := e.svc.RegisterHost(e.ctx, RegisterHostInput{Name: "h1"})
	require.NoError(t, err)
	_, err = e.svc.RegisterHost(e.ctx, RegisterHostInput{Name: "h2"})
	require.NoError(t, err)

	e.clock = e.clock.Add(45 * time.Second)
	_, err = e.svc.Heartbeat(e.ctx, HeartbeatInput{Host: "h2"})
	require.NoError(t, err)

	e.clock = e.clock.Add(30 * time.Second)
	n, err := e.svc.MarkLostHosts(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h1, err := e.hosts.GetByName(e.ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, domain.HostStateHeartbeatLost, h1.State)

	err = e.queue.Dispatch(e.ctx, &domain.ExecutionCommand{HostName: "h1", TaskID: 3})
	assert.ErrorIs(t, err, ErrHostUnavailable)

	events, err := e.events.GetByResource(e.ctx, domain.ResourceTypeHost, h1.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTypeHostLost, events[0].Type)

	_, err = e.svc.Heartbeat(e.ctx, HeartbeatInput{Host: "h1"})
	require.NoError(t, err)
	h1, err = e.hosts.GetByName(e.ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, domain.HostStateHealthy, h1.State)
}

func TestHostService_Maintenance(t *testing.T) {
	e := newHostEnv(t)
	_, err := e.svc.RegisterHost(e.ctx, RegisterHostInput{Name: "h1"})
	require.NoError(t, err)
	require.NoError(t, e.svc.AddHostComponent(e.ctx, &domain.HostComponent{ClusterName: "c1", Service: "HDFS", Component: "DATANODE", HostName: "h1"}))

	host, err := e.svc.SetHostMaintenance(e.ctx, "h1", domain.MaintenanceOn)
	require.NoError(t, err)
	assert.Equal(t, domain.MaintenanceOn, host.Maintenance)

	_, err = e.svc.SetHostMaintenance(e.ctx, "h1", domain.MaintenanceImpliedFromHost)
	assert.ErrorIs(t, err, ErrHostInvalidInput)
	_, err = e.svc.SetHostMaintenance(e.ctx, "ghost", domain.MaintenanceOn)
	assert.ErrorIs(t, err, ErrHostNotFound)

	state, err := e.svc.ServiceMaintenance(e.ctx, "c1", "HDFS")
	require.NoError(t, err)
	assert.Equal(t, domain.MaintenanceOff, state)
	require.NoError(t, e.svc.SetServiceMaintenance(e.ctx, "c1", "HDFS", domain.MaintenanceOn))
	state, err = e.svc.ServiceMaintenance(e.ctx, "c1", "HDFS")
	require.NoError(t, err)
	assert.Equal(t, domain.MaintenanceOn, state)

	require.NoError(t, e.svc.SetComponentMaintenance(e.ctx, "c1", "DATANODE", "h1", domain.MaintenanceOn))
	err = e.svc.SetComponentMaintenance(e.ctx, "c1", "NAMENODE", "h1", domain.MaintenanceOn)
	assert.ErrorIs(t, err, ErrComponentNotFound)

	comps, err := e.svc.ListHostComponents(e.ctx, "c1")
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, domain.MaintenanceOn, comps[0].Maintenance)

	err = e.svc.AddHostComponent(e.ctx, &domain.HostComponent{ClusterName: "c1", Service: "HDFS", Component: "NAMENODE", HostName: "ghost"})
	assert.ErrorIs(t, err, ErrHostNotFound)
}

func TestAgentCommandQueue_CancelQueuedCommand(t *testing.T) {
	e := newHostEnv(t)
	_, err := e.svc.RegisterHost(e.ctx, RegisterHostInput{Name: "h1"})
	require.NoError(t, err)

	require.NoError(t, e.queue.Dispatch(e.ctx, &domain.ExecutionCommand{HostName: "h1", TaskID: 1}))
	require.NoError(t, e.queue.Dispatch(e.ctx, &domain.ExecutionCommand{HostName: "h1", TaskID: 2}))
	assert.Equal(t, 2, e.queue.Pending("h1"))

	require.NoError(t, e.queue.Cancel(e.ctx, "h1", 1, "aborted"))
	cmds, cancels := e.queue.Drain("h1")
	require.Len(t, cmds, 1)
	assert.Equal(t, int64(2), cmds[0].TaskID)
	assert.Empty(t, cancels)

	err = e.queue.Dispatch(e.ctx, &domain.ExecutionCommand{HostName: "ghost", TaskID: 3})
	assert.ErrorIs(t, err, ErrHostUnavailable)
}

func TestCommandRouter_RoutesByRole(t *testing.T) {
	e := newHostEnv(t)
	_, err := e.svc.RegisterHost(e.ctx, RegisterHostInput{Name: "h1"})
	require.NoError(t, err)
	server := &recordingChannel{}
	router := NewCommandRouter(e.queue, server, "server")

	require.NoError(t, router.Dispatch(e.ctx, &domain.ExecutionCommand{HostName: "server", TaskID: 1, Role: domain.RoleServerAction}))
	require.NoError(t, router.Dispatch(e.ctx, &domain.ExecutionCommand{HostName: "h1", TaskID: 2, Role: "DATANODE"}))
	require.NoError(t, router.Cancel(e.ctx, "server", 1, "abort"))
	require.NoError(t, router.Cancel(e.ctx, "h1", 2, "abort"))

	assert.Equal(t, []int64{1}, server.dispatched)
	assert.Equal(t, []int64{1}, server.cancelled)
	assert.Zero(t, e.queue.Pending("h1"))
}

type recordingChannel struct {
	dispatched []int64
	cancelled  []int64
}

func (c *recordingChannel) Dispatch(_ context.Context, cmd *domain.ExecutionCommand) error {
	c.dispatched = append(c.dispatched, cmd.TaskID)
	return nil
}

func (c *recordingChannel) Cancel(_ context.Context, _ string, taskID int64, _ string) error {
	c.cancelled = append(c.cancelled, taskID)
	return nil
}
