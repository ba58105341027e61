package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/core/rolegraph"
	"github.com/clusterd/backend/internal/core/roleorder"
	"github.com/clusterd/backend/internal/domain"
	"github.com/clusterd/backend/internal/infrastructure/db"
	"github.com/clusterd/backend/internal/infrastructure/db/dbtest"
	"github.com/clusterd/backend/internal/infrastructure/logger"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	mu       sync.Mutex
	wakes    int
	abortErr error
	aborted  []int64
	resolved map[int64]domain.HostRoleStatus
	resolve  error
}

func (c *fakeController) Wake() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wakes++
}

func (c *fakeController) Abort(_ context.Context, id int64, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.abortErr != nil {
		return c.abortErr
	}
	c.aborted = append(c.aborted, id)
	return nil
}

func (c *fakeController) ResolveHolding(_ context.Context, taskID int64, target domain.HostRoleStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolve != nil {
		return c.resolve
	}
	if c.resolved == nil {
		c.resolved = map[int64]domain.HostRoleStatus{}
	}
	c.resolved[taskID] = target
	return nil
}

func (c *fakeController) wakeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wakes
}

type testEnv struct {
	t          *testing.T
	ctx        context.Context
	acc        ports.ActionDBAccessor
	hosts      ports.HostRepository
	components ports.HostComponentRepository
	settings   ports.SystemSettingRepository
	events     ports.TimelineRepository
	timeline   *TimelineRecorder
	graph      *rolegraph.Graph
	factory    *StageFactory
	controller *fakeController
	filter     ports.HostFilter
	requests   *RequestService
	now        time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gdb := dbtest.Open(t)
	log := logger.NewNop()

	order, err := roleorder.Default()
	require.NoError(t, err)

	e := &testEnv{
		t:          t,
		ctx:        context.Background(),
		acc:        db.NewActionDBAccessor(gdb, log),
		hosts:      db.NewHostRepository(gdb, log),
		components: db.NewHostComponentRepository(gdb, log),
		settings:   db.NewSystemSettingRepository(gdb, log),
		events:     db.NewTimelineRepository(gdb, log),
		graph:      rolegraph.New(order),
		factory:    NewStageFactory(0),
		controller: &fakeController{},
		now:        time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	e.timeline = NewTimelineRecorder(e.events, log)
	e.filter = NewMaintenanceFilter(e.hosts, e.settings, log)
	e.requests = NewRequestService(RequestServiceConfig{
		Accessor:   e.acc,
		Graph:      e.graph,
		Factory:    e.factory,
		Controller: e.controller,
		Timeline:   e.timeline,
		Logger:     log,
	})
	return e
}

func (e *testEnv) addHost(name string, state domain.HostState, maintenance domain.MaintenanceState) {
	e.t.Helper()
	now := e.now
	require.NoError(e.t, e.hosts.Create(e.ctx, &domain.Host{
		Name:          name,
		IP:            "10.0.0.1",
		State:         state,
		Maintenance:   maintenance,
		LastHeartbeat: &now,
	}))
}

func (e *testEnv) addComponent(cluster, service string, component domain.Role, host string, maintenance domain.MaintenanceState) {
	e.t.Helper()
	require.NoError(e.t, e.components.Create(e.ctx, &domain.HostComponent{
		ClusterName: cluster,
		Service:     service,
		Component:   component,
		HostName:    host,
		Maintenance: maintenance,
	}))
}

func (e *testEnv) stages(requestID int64) []*domain.Stage {
	e.t.Helper()
	stages, err := e.acc.GetStages(e.ctx, requestID)
	require.NoError(e.t, err)
	return stages
}

func (e *testEnv) requestCount() int {
	e.t.Helper()
	reqs, err := e.acc.ListRequests(e.ctx, 100)
	require.NoError(e.t, err)
	return len(reqs)
}

func stageIDs(stages []*domain.Stage) []int64 {
	ids := make([]int64, 0, len(stages))
	for _, s := range stages {
		ids = append(ids, s.StageID)
	}
	return ids
}

func op(host string, role domain.Role, cmd domain.RoleCommand, service string) rolegraph.Operation {
	return rolegraph.Operation{Host: host, Role: role, Command: cmd, Service: service}
}
