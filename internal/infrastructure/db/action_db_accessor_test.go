package db_test

import (
	"context"
	"errors"
	"testing"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/domain"
	"github.com/clusterd/backend/internal/infrastructure/db"
	"github.com/clusterd/backend/internal/infrastructure/db/dbtest"
	"github.com/clusterd/backend/internal/infrastructure/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAccessor(t *testing.T) ports.ActionDBAccessor {
	return db.NewActionDBAccessor(dbtest.Open(t), logger.NewNop())
}

func twoStageRequest(t *testing.T, acc ports.ActionDBAccessor) (*domain.Request, []*domain.Stage) {
	t.Helper()
	ctx := context.Background()

	id, err := acc.NextRequestID(ctx)
	require.NoError(t, err)

	first := domain.NewStage(id, 1, "c1", "start")
	require.NoError(t, first.AddCommand(&domain.HostRoleCommand{HostName: "h1", Role: "NAMENODE", RoleCommand: domain.RoleCommandStart}))
	second := domain.NewStage(id, 2, "c1", "start")
	require.NoError(t, second.AddCommand(&domain.HostRoleCommand{HostName: "h1", Role: "DATANODE", RoleCommand: domain.RoleCommandStart}))
	require.NoError(t, second.AddCommand(&domain.HostRoleCommand{HostName: "h2", Role: "DATANODE", RoleCommand: domain.RoleCommandStart,
		CommandParams: domain.JSONB{"forceRefreshConfigTags": []interface{}{"hdfs-site"}}}))
	second.SetSuccessFactor("DATANODE", 0.5)

	req := &domain.Request{ID: id, ClusterName: "c1", RequestContext: "start"}
	stages := []*domain.Stage{first, second}
	require.NoError(t, acc.PersistRequest(ctx, req, stages))
	return req, stages
}

func TestNextRequestID_Monotonic(t *testing.T) {
	acc := newAccessor(t)
	ctx := context.Background()

	a, err := acc.NextRequestID(ctx)
	require.NoError(t, err)
	b, err := acc.NextRequestID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), a)
	assert.Equal(t, a+1, b)
}

func TestPersistRequest_RoundTrip(t *testing.T) {
	acc := newAccessor(t)
	ctx := context.Background()
	req, stages := twoStageRequest(t, acc)

	for _, s := range stages {
		for _, c := range s.Commands {
			assert.NotZero(t, c.TaskID)
		}
	}

	stored, err := acc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.StageCount)
	assert.Equal(t, domain.StatusPending, stored.Status)

	loaded, err := acc.GetStages(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Len(t, loaded[0].Commands, 1)
	assert.Len(t, loaded[1].Commands, 2)
	assert.Equal(t, 0.5, loaded[1].SuccessFactor("DATANODE"))
	assert.Equal(t, []interface{}{"hdfs-site"}, loaded[1].Command("h2", "DATANODE").CommandParams["forceRefreshConfigTags"])

	stage, err := acc.GetStage(ctx, req.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "h2"}, stage.Hosts())
}

func TestPersistRequest_Idempotent(t *testing.T) {
	acc := newAccessor(t)
	ctx := context.Background()
	req, _ := twoStageRequest(t, acc)

	again := domain.NewStage(req.ID, 1, "c1", "start")
	require.NoError(t, again.AddCommand(&domain.HostRoleCommand{HostName: "h1", Role: "NAMENODE", RoleCommand: domain.RoleCommandStart}))
	require.NoError(t, acc.PersistRequest(ctx, &domain.Request{ID: req.ID, ClusterName: "c1"}, []*domain.Stage{again}))

	stage, err := acc.GetStage(ctx, req.ID, 1)
	require.NoError(t, err)
	assert.Len(t, stage.Commands, 1)
}

func TestGetRequest_NotFound(t *testing.T) {
	acc := newAccessor(t)
	_, err := acc.GetRequest(context.Background(), 42)
	assert.True(t, errors.Is(err, ports.ErrNotFound))
	_, err = acc.GetCommand(context.Background(), 42)
	assert.True(t, errors.Is(err, ports.ErrNotFound))
}

func TestTransitionCommand_CompareAndSet(t *testing.T) {
	acc := newAccessor(t)
	ctx := context.Background()
	_, stages := twoStageRequest(t, acc)
	taskID := stages[0].Commands[0].TaskID

	ok, err := acc.TransitionCommand(ctx, taskID, []domain.HostRoleStatus{domain.StatusPending}, ports.CommandUpdate{Status: domain.StatusQueued})
	require.NoError(t, err)
	assert.True(t, ok)

	// stale expectation: the command is no longer PENDING
	ok, err = acc.TransitionCommand(ctx, taskID, []domain.HostRoleStatus{domain.StatusPending}, ports.CommandUpdate{Status: domain.StatusQueued})
	require.NoError(t, err)
	assert.False(t, ok)

	code := 0
	ok, err = acc.TransitionCommand(ctx, taskID, domain.SourcesOf(domain.StatusCompleted), ports.CommandUpdate{
		Status: domain.StatusCompleted, ExitCode: &code, Stdout: "started",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	cmd, err := acc.GetCommand(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, cmd.Status)
	require.NotNil(t, cmd.ExitCode)
	assert.Equal(t, 0, *cmd.ExitCode)
	assert.Equal(t, "started", cmd.Stdout)

	_, err = acc.TransitionCommand(ctx, taskID, []domain.HostRoleStatus{domain.StatusCompleted}, ports.CommandUpdate{Status: domain.StatusFailed})
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

func TestAbortCommands_SkipsTerminal(t *testing.T) {
	acc := newAccessor(t)
	ctx := context.Background()
	req, stages := twoStageRequest(t, acc)

	done := stages[1].Commands[0].TaskID
	_, err := acc.TransitionCommand(ctx, done, []domain.HostRoleStatus{domain.StatusPending}, ports.CommandUpdate{Status: domain.StatusFailed})
	require.NoError(t, err)

	aborted, err := acc.AbortCommands(ctx, req.ID, 1, "operator")
	require.NoError(t, err)
	assert.Len(t, aborted, 2)
	for _, c := range aborted {
		assert.Equal(t, domain.StatusPending, c.Status)
	}

	cmd, err := acc.GetCommand(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, cmd.Status)

	again, err := acc.AbortCommands(ctx, req.ID, 1, "operator")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestPendingRequestsAndStatus(t *testing.T) {
	acc := newAccessor(t)
	ctx := context.Background()
	first, _ := twoStageRequest(t, acc)
	second, _ := twoStageRequest(t, acc)

	pending, err := acc.PendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)

	require.NoError(t, acc.UpdateRequestStatus(ctx, first.ID, domain.StatusAborted, "stop"))
	pending, err = acc.PendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	stored, err := acc.GetRequest(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "stop", stored.AbortReason)
	assert.NotNil(t, stored.EndTime)
	assert.NotNil(t, stored.StartTime)

	all, err := acc.ListRequests(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)

	assert.True(t, errors.Is(acc.UpdateRequestStatus(ctx, 999, domain.StatusFailed, ""), ports.ErrNotFound))
}

func TestInFlightCommands(t *testing.T) {
	acc := newAccessor(t)
	ctx := context.Background()
	_, stages := twoStageRequest(t, acc)

	taskID := stages[0].Commands[0].TaskID
	_, err := acc.TransitionCommand(ctx, taskID, []domain.HostRoleStatus{domain.StatusPending}, ports.CommandUpdate{Status: domain.StatusQueued})
	require.NoError(t, err)

	inFlight, err := acc.InFlightCommands(ctx)
	require.NoError(t, err)
	require.Len(t, inFlight, 1)
	assert.Equal(t, taskID, inFlight[0].TaskID)
}
