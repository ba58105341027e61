package services

import (
	"errors"
	"testing"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/core/rolegraph"
	"github.com/clusterd/backend/internal/core/scheduler"
	"github.com/clusterd/backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// submitHDFSStart persists NAMENODE on h1 then DATANODE on h1 and h2 with a
// DATANODE success factor of 0.5.
func submitHDFSStart(t *testing.T, e *testEnv) *domain.Request {
	c, err := e.requests.NewContainer(e.ctx, "c1", "Start HDFS")
	require.NoError(t, err)
	_, err = c.AddOperations([]rolegraph.Operation{
		op("h1", "NAMENODE", domain.RoleCommandStart, "HDFS"),
		op("h1", "DATANODE", domain.RoleCommandStart, "HDFS"),
		op("h2", "DATANODE", domain.RoleCommandStart, "HDFS"),
	}, BatchOptions{SuccessFactors: map[domain.Role]float64{"DATANODE": 0.5}, HoldOnFailure: true})
	require.NoError(t, err)
	req, err := e.requests.Submit(e.ctx, c)
	require.NoError(t, err)
	return req
}

func (e *testEnv) finish(cmd *domain.HostRoleCommand, status domain.HostRoleStatus, stderr string) {
	e.t.Helper()
	ok, err := e.acc.TransitionCommand(e.ctx, cmd.TaskID, []domain.HostRoleStatus{domain.StatusPending}, ports.CommandUpdate{Status: domain.StatusQueued})
	require.NoError(e.t, err)
	require.True(e.t, ok)
	ok, err = e.acc.TransitionCommand(e.ctx, cmd.TaskID, []domain.HostRoleStatus{domain.StatusQueued}, ports.CommandUpdate{Status: status, Stderr: stderr})
	require.NoError(e.t, err)
	require.True(e.t, ok)
}

func TestRequestService_Status(t *testing.T) {
	e := newTestEnv(t)
	req := submitHDFSStart(t, e)
	stages := e.stages(req.ID)
	e.finish(stages[0].Commands[0], domain.StatusCompleted, "")
	e.finish(stages[1].Command("h2", "DATANODE"), domain.StatusFailed, "disk full")

	summary, err := e.requests.GetRequestStatus(e.ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, summary.Request.ID)
	assert.InDelta(t, 66.67, summary.Progress, 0.01)
	require.Len(t, summary.Stages, 2)
	assert.Equal(t, domain.StatusCompleted, summary.Stages[0].Status)
	assert.Equal(t, []string{"h1", "h2"}, summary.Stages[1].Hosts)
	assert.Equal(t, 1, summary.Stages[1].Counts[domain.StatusFailed])
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "h2", summary.Failures[0].HostName)
	assert.Equal(t, "disk full", summary.Failures[0].Stderr)

	cmds, err := e.requests.GetStageHostRoleCommands(e.ctx, req.ID, 2)
	require.NoError(t, err)
	assert.Len(t, cmds, 2)

	_, err = e.requests.GetStageHostRoleCommands(e.ctx, req.ID, 9)
	assert.ErrorIs(t, err, ErrStageNotFound)
	_, err = e.requests.GetRequestStatus(e.ctx, 999)
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestRequestService_ListRequests(t *testing.T) {
	e := newTestEnv(t)
	first := submitHDFSStart(t, e)
	second := submitHDFSStart(t, e)
	assert.Greater(t, second.ID, first.ID)

	reqs, err := e.requests.ListRequests(e.ctx, 0)
	require.NoError(t, err)
	assert.Len(t, reqs, 2)

	reqs, err = e.requests.ListRequests(e.ctx, 1)
	require.NoError(t, err)
	assert.Len(t, reqs, 1)
}

func TestRequestService_RetryFailed(t *testing.T) {
	e := newTestEnv(t)
	req := submitHDFSStart(t, e)
	stages := e.stages(req.ID)
	e.finish(stages[0].Commands[0], domain.StatusCompleted, "")
	e.finish(stages[1].Command("h1", "DATANODE"), domain.StatusCompleted, "")
	e.finish(stages[1].Command("h2", "DATANODE"), domain.StatusTimedOut, "")

	_, err := e.requests.RetryFailed(e.ctx, req.ID)
	assert.ErrorIs(t, err, ErrRequestNotFinished)

	require.NoError(t, e.acc.UpdateRequestStatus(e.ctx, req.ID, domain.StatusTimedOut, ""))
	retry, err := e.requests.RetryFailed(e.ctx, req.ID)
	require.NoError(t, err)
	assert.NotEqual(t, req.ID, retry.ID)
	assert.Equal(t, 1, retry.StageCount)
	assert.Contains(t, retry.RequestContext, "Start HDFS")

	retried := e.stages(retry.ID)
	require.Len(t, retried, 1)
	assert.Equal(t, int64(1), retried[0].StageID)
	assert.True(t, retried[0].HoldOnFailure)
	assert.Equal(t, 0.5, retried[0].SuccessFactor("DATANODE"))
	require.Len(t, retried[0].Commands, 1)
	assert.Equal(t, "h2", retried[0].Commands[0].HostName)
	assert.Equal(t, domain.StatusPending, retried[0].Commands[0].Status)
}

func TestRequestService_RetryNothing(t *testing.T) {
	e := newTestEnv(t)
	req := submitHDFSStart(t, e)
	for _, stage := range e.stages(req.ID) {
		for _, cmd := range stage.Commands {
			e.finish(cmd, domain.StatusCompleted, "")
		}
	}
	require.NoError(t, e.acc.UpdateRequestStatus(e.ctx, req.ID, domain.StatusCompleted, ""))

	_, err := e.requests.RetryFailed(e.ctx, req.ID)
	assert.ErrorIs(t, err, ErrNothingToRetry)
	assert.Equal(t, 1, e.requestCount())
}

func TestRequestService_ControllerErrors(t *testing.T) {
	e := newTestEnv(t)

	require.NoError(t, e.requests.Abort(e.ctx, 1, "operator"))
	assert.Equal(t, []int64{1}, e.controller.aborted)

	e.controller.abortErr = scheduler.ErrRequestNotFound
	assert.ErrorIs(t, e.requests.Abort(e.ctx, 1, ""), ErrRequestNotFound)
	e.controller.abortErr = scheduler.ErrRequestFinished
	assert.ErrorIs(t, e.requests.Abort(e.ctx, 1, ""), ErrRequestFinished)
	e.controller.abortErr = errors.New("db down")
	assert.EqualError(t, e.requests.Abort(e.ctx, 1, ""), "db down")

	require.NoError(t, e.requests.ResolveTask(e.ctx, 5, domain.StatusCompleted))
	assert.Equal(t, domain.StatusCompleted, e.controller.resolved[5])

	e.controller.resolve = scheduler.ErrCommandNotFound
	assert.ErrorIs(t, e.requests.ResolveTask(e.ctx, 5, domain.StatusCompleted), ErrTaskNotFound)
	e.controller.resolve = scheduler.ErrNotHolding
	assert.ErrorIs(t, e.requests.ResolveTask(e.ctx, 5, domain.StatusCompleted), ErrInvalidResolution)
	e.controller.resolve = domain.ErrInvalidTransition
	assert.ErrorIs(t, e.requests.ResolveTask(e.ctx, 5, domain.StatusQueued), ErrInvalidResolution)
}
