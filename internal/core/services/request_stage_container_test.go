package services

import (
	"testing"
	"time"

	"github.com/clusterd/backend/internal/core/rolegraph"
	"github.com/clusterd/backend/internal/core/roleorder"
	"github.com/clusterd/backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainer_ChainedOperationsFollowEarlierStages(t *testing.T) {
	e := newTestEnv(t)
	c, err := e.requests.NewContainer(e.ctx, "c1", "Start HDFS")
	require.NoError(t, err)

	first, err := c.AddOperations([]rolegraph.Operation{
		op("h1", "NAMENODE", domain.RoleCommandStart, "HDFS"),
		op("h1", "DATANODE", domain.RoleCommandStart, "HDFS"),
		op("h2", "DATANODE", domain.RoleCommandStart, "HDFS"),
	}, BatchOptions{})
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := c.AddOperations([]rolegraph.Operation{
		op("h1", "HDFS_SERVICE_CHECK", domain.RoleCommandServiceCheck, "HDFS"),
	}, BatchOptions{RequestContext: "HDFS Service Check"})
	require.NoError(t, err)
	require.Len(t, second, 1)

	assert.Greater(t, second[0].StageID, first[len(first)-1].StageID)
	assert.Equal(t, int64(3), c.LastStageID())
	assert.Equal(t, "HDFS Service Check", second[0].RequestContext)
	assert.Equal(t, domain.StatusPending, c.RequestStatus())

	req, err := e.requests.Submit(e.ctx, c)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, 3, req.StageCount)
	assert.Equal(t, 1, e.controller.wakeCount())

	stages := e.stages(req.ID)
	assert.Equal(t, []int64{1, 2, 3}, stageIDs(stages))
	require.Len(t, stages[0].Commands, 1)
	assert.Equal(t, domain.Role("NAMENODE"), stages[0].Commands[0].Role)
	assert.Len(t, stages[1].Commands, 2)

	events, err := e.events.GetByResource(e.ctx, domain.ResourceTypeRequest, uint(req.ID))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTypeRequestCreated, events[0].Type)
}

func TestContainer_MixesExplicitStagesAndOperations(t *testing.T) {
	e := newTestEnv(t)
	c, err := e.requests.NewContainer(e.ctx, "c1", "mixed")
	require.NoError(t, err)

	stage := c.NewStage("server side")
	require.NoError(t, stage.AddCommand(&domain.HostRoleCommand{
		HostName:    "server",
		Role:        domain.RoleServerAction,
		RoleCommand: domain.RoleCommandExecute,
	}))
	require.NoError(t, c.AddStages(stage))

	added, err := c.AddOperations([]rolegraph.Operation{op("h1", "ZOOKEEPER_SERVER", domain.RoleCommandStart, "ZOOKEEPER")}, BatchOptions{})
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, int64(2), added[0].StageID)
	assert.Equal(t, "mixed", added[0].RequestContext)
}

func TestContainer_EmptyPersistsNothing(t *testing.T) {
	e := newTestEnv(t)
	c, err := e.requests.NewContainer(e.ctx, "c1", "nothing")
	require.NoError(t, err)

	added, err := c.AddOperations(nil, BatchOptions{})
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Zero(t, c.LastStageID())

	req, err := e.requests.Submit(e.ctx, c)
	require.NoError(t, err)
	assert.Nil(t, req)
	assert.Zero(t, e.requestCount())
	assert.Zero(t, e.controller.wakeCount())
}

func TestContainer_PersistOnce(t *testing.T) {
	e := newTestEnv(t)
	c, err := e.requests.NewContainer(e.ctx, "c1", "once")
	require.NoError(t, err)
	_, err = c.AddOperations([]rolegraph.Operation{op("h1", "NAMENODE", domain.RoleCommandStart, "HDFS")}, BatchOptions{})
	require.NoError(t, err)

	_, err = c.Persist(e.ctx)
	require.NoError(t, err)
	_, err = c.Persist(e.ctx)
	assert.ErrorIs(t, err, ErrContainerPersisted)
	assert.ErrorIs(t, c.AddStages(c.NewStage("late")), ErrContainerPersisted)
}

func TestContainer_AddStagesRejectsBadIDs(t *testing.T) {
	c := NewRequestStageContainer(7, "c1", "ctx", ContainerConfig{})

	require.NoError(t, c.AddStages(domain.NewStage(7, 1, "c1", "a")))
	assert.ErrorIs(t, c.AddStages(domain.NewStage(7, 1, "c1", "again")), ErrStageOrder)
	assert.ErrorIs(t, c.AddStages(domain.NewStage(8, 2, "c1", "other request")), ErrStageOrder)
	require.NoError(t, c.AddStages(domain.NewStage(7, 2, "c1", "b")))
	assert.Equal(t, int64(2), c.LastStageID())
}

func TestContainer_ConfigurationErrors(t *testing.T) {
	a := domain.RoleCommandPair{Role: "A", Command: domain.RoleCommandStart}
	b := domain.RoleCommandPair{Role: "B", Command: domain.RoleCommandStart}
	order, err := roleorder.New(map[domain.RoleCommandPair][]domain.RoleCommandPair{a: {b}, b: {a}})
	require.NoError(t, err)

	c := NewRequestStageContainer(1, "c1", "ctx", ContainerConfig{
		Graph:   rolegraph.New(order),
		Factory: NewStageFactory(0),
	})

	_, err = c.AddOperations([]rolegraph.Operation{
		op("h1", "A", domain.RoleCommandStart, "S"),
		op("h1", "B", domain.RoleCommandStart, "S"),
	}, BatchOptions{})
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = c.AddOperations([]rolegraph.Operation{op("h1", "A", domain.RoleCommandStart, "")}, BatchOptions{})
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Zero(t, c.LastStageID())
}

func TestStageFactory_AppliesOptions(t *testing.T) {
	f := NewStageFactory(0)
	batches := []rolegraph.Batch{
		{Operations: []rolegraph.Operation{
			op("h1", "DATANODE", domain.RoleCommandStart, "HDFS"),
			op("h2", "DATANODE", domain.RoleCommandStart, "HDFS"),
		}},
		{},
		{Operations: []rolegraph.Operation{op("h1", "NODEMANAGER", domain.RoleCommandStart, "YARN")}},
	}

	stages, err := f.Build(StageBatchInput{
		RequestID:      4,
		FirstStageID:   3,
		ClusterName:    "c1",
		RequestContext: "start",
		Batches:        batches,
		SuccessFactors: map[domain.Role]float64{"DATANODE": 0.5},
		Skippable:      true,
	})
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, []int64{3, 4}, stageIDs(stages))
	assert.True(t, stages[0].Skippable)
	assert.Equal(t, 0.5, stages[0].SuccessFactor("DATANODE"))
	assert.Equal(t, domain.DefaultSuccessFactor, stages[1].SuccessFactor("NODEMANAGER"))
	assert.Equal(t, 600, stages[0].Commands[0].TimeoutSeconds)

	_, err = f.Build(StageBatchInput{RequestID: 4, FirstStageID: 0, Batches: batches})
	assert.ErrorIs(t, err, ErrStageOrder)
}

func TestStageFactory_RoundsTimeoutsUp(t *testing.T) {
	f := NewStageFactory(0)
	fast := op("h1", "DATANODE", domain.RoleCommandStart, "HDFS")
	fast.Timeout = 300 * time.Millisecond
	stages, err := f.Build(StageBatchInput{
		RequestID:    1,
		FirstStageID: 1,
		Batches: []rolegraph.Batch{{Operations: []rolegraph.Operation{
			fast,
			op("h2", "DATANODE", domain.RoleCommandStart, "HDFS"),
		}}},
		Timeout: 1500 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stages[0].Command("h1", "DATANODE").TimeoutSeconds)
	assert.Equal(t, 2, stages[0].Command("h2", "DATANODE").TimeoutSeconds)
}
