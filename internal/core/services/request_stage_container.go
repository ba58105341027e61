package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/core/rolegraph"
	"github.com/clusterd/backend/internal/domain"
	"github.com/clusterd/backend/internal/infrastructure/logger"
)

// Waker is told that new work was persisted.
type Waker interface {
	Wake()
}

// BatchOptions shape the stages created by AddOperations.
type BatchOptions struct {
	RequestContext string
	SuccessFactors map[domain.Role]float64
	Skippable      bool
	HoldOnFailure  bool
}

type ContainerConfig struct {
	Accessor ports.ActionDBAccessor
	Graph    *rolegraph.Graph
	Factory  *StageFactory
	Waker    Waker
	Logger   *logger.Logger
}

// RequestStageContainer accumulates the stages of one request before it is
// persisted. Stage ids are contiguous from 1 in the order stages are added.
type RequestStageContainer struct {
	id        int64
	cluster   string
	context   string
	stages    []*domain.Stage
	persisted bool

	db      ports.ActionDBAccessor
	graph   *rolegraph.Graph
	factory *StageFactory
	waker   Waker
	log     *logger.Logger
}

func NewRequestStageContainer(id int64, cluster, requestContext string, cfg ContainerConfig) *RequestStageContainer {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &RequestStageContainer{
		id:      id,
		cluster: cluster,
		context: requestContext,
		db:      cfg.Accessor,
		graph:   cfg.Graph,
		factory: cfg.Factory,
		waker:   cfg.Waker,
		log:     log,
	}
}

func (c *RequestStageContainer) ID() int64 {
	return c.id
}

func (c *RequestStageContainer) ClusterName() string {
	return c.cluster
}

// LastStageID is 0 while the container is empty.
func (c *RequestStageContainer) LastStageID() int64 {
	if len(c.stages) == 0 {
		return 0
	}
	return c.stages[len(c.stages)-1].StageID
}

func (c *RequestStageContainer) Stages() []*domain.Stage {
	return append([]*domain.Stage(nil), c.stages...)
}

func (c *RequestStageContainer) SetRequestContext(ctx string) {
	c.context = ctx
}

func (c *RequestStageContainer) RequestContext() string {
	return c.context
}

// AddStages appends stages that already carry ids. Each id must exceed the
// current last stage id.
func (c *RequestStageContainer) AddStages(stages ...*domain.Stage) error {
	if c.persisted {
		return ErrContainerPersisted
	}
	last := c.LastStageID()
	for _, s := range stages {
		if s.RequestID != c.id {
			return fmt.Errorf("%w: stage %d belongs to request %d, not %d", ErrStageOrder, s.StageID, s.RequestID, c.id)
		}
		if s.StageID <= last {
			return fmt.Errorf("%w: stage %d after %d", ErrStageOrder, s.StageID, last)
		}
		last = s.StageID
	}
	c.stages = append(c.stages, stages...)
	return nil
}

// NewStage returns an empty stage numbered after the last one. It is not
// part of the container until passed to AddStages.
func (c *RequestStageContainer) NewStage(requestContext string) *domain.Stage {
	return domain.NewStage(c.id, c.LastStageID()+1, c.cluster, requestContext)
}

// AddOperations orders ops with the role graph and appends one stage per
// batch starting at LastStageID()+1.
func (c *RequestStageContainer) AddOperations(ops []rolegraph.Operation, opts BatchOptions) ([]*domain.Stage, error) {
	batches, err := c.graph.Build(ops)
	if err != nil {
		if errors.Is(err, rolegraph.ErrCyclicDependency) ||
			errors.Is(err, rolegraph.ErrUnmappedRole) ||
			errors.Is(err, rolegraph.ErrDuplicateOperation) ||
			errors.Is(err, rolegraph.ErrInvalidOperation) {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		return nil, err
	}

	requestContext := opts.RequestContext
	if requestContext == "" {
		requestContext = c.context
	}
	stages, err := c.factory.Build(StageBatchInput{
		RequestID:      c.id,
		FirstStageID:   c.LastStageID() + 1,
		ClusterName:    c.cluster,
		RequestContext: requestContext,
		Batches:        batches,
		SuccessFactors: opts.SuccessFactors,
		Skippable:      opts.Skippable,
		HoldOnFailure:  opts.HoldOnFailure,
	})
	if err != nil {
		return nil, err
	}
	if err := c.AddStages(stages...); err != nil {
		return nil, err
	}
	return stages, nil
}

// RequestStatus derives the status of the stages held in memory.
func (c *RequestStageContainer) RequestStatus() domain.HostRoleStatus {
	return domain.CalculateRequestStatus(c.stages)
}

// Persist writes the request and every stage in one transaction. An empty
// container writes nothing and returns nil request.
func (c *RequestStageContainer) Persist(ctx context.Context) (*domain.Request, error) {
	if len(c.stages) == 0 {
		c.log.Infow("request_persist_skipped_empty", "request_id", c.id)
		return nil, nil
	}
	if c.persisted {
		return nil, ErrContainerPersisted
	}

	req := &domain.Request{
		ID:             c.id,
		ClusterName:    c.cluster,
		RequestContext: c.context,
		Status:         domain.StatusPending,
		StageCount:     len(c.stages),
	}
	if err := c.db.PersistRequest(ctx, req, c.stages); err != nil {
		c.log.Errorw("request_persist_failed", "request_id", c.id, "error", err)
		return nil, err
	}
	c.persisted = true
	c.log.Infow("request_persist_ok", "request_id", c.id, "stages", len(c.stages), "context", c.context)
	if c.waker != nil {
		c.waker.Wake()
	}
	return req, nil
}
