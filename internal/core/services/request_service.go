package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/core/rolegraph"
	"github.com/clusterd/backend/internal/core/scheduler"
	"github.com/clusterd/backend/internal/domain"
	"github.com/clusterd/backend/internal/infrastructure/logger"
)

// RequestController is the part of the scheduler operators act through.
type RequestController interface {
	Wake()
	Abort(ctx context.Context, requestID int64, reason string) error
	ResolveHolding(ctx context.Context, taskID int64, target domain.HostRoleStatus) error
}

// StageSummary is the per-stage line of a request status.
type StageSummary struct {
	StageID        int64                         `json:"stage_id"`
	RequestContext string                        `json:"request_context"`
	Status         domain.HostRoleStatus         `json:"status"`
	Skippable      bool                          `json:"skippable"`
	Hosts          []string                      `json:"hosts"`
	Counts         map[domain.HostRoleStatus]int `json:"counts"`
}

// CommandFailure points at a command that did not complete.
type CommandFailure struct {
	TaskID   int64                 `json:"task_id"`
	StageID  int64                 `json:"stage_id"`
	HostName string                `json:"host_name"`
	Role     domain.Role           `json:"role"`
	Command  domain.RoleCommand    `json:"role_command"`
	Status   domain.HostRoleStatus `json:"status"`
	Stderr   string                `json:"stderr,omitempty"`
}

// RequestSummary is the full status of one request.
type RequestSummary struct {
	Request  domain.Request   `json:"request"`
	Progress float64          `json:"progress_percent"`
	Stages   []StageSummary   `json:"stages"`
	Failures []CommandFailure `json:"failures,omitempty"`
}

type RequestServiceConfig struct {
	Accessor   ports.ActionDBAccessor
	Graph      *rolegraph.Graph
	Factory    *StageFactory
	Controller RequestController
	Timeline   *TimelineRecorder
	Logger     *logger.Logger
}

type RequestService struct {
	db         ports.ActionDBAccessor
	graph      *rolegraph.Graph
	factory    *StageFactory
	controller RequestController
	timeline   *TimelineRecorder
	logger     *logger.Logger
}

func NewRequestService(cfg RequestServiceConfig) *RequestService {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &RequestService{
		db:         cfg.Accessor,
		graph:      cfg.Graph,
		factory:    cfg.Factory,
		controller: cfg.Controller,
		timeline:   cfg.Timeline,
		logger:     log,
	}
}

// NewContainer allocates a request id and returns an empty container for it.
func (s *RequestService) NewContainer(ctx context.Context, cluster, requestContext string) (*RequestStageContainer, error) {
	id, err := s.db.NextRequestID(ctx)
	if err != nil {
		return nil, err
	}
	var waker Waker
	if s.controller != nil {
		waker = s.controller
	}
	return NewRequestStageContainer(id, cluster, requestContext, ContainerConfig{
		Accessor: s.db,
		Graph:    s.graph,
		Factory:  s.factory,
		Waker:    waker,
		Logger:   s.logger,
	}), nil
}

// Submit persists the container and records it on the timeline. An empty
// container returns a nil request.
func (s *RequestService) Submit(ctx context.Context, c *RequestStageContainer) (*domain.Request, error) {
	req, err := c.Persist(ctx)
	if err != nil || req == nil {
		return req, err
	}
	s.timeline.RequestCreated(ctx, req)
	return req, nil
}

func (s *RequestService) ListRequests(ctx context.Context, limit int) ([]domain.Request, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.db.ListRequests(ctx, limit)
}

func (s *RequestService) GetRequestStatus(ctx context.Context, id int64) (*RequestSummary, error) {
	req, err := s.getRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	stages, err := s.db.GetStages(ctx, id)
	if err != nil {
		return nil, err
	}

	summary := &RequestSummary{Request: *req, Progress: domain.Progress(stages)}
	for _, stage := range stages {
		summary.Stages = append(summary.Stages, StageSummary{
			StageID:        stage.StageID,
			RequestContext: stage.RequestContext,
			Status:         stage.Status(),
			Skippable:      stage.Skippable,
			Hosts:          stage.Hosts(),
			Counts:         stage.StatusCounts(),
		})
		for _, cmd := range stage.Commands {
			if !cmd.Status.IsFailure() && cmd.Status != domain.StatusHoldingFailed && cmd.Status != domain.StatusHoldingTimedOut {
				continue
			}
			summary.Failures = append(summary.Failures, CommandFailure{
				TaskID:   cmd.TaskID,
				StageID:  cmd.StageID,
				HostName: cmd.HostName,
				Role:     cmd.Role,
				Command:  cmd.RoleCommand,
				Status:   cmd.Status,
				Stderr:   cmd.Stderr,
			})
		}
	}
	return summary, nil
}

func (s *RequestService) GetStageHostRoleCommands(ctx context.Context, requestID, stageID int64) ([]*domain.HostRoleCommand, error) {
	if _, err := s.getRequest(ctx, requestID); err != nil {
		return nil, err
	}
	stage, err := s.db.GetStage(ctx, requestID, stageID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, ErrStageNotFound
		}
		return nil, err
	}
	return stage.Commands, nil
}

func (s *RequestService) Abort(ctx context.Context, requestID int64, reason string) error {
	err := s.controller.Abort(ctx, requestID, reason)
	switch {
	case errors.Is(err, scheduler.ErrRequestNotFound):
		return ErrRequestNotFound
	case errors.Is(err, scheduler.ErrRequestFinished):
		return fmt.Errorf("%w: %v", ErrRequestFinished, err)
	}
	return err
}

// ResolveTask applies an operator decision to a held command.
func (s *RequestService) ResolveTask(ctx context.Context, taskID int64, target domain.HostRoleStatus) error {
	err := s.controller.ResolveHolding(ctx, taskID, target)
	switch {
	case errors.Is(err, scheduler.ErrCommandNotFound):
		return ErrTaskNotFound
	case errors.Is(err, scheduler.ErrNotHolding), errors.Is(err, domain.ErrInvalidTransition):
		return fmt.Errorf("%w: %v", ErrInvalidResolution, err)
	}
	return err
}

// RetryFailed creates a new request holding the FAILED, TIMEDOUT and ABORTED
// commands of a finished request. Stage grouping and order are kept.
func (s *RequestService) RetryFailed(ctx context.Context, requestID int64) (*domain.Request, error) {
	req, err := s.getRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !req.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: request %d is %s", ErrRequestNotFinished, requestID, req.Status)
	}
	stages, err := s.db.GetStages(ctx, requestID)
	if err != nil {
		return nil, err
	}

	c, err := s.NewContainer(ctx, req.ClusterName, fmt.Sprintf("Retry of request %d: %s", requestID, req.RequestContext))
	if err != nil {
		return nil, err
	}
	for _, old := range stages {
		var retry []*domain.HostRoleCommand
		for _, cmd := range old.Commands {
			if cmd.Status.IsFailure() {
				retry = append(retry, cmd)
			}
		}
		if len(retry) == 0 {
			continue
		}
		sort.Slice(retry, func(i, j int) bool { return retry[i].TaskID < retry[j].TaskID })

		stage := c.NewStage(old.RequestContext)
		stage.Skippable = old.Skippable
		stage.HoldOnFailure = old.HoldOnFailure
		for _, cmd := range retry {
			if err := stage.AddCommand(&domain.HostRoleCommand{
				HostName:          cmd.HostName,
				Role:              cmd.Role,
				RoleCommand:       cmd.RoleCommand,
				CustomCommandName: cmd.CustomCommandName,
				Service:           cmd.Service,
				CommandParams:     copyParams(cmd.CommandParams),
				TimeoutSeconds:    cmd.TimeoutSeconds,
			}); err != nil {
				return nil, err
			}
			stage.SetSuccessFactor(cmd.Role, old.SuccessFactor(cmd.Role))
		}
		if err := c.AddStages(stage); err != nil {
			return nil, err
		}
	}
	if len(c.Stages()) == 0 {
		return nil, fmt.Errorf("%w: request %d", ErrNothingToRetry, requestID)
	}

	retried, err := s.Submit(ctx, c)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("request_retry_submitted", "request_id", requestID, "retry_request_id", retried.ID, "stages", retried.StageCount)
	return retried, nil
}

func (s *RequestService) getRequest(ctx context.Context, id int64) (*domain.Request, error) {
	req, err := s.db.GetRequest(ctx, id)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return req, nil
}
