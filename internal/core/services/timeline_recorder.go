package services

import (
	"context"
	"fmt"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/domain"
	"github.com/clusterd/backend/internal/infrastructure/logger"
)

// TimelineRecorder writes operator-facing events. Failures are logged and
// never propagate: the timeline is informational.
type TimelineRecorder struct {
	repo   ports.TimelineRepository
	logger *logger.Logger
}

func NewTimelineRecorder(repo ports.TimelineRepository, log *logger.Logger) *TimelineRecorder {
	if log == nil {
		log = logger.NewNop()
	}
	return &TimelineRecorder{repo: repo, logger: log}
}

func (t *TimelineRecorder) Record(ctx context.Context, eventType string, status domain.EventStatus, resourceType string, resourceID uint, message string, meta domain.JSONB) {
	if t == nil || t.repo == nil {
		return
	}
	event := &domain.TimelineEvent{
		Type:         eventType,
		Status:       status,
		Message:      message,
		Meta:         meta,
		ResourceType: resourceType,
	}
	if resourceID != 0 {
		id := resourceID
		event.ResourceID = &id
	}
	if err := t.repo.Create(ctx, event); err != nil {
		t.logger.Warnw("timeline_record_failed", "type", eventType, "error", err)
	}
}

// RequestCreated records a newly persisted request.
func (t *TimelineRecorder) RequestCreated(ctx context.Context, req *domain.Request) {
	t.Record(ctx, domain.EventTypeRequestCreated, domain.EventStatusPending, domain.ResourceTypeRequest, uint(req.ID),
		fmt.Sprintf("Request %d created: %s", req.ID, req.RequestContext),
		domain.JSONB{"cluster": req.ClusterName, "stages": req.StageCount})
}

// RequestFinished implements scheduler.RequestObserver.
func (t *TimelineRecorder) RequestFinished(ctx context.Context, req domain.Request, status domain.HostRoleStatus, reason string) {
	eventType := domain.EventTypeRequestCompleted
	eventStatus := domain.EventStatusSuccess
	switch status {
	case domain.StatusCompleted:
	case domain.StatusAborted:
		eventType = domain.EventTypeRequestAborted
		eventStatus = domain.EventStatusFailed
	default:
		eventType = domain.EventTypeRequestFailed
		eventStatus = domain.EventStatusFailed
	}

	message := fmt.Sprintf("Request %d %s: %s", req.ID, status, req.RequestContext)
	meta := domain.JSONB{"cluster": req.ClusterName, "status": string(status)}
	if reason != "" {
		meta["reason"] = reason
	}
	t.Record(ctx, eventType, eventStatus, domain.ResourceTypeRequest, uint(req.ID), message, meta)
}
