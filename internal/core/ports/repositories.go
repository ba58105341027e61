package ports

import (
	"context"
	"errors"
	"time"

	"github.com/clusterd/backend/internal/domain"
)

// ErrNotFound is returned by repositories when the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

type HostRepository interface {
	Create(ctx context.Context, host *domain.Host) error
	GetByName(ctx context.Context, name string) (*domain.Host, error)
	GetAll(ctx context.Context) ([]domain.Host, error)
	Update(ctx context.Context, host *domain.Host) error
	UpdateState(ctx context.Context, name string, state domain.HostState) error
	// ListStale returns healthy hosts whose last heartbeat is older than cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]domain.Host, error)
}

type HostComponentRepository interface {
	Create(ctx context.Context, hc *domain.HostComponent) error
	GetByService(ctx context.Context, cluster, service string) ([]domain.HostComponent, error)
	GetByCluster(ctx context.Context, cluster string) ([]domain.HostComponent, error)
	UpdateMaintenance(ctx context.Context, cluster string, component domain.Role, host string, state domain.MaintenanceState) error
}

type TimelineRepository interface {
	Create(ctx context.Context, event *domain.TimelineEvent) error
	GetByResource(ctx context.Context, resourceType string, resourceID uint) ([]domain.TimelineEvent, error)
	GetAll(ctx context.Context, limit int) ([]domain.TimelineEvent, error)
	CleanupOld(ctx context.Context, olderThan time.Duration) (int64, error)
}

type SystemSettingRepository interface {
	Get(ctx context.Context, key string) (*domain.SystemSetting, error)
	Set(ctx context.Context, setting *domain.SystemSetting) error
	GetByCategory(ctx context.Context, category string) ([]domain.SystemSetting, error)
	Delete(ctx context.Context, key string) error
}

// CommandUpdate carries the fields written alongside a status transition.
// Nil pointers and empty strings leave the stored value untouched.
type CommandUpdate struct {
	Status        domain.HostRoleStatus
	ExitCode      *int
	Stdout        string
	Stderr        string
	StructuredOut string
	StartTime     *time.Time
	EndTime       *time.Time
	// ClearTimes resets start/end times, used when a held command is retried.
	ClearTimes       bool
	IncrementAttempt bool
}

// ActionDBAccessor is the durable store of requests, stages and commands.
// All writes are idempotent on (request, stage, host, role).
type ActionDBAccessor interface {
	NextRequestID(ctx context.Context) (int64, error)
	// PersistRequest writes a request and all of its stages in one transaction.
	PersistRequest(ctx context.Context, req *domain.Request, stages []*domain.Stage) error
	GetRequest(ctx context.Context, id int64) (*domain.Request, error)
	ListRequests(ctx context.Context, limit int) ([]domain.Request, error)
	// PendingRequests returns non-terminal requests, oldest first.
	PendingRequests(ctx context.Context) ([]domain.Request, error)
	// GetStages returns the stages of a request with commands, ordered by stage id.
	GetStages(ctx context.Context, requestID int64) ([]*domain.Stage, error)
	GetStage(ctx context.Context, requestID, stageID int64) (*domain.Stage, error)
	GetCommand(ctx context.Context, taskID int64) (*domain.HostRoleCommand, error)
	InFlightCommands(ctx context.Context) ([]domain.HostRoleCommand, error)
	// TransitionCommand applies the update only while the stored status is one
	// of from. It reports whether the row changed.
	TransitionCommand(ctx context.Context, taskID int64, from []domain.HostRoleStatus, update CommandUpdate) (bool, error)
	// AbortCommands aborts every non-terminal command of the request with a
	// stage id >= fromStageID and returns the commands as they were before.
	AbortCommands(ctx context.Context, requestID, fromStageID int64, reason string) ([]domain.HostRoleCommand, error)
	UpdateRequestStatus(ctx context.Context, id int64, status domain.HostRoleStatus, reason string) error
}
