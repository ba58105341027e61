package ports

import (
	"context"

	"github.com/clusterd/backend/internal/domain"
)

// AgentChannel delivers commands to hosts. A returned error means the
// command could not be handed over and is treated as a failure.
type AgentChannel interface {
	Dispatch(ctx context.Context, cmd *domain.ExecutionCommand) error
	Cancel(ctx context.Context, host string, taskID int64, reason string) error
}

// ReportSink receives asynchronous command reports.
type ReportSink interface {
	ProcessReports(ctx context.Context, host string, reports []domain.CommandReport) error
}

// HostFilter decides which host components may receive operations.
type HostFilter interface {
	Eligible(ctx context.Context, components []domain.HostComponent) ([]domain.HostComponent, error)
}

// KDCCredential is the administrator identity used against the KDC.
type KDCCredential struct {
	Principal string `json:"principal"`
	Password  string `json:"password"`
}

// KDCClient manages principals and keytabs on the key distribution center.
type KDCClient interface {
	PrincipalExists(ctx context.Context, cred KDCCredential, principal string) (bool, error)
	CreatePrincipal(ctx context.Context, cred KDCCredential, principal string) error
	DeletePrincipal(ctx context.Context, cred KDCCredential, principal string) error
	ExportKeytab(ctx context.Context, cred KDCCredential, principal string) ([]byte, error)
}

// KeytabStore keeps exported keytabs until hosts fetch them.
type KeytabStore interface {
	Put(principal string, data []byte) error
	Get(principal string) ([]byte, error)
	Delete(principal string) error
}
