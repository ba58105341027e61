package services

import (
	"fmt"
	"time"

	"github.com/clusterd/backend/internal/core/rolegraph"
	"github.com/clusterd/backend/internal/domain"
)

// StageBatchInput describes how a list of role graph batches becomes stages.
type StageBatchInput struct {
	RequestID      int64
	FirstStageID   int64
	ClusterName    string
	RequestContext string
	Batches        []rolegraph.Batch
	// SuccessFactors overrides the default of 1.0 per role.
	SuccessFactors map[domain.Role]float64
	Timeout        time.Duration
	Skippable      bool
	HoldOnFailure  bool
}

type StageFactory struct {
	defaultTimeout time.Duration
}

func NewStageFactory(defaultTimeout time.Duration) *StageFactory {
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Minute
	}
	return &StageFactory{defaultTimeout: defaultTimeout}
}

// Build turns each batch into one stage, numbered contiguously from
// FirstStageID. Batches without operations are skipped.
func (f *StageFactory) Build(in StageBatchInput) ([]*domain.Stage, error) {
	if in.FirstStageID < 1 {
		return nil, fmt.Errorf("%w: first stage id %d", ErrStageOrder, in.FirstStageID)
	}

	var stages []*domain.Stage
	next := in.FirstStageID
	for _, batch := range in.Batches {
		if len(batch.Operations) == 0 {
			continue
		}
		stage := domain.NewStage(in.RequestID, next, in.ClusterName, in.RequestContext)
		stage.Skippable = in.Skippable
		stage.HoldOnFailure = in.HoldOnFailure

		for _, op := range batch.Operations {
			cmd := &domain.HostRoleCommand{
				HostName:          op.Host,
				Role:              op.Role,
				RoleCommand:       op.Command,
				CustomCommandName: op.CustomCommandName,
				Service:           op.Service,
				CommandParams:     copyParams(op.Params),
				TimeoutSeconds:    domain.TimeoutSeconds(f.timeoutFor(op, in)),
			}
			if err := stage.AddCommand(cmd); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
			}
			if factor, ok := in.SuccessFactors[op.Role]; ok {
				stage.SetSuccessFactor(op.Role, factor)
			}
		}
		stages = append(stages, stage)
		next++
	}
	return stages, nil
}

func (f *StageFactory) timeoutFor(op rolegraph.Operation, in StageBatchInput) time.Duration {
	switch {
	case op.Timeout > 0:
		return op.Timeout
	case in.Timeout > 0:
		return in.Timeout
	default:
		return f.defaultTimeout
	}
}

func copyParams(p domain.JSONB) domain.JSONB {
	if p == nil {
		return nil
	}
	out := make(domain.JSONB, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
