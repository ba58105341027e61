package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/domain"
	"github.com/clusterd/backend/internal/infrastructure/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type actionDBAccessor struct {
	db  *gorm.DB
	log *logger.Logger
	now func() time.Time
}

func NewActionDBAccessor(db *gorm.DB, log *logger.Logger) ports.ActionDBAccessor {
	return &actionDBAccessor{db: db, log: log, now: time.Now}
}

var commandIdentity = []clause.Column{
	{Name: "request_id"},
	{Name: "stage_id"},
	{Name: "host_name"},
	{Name: "role"},
}

func (r *actionDBAccessor) NextRequestID(ctx context.Context) (int64, error) {
	var id int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Sequence{}).
			Where("name = ?", domain.SequenceRequestID).
			UpdateColumn("value", gorm.Expr("value + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("sequence %s is not initialized", domain.SequenceRequestID)
		}
		var seq domain.Sequence
		if err := tx.Where("name = ?", domain.SequenceRequestID).First(&seq).Error; err != nil {
			return err
		}
		id = seq.Value
		return nil
	})
	if err != nil {
		r.log.Errorw("action_db_next_request_id_failed", "error", err)
		return 0, err
	}
	return id, nil
}

func (r *actionDBAccessor) PersistRequest(ctx context.Context, req *domain.Request, stages []*domain.Stage) error {
	req.StageCount = len(stages)
	if req.Status == "" {
		req.Status = domain.StatusPending
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(req).Error; err != nil {
			return err
		}
		for _, stage := range stages {
			if stage.RequestID != req.ID {
				return fmt.Errorf("stage %d belongs to request %d, not %d", stage.StageID, stage.RequestID, req.ID)
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(stage).Error; err != nil {
				return err
			}
			if len(stage.SuccessCriteria) > 0 {
				if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&stage.SuccessCriteria).Error; err != nil {
					return err
				}
			}
			if len(stage.Commands) > 0 {
				if err := tx.Clauses(clause.OnConflict{Columns: commandIdentity, DoNothing: true}).Create(&stage.Commands).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		r.log.Errorw("action_db_persist_request_failed", "request_id", req.ID, "stages", len(stages), "error", err)
		return err
	}
	r.log.Infow("action_db_persist_request_ok", "request_id", req.ID, "stages", len(stages))
	return nil
}

func (r *actionDBAccessor) GetRequest(ctx context.Context, id int64) (*domain.Request, error) {
	var req domain.Request
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&req).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ports.ErrNotFound
		}
		r.log.Errorw("action_db_get_request_failed", "request_id", id, "error", err)
		return nil, err
	}
	return &req, nil
}

func (r *actionDBAccessor) ListRequests(ctx context.Context, limit int) ([]domain.Request, error) {
	var requests []domain.Request
	q := r.db.WithContext(ctx).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&requests).Error; err != nil {
		r.log.Errorw("action_db_list_requests_failed", "error", err)
		return nil, err
	}
	return requests, nil
}

func (r *actionDBAccessor) PendingRequests(ctx context.Context) ([]domain.Request, error) {
	var requests []domain.Request
	err := r.db.WithContext(ctx).
		Where("status IN ?", domain.NonTerminalStatuses()).
		Order("id").
		Find(&requests).Error
	if err != nil {
		r.log.Errorw("action_db_pending_requests_failed", "error", err)
		return nil, err
	}
	return requests, nil
}

func (r *actionDBAccessor) GetStages(ctx context.Context, requestID int64) ([]*domain.Stage, error) {
	tx := r.db.WithContext(ctx)

	var stages []*domain.Stage
	if err := tx.Where("request_id = ?", requestID).Order("stage_id").Find(&stages).Error; err != nil {
		r.log.Errorw("action_db_get_stages_failed", "request_id", requestID, "error", err)
		return nil, err
	}
	if len(stages) == 0 {
		return stages, nil
	}

	var commands []*domain.HostRoleCommand
	if err := tx.Where("request_id = ?", requestID).Order("stage_id, task_id").Find(&commands).Error; err != nil {
		r.log.Errorw("action_db_get_commands_failed", "request_id", requestID, "error", err)
		return nil, err
	}
	var criteria []domain.RoleSuccessCriteria
	if err := tx.Where("request_id = ?", requestID).Order("stage_id, role").Find(&criteria).Error; err != nil {
		r.log.Errorw("action_db_get_criteria_failed", "request_id", requestID, "error", err)
		return nil, err
	}

	byID := make(map[int64]*domain.Stage, len(stages))
	for _, s := range stages {
		byID[s.StageID] = s
	}
	for _, c := range commands {
		if s := byID[c.StageID]; s != nil {
			s.Commands = append(s.Commands, c)
		}
	}
	for _, c := range criteria {
		if s := byID[c.StageID]; s != nil {
			s.SuccessCriteria = append(s.SuccessCriteria, c)
		}
	}
	return stages, nil
}

func (r *actionDBAccessor) GetStage(ctx context.Context, requestID, stageID int64) (*domain.Stage, error) {
	tx := r.db.WithContext(ctx)

	var stage domain.Stage
	if err := tx.Where("request_id = ? AND stage_id = ?", requestID, stageID).First(&stage).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ports.ErrNotFound
		}
		r.log.Errorw("action_db_get_stage_failed", "request_id", requestID, "stage_id", stageID, "error", err)
		return nil, err
	}
	if err := tx.Where("request_id = ? AND stage_id = ?", requestID, stageID).Order("task_id").Find(&stage.Commands).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("request_id = ? AND stage_id = ?", requestID, stageID).Order("role").Find(&stage.SuccessCriteria).Error; err != nil {
		return nil, err
	}
	return &stage, nil
}

func (r *actionDBAccessor) GetCommand(ctx context.Context, taskID int64) (*domain.HostRoleCommand, error) {
	var cmd domain.HostRoleCommand
	if err := r.db.WithContext(ctx).Where("task_id = ?", taskID).First(&cmd).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ports.ErrNotFound
		}
		r.log.Errorw("action_db_get_command_failed", "task_id", taskID, "error", err)
		return nil, err
	}
	return &cmd, nil
}

func (r *actionDBAccessor) InFlightCommands(ctx context.Context) ([]domain.HostRoleCommand, error) {
	var commands []domain.HostRoleCommand
	err := r.db.WithContext(ctx).
		Where("status IN ?", []domain.HostRoleStatus{domain.StatusQueued, domain.StatusInProgress}).
		Order("task_id").
		Find(&commands).Error
	if err != nil {
		r.log.Errorw("action_db_in_flight_failed", "error", err)
		return nil, err
	}
	return commands, nil
}

func (r *actionDBAccessor) TransitionCommand(ctx context.Context, taskID int64, from []domain.HostRoleStatus, update ports.CommandUpdate) (bool, error) {
	var allowed []domain.HostRoleStatus
	for _, s := range from {
		if domain.ValidateCommandTransition(s, update.Status) == nil {
			allowed = append(allowed, s)
		}
	}
	if len(allowed) == 0 {
		return false, fmt.Errorf("%w: no valid source for %s", domain.ErrInvalidTransition, update.Status)
	}

	values := map[string]interface{}{
		"status":     update.Status,
		"updated_at": r.now(),
	}
	if update.ClearTimes {
		values["start_time"] = nil
		values["end_time"] = nil
		values["exit_code"] = nil
	}
	if update.ExitCode != nil {
		values["exit_code"] = *update.ExitCode
	}
	if update.Stdout != "" {
		values["stdout"] = update.Stdout
	}
	if update.Stderr != "" {
		values["stderr"] = update.Stderr
	}
	if update.StructuredOut != "" {
		values["structured_out"] = update.StructuredOut
	}
	if update.StartTime != nil {
		values["start_time"] = *update.StartTime
	}
	if update.EndTime != nil {
		values["end_time"] = *update.EndTime
	}
	if update.IncrementAttempt {
		values["attempts"] = gorm.Expr("attempts + 1")
	}

	res := r.db.WithContext(ctx).
		Model(&domain.HostRoleCommand{}).
		Where("task_id = ? AND status IN ?", taskID, allowed).
		Updates(values)
	if res.Error != nil {
		r.log.Errorw("action_db_transition_failed", "task_id", taskID, "status", update.Status, "error", res.Error)
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *actionDBAccessor) AbortCommands(ctx context.Context, requestID, fromStageID int64, reason string) ([]domain.HostRoleCommand, error) {
	var aborted []domain.HostRoleCommand
	now := r.now()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []domain.HostRoleCommand
		err := tx.Where("request_id = ? AND stage_id >= ? AND status IN ?", requestID, fromStageID, domain.NonTerminalStatuses()).
			Order("stage_id, task_id").
			Find(&candidates).Error
		if err != nil {
			return err
		}
		for _, c := range candidates {
			res := tx.Model(&domain.HostRoleCommand{}).
				Where("task_id = ? AND status IN ?", c.TaskID, domain.NonTerminalStatuses()).
				Updates(map[string]interface{}{
					"status":     domain.StatusAborted,
					"end_time":   now,
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				aborted = append(aborted, c)
			}
		}
		return nil
	})
	if err != nil {
		r.log.Errorw("action_db_abort_failed", "request_id", requestID, "from_stage", fromStageID, "error", err)
		return nil, err
	}
	r.log.Infow("action_db_abort_ok", "request_id", requestID, "from_stage", fromStageID, "count", len(aborted), "reason", reason)
	return aborted, nil
}

func (r *actionDBAccessor) UpdateRequestStatus(ctx context.Context, id int64, status domain.HostRoleStatus, reason string) error {
	now := r.now()
	values := map[string]interface{}{
		"status":     status,
		"updated_at": now,
	}
	if status != domain.StatusPending {
		values["start_time"] = gorm.Expr("COALESCE(start_time, ?)", now)
	}
	if status.IsTerminal() {
		values["end_time"] = now
	}
	if reason != "" {
		values["abort_reason"] = reason
	}
	res := r.db.WithContext(ctx).Model(&domain.Request{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		r.log.Errorw("action_db_update_request_failed", "request_id", id, "status", status, "error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ports.ErrNotFound
	}
	return nil
}
