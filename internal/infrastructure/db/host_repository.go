package db

import (
	"context"
	"errors"
	"time"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/domain"
	"github.com/clusterd/backend/internal/infrastructure/logger"
	"gorm.io/gorm"
)

type hostRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewHostRepository(db *gorm.DB, log *logger.Logger) ports.HostRepository {
	return &hostRepository{db: db, log: log}
}

func (r *hostRepository) Create(ctx context.Context, host *domain.Host) error {
	if err := r.db.WithContext(ctx).Create(host).Error; err != nil {
		r.log.Errorw("host_repo_create_failed", "name", host.Name, "error", err)
		return err
	}
	r.log.Infow("host_repo_create_ok", "id", host.ID, "name", host.Name)
	return nil
}

func (r *hostRepository) GetByName(ctx context.Context, name string) (*domain.Host, error) {
	var host domain.Host
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&host).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ports.ErrNotFound
		}
		r.log.Errorw("host_repo_get_by_name_failed", "name", name, "error", err)
		return nil, err
	}
	return &host, nil
}

func (r *hostRepository) GetAll(ctx context.Context) ([]domain.Host, error) {
	var hosts []domain.Host
	if err := r.db.WithContext(ctx).Order("name").Find(&hosts).Error; err != nil {
		r.log.Errorw("host_repo_list_failed", "error", err)
		return nil, err
	}
	return hosts, nil
}

func (r *hostRepository) Update(ctx context.Context, host *domain.Host) error {
	if err := r.db.WithContext(ctx).Save(host).Error; err != nil {
		r.log.Errorw("host_repo_update_failed", "id", host.ID, "error", err)
		return err
	}
	return nil
}

func (r *hostRepository) UpdateState(ctx context.Context, name string, state domain.HostState) error {
	res := r.db.WithContext(ctx).Model(&domain.Host{}).Where("name = ?", name).Update("state", state)
	if res.Error != nil {
		r.log.Errorw("host_repo_update_state_failed", "name", name, "state", state, "error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ports.ErrNotFound
	}
	r.log.Infow("host_repo_update_state_ok", "name", name, "state", state)
	return nil
}

func (r *hostRepository) ListStale(ctx context.Context, cutoff time.Time) ([]domain.Host, error) {
	var hosts []domain.Host
	err := r.db.WithContext(ctx).
		Where("state = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)", domain.HostStateHealthy, cutoff).
		Order("name").
		Find(&hosts).Error
	if err != nil {
		r.log.Errorw("host_repo_list_stale_failed", "error", err)
		return nil, err
	}
	return hosts, nil
}
