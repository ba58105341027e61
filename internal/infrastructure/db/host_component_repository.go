package db

import (
	"context"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/domain"
	"github.com/clusterd/backend/internal/infrastructure/logger"
	"gorm.io/gorm"
)

type hostComponentRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewHostComponentRepository(db *gorm.DB, log *logger.Logger) ports.HostComponentRepository {
	return &hostComponentRepository{db: db, log: log}
}

func (r *hostComponentRepository) Create(ctx context.Context, hc *domain.HostComponent) error {
	if hc.Maintenance == "" {
		hc.Maintenance = domain.MaintenanceOff
	}
	if err := r.db.WithContext(ctx).Create(hc).Error; err != nil {
		r.log.Errorw("host_component_repo_create_failed",
			"cluster", hc.ClusterName, "component", hc.Component, "host", hc.HostName, "error", err)
		return err
	}
	r.log.Infow("host_component_repo_create_ok", "id", hc.ID, "component", hc.Component, "host", hc.HostName)
	return nil
}

func (r *hostComponentRepository) GetByService(ctx context.Context, cluster, service string) ([]domain.HostComponent, error) {
	var components []domain.HostComponent
	err := r.db.WithContext(ctx).
		Where("cluster_name = ? AND service = ?", cluster, service).
		Order("component, host_name").
		Find(&components).Error
	if err != nil {
		r.log.Errorw("host_component_repo_get_by_service_failed", "cluster", cluster, "service", service, "error", err)
		return nil, err
	}
	return components, nil
}

func (r *hostComponentRepository) GetByCluster(ctx context.Context, cluster string) ([]domain.HostComponent, error) {
	var components []domain.HostComponent
	err := r.db.WithContext(ctx).
		Where("cluster_name = ?", cluster).
		Order("service, component, host_name").
		Find(&components).Error
	if err != nil {
		r.log.Errorw("host_component_repo_get_by_cluster_failed", "cluster", cluster, "error", err)
		return nil, err
	}
	return components, nil
}

func (r *hostComponentRepository) UpdateMaintenance(ctx context.Context, cluster string, component domain.Role, host string, state domain.MaintenanceState) error {
	res := r.db.WithContext(ctx).Model(&domain.HostComponent{}).
		Where("cluster_name = ? AND component = ? AND host_name = ?", cluster, component, host).
		Update("maintenance", state)
	if res.Error != nil {
		r.log.Errorw("host_component_repo_update_maintenance_failed",
			"cluster", cluster, "component", component, "host", host, "error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ports.ErrNotFound
	}
	r.log.Infow("host_component_repo_update_maintenance_ok", "component", component, "host", host, "state", state)
	return nil
}
