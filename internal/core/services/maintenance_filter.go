package services

import (
	"context"
	"errors"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/domain"
	"github.com/clusterd/backend/internal/infrastructure/logger"
)

const settingTypeMaintenance = "maintenance"

func serviceMaintenanceKey(cluster, service string) string {
	return "maintenance/" + cluster + "/" + service
}

type maintenanceFilter struct {
	hosts    ports.HostRepository
	settings ports.SystemSettingRepository
	logger   *logger.Logger
}

// NewMaintenanceFilter keeps host components whose effective maintenance
// state is OFF and whose host is healthy.
func NewMaintenanceFilter(hosts ports.HostRepository, settings ports.SystemSettingRepository, log *logger.Logger) ports.HostFilter {
	if log == nil {
		log = logger.NewNop()
	}
	return &maintenanceFilter{hosts: hosts, settings: settings, logger: log}
}

func (f *maintenanceFilter) Eligible(ctx context.Context, components []domain.HostComponent) ([]domain.HostComponent, error) {
	hosts := make(map[string]*domain.Host)
	services := make(map[string]domain.MaintenanceState)

	var eligible []domain.HostComponent
	for _, hc := range components {
		host, ok := hosts[hc.HostName]
		if !ok {
			h, err := f.hosts.GetByName(ctx, hc.HostName)
			if err != nil && !errors.Is(err, ports.ErrNotFound) {
				return nil, err
			}
			host = h
			hosts[hc.HostName] = h
		}
		if host == nil || host.State != domain.HostStateHealthy {
			continue
		}

		svcKey := hc.ClusterName + "/" + hc.Service
		svcState, ok := services[svcKey]
		if !ok {
			s, err := serviceMaintenance(ctx, f.settings, hc.ClusterName, hc.Service)
			if err != nil {
				return nil, err
			}
			svcState = s
			services[svcKey] = s
		}

		effective := domain.EffectiveMaintenance(host.Maintenance, svcState, hc.Maintenance)
		if effective.Active() {
			f.logger.Debugw("maintenance_filter_excluded", "host", hc.HostName, "component", hc.Component, "state", effective)
			continue
		}
		eligible = append(eligible, hc)
	}
	return eligible, nil
}

func serviceMaintenance(ctx context.Context, settings ports.SystemSettingRepository, cluster, service string) (domain.MaintenanceState, error) {
	setting, err := settings.Get(ctx, serviceMaintenanceKey(cluster, service))
	if err != nil {
		return "", err
	}
	if setting == nil {
		return domain.MaintenanceOff, nil
	}
	return domain.MaintenanceState(setting.Value), nil
}
