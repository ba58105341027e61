package services

import (
	"context"
	"time"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/infrastructure/logger"
	"github.com/robfig/cron/v3"
)

type HousekeeperConfig struct {
	Hosts    *HostService
	Timeline ports.TimelineRepository
	Logger   *logger.Logger

	// HeartbeatSchedule and CleanupSchedule are cron specs, e.g. "@every 30s".
	HeartbeatSchedule string
	CleanupSchedule   string
	TimelineRetention time.Duration
}

// Housekeeper runs periodic maintenance: lost host detection and timeline
// retention.
type Housekeeper struct {
	cron      *cron.Cron
	hosts     *HostService
	timeline  ports.TimelineRepository
	logger    *logger.Logger
	retention time.Duration
}

func NewHousekeeper(cfg HousekeeperConfig) (*Housekeeper, error) {
	h := &Housekeeper{
		cron:      cron.New(),
		hosts:     cfg.Hosts,
		timeline:  cfg.Timeline,
		logger:    cfg.Logger,
		retention: cfg.TimelineRetention,
	}
	if h.logger == nil {
		h.logger = logger.NewNop()
	}
	if cfg.HeartbeatSchedule != "" {
		if _, err := h.cron.AddFunc(cfg.HeartbeatSchedule, func() { h.markLostHosts(context.Background()) }); err != nil {
			return nil, err
		}
	}
	if cfg.CleanupSchedule != "" && h.retention > 0 {
		if _, err := h.cron.AddFunc(cfg.CleanupSchedule, func() { h.purgeTimeline(context.Background()) }); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *Housekeeper) Start() {
	h.cron.Start()
	h.logger.Infow("housekeeping_started", "jobs", len(h.cron.Entries()))
}

// Stop waits for running jobs or until ctx is done.
func (h *Housekeeper) Stop(ctx context.Context) {
	select {
	case <-h.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce runs every job immediately.
func (h *Housekeeper) RunOnce(ctx context.Context) {
	h.markLostHosts(ctx)
	if h.retention > 0 {
		h.purgeTimeline(ctx)
	}
}

func (h *Housekeeper) markLostHosts(ctx context.Context) {
	if h.hosts == nil {
		return
	}
	n, err := h.hosts.MarkLostHosts(ctx)
	if err != nil {
		h.logger.Errorw("housekeeping_mark_lost_failed", "error", err)
		return
	}
	if n > 0 {
		h.logger.Warnw("housekeeping_hosts_lost", "count", n)
	}
}

func (h *Housekeeper) purgeTimeline(ctx context.Context) {
	if h.timeline == nil {
		return
	}
	n, err := h.timeline.CleanupOld(ctx, h.retention)
	if err != nil {
		h.logger.Errorw("housekeeping_timeline_cleanup_failed", "error", err)
		return
	}
	if n > 0 {
		h.logger.Infow("housekeeping_timeline_cleanup_ok", "deleted", n, "retention", h.retention)
	}
}
