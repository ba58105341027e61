// Package app assembles the orchestrator from configuration: repositories,
// the role graph, the action scheduler with its agent and server-action
// channels, the request facing services and the background housekeeper.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/clusterd/backend/internal/config"
	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/core/rolegraph"
	"github.com/clusterd/backend/internal/core/roleorder"
	"github.com/clusterd/backend/internal/core/scheduler"
	"github.com/clusterd/backend/internal/core/serveraction"
	"github.com/clusterd/backend/internal/core/services"
	"github.com/clusterd/backend/internal/infrastructure/db"
	"github.com/clusterd/backend/internal/infrastructure/keytab"
	"github.com/clusterd/backend/internal/infrastructure/logger"
	"github.com/clusterd/backend/internal/infrastructure/remote"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

type Options struct {
	Config *config.Config
	DB     *gorm.DB
	Logger *logger.Logger
	// Registerer receives the scheduler metrics. Nil disables them.
	Registerer prometheus.Registerer
	// KDC overrides the SSH backed kadmin client.
	KDC ports.KDCClient
}

// Container holds every long lived component of a running server.
type Container struct {
	Timeline        ports.TimelineRepository
	Scheduler       *scheduler.ActionScheduler
	Executor        *serveraction.Executor
	Requests        *services.RequestService
	Commands        *services.CustomCommandService
	Kerberos        *services.KerberosService
	KerberosActions *services.KerberosActions
	Hosts           *services.HostService
	Housekeeper     *services.Housekeeper

	log    *logger.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func Build(opts Options) (*Container, error) {
	cfg, log := opts.Config, opts.Logger
	if log == nil {
		log = logger.NewNop()
	}

	order, err := loadRoleOrder(cfg.RoleOrder)
	if err != nil {
		return nil, fmt.Errorf("load role command order: %w", err)
	}
	log.Infow("role_order_loaded", "dependencies", order.Len(), "sections", order.Sections())

	accessor := db.NewActionDBAccessor(opts.DB, log)
	hostRepo := db.NewHostRepository(opts.DB, log)
	componentRepo := db.NewHostComponentRepository(opts.DB, log)
	settingRepo := db.NewSystemSettingRepository(opts.DB, log)
	timelineRepo := db.NewTimelineRepository(opts.DB, log)

	var metrics *scheduler.Metrics
	if opts.Registerer != nil {
		metrics = scheduler.NewMetrics(opts.Registerer)
	}

	recorder := services.NewTimelineRecorder(timelineRepo, log.Named("timeline"))
	sched := scheduler.New(scheduler.Config{
		Accessor:            accessor,
		Logger:              log.Named("scheduler"),
		Metrics:             metrics,
		Observer:            recorder,
		MaxCommandsPerHost:  cfg.Scheduler.MaxCommandsPerHost,
		TickInterval:        cfg.Scheduler.TickInterval,
		DispatchConcurrency: cfg.Scheduler.DispatchConcurrency,
	})

	executor := serveraction.NewExecutor(serveraction.ExecutorConfig{
		Logger:         log.Named("serveraction"),
		Sink:           sched,
		DefaultTimeout: cfg.Kerberos.ActionTimeout,
	})
	queue := services.NewAgentCommandQueue(hostRepo, log.Named("agent_queue"))
	sched.SetChannel(services.NewCommandRouter(queue, executor, cfg.Scheduler.ServerHostName))

	filter := services.NewMaintenanceFilter(hostRepo, settingRepo, log)
	credentials := services.NewCredentialStore(settingRepo, cfg.Security.EncryptionKey, log)

	requests := services.NewRequestService(services.RequestServiceConfig{
		Accessor:   accessor,
		Graph:      rolegraph.New(order),
		Factory:    services.NewStageFactory(cfg.Scheduler.DefaultCommandTimeout),
		Controller: sched,
		Timeline:   recorder,
		Logger:     log.Named("requests"),
	})

	hosts := services.NewHostService(services.HostServiceConfig{
		Hosts:      hostRepo,
		Components: componentRepo,
		Settings:   settingRepo,
		Queue:      queue,
		Reports:    sched,
		Timeline:   recorder,
		Logger:     log.Named("hosts"),
		LostAfter:  cfg.Heartbeat.LostAfter,
	})

	keytabs, err := newKeytabStore(cfg.Kerberos.KeytabDir)
	if err != nil {
		return nil, fmt.Errorf("open keytab store: %w", err)
	}
	kdc := opts.KDC
	if kdc == nil {
		kdc = remote.NewKadminClient(remote.KadminConfig{
			SSH: remote.SSHConfig{
				Host:       cfg.Kerberos.KDC.Host,
				Port:       cfg.Kerberos.KDC.Port,
				User:       cfg.Kerberos.KDC.User,
				Password:   cfg.Kerberos.KDC.Password,
				PrivateKey: cfg.Kerberos.KDC.PrivateKey,
				Timeout:    cfg.Kerberos.KDC.Timeout,
			},
			KadminPath: cfg.Kerberos.KDC.KadminPath,
		}, log.Named("kadmin"))
	}
	actions := services.NewKerberosActions(services.KerberosActionsConfig{
		KDC:         kdc,
		Keytabs:     keytabs,
		Credentials: credentials,
		Settings:    settingRepo,
		Timeline:    recorder,
		Logger:      log.Named("kerberos_actions"),
		Concurrency: cfg.Kerberos.PrincipalConcurrency,
	})
	actions.Register(executor)

	housekeeper, err := services.NewHousekeeper(services.HousekeeperConfig{
		Hosts:             hosts,
		Timeline:          timelineRepo,
		Logger:            log.Named("housekeeping"),
		HeartbeatSchedule: cfg.Heartbeat.CheckSchedule,
		CleanupSchedule:   cfg.Housekeeping.Schedule,
		TimelineRetention: cfg.Housekeeping.TimelineRetention,
	})
	if err != nil {
		executor.Close()
		return nil, fmt.Errorf("schedule housekeeping: %w", err)
	}

	return &Container{
		Timeline:  timelineRepo,
		Scheduler: sched,
		Executor:  executor,
		Requests:  requests,
		Commands: services.NewCustomCommandService(services.CustomCommandServiceConfig{
			Components: componentRepo,
			Filter:     filter,
			Requests:   requests,
			Logger:     log.Named("commands"),
		}),
		Kerberos: services.NewKerberosService(services.KerberosServiceConfig{
			Requests:      requests,
			Components:    componentRepo,
			Filter:        filter,
			Credentials:   credentials,
			Logger:        log.Named("kerberos"),
			ServerHost:    cfg.Scheduler.ServerHostName,
			DefaultRealm:  cfg.Kerberos.DefaultRealm,
			ActionTimeout: cfg.Kerberos.ActionTimeout,
		}),
		KerberosActions: actions,
		Hosts:           hosts,
		Housekeeper:     housekeeper,
		log:             log,
	}, nil
}

// Start recovers in-flight work and launches the scheduler loop and the
// housekeeping jobs.
func (c *Container) Start(ctx context.Context) error {
	if err := c.Scheduler.Recover(ctx); err != nil {
		return fmt.Errorf("recover scheduler state: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Scheduler.Run(runCtx); err != nil {
			c.log.Errorw("scheduler_exited", "error", err)
		}
	}()
	c.Housekeeper.Start()
	return nil
}

// Stop halts the scheduler, cancels running server actions and waits for
// background work until ctx expires.
func (c *Container) Stop(ctx context.Context) {
	if c.cancel != nil {
		c.cancel()
	}
	c.Housekeeper.Stop(ctx)
	c.Executor.Close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		c.Executor.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.log.Warnw("shutdown_wait_timed_out")
	}
}

func loadRoleOrder(cfg config.RoleOrderConfig) (*roleorder.Order, error) {
	if cfg.Path != "" {
		return roleorder.LoadFile(cfg.Path, cfg.Sections...)
	}
	return roleorder.Default(cfg.Sections...)
}

func newKeytabStore(dir string) (ports.KeytabStore, error) {
	if dir == "" {
		return keytab.NewMemoryStore(), nil
	}
	return keytab.NewFileStore(dir)
}
