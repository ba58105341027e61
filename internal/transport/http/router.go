package http

import (
	"time"

	"github.com/clusterd/backend/internal/app"
	"github.com/clusterd/backend/internal/config"
	"github.com/clusterd/backend/internal/infrastructure/logger"
	"github.com/clusterd/backend/internal/transport/http/handlers"
	httpmw "github.com/clusterd/backend/internal/transport/http/middleware"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterConfig struct {
	Config    *config.Config
	Logger    *logger.Logger
	Container *app.Container
	// Gatherer backs /metrics. Nil leaves the endpoint unregistered.
	Gatherer prometheus.Gatherer
	// StreamInterval is the push period of /ws/requests/:id.
	StreamInterval time.Duration
}

func SetupRoutes(a *fiber.App, cfg RouterConfig) {
	c := cfg.Container

	requestHandler := handlers.NewRequestHandler(c.Requests, cfg.Logger)
	clusterHandler := handlers.NewClusterHandler(handlers.ClusterHandlerConfig{
		Commands:        c.Commands,
		Kerberos:        c.Kerberos,
		KerberosActions: c.KerberosActions,
		Hosts:           c.Hosts,
		Logger:          cfg.Logger,
	})
	hostHandler := handlers.NewHostHandler(c.Hosts, cfg.Logger)
	agentHandler := handlers.NewAgentHandler(c.Hosts, c.KerberosActions, cfg.Logger)
	timelineHandler := handlers.NewTimelineHandler(c.Timeline, cfg.Logger)
	streamHandler := handlers.NewRequestStreamHandler(c.Requests, cfg.Logger, cfg.StreamInterval)

	if cfg.Gatherer != nil {
		a.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	// Request progress stream
	a.Use("/ws", httpmw.AdminAuth(cfg.Config), func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})
	a.Get("/ws/requests/:id", websocket.New(streamHandler.Handle))

	api := a.Group("/api/v1")

	requests := api.Group("/requests", httpmw.AdminAuth(cfg.Config))
	requests.Get("/", requestHandler.ListRequests)
	requests.Get("/:id", requestHandler.GetRequest)
	requests.Get("/:id/stages/:stage/tasks", requestHandler.GetStageTasks)
	requests.Post("/:id/abort", requestHandler.Abort)
	requests.Post("/:id/retry", requestHandler.Retry)

	tasks := api.Group("/tasks", httpmw.AdminAuth(cfg.Config))
	tasks.Post("/:id/resolve", requestHandler.ResolveTask)

	clusters := api.Group("/clusters/:cluster", httpmw.AdminAuth(cfg.Config))
	clusters.Post("/services/:service/commands", clusterHandler.ExecuteServiceCommand)
	clusters.Post("/services/:service/maintenance", clusterHandler.SetServiceMaintenance)
	clusters.Get("/host_components", clusterHandler.ListHostComponents)
	clusters.Post("/host_components", clusterHandler.AddHostComponent)
	clusters.Post("/host_components/maintenance", clusterHandler.SetComponentMaintenance)
	clusters.Get("/kerberos", clusterHandler.GetSecurityType)
	clusters.Post("/kerberos", clusterHandler.ToggleKerberos)

	hosts := api.Group("/hosts", httpmw.AdminAuth(cfg.Config))
	hosts.Get("/", hostHandler.ListHosts)
	hosts.Post("/:host/maintenance", hostHandler.SetMaintenance)

	timeline := api.Group("/timeline", httpmw.AdminAuth(cfg.Config))
	timeline.Get("/", timelineHandler.GetEvents)

	// Agent routes
	agent := api.Group("/agent", httpmw.AgentAuth(cfg.Config))
	agent.Post("/register", agentHandler.Register)
	agent.Post("/heartbeat", agentHandler.Heartbeat)
	agent.Get("/keytabs", agentHandler.GetKeytab)
}
