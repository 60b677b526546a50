package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/taskqueue-go/core/internal/api/handlers"
	apiMiddleware "github.com/taskqueue-go/core/internal/api/middleware"
	"github.com/taskqueue-go/core/internal/api/websocket"
	"github.com/taskqueue-go/core/internal/broker"
	"github.com/taskqueue-go/core/internal/config"
	"github.com/taskqueue-go/core/internal/deadletter"
	"github.com/taskqueue-go/core/internal/delayed"
	"github.com/taskqueue-go/core/internal/metricsstore"
	"github.com/taskqueue-go/core/internal/registry"
	"github.com/taskqueue-go/core/internal/resultbackend"
	"github.com/taskqueue-go/core/internal/revocation"
	"github.com/taskqueue-go/core/internal/signalbus"
)

// Server represents the HTTP server
type Server struct {
	router       *chi.Mux
	config       *config.Config
	taskHandler  *handlers.TaskHandler
	adminHandler *handlers.AdminHandler
	wsHub        *websocket.Hub
	wsHandler    *websocket.Handler
	bus          signalbus.Bus
}

// Deps collects every component the API surface is built over.
type Deps struct {
	RedisClient *redis.Client
	Registry    *registry.Registry
	Broker      broker.Broker
	Results     resultbackend.Backend
	Delayed     delayed.Store
	DeadLetters deadletter.Store
	Revocation  *revocation.Manager
	Metrics     metricsstore.Store
	Signals     signalbus.Bus
	Queues      []string
}

// NewServer creates a new HTTP server wired over deps.
func NewServer(cfg *config.Config, deps Deps) *Server {
	wsHub := websocket.NewHub(deps.Signals)

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		taskHandler: handlers.NewTaskHandler(
			deps.Registry, deps.Broker, deps.Results, deps.Delayed, deps.Revocation,
			cfg.Queue.MaxQueueSize, deps.Queues,
		),
		adminHandler: handlers.NewAdminHandler(
			deps.RedisClient, deps.Broker, deps.DeadLetters, deps.Metrics, deps.Queues,
		),
		wsHub:     wsHub,
		wsHandler: websocket.NewHandler(wsHub),
		bus:       deps.Signals,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(middleware.Logger)

	// Recoverer
	s.router.Use(middleware.Recoverer)

	// Heartbeat endpoint for load balancers
	s.router.Use(middleware.Heartbeat("/health"))
}

func (s *Server) setupRoutes() {
	// API v1 routes
	s.router.Route("/api/v1", func(r chi.Router) {
		// Content type for API routes
		r.Use(middleware.AllowContentType("application/json"))

		// Rate limiting for API routes
		if s.config.Queue.RateLimitRPS > 0 {
			r.Use(apiMiddleware.ClientRateLimit(s.config.Queue.RateLimitRPS))
		}

		// Task routes
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.taskHandler.Create)
			r.Get("/{taskID}", s.taskHandler.Get)
			r.Delete("/{taskID}", s.taskHandler.Cancel)
			r.Get("/", s.taskHandler.List)
		})
	})

	// Admin routes
	s.router.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))

		r.Get("/health", s.adminHandler.HealthCheck)

		// Worker management
		r.Get("/workers", s.adminHandler.ListWorkers)
		r.Get("/workers/{workerID}", s.adminHandler.GetWorker)
		r.Post("/workers/{workerID}/pause", s.adminHandler.PauseWorker)
		r.Post("/workers/{workerID}/resume", s.adminHandler.ResumeWorker)

		// Queue management
		r.Get("/queues", s.adminHandler.GetQueues)
		r.Delete("/queues/{queue}", s.adminHandler.PurgeQueue)

		// DLQ management
		r.Get("/dlq", s.adminHandler.ListDLQ)
		r.Post("/dlq/retry", s.adminHandler.RetryDLQ)
		r.Delete("/dlq", s.adminHandler.ClearDLQ)

		// Historical metrics (C18)
		r.Get("/metrics/summary", s.adminHandler.GetMetrics)
		r.Get("/metrics/tasks/{taskName}", s.adminHandler.GetTaskMetrics)
		r.Get("/metrics/timeseries", s.adminHandler.GetTimeSeries)
	})

	// WebSocket endpoint
	s.router.Get("/ws", s.wsHandler.ServeWS)

	// Metrics endpoint
	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
}

// Start starts the WebSocket hub
func (s *Server) Start(ctx context.Context) {
	go s.wsHub.Run(ctx)
}

// Stop stops the WebSocket hub
func (s *Server) Stop() {
	s.wsHub.Stop()
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Signals returns the signal bus backing the WebSocket hub.
func (s *Server) Signals() signalbus.Bus {
	return s.bus
}
