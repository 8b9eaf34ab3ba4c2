package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edvin/fleet/internal/alert"
	"github.com/edvin/fleet/internal/api/handler"
	mw "github.com/edvin/fleet/internal/api/middleware"
	"github.com/edvin/fleet/internal/config"
	"github.com/edvin/fleet/internal/core"
)

type Server struct {
	router   chi.Router
	logger   zerolog.Logger
	services *core.Services
	pool     *pgxpool.Pool
	notifier alert.Notifier
	cfg      *config.Config
}

func NewServer(logger zerolog.Logger, pool *pgxpool.Pool, notifier alert.Notifier, cfg *config.Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		logger:   logger,
		services: core.NewServices(pool),
		pool:     pool,
		notifier: notifier,
		cfg:      cfg,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint
	s.router.Handle("/metrics", promhttp.Handler())

	// Health check endpoints
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	// Operator API
	s.router.Route("/api/v1", func(r chi.Router) {
		// Nodes
		node := handler.NewNode(s.services.Node)
		r.Get("/nodes", node.List)
		r.Get("/nodes/{id}", node.Get)
		r.Delete("/nodes/{id}", node.Delete)
		r.Get("/nodes/{id}/events", node.ListEvents)

		// Groups
		group := handler.NewGroup(s.services.Group)
		r.Get("/groups", group.List)
		r.Post("/groups", group.Create)
		r.Get("/groups/{id}", group.Get)
		r.Delete("/groups/{id}", group.Delete)
		r.Put("/groups/{id}/members", group.SetMembers)
		r.Get("/groups/{id}/members", group.ListMembers)

		// Jobs
		job := handler.NewJob(s.services.Job, s.services.Progress)
		r.Get("/jobs", job.List)
		r.Post("/jobs", job.Create)
		r.Get("/jobs/{id}", job.Get)
		r.Post("/jobs/{id}/cancel", job.Cancel)
		r.Get("/jobs/{id}/instances", job.ListInstances)

		// Deployments
		deployment := handler.NewDeployment(s.services.Deployment, s.services.Progress)
		r.Get("/deployments", deployment.List)
		r.Post("/deployments", deployment.Create)
		r.Get("/deployments/{id}", deployment.Get)
		r.Post("/deployments/{id}/cancel", deployment.Cancel)
		r.Post("/deployments/{id}/pause", deployment.Pause)
		r.Post("/deployments/{id}/resume", deployment.Resume)
		r.Get("/deployments/{id}/statuses", deployment.ListStatuses)

		// Maintenance windows
		window := handler.NewMaintenanceWindow(s.services.MaintenanceWindow)
		r.Get("/maintenance-windows", window.List)
		r.Post("/maintenance-windows", window.Create)
		r.Get("/maintenance-windows/{id}", window.Get)
		r.Delete("/maintenance-windows/{id}", window.Delete)
	})

	// Agent API. Agents poll; the control plane never dials out to them.
	s.router.Route("/agent/v1", func(r chi.Router) {
		agent := handler.NewAgent(s.services.Node, s.services.Agent, s.notifier, s.logger)
		r.Post("/nodes/{nodeID}/checkin", agent.CheckIn)
		r.Get("/nodes/{nodeID}/jobs/pending", agent.PendingJobs)
		r.Post("/nodes/{nodeID}/jobs/result", agent.JobResult)
		r.Get("/nodes/{nodeID}/deployments/pending", agent.PendingDeployments)
		r.Post("/nodes/{nodeID}/deployments/status", agent.DeploymentStatus)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := s.pool.Ping(ctx); err != nil {
		checks["db"] = err.Error()
		healthy = false
	} else {
		checks["db"] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(checks)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
