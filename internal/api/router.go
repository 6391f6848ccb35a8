package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskrunner/internal/core"
	"taskrunner/internal/service"
)

// EventSource streams lifecycle events to websocket clients.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan core.Event, error)
}

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Options configures the HTTP API server.
type Options struct {
	Addr      string
	AuthToken string
	// MCP is mounted at /mcp when set.
	MCP         http.Handler
	Events      EventSource
	Health      HealthChecker
	MachineName string
	Running     func() []string
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	svc        *service.Service
	opts       Options
	logger     *slog.Logger
}

// NewServer constructs the HTTP API server.
func NewServer(svc *service.Service, opts Options, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(RequestLogger(logger))
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		svc:    svc,
		opts:   opts,
		logger: logger,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		// Log follow and the event stream hold responses open.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	if s.opts.MCP != nil {
		s.router.Handle("/mcp", AuthMiddleware(s.opts.AuthToken)(s.opts.MCP))
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(s.opts.AuthToken))

		r.Post("/cron/preview", s.handleCronPreview)
		r.Get("/task-types", s.handleTaskTypes)
		r.Get("/events", s.handleEvents)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/enable", s.handleSetEnabled(true))
				r.Post("/disable", s.handleSetEnabled(false))
				r.Post("/run", s.handleRunTask)
				r.Post("/stop", s.handleStopTask)
				r.Get("/runs", s.handleListRuns)
			})
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/{runID}", s.handleGetRun)
			r.Get("/{runID}/log", s.handleRunLog)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"machine": s.opts.MachineName,
	}
	if s.opts.Running != nil {
		resp["running"] = s.opts.Running()
	}
	if s.opts.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Health.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "err", err)
			resp["status"] = "degraded"
			resp["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
