package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"taskpanel/internal/engine"
	"taskpanel/internal/events"
	"taskpanel/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Services are the collaborators the HTTP surface drives.
type Services struct {
	Store         *store.Store
	Tasks         *engine.Tasks
	Subscriptions *engine.Subscriptions
	Dependencies  *engine.Dependencies
	Logs          *engine.LogFiles
	Bus           *events.Bus
	// MCP is mounted at /mcp when set.
	MCP http.Handler
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	svc        Services
	logger     *slog.Logger
	location   *time.Location
	authToken  string
}

// NewServer constructs the HTTP API server.
func NewServer(addr, authToken string, svc Services, logger *slog.Logger, location *time.Location) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		svc:       svc,
		logger:    logger,
		location:  location,
		authToken: authToken,
	}
	s.registerRoutes()

	// Requests derive from baseCtx, which Shutdown cancels so open event
	// streams return instead of holding the server for the whole grace period.
	baseCtx, cancel := context.WithCancel(context.Background())
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Event streams stay open, so writes are not bounded.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}
	s.httpServer.RegisterOnShutdown(cancel)
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

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("http server listening", "addr", l.Addr().String())
	return s.httpServer.Serve(l)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	auth := AuthMiddleware(s.authToken)

	if s.svc.MCP != nil {
		s.router.With(auth).Handle("/mcp", s.svc.MCP)
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(auth)

		r.Post("/cron/preview", s.handleCronPreview)
		r.Get("/events", s.handleEvents)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Delete("/", s.handleDeleteTasks)
			r.Put("/run", s.handleRunTasks)
			r.Put("/stop", s.handleStopTasks)
			r.Put("/enable", s.handleEnableTasks)
			r.Put("/disable", s.handleDisableTasks)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Put("/", s.handleUpdateTask)
				r.Get("/log", s.handleTaskLog)
				r.Get("/runs", s.handleListRuns("taskID"))
			})
		})

		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", s.handleListSubscriptions)
			r.Post("/", s.handleCreateSubscription)
			r.Delete("/", s.handleDeleteSubscriptions)
			r.Put("/run", s.handleRunSubscriptions)
			r.Put("/stop", s.handleStopSubscriptions)
			r.Put("/enable", s.handleEnableSubscriptions)
			r.Put("/disable", s.handleDisableSubscriptions)

			r.Route("/{subscriptionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSubscription)
				r.Put("/", s.handleUpdateSubscription)
				r.Get("/log", s.handleSubscriptionLog)
				r.Get("/runs", s.handleListRuns("subscriptionID"))
			})
		})

		r.Route("/dependencies", func(r chi.Router) {
			r.Get("/", s.handleListDependencies)
			r.Post("/", s.handleCreateDependencies)
			r.Delete("/", s.handleDeleteDependencies)
			r.Put("/reinstall", s.handleReinstallDependencies)
			r.Get("/{dependencyID}", s.handleGetDependency)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/{runID}", s.handleGetRun)
			r.Get("/{runID}/log", s.handleRunLog)
		})
	})
}
