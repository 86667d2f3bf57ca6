// Package httpapi is the transport surface: the REST routes, the tenant
// middleware, the websocket subscriptions and the observability endpoints.
// It translates between JSON requests and the orchestration core; no
// business rules live here.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"codeplane/internal/agent"
	"codeplane/internal/events"
	"codeplane/internal/orchestrator"
	"codeplane/internal/store"
	"codeplane/internal/types"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports backend reachability for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionReader is the read-only listing path; list queries bypass the
// orchestrator and hit the repository directly.
type SessionReader interface {
	Paginate(ctx context.Context, f store.SessionFilter, sorts []store.SortOrder, page store.Page) (*store.PageResult[*types.Session], error)
}

// Server bundles the handler dependencies.
type Server struct {
	svc        *orchestrator.Service
	sessions   SessionReader
	registry   *agent.Registry
	router     *agent.Router
	bus        *events.Broadcaster
	db         Pinger
	coordStore Pinger
	validate   *validator.Validate
}

// NewServer builds the transport server.
func NewServer(svc *orchestrator.Service, sessions SessionReader, registry *agent.Registry,
	router *agent.Router, bus *events.Broadcaster, db, coordStore Pinger) *Server {
	return &Server{
		svc:        svc,
		sessions:   sessions,
		registry:   registry,
		router:     router,
		bus:        bus,
		db:         db,
		coordStore: coordStore,
		validate:   validator.New(),
	}
}

// Routes assembles the chi router with the full REST and WS surface.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Tenant-ID"},
	}))
	r.Use(metricsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Get("/", s.handleListSessions)
			r.Get("/{id}", s.handleGetSession)
			r.Delete("/{id}", s.handleDeleteSession)
			r.Post("/{id}/start", s.handleStartSession)
			r.Post("/{id}/complete", s.handleCompleteSession)
			r.Post("/{id}/fail", s.handleFailSession)
			r.Post("/{id}/cancel", s.handleCancelSession)
			r.Post("/{id}/retry", s.handleRetrySession)
			r.Post("/{id}/checkpoints", s.handleAddCheckpoint)
		})

		r.Route("/agents", func(r chi.Router) {
			r.Post("/", s.handleRegisterAgent)
			r.Get("/", s.handleListAgents)
			r.Get("/{id}", s.handleGetAgent)
			r.Delete("/{id}", s.handleDeregisterAgent)
			r.Post("/route", s.handleRouteAgent)
			r.Post("/external/register", s.handleRegisterExternalAgent)
			r.Post("/external/{id}/heartbeat", s.handleAgentHeartbeat)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleCreateTask)
			r.Get("/{id}", s.handleGetTask)
			r.Post("/{id}/decompose", s.handleDecomposeTask)
			r.Get("/{id}/dependencies", s.handleTaskDependencies)
		})
	})

	r.Route("/ws", func(r chi.Router) {
		r.Use(TenantMiddleware)
		r.Get("/sessions", s.handleWSAllSessions)
		r.Get("/sessions/{id}", s.handleWSSession)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "persistence unreachable"})
		return
	}
	if err := s.coordStore.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "coordination unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
