/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/runs/*           Reconciliation runs
  /api/plan             Dry-run planning
  /api/conflicts/*      Conflict records and dispositions
  /api/visits/*         Source visits
  /api/preview          Single pair evaluation
  /api/reference        Reference data
  /api/metrics          Process counters
  /api/demo/*           Demo scenarios (dev only)
  /health               Liveness and database check

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// AllowedOrigins for CORS. Empty disables the CORS middleware.
	AllowedOrigins []string
	// Demo mounts the /api/demo routes.
	Demo bool
	// RequestLog enables chi's request logger.
	RequestLog bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	if opts.RequestLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		}))
	}

	r.Get("/health", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Run routes
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Post("/", h.StartRun)
			r.Get("/{id}", h.GetRun)
			r.Get("/{id}/chunks", h.ListRunChunks)
		})
		r.Post("/plan", h.PlanRun)

		// Conflict routes
		r.Route("/conflicts", func(r chi.Router) {
			r.Get("/", h.ListConflicts)
			r.Get("/{conflictID}", h.GetConflict)
			r.Put("/{conflictID}/disposition", h.SetDisposition)
		})

		// Visit routes
		r.Route("/visits", func(r chi.Router) {
			r.Post("/", h.UpsertVisits)
			r.Get("/{id}", h.GetVisit)
			r.Delete("/{id}", h.DeleteVisit)
		})

		r.Post("/in-service", h.UpsertInService)
		r.Post("/preview", h.Preview)
		r.Get("/reference", h.GetReference)
		r.Put("/reference", h.PutReference)
		r.Get("/metrics", h.GetMetrics)

		// Demo routes
		if opts.Demo {
			r.Route("/demo", func(r chi.Router) {
				r.Get("/scenarios", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/seed", h.SeedScenario)
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found", nil)
	})

	return r
}
