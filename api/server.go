/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Requests:   zap access log (logging package)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /healthz              Liveness
  /api/attendance       Terminal ticks (no actor needed for ingest)
  /api/workerdays/*     Timesheet rows
  /api/vacancies/*      Open shifts
  /api/admin/*          Reference data import

AUTHENTICATION:
  The engine trusts X-User-ID set by an authenticating gateway. Every
  /api route except tick ingestion requires it.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/worktime-engine/logging"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string, logger *zap.Logger) *chi.Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Requests(logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Terminals post ticks for whoever swiped the badge.
		r.Post("/attendance", h.IngestAttendance)

		r.Group(func(r chi.Router) {
			r.Use(RequireActor)

			r.Post("/attendance/recalc", h.RecalcAttendance)

			// Worker day routes
			r.Route("/workerdays", func(r chi.Router) {
				r.Get("/", h.ListWorkerDays)
				r.Get("/{id}", h.GetWorkerDay)
				r.Post("/batch", h.BatchUpsert)
				r.Post("/approve", h.ApproveWorkerDays)
			})

			// Vacancy routes
			r.Route("/vacancies", func(r chi.Router) {
				r.Post("/", h.CreateVacancy)
				r.Post("/mass", h.MassCreateVacancies)
				r.Post("/{id}/offer", h.OfferVacancy)
				r.Post("/{id}/confirm", h.ConfirmVacancy)
				r.Post("/{id}/approve", h.ApproveVacancy)
				r.Delete("/{id}", h.CancelVacancy)
			})

			// Admin routes
			r.Route("/admin", func(r chi.Router) {
				r.Post("/reference", h.ImportReference)
			})
		})
	})

	return r
}
