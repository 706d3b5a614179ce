/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed into error logs
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the operator portal

ROUTE GROUPS:
  /api/classify         Stateless classification
  /api/versions/*       Report versions, obligation, issuance, task list
  /api/lineages/*       Version history and audit trail
  /api/scenarios/*      Demo scenarios
  /api/admin/*          Admin operations
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware. The X-Role and X-Actor headers are trusted
  and must be set by an authenticating proxy in front of this service.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/compliance/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", headerRole, headerActor, "Idempotency-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/classify", h.Classify)

		// Version routes
		r.Route("/versions", func(r chi.Router) {
			r.Post("/", h.SubmitReport)
			r.Get("/{id}", h.GetVersion)
			r.Post("/{id}/supplementary", h.SubmitSupplementary)

			r.Get("/{id}/invoices", h.ListInvoices)
			r.Post("/{id}/invoices", h.RequestInvoice)
			r.Post("/{id}/payments", h.RecordPayment)
			r.Post("/{id}/late-penalty", h.ImposeLatePenalty)
			r.Post("/{id}/accruals", h.AccruePenalties)
			r.Get("/{id}/obligation", h.GetObligationSummary)
			r.Get("/{id}/payoff", h.GetPayoffQuote)

			r.Get("/{id}/issuance", h.GetIssuance)
			r.Post("/{id}/issuance", h.RequestIssuance)
			r.Post("/{id}/issuance/analyst-review", h.SubmitAnalystReview)
			r.Post("/{id}/issuance/review", h.ReviewIssuance)

			r.Get("/{id}/tasklist", h.GetTaskList)
		})

		// Lineage routes
		r.Route("/lineages/{operation}/{year}", func(r chi.Router) {
			r.Get("/", h.GetLineage)
			r.Get("/audit", h.GetAuditTrail)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/accruals/run", h.RunAccrualSweep)
		})
	})

	return r
}
