/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for calendar and budgeting frontends

ROUTE GROUPS:
  /api/rules/*          Rule management, exceptions and views
  /api/calendar.ics     Subscription feed
  /api/horizon          Maintenance
  /api/runs             Run log
  /api/transactions     Ledger
  /api/balances         Account balances
  /                     Endpoint index

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

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Post("/preview", h.PreviewDraft)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetRule)
				r.Put("/", h.UpdateRule)
				r.Delete("/", h.DeleteRule)
				r.Post("/reschedule", h.Reschedule)

				// Exceptions
				r.Post("/skip", h.SkipOccurrence)
				r.Post("/terminate", h.TerminateFrom)
				r.Post("/delete-from", h.DeleteAllFrom)
				r.Delete("/occurrences/{date}", h.DeleteOccurrence)

				// Views
				r.Get("/occurrences", h.PreviewRule)
				r.Get("/transactions", h.RuleTransactions)
				r.Get("/calendar.ics", h.RuleCalendar)
				r.Get("/rrule", h.RuleRRule)

				r.Post("/reconcile", h.ReconcileRule)
			})
		})

		r.Get("/calendar.ics", h.Calendar)
		r.Post("/horizon", h.EnsureHorizon)
		r.Get("/runs", h.ListRuns)
		r.Get("/transactions", h.ListTransactions)
		r.Get("/balances", h.GetBalances)
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Recurrence Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Recurrence Engine API</h1>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/rules">/api/rules</a> - List recurring rules</li>
<li><a href="/api/transactions">/api/transactions</a> - Latest materialized transactions</li>
<li><a href="/api/balances">/api/balances</a> - Account balances</li>
<li><a href="/api/runs">/api/runs</a> - Reconciliation runs</li>
<li><a href="/api/calendar.ics">/api/calendar.ics</a> - Calendar subscription</li>
</ul>
</body>
</html>`))
	})

	return r
}
