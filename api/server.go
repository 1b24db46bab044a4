/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/events           Event ingestion
  /api/memberships/*    Membership balances, history, redemptions
  /api/transactions/*   Individual ledger rows and reversals
  /api/programs/*       Program lifecycle
  /api/rules            Rule publishing
  /api/benefits         Tier benefit publishing
  /api/enrollments      Program enrollment
  /api/admin/*          Expiration and integrity sweeps

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

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Event ingestion
		r.Post("/events", h.ProcessEvent)

		// Membership routes
		r.Route("/memberships", func(r chi.Router) {
			r.Post("/", h.CreateMembership)
			r.Get("/{id}", h.GetMembership)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Post("/{id}/redeem", h.Redeem)
			r.Post("/{id}/adjustments", h.Adjust)
			r.Get("/{id}/integrity", h.CheckIntegrity)
			r.Post("/{id}/integrity/fix", h.FixIntegrity)
		})

		// Transaction routes
		r.Route("/transactions", func(r chi.Router) {
			r.Get("/{id}", h.GetTransaction)
			r.Post("/{id}/reverse", h.ReverseTransaction)
		})

		// Catalog routes
		r.Route("/programs", func(r chi.Router) {
			r.Post("/", h.PublishProgram)
			r.Get("/{id}", h.GetProgram)
			r.Delete("/{id}", h.DeleteProgram)
			r.Post("/{id}/deactivate", h.DeactivateProgram)
		})
		r.Post("/rules", h.PublishRule)
		r.Post("/benefits", h.PublishBenefit)
		r.Post("/enrollments", h.Enroll)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/expirations/sweep", h.SweepExpirations)
			r.Post("/integrity/sweep", h.SweepIntegrity)
		})
	})

	// Minimal landing page so a browser hit is not a bare 404.
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Loyalty Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Loyalty Engine API</h1>
<h2>API Endpoints</h2>
<ul>
<li><code>POST /api/events</code> - Process a business event</li>
<li><code>POST /api/memberships</code> - Create a membership</li>
<li><code>GET /api/memberships/{id}</code> - Membership and balance</li>
<li><code>POST /api/programs</code> - Publish a program</li>
<li><code>POST /api/rules</code> - Publish a reward rule</li>
</ul>
</body>
</html>`))
	})

	return r
}
