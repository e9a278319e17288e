/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  X-Request-Id echoed or generated, attached to the log context
  2. Logging:    One structured line per request (method, path, status, duration_ms)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the customer and admin frontends

ROUTE GROUPS:
  /api/auth/*           Customer registration and login (public)
  /api/admin/login      Admin login (public)
  /api/me/*             Customer self-service (customer token)
  /api/admin/*          Admin console (admin token)
  /api/scenarios/*      Demo scenarios (dev only)
  /healthz              Store ping
  /metrics              Prometheus exposition

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Request id, logging and role checks
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eliteacai/cashback-engine/auth"
)

type RouterOptions struct {
	AllowedOrigins []string
	// Gatherer backs /metrics. Nil leaves the endpoint unmounted.
	Gatherer prometheus.Gatherer
	// Scenarios mounts the demo scenario routes.
	Scenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(requestID(h.Logger))
	r.Use(requestLogging(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", idempotencyHeader, requestIDHeader},
		ExposedHeaders: []string{"Retry-After", requestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
		})

		r.Route("/me", func(r chi.Router) {
			r.Use(h.requireRole(auth.RoleCustomer))
			r.Get("/", h.Me)
			r.Get("/balance", h.MyBalance)
			r.Get("/transactions", h.MyTransactions)
			r.Post("/purchases", h.SubmitPurchase)
			r.Post("/redemptions", h.Redeem)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/login", h.AdminLogin)

			r.Group(func(r chi.Router) {
				r.Use(h.requireRole(auth.RoleAdmin))
				r.Get("/purchases/pending", h.ListPending)
				r.Post("/entries/{id}/approve", h.ApprovePurchase)
				r.Post("/entries/{id}/reject", h.RejectPurchase)
				r.Get("/dashboard", h.Dashboard)

				r.Route("/customers", func(r chi.Router) {
					r.Get("/", h.ListCustomers)
					r.Get("/{id}/balance", h.CustomerBalance)
					r.Get("/{id}/transactions", h.CustomerTransactions)
					r.Post("/{id}/purchases", h.RecordPurchase)
					r.Post("/{id}/redemptions", h.RedeemFor)
				})
			})
		})

		if opts.Scenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}
