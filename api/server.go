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
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/roll-window      Manual roll (project + archive + quality pass)
  /api/instances/*      Operational instance reads and operator edits
  /api/rules/*          Rule CRUD, gated by the conflict resolver
  /api/window-config    Rolling horizon length
  /api/history/*        History ribbon reads + artifact pinning
  /api/audit            Recent audit trail

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
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
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Manual roll
		r.Post("/roll-window", h.RollWindow)

		// Instance routes
		r.Route("/instances", func(r chi.Router) {
			r.Get("/", h.ListInstances)
			r.Get("/{id}", h.GetInstance)
			r.Patch("/{id}", h.PatchInstance)
			r.Delete("/{id}", h.DeleteInstance)
		})

		// Rule routes (writes gated by the conflict resolver)
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Get("/{id}", h.GetRule)
			r.Put("/{id}", h.UpdateRule)
			r.Get("/{id}/exceptions", h.ListExceptions)
			r.Post("/{id}/exceptions", h.CreateException)
		})

		// Window configuration
		r.Route("/window-config", func(r chi.Router) {
			r.Get("/", h.GetWindowConfig)
			r.Patch("/", h.PatchWindowConfig)
		})

		// History ribbon routes
		r.Route("/history", func(r chi.Router) {
			r.Get("/", h.ListShifts)
			r.Get("/{id}", h.GetShift)
			r.Post("/{id}/artifacts", h.CreateArtifact)
		})

		// Audit trail
		r.Get("/audit", h.ListAuditEvents)
	})

	return r
}
