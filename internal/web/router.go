// Package web wires the operator API routes into a Chi router.
package web

import (
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/draftwire/outreach/internal/ratelimit"
	"github.com/draftwire/outreach/internal/web/handlers"
	"github.com/draftwire/outreach/internal/web/middleware"
)

// RouterDeps holds all dependencies needed to build the router.
type RouterDeps struct {
	API     *handlers.APIHandler
	APIKey  string
	Limiter *ratelimit.Limiter
}

// NewRouter wires all routes into a Chi router.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RealIP)

	r.Get("/healthz", deps.API.HandleHealth)

	// The OAuth callback is hit by the identity provider's redirect, so it
	// cannot carry the API key.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(deps.Limiter))
		r.Get("/oauth/callback", deps.API.HandleOAuthCallback)
	})

	// Operator endpoints: key-authenticated and rate limited.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(deps.Limiter))
		r.Use(middleware.RequireAPIKey(deps.APIKey))

		r.Post("/api/v1/campaigns/run", deps.API.HandleRunCampaign)
		r.Get("/api/v1/scheduler/status", deps.API.HandleSchedulerStatus)
		r.Post("/api/v1/sweeps/replies", deps.API.HandleForceSweep("replies"))
		r.Post("/api/v1/sweeps/bounces", deps.API.HandleForceSweep("bounces"))
		r.Get("/api/v1/sessions", deps.API.HandleListSessions)
		r.Post("/api/v1/sessions/{id}/logout", deps.API.HandleLogout)
	})

	return r
}
