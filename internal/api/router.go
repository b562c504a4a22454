package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/midnight-protocol/admin/internal/api/handlers"
	"github.com/midnight-protocol/admin/internal/api/middleware"
	"github.com/midnight-protocol/admin/internal/auth"
	"github.com/midnight-protocol/admin/internal/config"
	"github.com/midnight-protocol/admin/internal/delivery"
	"github.com/midnight-protocol/admin/internal/template"
	"github.com/midnight-protocol/admin/internal/webhook"
)

// Deps are the services the HTTP surface is built from. Keys and Webhooks
// are optional.
type Deps struct {
	Templates *template.Service
	Delivery  *delivery.Service
	Audit     handlers.AuditReader
	Webhooks  *webhook.Service
	Keys      auth.KeyStore
	Health    map[string]handlers.Pinger
}

type Router struct {
	mux  *chi.Mux
	cfg  *config.Config
	deps Deps
	jwt  *auth.JWTMiddleware
	stop chan struct{}
}

func NewRouter(cfg *config.Config, deps Deps) *Router {
	return &Router{
		mux:  chi.NewRouter(),
		cfg:  cfg,
		deps: deps,
		jwt:  auth.NewJWTMiddleware(cfg.Auth.JWTSecret),
		stop: make(chan struct{}),
	}
}

func (rt *Router) Setup() http.Handler {
	r := rt.mux

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(rt.cfg.Server.CORSOrigins, rt.cfg.Auth.APIKeyHeader))

	rl := middleware.NewRateLimiter(rt.cfg.RateLimit.RequestsPerSecond, rt.cfg.RateLimit.Burst)
	go rl.Cleanup(rt.stop)
	r.Use(rl.Limit)

	// Health endpoints (no auth)
	health := handlers.NewHealthHandler(rt.deps.Health)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)

	r.Route("/api/v1", func(r chi.Router) {
		// Auth: try API key first, then JWT
		if rt.deps.Keys != nil {
			r.Use(auth.NewAPIKeyMiddleware(rt.deps.Keys, rt.cfg.Auth.APIKeyHeader).Authenticate)
		}
		r.Use(rt.jwt.Authenticate)

		r.Route("/admin", func(r chi.Router) {
			// Per-action permissions are checked inside the dispatcher.
			rpc := handlers.NewRPCHandler(rt.deps.Templates, rt.deps.Delivery, rt.deps.Audit)
			r.Post("/rpc", rpc.Handle)

			adminH := handlers.NewAdminHandler(rt.deps.Audit)
			r.Group(func(r chi.Router) {
				r.Use(auth.RequirePermission(auth.PermAdminRead))
				r.Get("/audit", adminH.AuditLogs)
				r.Get("/llm-logs", adminH.LLMLogs)
				r.Get("/usage", adminH.Usage)
			})
		})

		if rt.deps.Webhooks != nil {
			webhookH := handlers.NewWebhookHandler(rt.deps.Webhooks)
			r.Route("/webhooks", func(r chi.Router) {
				r.Use(auth.RequirePermission(auth.PermWebhooksManage))
				r.Post("/", webhookH.Create)
				r.Get("/", webhookH.List)
				r.Get("/events", webhookH.Events)
				r.Delete("/{id}", webhookH.Delete)
			})
		}
	})

	return r
}

// Close stops background housekeeping started by Setup.
func (rt *Router) Close() {
	select {
	case <-rt.stop:
	default:
		close(rt.stop)
	}
}
