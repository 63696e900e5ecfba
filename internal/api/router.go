package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig wires the handlers served by NewRouter
type RouterConfig struct {
	Connector   *ConnectorHandler
	DeadLetters *DeadLetterHandler
	Warnings    *WarningHandler
	Health      *HealthHandler
	// Auth protects /api; without it the /api routes are not mounted
	Auth           *Authenticator
	AllowedOrigins []string
}

// NewRouter builds the HTTP router
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	if cfg.Health != nil {
		r.Get("/q/health", cfg.Health.Health)
		r.Get("/q/health/live", cfg.Health.Live)
		r.Get("/q/health/ready", cfg.Health.Ready)
	}
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	if cfg.Auth == nil {
		return r
	}
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Group(func(r chi.Router) {
			r.Use(cfg.Auth.Require(ScopeRead))
			if cfg.Connector != nil {
				r.Get("/connector", cfg.Connector.Status)
			}
			if cfg.DeadLetters != nil {
				r.Get("/dead-letters", cfg.DeadLetters.List)
			}
			if cfg.Warnings != nil {
				r.Get("/warnings", cfg.Warnings.List)
			}
		})
		r.Group(func(r chi.Router) {
			r.Use(cfg.Auth.Require(ScopeAdmin))
			if cfg.Connector != nil {
				r.Post("/connector/start", cfg.Connector.Start)
				r.Post("/connector/stop", cfg.Connector.Stop)
				r.Post("/connector/reconnect", cfg.Connector.Reconnect)
			}
			if cfg.DeadLetters != nil {
				r.Delete("/dead-letters/{id}", cfg.DeadLetters.Delete)
			}
			if cfg.Warnings != nil {
				r.Post("/warnings/{id}/acknowledge", cfg.Warnings.Acknowledge)
				r.Delete("/warnings", cfg.Warnings.Clear)
			}
		})
	})
	return r
}
