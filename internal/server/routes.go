package server

import (
	"os"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/chorusrelay/chorus/internal/appid"
	"github.com/chorusrelay/chorus/internal/observability"
	"github.com/chorusrelay/chorus/internal/server/handlers"
)

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	health := s.deps.Health
	s.router.Get("/health", health.HealthHandler)
	s.router.Get("/health/live", health.LivenessHandler)
	s.router.Get("/health/ready", health.ReadinessHandler)
	s.router.Get("/health/startup", health.StartupHandler)

	s.router.Get("/version", handlers.VersionHandler)
	s.router.Get("/metrics", MetricsHandler)

	if relay := s.deps.Relay; relay != nil {
		s.router.Route("/v1", func(r chi.Router) {
			// The gate runs before authentication so credential stuffing is
			// throttled without touching the token verifier.
			if s.deps.Gate != nil {
				r.Use(FingerprintGate(s.deps.Gate))
			}
			if s.deps.Auth != nil {
				r.Use(s.deps.Auth.Middleware)
			}

			r.Post("/chat/completions", relay.ChatCompletions)
			r.Post("/embeddings", relay.Embeddings)
			r.Get("/quota/{operation}", relay.GetQuota)
			r.Get("/models", relay.ListModels)
		})
	}

	s.registerAdminEndpoint()
}

// registerAdminEndpoint registers the signal endpoint when <PREFIX>ADMIN_TOKEN is set.
func (s *Server) registerAdminEndpoint() {
	envPrefix := appid.Get().Prefix()

	adminToken := os.Getenv(envPrefix + "ADMIN_TOKEN")
	logger := observability.ServerLogger

	if adminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (no " + envPrefix + "ADMIN_TOKEN set)")
		}
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: adminToken,
		RateLimit: 10,
		RateBurst: 5,
		Manager:   nil,
	})

	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("auth", "bearer token"),
			zap.String("rate_limit", "10/min, burst 5"))
	}
}
