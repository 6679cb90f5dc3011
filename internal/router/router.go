package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/amerfu/spendguard/internal/core/config"
	"github.com/amerfu/spendguard/internal/handlers"
	"github.com/amerfu/spendguard/internal/middleware"
	"github.com/amerfu/spendguard/internal/services/budget"
)

func NewRouter(cfg *config.Config, logger *zap.Logger, provider *budget.Provider) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Logger(logger))
	if cfg.Monitoring.EnableMetrics {
		r.Use(middleware.Metrics(logger))
	}

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
	}))

	healthHandler := handlers.NewHealthHandler(logger, provider)
	budgetHandler := handlers.NewBudgetHandler(logger, provider)

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Prometheus metrics endpoint
	if cfg.Monitoring.EnableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1/budget", func(r chi.Router) {
		r.Get("/snapshot", budgetHandler.Snapshot)
		r.Get("/events", budgetHandler.Events)
		r.Post("/reserve", budgetHandler.Reserve)
		r.Post("/commit", budgetHandler.Commit)
		r.Post("/release", budgetHandler.Release)
	})

	return r
}
