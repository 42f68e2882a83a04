package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel/trace"

	"cyclerdata/internal/config"
	apierrors "cyclerdata/internal/errors"
	"cyclerdata/internal/infrastructure"
	"cyclerdata/internal/middleware"
	"cyclerdata/internal/services"
)

// RouterConfig wires the router's services and middleware
type RouterConfig struct {
	Archives *services.ArchiveService
	Store    *services.StoreService
	Health   *services.HealthService
	Logger   *slog.Logger

	Tracer     trace.Tracer
	Metrics    *infrastructure.DecodeMetrics
	Prometheus http.Handler

	RateLimit      config.RateLimitConfig
	RequestTimeout time.Duration
	IncludeStack   bool
}

// NewRouter builds the API router. Middleware order: RequestID, RealIP,
// OTel, logger, recoverer, security headers, rate limit.
func NewRouter(cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	errorHandler := apierrors.NewErrorHandler(logger, cfg.IncludeStack)
	validator := middleware.NewValidator()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.NewOTelMiddleware(cfg.Tracer, cfg.Metrics).Handler)
	r.Use(middleware.StructuredLogger(logger))
	r.Use(errorHandler.Recoverer)
	r.Use(middleware.SecurityHeaders)
	if cfg.RateLimit.Enabled {
		r.Use(middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, logger).Handler)
	}

	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		if cfg.RequestTimeout > 0 {
			r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
		}

		health := NewHealthHandler(cfg.Health, logger)
		r.Get("/health", health.HealthCheck)
		r.Get("/health/ready", health.ReadinessCheck)
		r.Get("/health/live", health.LivenessCheck)
		r.Get("/version", health.Version)

		r.Route("/v1", func(r chi.Router) {
			r.Mount("/archives", NewArchiveHandler(cfg.Archives, validator, errorHandler, logger).Routes())
			r.Mount("/tests", NewStoreHandler(cfg.Store, validator, errorHandler, logger).Routes())
		})
	})

	if cfg.Prometheus != nil {
		r.Handle("/metrics", cfg.Prometheus)
	}
	return r
}
