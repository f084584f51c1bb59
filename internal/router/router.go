package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ScriptSmith/hadrian-sub008/internal/config"
	"github.com/ScriptSmith/hadrian-sub008/internal/gateway"
	"github.com/ScriptSmith/hadrian-sub008/internal/handlers"
	"github.com/ScriptSmith/hadrian-sub008/internal/middleware"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/audit"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/auth"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/cache"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/dlq"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/usage"
)

// Config carries the components the router mounts. Everything is constructed
// in cmd/server; the router only wires handlers to paths.
type Config struct {
	Config   *config.Config
	Logger   *zap.Logger
	Pipeline *gateway.Pipeline
	Trust    *gateway.ProxyTrust

	DB     *gorm.DB
	Cache  cache.Cache
	Auth   *auth.Authenticator
	Keys   *auth.KeyService
	DLQ    dlq.Store
	Worker *dlq.Worker
	Usage  *usage.Buffer
	Audit  *audit.Logger
}

func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Basic middleware. RealIP is deliberately absent: the pipeline and the
	// admin auth middleware resolve client addresses through the trusted
	// proxy list, and rewriting RemoteAddr from forwardable headers here
	// would let untrusted peers spoof them.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.MetricsMiddleware(cfg.Logger))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Config.CORS.AllowedOrigins,
		AllowedMethods:   cfg.Config.CORS.AllowedMethods,
		AllowedHeaders:   cfg.Config.CORS.AllowedHeaders,
		ExposedHeaders:   cfg.Config.CORS.ExposedHeaders,
		AllowCredentials: cfg.Config.CORS.AllowCredentials,
		MaxAge:           cfg.Config.CORS.MaxAge,
	}))

	// Health checks
	health := handlers.NewHealthHandler(cfg.Logger, cfg.DB, cfg.Cache)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)

	// The admission pipeline takes everything under /v1. HandleFunc keeps
	// the raw ResponseWriter so Flusher survives for streaming, and places
	// no method or body-shape expectations on what the adapters accept.
	r.HandleFunc("/v1/*", cfg.Pipeline.ServeHTTP)

	// Admin API
	adminRouter := NewAdminSubRouter(&AdminConfig{
		Logger: cfg.Logger,
		Limits: cfg.Config.Limits,
		Trust:  cfg.Trust,
		DB:     cfg.DB,
		Cache:  cfg.Cache,
		Auth:   cfg.Auth,
		Keys:   cfg.Keys,
		DLQ:    cfg.DLQ,
		Worker: cfg.Worker,
		Usage:  cfg.Usage,
		Audit:  cfg.Audit,
	})
	r.Mount("/api/v1", adminRouter)

	// Not found handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		if _, err := w.Write([]byte(`{"error": {"message": "Not found", "type": "invalid_request_error", "code": 404}}`)); err != nil {
			cfg.Logger.Error("Failed to write 404 response", zap.Error(err))
		}
	})

	return r
}
