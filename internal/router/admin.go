package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ScriptSmith/hadrian-sub008/internal/config"
	"github.com/ScriptSmith/hadrian-sub008/internal/gateway"
	"github.com/ScriptSmith/hadrian-sub008/internal/handlers/admin"
	"github.com/ScriptSmith/hadrian-sub008/internal/middleware"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/audit"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/auth"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/cache"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/dlq"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/usage"
)

type AdminConfig struct {
	Logger *zap.Logger
	Limits config.LimitsConfig
	Trust  *gateway.ProxyTrust

	DB     *gorm.DB
	Cache  cache.Cache
	Auth   *auth.Authenticator
	Keys   *auth.KeyService
	DLQ    dlq.Store
	Worker *dlq.Worker
	Usage  *usage.Buffer
	Audit  *audit.Logger
}

// NewAdminSubRouter builds the management API mounted under /api/v1. Every
// route requires the admin scope; base middleware (logging, metrics, CORS)
// is inherited from the parent router.
func NewAdminSubRouter(cfg *AdminConfig) http.Handler {
	r := chi.NewRouter()

	authMiddleware := middleware.NewAuthMiddleware(&middleware.AuthConfig{
		Logger: cfg.Logger,
		Auth:   cfg.Auth,
		Trust:  cfg.Trust,
		Scope:  auth.ScopeAdmin,
	})
	r.Use(authMiddleware.Authenticate)

	keyHandler := admin.NewKeyHandler(cfg.Logger, cfg.Keys, cfg.Cache, cfg.Limits, cfg.Audit)
	dlqHandler := admin.NewDLQHandler(cfg.Logger, cfg.DLQ, cfg.Worker, cfg.Audit)
	usageHandler := admin.NewUsageHandler(cfg.Logger, cfg.DB)
	auditHandler := admin.NewAuditHandler(cfg.Logger, cfg.DB)
	systemHandler := admin.NewSystemHandler(cfg.Logger, cfg.DB, cfg.Cache, cfg.Worker, cfg.Usage)

	// Key management
	r.Route("/keys", func(r chi.Router) {
		r.Get("/", keyHandler.ListKeys)
		r.Post("/", keyHandler.CreateKey)
		r.Get("/{keyID}", keyHandler.GetKey)
		r.Post("/{keyID}/revoke", keyHandler.RevokeKey)
		r.Delete("/{keyID}", keyHandler.DeleteKey)
		r.Get("/{keyID}/budget", keyHandler.GetKeyBudget)
	})

	// Dead letter queue
	r.Route("/dlq", func(r chi.Router) {
		r.Get("/", dlqHandler.ListEntries)
		r.Delete("/", dlqHandler.Clear)
		r.Post("/prune", dlqHandler.Prune)
		r.Get("/{entryID}", dlqHandler.GetEntry)
		r.Post("/{entryID}/retry", dlqHandler.RetryEntry)
		r.Delete("/{entryID}", dlqHandler.RemoveEntry)
	})

	// Usage
	r.Route("/usage", func(r chi.Router) {
		r.Get("/", usageHandler.ListUsage)
		r.Get("/summary", usageHandler.UsageSummary)
	})

	// Audit trail
	r.Get("/audit", auditHandler.ListEvents)

	// System
	r.Get("/system/status", systemHandler.Status)

	return r
}
