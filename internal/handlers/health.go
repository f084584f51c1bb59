package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ScriptSmith/hadrian-sub008/internal/services/cache"
)

type HealthResponse struct {
	Status   string                   `json:"status"`
	Services map[string]ServiceHealth `json:"services"`
}

type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthHandler serves liveness and readiness. Liveness only proves the
// process is up; readiness pings the database and the shared cache.
type HealthHandler struct {
	logger *zap.Logger
	db     *gorm.DB
	cache  cache.Cache
}

func NewHealthHandler(logger *zap.Logger, db *gorm.DB, c cache.Cache) *HealthHandler {
	return &HealthHandler{logger: logger, db: db, cache: c}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:   "ok",
		Services: make(map[string]ServiceHealth),
	}

	if err := h.pingDatabase(ctx); err != nil {
		response.Services["database"] = ServiceHealth{Status: "unhealthy", Message: err.Error()}
		response.Status = "degraded"
	} else {
		response.Services["database"] = ServiceHealth{Status: "healthy"}
	}

	if err := h.cache.Ping(ctx); err != nil {
		response.Services["cache"] = ServiceHealth{Status: "unhealthy", Message: err.Error()}
		response.Status = "degraded"
	} else {
		response.Services["cache"] = ServiceHealth{Status: "healthy"}
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status == "ok" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to write readiness response", zap.Error(err))
	}
}

func (h *HealthHandler) pingDatabase(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
