package admin

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ScriptSmith/hadrian-sub008/internal/services/cache"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/dlq"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/usage"
)

// SystemHandler reports subsystem state for operators: backend reachability,
// queue depths, and what the retry worker is wired to replay.
type SystemHandler struct {
	baseHandler
	db     *gorm.DB
	cache  cache.Cache
	worker *dlq.Worker
	usage  *usage.Buffer
}

func NewSystemHandler(logger *zap.Logger, db *gorm.DB, c cache.Cache, worker *dlq.Worker, buffer *usage.Buffer) *SystemHandler {
	return &SystemHandler{
		baseHandler: baseHandler{logger: logger},
		db:          db,
		cache:       c,
		worker:      worker,
		usage:       buffer,
	}
}

type SystemStatusResponse struct {
	Status      string          `json:"status"`
	Database    SubsystemStatus `json:"database"`
	Cache       SubsystemStatus `json:"cache"`
	DLQ         DLQStatus       `json:"dlq"`
	UsageBuffer BufferStatus    `json:"usage_buffer"`
}

type SubsystemStatus struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type DLQStatus struct {
	Depth           int64    `json:"depth"`
	RegisteredTypes []string `json:"registered_types"`
	Error           string   `json:"error,omitempty"`
}

type BufferStatus struct {
	Pending int `json:"pending"`
}

func (h *SystemHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := SystemStatusResponse{Status: "ok"}

	if sqlDB, err := h.db.DB(); err != nil {
		resp.Database = SubsystemStatus{Healthy: false, Error: err.Error()}
		resp.Status = "degraded"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		resp.Database = SubsystemStatus{Healthy: false, Error: err.Error()}
		resp.Status = "degraded"
	} else {
		resp.Database = SubsystemStatus{Healthy: true}
	}

	if err := h.cache.Ping(ctx); err != nil {
		resp.Cache = SubsystemStatus{Healthy: false, Error: err.Error()}
		resp.Status = "degraded"
	} else {
		resp.Cache = SubsystemStatus{Healthy: true}
	}

	if stats, err := h.worker.Stats(ctx); err != nil {
		resp.DLQ = DLQStatus{Error: err.Error()}
		resp.Status = "degraded"
	} else {
		resp.DLQ = DLQStatus{Depth: stats.Depth, RegisteredTypes: stats.RegisteredTypes}
	}

	resp.UsageBuffer = BufferStatus{Pending: h.usage.Pending()}

	h.sendJSON(w, http.StatusOK, resp)
}
