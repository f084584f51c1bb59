package admin

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ScriptSmith/hadrian-sub008/internal/models"
)

// AuditHandler reads the audit trail.
type AuditHandler struct {
	baseHandler
	db *gorm.DB
}

func NewAuditHandler(logger *zap.Logger, db *gorm.DB) *AuditHandler {
	return &AuditHandler{
		baseHandler: baseHandler{logger: logger},
		db:          db,
	}
}

type ListAuditResponse struct {
	Events []models.Audit `json:"events"`
	Total  int64          `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

func (h *AuditHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := h.db.WithContext(r.Context()).Model(&models.Audit{})

	if eventType := q.Get("event_type"); eventType != "" {
		query = query.Where("event_type = ?", eventType)
	}
	if actorID := q.Get("actor_id"); actorID != "" {
		query = query.Where("actor_id = ?", actorID)
	}
	if resourceID := q.Get("resource_id"); resourceID != "" {
		query = query.Where("resource_id = ?", resourceID)
	}
	if requestID := q.Get("request_id"); requestID != "" {
		query = query.Where("request_id = ?", requestID)
	}
	if from := q.Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "Invalid from timestamp, want RFC3339")
			return
		}
		query = query.Where("timestamp >= ?", t)
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "Invalid to timestamp, want RFC3339")
			return
		}
		query = query.Where("timestamp < ?", t)
	}

	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		h.logger.Error("Failed to count audit events", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to query audit trail")
		return
	}

	var events []models.Audit
	err := query.Order("timestamp DESC").Limit(limit).Offset(offset).Find(&events).Error
	if err != nil {
		h.logger.Error("Failed to list audit events", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to query audit trail")
		return
	}

	h.sendJSON(w, http.StatusOK, ListAuditResponse{
		Events: events,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}
