package admin

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ScriptSmith/hadrian-sub008/internal/models"
)

// UsageHandler reads the reconciled usage table. This is the settled record,
// not the live counters the budget endpoint reports.
type UsageHandler struct {
	baseHandler
	db *gorm.DB
}

func NewUsageHandler(logger *zap.Logger, db *gorm.DB) *UsageHandler {
	return &UsageHandler{
		baseHandler: baseHandler{logger: logger},
		db:          db,
	}
}

type ListUsageResponse struct {
	Usage  []models.Usage `json:"usage"`
	Total  int64          `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

type UsageSummaryRow struct {
	Model            string `json:"model"`
	Requests         int64  `json:"requests"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	CostMicrocents   int64  `json:"cost_microcents"`
}

type UsageSummaryResponse struct {
	Models              []UsageSummaryRow `json:"models"`
	TotalRequests       int64             `json:"total_requests"`
	TotalTokens         int64             `json:"total_tokens"`
	TotalCostMicrocents int64             `json:"total_cost_microcents"`
}

func (h *UsageHandler) ListUsage(w http.ResponseWriter, r *http.Request) {
	query, ok := h.filteredQuery(w, r)
	if !ok {
		return
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
		h.logger.Error("Failed to count usage rows", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to query usage")
		return
	}

	var rows []models.Usage
	err := query.Order("timestamp DESC").Limit(limit).Offset(offset).Find(&rows).Error
	if err != nil {
		h.logger.Error("Failed to list usage rows", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to query usage")
		return
	}

	h.sendJSON(w, http.StatusOK, ListUsageResponse{
		Usage:  rows,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (h *UsageHandler) UsageSummary(w http.ResponseWriter, r *http.Request) {
	query, ok := h.filteredQuery(w, r)
	if !ok {
		return
	}

	var rows []UsageSummaryRow
	err := query.
		Select("model, COUNT(*) AS requests, " +
			"COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens, " +
			"COALESCE(SUM(completion_tokens), 0) AS completion_tokens, " +
			"COALESCE(SUM(total_tokens), 0) AS total_tokens, " +
			"COALESCE(SUM(cost_microcents), 0) AS cost_microcents").
		Group("model").
		Order("cost_microcents DESC").
		Scan(&rows).Error
	if err != nil {
		h.logger.Error("Failed to aggregate usage", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to aggregate usage")
		return
	}

	resp := UsageSummaryResponse{Models: rows}
	for _, row := range rows {
		resp.TotalRequests += row.Requests
		resp.TotalTokens += row.TotalTokens
		resp.TotalCostMicrocents += row.CostMicrocents
	}

	h.sendJSON(w, http.StatusOK, resp)
}

// filteredQuery builds the usage query from the shared filter parameters.
// A false return means the response has already been written.
func (h *UsageHandler) filteredQuery(w http.ResponseWriter, r *http.Request) (*gorm.DB, bool) {
	query := h.db.WithContext(r.Context()).Model(&models.Usage{})

	keyID, err := queryUUID(r, "api_key_id")
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid api_key_id")
		return nil, false
	}
	if keyID != nil {
		query = query.Where("api_key_id = ?", *keyID)
	}

	orgID, err := queryUUID(r, "organization_id")
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid organization_id")
		return nil, false
	}
	if orgID != nil {
		query = query.Where("organization_id = ?", *orgID)
	}

	userID, err := queryUUID(r, "user_id")
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid user_id")
		return nil, false
	}
	if userID != nil {
		query = query.Where("user_id = ?", *userID)
	}

	if model := r.URL.Query().Get("model"); model != "" {
		query = query.Where("model = ?", model)
	}

	if from := r.URL.Query().Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "Invalid from timestamp, want RFC3339")
			return nil, false
		}
		query = query.Where("timestamp >= ?", t)
	}
	if to := r.URL.Query().Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "Invalid to timestamp, want RFC3339")
			return nil, false
		}
		query = query.Where("timestamp < ?", t)
	}

	return query, true
}
