package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ScriptSmith/hadrian-sub008/internal/config"
	"github.com/ScriptSmith/hadrian-sub008/internal/middleware"
	"github.com/ScriptSmith/hadrian-sub008/internal/models"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/admission"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/audit"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/auth"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/cache"
)

// KeyHandler manages API keys. Creation returns the raw key exactly once;
// afterwards only the prefix and hash exist.
type KeyHandler struct {
	baseHandler
	keys   *auth.KeyService
	cache  cache.Cache
	limits config.LimitsConfig
	audit  *audit.Logger
}

func NewKeyHandler(logger *zap.Logger, keys *auth.KeyService, c cache.Cache, limits config.LimitsConfig, auditLogger *audit.Logger) *KeyHandler {
	return &KeyHandler{
		baseHandler: baseHandler{logger: logger},
		keys:        keys,
		cache:       c,
		limits:      limits,
		audit:       auditLogger,
	}
}

type CreateKeyRequest struct {
	Name           string               `json:"name"`
	OrganizationID *uuid.UUID           `json:"organization_id,omitempty"`
	UserID         *uuid.UUID           `json:"user_id,omitempty"`
	Scopes         []string             `json:"scopes,omitempty"`
	AllowedIPs     []string             `json:"allowed_ips,omitempty"`
	ExpiresAt      *time.Time           `json:"expires_at,omitempty"`
	MaxBudgetCents *int64               `json:"max_budget_cents,omitempty"`
	BudgetDuration *models.BudgetPeriod `json:"budget_duration,omitempty"`
	TPM            *int64               `json:"tpm,omitempty"`
	RPM            *int64               `json:"rpm,omitempty"`
}

type ListKeysResponse struct {
	Keys   []models.APIKey `json:"keys"`
	Total  int64           `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

type RevokeKeyRequest struct {
	Reason string `json:"reason"`
}

// KeyBudgetResponse is the live budget position of one key: the cached spend
// counter for the current window, not a usage-table aggregate.
type KeyBudgetResponse struct {
	KeyID           uuid.UUID           `json:"key_id"`
	Period          models.BudgetPeriod `json:"period"`
	PeriodBucket    string              `json:"period_bucket"`
	LimitCents      int64               `json:"limit_cents"`
	SpendMicrocents int64               `json:"spend_microcents"`
	SpendCents      float64             `json:"spend_cents"`
	UsedPercent     float64             `json:"used_percent"`
	DaysRemaining   int                 `json:"days_remaining"`
}

func (h *KeyHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req CreateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		h.sendError(w, http.StatusBadRequest, "Key name is required")
		return
	}
	if req.BudgetDuration != nil && !req.BudgetDuration.Valid() {
		h.sendError(w, http.StatusBadRequest, "Invalid budget_duration")
		return
	}

	created, err := h.keys.Create(r.Context(), auth.CreateKeyParams{
		Name:           req.Name,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		Scopes:         req.Scopes,
		AllowedIPs:     req.AllowedIPs,
		ExpiresAt:      req.ExpiresAt,
		MaxBudgetCents: req.MaxBudgetCents,
		BudgetDuration: req.BudgetDuration,
		TPM:            req.TPM,
		RPM:            req.RPM,
	})
	if err != nil {
		h.logger.Error("Failed to create api key", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to create key")
		return
	}

	h.recordAudit(r, models.AuditKeyCreated, created.ID.String(), req.Name)
	h.sendJSON(w, http.StatusCreated, created)
}

func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	orgID, err := queryUUID(r, "organization_id")
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid organization_id")
		return
	}
	userID, err := queryUUID(r, "user_id")
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid user_id")
		return
	}

	params := auth.ListKeysParams{
		OrganizationID: orgID,
		UserID:         userID,
		IncludeRevoked: r.URL.Query().Get("include_revoked") == "true",
		Limit:          queryInt(r, "limit", 50),
		Offset:         queryInt(r, "offset", 0),
	}

	keys, total, err := h.keys.List(r.Context(), params)
	if err != nil {
		h.logger.Error("Failed to list api keys", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to list keys")
		return
	}

	h.sendJSON(w, http.StatusOK, ListKeysResponse{
		Keys:   keys,
		Total:  total,
		Limit:  params.Limit,
		Offset: params.Offset,
	})
}

func (h *KeyHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "keyID")
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid key ID")
		return
	}

	key, err := h.keys.Get(r.Context(), id)
	if errors.Is(err, auth.ErrInvalidKey) {
		h.sendError(w, http.StatusNotFound, "Key not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load api key", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to load key")
		return
	}

	h.sendJSON(w, http.StatusOK, key)
}

func (h *KeyHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "keyID")
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid key ID")
		return
	}

	var req RevokeKeyRequest
	if r.Body != nil {
		// Empty bodies are fine; a reason is recorded when given.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var by *uuid.UUID
	if principal, ok := middleware.GetPrincipal(r.Context()); ok && principal.UserID != nil {
		by = principal.UserID
	}

	err = h.keys.Revoke(r.Context(), id, by, req.Reason)
	if errors.Is(err, auth.ErrInvalidKey) {
		h.sendError(w, http.StatusNotFound, "Key not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to revoke api key", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to revoke key")
		return
	}

	h.recordAudit(r, models.AuditKeyRevoked, id.String(), req.Reason)
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *KeyHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "keyID")
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid key ID")
		return
	}

	err = h.keys.Delete(r.Context(), id)
	if errors.Is(err, auth.ErrInvalidKey) {
		h.sendError(w, http.StatusNotFound, "Key not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to delete api key", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to delete key")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetKeyBudget reports the key's current budget window from the live
// counters, matching what admission would see on the next request.
func (h *KeyHandler) GetKeyBudget(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "keyID")
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid key ID")
		return
	}

	key, err := h.keys.Get(r.Context(), id)
	if errors.Is(err, auth.ErrInvalidKey) {
		h.sendError(w, http.StatusNotFound, "Key not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load api key", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to load key")
		return
	}

	limitCents := h.limits.Budgets.DefaultLimitCents
	if key.MaxBudgetCents != nil {
		limitCents = *key.MaxBudgetCents
	}
	period := models.BudgetPeriod(h.limits.Budgets.Period)
	if key.BudgetDuration != nil {
		period = *key.BudgetDuration
	}

	now := time.Now().UTC()
	bucket := admission.PeriodBucket(period, now)

	var spend int64
	raw, found, err := h.cache.Get(r.Context(), cache.SpendKey(id.String(), bucket))
	if err != nil {
		h.logger.Warn("Failed to read spend counter", zap.Error(err))
		h.sendError(w, http.StatusServiceUnavailable, "Spend counter unavailable")
		return
	}
	if found {
		if v, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
			spend = v
		}
	}

	resp := KeyBudgetResponse{
		KeyID:           id,
		Period:          period,
		PeriodBucket:    bucket,
		LimitCents:      limitCents,
		SpendMicrocents: spend,
		SpendCents:      float64(spend) / admission.MicrocentsPerCent,
		DaysRemaining:   admission.DaysRemainingInPeriod(period, now),
	}
	if limitCents > 0 {
		resp.UsedPercent = float64(spend) / float64(limitCents*admission.MicrocentsPerCent) * 100
	}

	h.sendJSON(w, http.StatusOK, resp)
}

func (h *KeyHandler) recordAudit(r *http.Request, event models.AuditEventType, keyID, reason string) {
	if h.audit == nil {
		return
	}
	e := &audit.Event{
		Type:         event,
		ResourceType: "api_key",
		ResourceID:   keyID,
		Decision:     "allowed",
		Reason:       reason,
		IP:           middleware.GetClientIP(r.Context()),
	}
	if principal, ok := middleware.GetPrincipal(r.Context()); ok {
		e.ActorType = principal.ActorType()
		e.ActorID = principal.LimitKey()
	}
	h.audit.Record(e)
}
