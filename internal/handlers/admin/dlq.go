package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ScriptSmith/hadrian-sub008/internal/middleware"
	"github.com/ScriptSmith/hadrian-sub008/internal/models"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/audit"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/dlq"
)

// DLQHandler exposes the dead letter queue for inspection and manual replay.
type DLQHandler struct {
	baseHandler
	store  dlq.Store
	worker *dlq.Worker
	audit  *audit.Logger
}

func NewDLQHandler(logger *zap.Logger, store dlq.Store, worker *dlq.Worker, auditLogger *audit.Logger) *DLQHandler {
	return &DLQHandler{
		baseHandler: baseHandler{logger: logger},
		store:       store,
		worker:      worker,
		audit:       auditLogger,
	}
}

type PruneRequest struct {
	// OlderThan is a Go duration string; empty keeps everything regardless
	// of age and prunes on retry count alone.
	OlderThan  string `json:"older_than,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

type PruneResponse struct {
	Removed int64 `json:"removed"`
}

func (h *DLQHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	direction := dlq.Direction(q.Get("direction"))
	if direction != "" && direction != dlq.DirectionForward && direction != dlq.DirectionBackward {
		h.sendError(w, http.StatusBadRequest, "Invalid direction")
		return
	}
	params := dlq.ListParams{
		Limit:         queryInt(r, "limit", 50),
		Cursor:        q.Get("cursor"),
		Direction:     direction,
		Type:          q.Get("type"),
		MaxRetryCount: queryInt(r, "max_retry_count", 0),
	}

	page, err := h.store.List(r.Context(), params)
	if errors.Is(err, dlq.ErrBadCursor) {
		h.sendError(w, http.StatusBadRequest, "Malformed cursor")
		return
	}
	if err != nil {
		h.logger.Error("Failed to list dlq entries", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to list entries")
		return
	}

	h.sendJSON(w, http.StatusOK, page)
}

func (h *DLQHandler) GetEntry(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "entryID")
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid entry ID")
		return
	}

	entry, err := h.store.Get(r.Context(), id)
	if errors.Is(err, dlq.ErrNotFound) {
		h.sendError(w, http.StatusNotFound, "Entry not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load dlq entry", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to load entry")
		return
	}

	h.sendJSON(w, http.StatusOK, entry)
}

// RetryEntry dispatches one entry through its registered handler right now,
// outside the worker's backoff schedule.
func (h *DLQHandler) RetryEntry(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "entryID")
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid entry ID")
		return
	}

	err = h.worker.RetryEntry(r.Context(), id)
	if errors.Is(err, dlq.ErrNotFound) {
		h.sendError(w, http.StatusNotFound, "Entry not found")
		return
	}
	if err != nil {
		h.logger.Warn("Manual dlq retry failed",
			zap.String("entry_id", id.String()), zap.Error(err))
		h.sendError(w, http.StatusUnprocessableEntity, "Replay failed: "+err.Error())
		return
	}

	h.recordReplay(r, id.String())
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "replayed"})
}

func (h *DLQHandler) RemoveEntry(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "entryID")
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Invalid entry ID")
		return
	}

	if err := h.store.Remove(r.Context(), id); err != nil {
		h.logger.Error("Failed to remove dlq entry", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to remove entry")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DLQHandler) Prune(w http.ResponseWriter, r *http.Request) {
	var req PruneRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var olderThan time.Duration
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil || d < 0 {
			h.sendError(w, http.StatusBadRequest, "Invalid older_than duration")
			return
		}
		olderThan = d
	}
	if req.MaxRetries < 0 {
		h.sendError(w, http.StatusBadRequest, "Invalid max_retries")
		return
	}
	if olderThan == 0 && req.MaxRetries == 0 {
		h.sendError(w, http.StatusBadRequest, "Provide older_than or max_retries")
		return
	}

	removed, err := h.store.Prune(r.Context(), olderThan, req.MaxRetries)
	if err != nil {
		h.logger.Error("Failed to prune dlq", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to prune")
		return
	}

	h.sendJSON(w, http.StatusOK, PruneResponse{Removed: removed})
}

func (h *DLQHandler) Clear(w http.ResponseWriter, r *http.Request) {
	removed, err := h.store.Clear(r.Context())
	if err != nil {
		h.logger.Error("Failed to clear dlq", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "Failed to clear")
		return
	}

	h.sendJSON(w, http.StatusOK, PruneResponse{Removed: removed})
}

func (h *DLQHandler) recordReplay(r *http.Request, entryID string) {
	if h.audit == nil {
		return
	}
	e := &audit.Event{
		Type:         models.AuditDLQReplayed,
		ResourceType: "dlq_entry",
		ResourceID:   entryID,
		Decision:     "allowed",
		Reason:       "manual replay",
		IP:           middleware.GetClientIP(r.Context()),
	}
	if principal, ok := middleware.GetPrincipal(r.Context()); ok {
		e.ActorType = principal.ActorType()
		e.ActorID = principal.LimitKey()
	}
	h.audit.Record(e)
}
