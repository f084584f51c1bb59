package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ScriptSmith/hadrian-sub008/internal/models"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/dlq"
)

// Record is one request's usage facts, captured after the response is sent.
type Record struct {
	RequestID      string     `json:"request_id"`
	APIKeyID       *uuid.UUID `json:"api_key_id,omitempty"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
	UserID         *uuid.UUID `json:"user_id,omitempty"`

	Model    string `json:"model"`
	Provider string `json:"provider"`
	Endpoint string `json:"endpoint"`

	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`

	CostMicrocents int64  `json:"cost_microcents"`
	Estimated      bool   `json:"estimated"`
	PricingSource  string `json:"pricing_source,omitempty"`

	StatusCode int   `json:"status_code"`
	LatencyMs  int64 `json:"latency_ms"`
	Stream     bool  `json:"stream"`

	Timestamp time.Time `json:"timestamp"`
}

func (r *Record) toModel() *models.Usage {
	return &models.Usage{
		RequestID:        r.RequestID,
		APIKeyID:         r.APIKeyID,
		OrganizationID:   r.OrganizationID,
		UserID:           r.UserID,
		Model:            r.Model,
		Provider:         r.Provider,
		Endpoint:         r.Endpoint,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		TotalTokens:      r.TotalTokens,
		CostMicrocents:   r.CostMicrocents,
		Estimated:        r.Estimated,
		PricingSource:    r.PricingSource,
		StatusCode:       r.StatusCode,
		LatencyMs:        r.LatencyMs,
		Stream:           r.Stream,
		Timestamp:        r.Timestamp.UTC(),
	}
}

// Sink receives flushed batches.
type Sink interface {
	InsertBatch(ctx context.Context, records []*Record) error
}

// DatabaseSink writes batches to the usage table. A failed batch is requeued
// through the dead letter queue, one entry per record, so no usage is lost to
// a database outage.
type DatabaseSink struct {
	db     *gorm.DB
	dlq    dlq.Store
	logger *zap.Logger
}

type DatabaseSinkConfig struct {
	DB     *gorm.DB
	DLQ    dlq.Store
	Logger *zap.Logger
}

func NewDatabaseSink(cfg *DatabaseSinkConfig) *DatabaseSink {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DatabaseSink{
		db:     cfg.DB,
		dlq:    cfg.DLQ,
		logger: logger.Named("usage.sink"),
	}
}

func (s *DatabaseSink) InsertBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([]*models.Usage, 0, len(records))
	for _, r := range records {
		rows = append(rows, r.toModel())
	}

	if err := s.db.WithContext(ctx).CreateInBatches(rows, len(rows)).Error; err != nil {
		s.deadLetter(ctx, records, err)
		return fmt.Errorf("failed to insert usage batch: %w", err)
	}
	return nil
}

func (s *DatabaseSink) deadLetter(ctx context.Context, records []*Record, cause error) {
	if s.dlq == nil {
		s.logger.Error("Dropping usage batch, no dlq configured",
			zap.Int("records", len(records)), zap.Error(cause))
		return
	}
	for _, r := range records {
		payload, err := json.Marshal(r)
		if err != nil {
			s.logger.Error("Failed to marshal usage record for dlq",
				zap.String("request_id", r.RequestID), zap.Error(err))
			continue
		}
		entry := &dlq.Entry{
			Type:    dlq.TypeUsageLog,
			Payload: payload,
			Error:   cause.Error(),
			Metadata: map[string]string{
				"request_id": r.RequestID,
			},
		}
		if err := s.dlq.Push(ctx, entry); err != nil {
			s.logger.Error("Failed to dead letter usage record",
				zap.String("request_id", r.RequestID), zap.Error(err))
		}
	}
}

// ReplayHandler returns the dlq handler that re-inserts a single dead
// lettered usage record.
func (s *DatabaseSink) ReplayHandler() dlq.Handler {
	return func(ctx context.Context, entry *dlq.Entry) error {
		var r Record
		if err := json.Unmarshal(entry.Payload, &r); err != nil {
			return fmt.Errorf("failed to unmarshal usage record: %w", err)
		}
		if err := s.db.WithContext(ctx).Create(r.toModel()).Error; err != nil {
			return fmt.Errorf("failed to insert usage record: %w", err)
		}
		return nil
	}
}
