package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ScriptSmith/hadrian-sub008/internal/models"
)

// DatabaseStore persists entries in the dlq_entries table. Pagination
// predicates run as SQL row-value comparisons against the composite
// (created_at, id) index, so pages stay cheap at any queue depth.
type DatabaseStore struct {
	db         *gorm.DB
	maxEntries int
	logger     *zap.Logger
}

type DatabaseConfig struct {
	DB         *gorm.DB
	MaxEntries int
	Logger     *zap.Logger
}

func NewDatabaseStore(cfg *DatabaseConfig) *DatabaseStore {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DatabaseStore{
		db:         cfg.DB,
		maxEntries: cfg.MaxEntries,
		logger:     logger.Named("dlq.database"),
	}
}

func toRow(e *Entry) (*models.DLQEntry, error) {
	row := &models.DLQEntry{
		ID:          e.ID,
		Type:        e.Type,
		Payload:     datatypes.JSON(e.Payload),
		Error:       e.Error,
		RetryCount:  e.RetryCount,
		CreatedAt:   e.CreatedAt,
		LastRetryAt: e.LastRetryAt,
	}
	if e.Metadata != nil {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal dlq metadata: %w", err)
		}
		row.Metadata = raw
	}
	return row, nil
}

func fromRow(row *models.DLQEntry) (*Entry, error) {
	e := &Entry{
		ID:          row.ID,
		Type:        row.Type,
		Payload:     json.RawMessage(row.Payload),
		Error:       row.Error,
		RetryCount:  row.RetryCount,
		CreatedAt:   row.CreatedAt.UTC().Truncate(time.Millisecond),
		LastRetryAt: row.LastRetryAt,
	}
	if e.LastRetryAt != nil {
		t := e.LastRetryAt.UTC().Truncate(time.Millisecond)
		e.LastRetryAt = &t
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dlq metadata: %w", err)
		}
	}
	return e, nil
}

func (s *DatabaseStore) Push(ctx context.Context, entry *Entry) error {
	entry.normalize()

	row, err := toRow(entry)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to push dlq entry: %w", err)
	}

	if s.maxEntries > 0 {
		if err := s.trim(ctx); err != nil {
			s.logger.Warn("failed to trim dlq", zap.Error(err))
		}
	}
	return nil
}

// trim drops everything older than the newest maxEntries rows.
func (s *DatabaseStore) trim(ctx context.Context) error {
	var boundary models.DLQEntry
	err := s.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Offset(s.maxEntries - 1).
		First(&boundary).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Where("(created_at, id) < (?, ?)", boundary.CreatedAt, boundary.ID).
		Delete(&models.DLQEntry{}).Error
}

func (s *DatabaseStore) Pop(ctx context.Context) (*Entry, bool, error) {
	var entry *Entry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.DLQEntry
		// SKIP LOCKED keeps concurrent workers off the same row
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Order("created_at ASC, id ASC").
			First(&row).Error
		if err != nil {
			return err
		}
		if err := tx.Delete(&models.DLQEntry{}, "id = ?", row.ID).Error; err != nil {
			return err
		}
		entry, err = fromRow(&row)
		return err
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to pop dlq entry: %w", err)
	}
	return entry, true, nil
}

func (s *DatabaseStore) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	var row models.DLQEntry
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dlq entry: %w", err)
	}
	return fromRow(&row)
}

func (s *DatabaseStore) Remove(ctx context.Context, id uuid.UUID) error {
	if err := s.db.WithContext(ctx).Delete(&models.DLQEntry{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to remove dlq entry: %w", err)
	}
	return nil
}

func (s *DatabaseStore) MarkRetried(ctx context.Context, id uuid.UUID, lastErr string) error {
	now := time.Now().UTC().Truncate(time.Millisecond)
	result := s.db.WithContext(ctx).Model(&models.DLQEntry{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_retry_at": now,
			"error":         lastErr,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark dlq entry retried: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *DatabaseStore) Len(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.DLQEntry{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count dlq entries: %w", err)
	}
	return count, nil
}

func (s *DatabaseStore) Prune(ctx context.Context, olderThan time.Duration, maxRetries int) (int64, error) {
	horizon := time.Now().UTC().Add(-olderThan)
	query := s.db.WithContext(ctx)
	switch {
	case olderThan > 0 && maxRetries > 0:
		query = query.Where("created_at < ? OR retry_count >= ?", horizon, maxRetries)
	case olderThan > 0:
		query = query.Where("created_at < ?", horizon)
	case maxRetries > 0:
		query = query.Where("retry_count >= ?", maxRetries)
	default:
		return 0, nil
	}
	result := query.Delete(&models.DLQEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune dlq: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *DatabaseStore) Clear(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&models.DLQEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to clear dlq: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *DatabaseStore) List(ctx context.Context, params ListParams) (*Page, error) {
	params.normalize()

	base := s.db.WithContext(ctx).Model(&models.DLQEntry{})
	if params.Type != "" {
		base = base.Where("type = ?", params.Type)
	}
	if params.MaxRetryCount > 0 {
		base = base.Where("retry_count < ?", params.MaxRetryCount)
	}

	ascending := false
	if params.Cursor != "" {
		cur, err := decodeCursor(params.Cursor)
		if err != nil {
			return nil, err
		}
		if params.Direction == DirectionBackward {
			base = base.Where("(created_at, id) > (?, ?)", cur.ts, cur.id)
			ascending = true
		} else {
			base = base.Where("(created_at, id) < (?, ?)", cur.ts, cur.id)
		}
	}

	order := "created_at DESC, id DESC"
	if ascending {
		order = "created_at ASC, id ASC"
	}

	var rows []*models.DLQEntry
	if err := base.Order(order).Limit(params.Limit + 1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list dlq entries: %w", err)
	}

	hasMore := len(rows) > params.Limit
	if hasMore {
		rows = rows[:params.Limit]
	}

	entries := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		e, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if ascending {
		reverse(entries)
	}
	return makePage(entries, hasMore), nil
}
