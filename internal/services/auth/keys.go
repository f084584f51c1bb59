package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ScriptSmith/hadrian-sub008/internal/models"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/cache"
)

const (
	// rawKeyBytes of randomness encode to 43 URL-safe characters.
	rawKeyBytes = 32

	// displayPrefixLen is how much of the raw key is kept for listings.
	displayPrefixLen = 12
)

var keyLookups = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hadrian_auth_key_lookups_total",
		Help: "API key authentications by source",
	},
	[]string{"source"},
)

// KeyService issues, authenticates, and revokes API keys. Authenticated keys
// are cached by token hash so the hot path normally costs one cache read.
type KeyService struct {
	db        *gorm.DB
	cache     cache.Cache
	logger    *zap.Logger
	keyPrefix string
	cacheTTL  time.Duration
}

type KeyServiceConfig struct {
	DB        *gorm.DB
	Cache     cache.Cache
	Logger    *zap.Logger
	KeyPrefix string
	CacheTTL  time.Duration
}

func NewKeyService(cfg *KeyServiceConfig) *KeyService {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "gw_"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyService{
		db:        cfg.DB,
		cache:     cfg.Cache,
		logger:    logger.Named("auth.keys"),
		keyPrefix: cfg.KeyPrefix,
		cacheTTL:  cfg.CacheTTL,
	}
}

// KeyPrefix is the configured token prefix, exposed for format sniffing.
func (s *KeyService) KeyPrefix() string {
	return s.keyPrefix
}

// generateKey returns a new raw key and its storage hash. The raw value
// leaves the process exactly once, in the create response.
func (s *KeyService) generateKey() (string, string, error) {
	buf := make([]byte, rawKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate key material: %w", err)
	}
	raw := s.keyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return raw, models.HashKey(raw), nil
}

type CreateKeyParams struct {
	Name           string
	OrganizationID *uuid.UUID
	UserID         *uuid.UUID
	Scopes         []string
	AllowedIPs     []string
	ExpiresAt      *time.Time
	MaxBudgetCents *int64
	BudgetDuration *models.BudgetPeriod
	TPM            *int64
	RPM            *int64
}

// Create issues a new key. The response carries the raw key; it is not
// recoverable afterwards.
func (s *KeyService) Create(ctx context.Context, params CreateKeyParams) (*models.APIKeyResponse, error) {
	if params.Name == "" {
		return nil, errors.New("key name is required")
	}

	raw, hash, err := s.generateKey()
	if err != nil {
		return nil, err
	}

	key := &models.APIKey{
		Name:           params.Name,
		KeyHash:        hash,
		KeyPrefix:      raw[:displayPrefixLen],
		OrganizationID: params.OrganizationID,
		UserID:         params.UserID,
		IsActive:       true,
		ExpiresAt:      params.ExpiresAt,
		Scopes:         params.Scopes,
		AllowedIPs:     params.AllowedIPs,
		MaxBudgetCents: params.MaxBudgetCents,
		BudgetDuration: params.BudgetDuration,
		TPM:            params.TPM,
		RPM:            params.RPM,
	}
	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		return nil, fmt.Errorf("failed to create api key: %w", err)
	}

	s.logger.Info("API key created",
		zap.String("key_id", key.ID.String()),
		zap.String("name", key.Name))

	return &models.APIKeyResponse{APIKey: *key, Key: raw}, nil
}

// Authenticate resolves a raw key to its record. Cache hits skip the
// database entirely; both paths re-check usability so a key that expired
// while cached still fails.
func (s *KeyService) Authenticate(ctx context.Context, raw string) (*models.APIKey, error) {
	if len(raw) < len(s.keyPrefix)+rawKeyBytes || raw[:len(s.keyPrefix)] != s.keyPrefix {
		return nil, ErrInvalidKeyFormat
	}
	hash := models.HashKey(raw)

	if key, ok := s.cached(ctx, hash); ok {
		if err := usable(key); err != nil {
			return nil, err
		}
		keyLookups.WithLabelValues("cache").Inc()
		s.touchLastUsed(ctx, key.ID)
		return key, nil
	}

	var key models.APIKey
	err := s.db.WithContext(ctx).
		Preload("Organization").
		Preload("User").
		Where("key_hash = ?", hash).
		First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}

	if err := usable(&key); err != nil {
		return nil, err
	}
	if key.Organization != nil && !key.Organization.IsActive {
		return nil, ErrInvalidKey
	}
	if key.User != nil && !key.User.IsActive {
		return nil, ErrInvalidKey
	}

	keyLookups.WithLabelValues("database").Inc()
	s.fillCache(ctx, hash, &key)
	s.touchLastUsed(ctx, key.ID)
	return &key, nil
}

func usable(key *models.APIKey) error {
	if key.IsRevoked() || !key.IsActive {
		return ErrInvalidKey
	}
	if key.IsExpired() {
		return ErrExpiredKey
	}
	return nil
}

func (s *KeyService) cached(ctx context.Context, hash string) (*models.APIKey, bool) {
	val, found, err := s.cache.Get(ctx, cache.APIKeyKey(hash))
	if err != nil || !found {
		return nil, false
	}
	var key models.APIKey
	if err := json.Unmarshal([]byte(val), &key); err != nil {
		s.logger.Warn("Dropping malformed cached key", zap.Error(err))
		_ = s.cache.Delete(ctx, cache.APIKeyKey(hash))
		return nil, false
	}
	return &key, true
}

// fillCache stores the record by hash plus a reverse mapping so revocation
// can invalidate without knowing the raw key.
func (s *KeyService) fillCache(ctx context.Context, hash string, key *models.APIKey) {
	data, err := json.Marshal(key)
	if err != nil {
		s.logger.Warn("Failed to marshal key for cache", zap.Error(err))
		return
	}
	if err := s.cache.Set(ctx, cache.APIKeyKey(hash), string(data), s.cacheTTL); err != nil {
		s.logger.Warn("Failed to cache api key", zap.Error(err))
		return
	}
	if err := s.cache.Set(ctx, cache.APIKeyReverseKey(key.ID.String()), hash, s.cacheTTL); err != nil {
		s.logger.Warn("Failed to cache key reverse mapping", zap.Error(err))
	}
}

// touchLastUsed records key activity, writing through to the database at
// most once per minute per key.
func (s *KeyService) touchLastUsed(ctx context.Context, id uuid.UUID) {
	won, err := s.cache.SetIfAbsent(ctx, cache.APIKeyLastUsedKey(id.String()), "1", time.Minute)
	if err != nil || !won {
		return
	}
	now := time.Now().UTC()
	err = s.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ?", id).
		Update("last_used_at", now).Error
	if err != nil {
		s.logger.Warn("Failed to record key usage",
			zap.String("key_id", id.String()), zap.Error(err))
	}
}

// Revoke disables a key and invalidates its cache entries immediately, so
// the revocation takes effect within one request rather than one TTL.
func (s *KeyService) Revoke(ctx context.Context, id uuid.UUID, by *uuid.UUID, reason string) error {
	var key models.APIKey
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrInvalidKey
	}
	if err != nil {
		return fmt.Errorf("failed to load api key: %w", err)
	}

	now := time.Now().UTC()
	err = s.db.WithContext(ctx).Model(&key).Updates(map[string]interface{}{
		"revoked_at":        now,
		"revoked_by":        by,
		"revocation_reason": reason,
		"is_active":         false,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}

	s.invalidate(ctx, key.KeyHash, id)
	s.logger.Info("API key revoked",
		zap.String("key_id", id.String()),
		zap.String("reason", reason))
	return nil
}

// Delete removes a key outright. Same invalidation as revocation.
func (s *KeyService) Delete(ctx context.Context, id uuid.UUID) error {
	var key models.APIKey
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrInvalidKey
	}
	if err != nil {
		return fmt.Errorf("failed to load api key: %w", err)
	}

	if err := s.db.WithContext(ctx).Delete(&key).Error; err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	s.invalidate(ctx, key.KeyHash, id)
	return nil
}

func (s *KeyService) invalidate(ctx context.Context, hash string, id uuid.UUID) {
	if err := s.cache.Delete(ctx, cache.APIKeyKey(hash)); err != nil {
		s.logger.Warn("Failed to invalidate key cache", zap.Error(err))
	}
	if err := s.cache.Delete(ctx, cache.APIKeyReverseKey(id.String())); err != nil {
		s.logger.Warn("Failed to invalidate key reverse mapping", zap.Error(err))
	}
}

func (s *KeyService) Get(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	var key models.APIKey
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load api key: %w", err)
	}
	return &key, nil
}

type ListKeysParams struct {
	OrganizationID *uuid.UUID
	UserID         *uuid.UUID
	IncludeRevoked bool
	Limit          int
	Offset         int
}

func (s *KeyService) List(ctx context.Context, params ListKeysParams) ([]models.APIKey, int64, error) {
	if params.Limit <= 0 || params.Limit > 100 {
		params.Limit = 50
	}

	query := s.db.WithContext(ctx).Model(&models.APIKey{})
	if params.OrganizationID != nil {
		query = query.Where("organization_id = ?", *params.OrganizationID)
	}
	if params.UserID != nil {
		query = query.Where("user_id = ?", *params.UserID)
	}
	if !params.IncludeRevoked {
		query = query.Where("revoked_at IS NULL")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count api keys: %w", err)
	}

	var keys []models.APIKey
	err := query.Order("created_at DESC").
		Limit(params.Limit).
		Offset(params.Offset).
		Find(&keys).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list api keys: %w", err)
	}
	return keys, total, nil
}
