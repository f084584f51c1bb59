package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// BudgetPeriod is the window a spending limit applies to.
type BudgetPeriod string

const (
	BudgetPeriodDaily   BudgetPeriod = "daily"
	BudgetPeriodWeekly  BudgetPeriod = "weekly"
	BudgetPeriodMonthly BudgetPeriod = "monthly"
)

func (p BudgetPeriod) Valid() bool {
	switch p {
	case BudgetPeriodDaily, BudgetPeriodWeekly, BudgetPeriodMonthly:
		return true
	}
	return false
}

type APIKey struct {
	BaseModel
	Name      string `gorm:"not null" json:"name"`
	KeyHash   string `gorm:"uniqueIndex;not null" json:"-"`
	KeyPrefix string `gorm:"index;not null" json:"key_prefix"`

	OrganizationID *uuid.UUID    `gorm:"type:uuid;index" json:"organization_id,omitempty"`
	Organization   *Organization `gorm:"foreignKey:OrganizationID" json:"-"`
	UserID         *uuid.UUID    `gorm:"type:uuid;index" json:"user_id,omitempty"`
	User           *User         `gorm:"foreignKey:UserID" json:"-"`

	IsActive  bool       `gorm:"default:true" json:"is_active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevokedBy        *uuid.UUID `gorm:"type:uuid" json:"revoked_by,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`

	Scopes     pq.StringArray `gorm:"type:text[]" json:"scopes,omitempty"`
	AllowedIPs pq.StringArray `gorm:"type:text[]" json:"allowed_ips,omitempty"`

	// Per-key limit overrides. Nil falls back to the global config,
	// an explicit zero disables the check for this key.
	MaxBudgetCents *int64        `json:"max_budget_cents,omitempty"`
	BudgetDuration *BudgetPeriod `gorm:"type:varchar(16)" json:"budget_duration,omitempty"`
	TPM            *int64        `json:"tpm,omitempty"`
	RPM            *int64        `json:"rpm,omitempty"`

	LastUsedAt *time.Time     `json:"last_used_at,omitempty"`
	Metadata   datatypes.JSON `json:"metadata,omitempty"`
}

// HashKey derives the storage hash for a raw key value. Raw keys are never
// persisted.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (k *APIKey) IsExpired() bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(time.Now())
}

func (k *APIKey) IsRevoked() bool {
	return k.RevokedAt != nil
}

// IsUsable reports whether the key may authenticate a request right now.
func (k *APIKey) IsUsable() bool {
	return k.IsActive && !k.IsRevoked() && !k.IsExpired()
}

func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

// APIKeyResponse is returned once at creation time and carries the raw key.
type APIKeyResponse struct {
	APIKey
	Key string `json:"key,omitempty"`
}
