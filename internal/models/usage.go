package models

import (
	"time"

	"github.com/google/uuid"
)

// Usage is one request's recorded consumption. Rows are written in batches
// by the usage buffer, never on the request path.
type Usage struct {
	BaseModel
	RequestID string `gorm:"index;not null" json:"request_id"`

	APIKeyID       *uuid.UUID `gorm:"type:uuid;index" json:"api_key_id,omitempty"`
	OrganizationID *uuid.UUID `gorm:"type:uuid;index" json:"organization_id,omitempty"`
	UserID         *uuid.UUID `gorm:"type:uuid;index" json:"user_id,omitempty"`

	Model    string `gorm:"index" json:"model"`
	Provider string `json:"provider"`
	Endpoint string `json:"endpoint"`

	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`

	CostMicrocents int64 `json:"cost_microcents"`

	// Estimated reports whether the row carries the admission estimate
	// because the upstream response exposed no usage facts.
	Estimated bool `json:"estimated"`

	// PricingSource tags where the cost figure came from: the adapter's
	// claim or the gateway's own pricing table.
	PricingSource string `gorm:"type:varchar(32)" json:"pricing_source,omitempty"`

	StatusCode int   `json:"status_code"`
	LatencyMs  int64 `json:"latency_ms"`
	Stream     bool  `json:"stream"`

	Timestamp time.Time `gorm:"index;not null" json:"timestamp"`
}
