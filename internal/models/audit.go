package models

import (
	"time"

	"gorm.io/datatypes"
)

type AuditEventType string

const (
	AuditKeyCreated        AuditEventType = "key.created"
	AuditKeyRevoked        AuditEventType = "key.revoked"
	AuditAuthFailed        AuditEventType = "auth.failed"
	AuditBudgetWarning     AuditEventType = "budget.warning"
	AuditBudgetExceeded    AuditEventType = "budget.exceeded"
	AuditGuardrailsBlocked AuditEventType = "guardrails.blocked"
	AuditDLQReplayed       AuditEventType = "dlq.replayed"
)

type Audit struct {
	BaseModel
	EventType AuditEventType `gorm:"type:varchar(64);index;not null" json:"event_type"`

	ActorType string `gorm:"type:varchar(32)" json:"actor_type"`
	ActorID   string `gorm:"index" json:"actor_id"`

	ResourceType string `gorm:"type:varchar(32)" json:"resource_type"`
	ResourceID   string `gorm:"index" json:"resource_id"`

	Decision string `gorm:"type:varchar(16)" json:"decision"`
	Reason   string `json:"reason"`

	IP        string `json:"ip,omitempty"`
	RequestID string `gorm:"index" json:"request_id,omitempty"`

	Metadata datatypes.JSON `json:"metadata,omitempty"`

	Timestamp time.Time `gorm:"index;not null" json:"timestamp"`
}
