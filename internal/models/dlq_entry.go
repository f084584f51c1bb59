package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// DLQEntry is the database row behind the dead letter queue's sql backend.
// It does not embed BaseModel: timestamps and IDs are managed by the queue
// so that file, redis and database backends agree on ordering semantics.
type DLQEntry struct {
	ID          uuid.UUID      `gorm:"type:uuid;primary_key;index:idx_dlq_created_id,priority:2" json:"id"`
	Type        string         `gorm:"type:varchar(64);index;not null" json:"type"`
	Payload     datatypes.JSON `json:"payload"`
	Error       string         `json:"error"`
	RetryCount  int            `gorm:"index" json:"retry_count"`
	CreatedAt   time.Time      `gorm:"index:idx_dlq_created_id,priority:1" json:"created_at"`
	LastRetryAt *time.Time     `json:"last_retry_at,omitempty"`
	Metadata    datatypes.JSON `json:"metadata,omitempty"`
}

func (DLQEntry) TableName() string {
	return "dlq_entries"
}
