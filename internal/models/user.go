package models

import (
	"time"

	"github.com/google/uuid"
)

type UserRole string

const (
	RoleAdmin  UserRole = "admin"
	RoleMember UserRole = "member"
	RoleViewer UserRole = "viewer"
)

type User struct {
	BaseModel
	Email string `gorm:"uniqueIndex;not null" json:"email"`
	Name  string `json:"name"`

	// ExternalID is the IdP subject for users provisioned through JWT auth.
	ExternalID string `gorm:"index" json:"external_id,omitempty"`

	OrganizationID *uuid.UUID    `gorm:"type:uuid;index" json:"organization_id,omitempty"`
	Organization   *Organization `gorm:"foreignKey:OrganizationID" json:"-"`

	Role        UserRole   `gorm:"type:varchar(20);default:'member'" json:"role"`
	IsActive    bool       `gorm:"default:true" json:"is_active"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
}
