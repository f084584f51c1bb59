package models

import (
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// SSOConfig describes one organization's identity provider. Tokens from the
// issuer are validated against these settings; several organizations may
// share an issuer and are told apart by audience.
type SSOConfig struct {
	BaseModel
	OrganizationID uuid.UUID     `gorm:"type:uuid;index;not null" json:"organization_id"`
	Organization   *Organization `gorm:"foreignKey:OrganizationID" json:"-"`

	Issuer    string         `gorm:"index;not null" json:"issuer"`
	Audiences pq.StringArray `gorm:"type:text[]" json:"audiences"`

	// JWKSURL may be empty, in which case it is resolved through OIDC
	// discovery on the issuer.
	JWKSURL    string         `json:"jwks_url,omitempty"`
	Algorithms pq.StringArray `gorm:"type:text[]" json:"algorithms"`

	UserClaim  string `gorm:"default:'sub'" json:"user_claim"`
	ScopeClaim string `gorm:"default:'scope'" json:"scope_claim"`
	OrgClaim   string `json:"org_claim,omitempty"`

	Enabled bool `gorm:"default:true" json:"enabled"`
}
