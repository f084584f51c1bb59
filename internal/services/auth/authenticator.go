package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ScriptSmith/hadrian-sub008/internal/config"
	"github.com/ScriptSmith/hadrian-sub008/internal/models"
)

type PrincipalType string

const (
	PrincipalAPIKey    PrincipalType = "api_key"
	PrincipalJWT       PrincipalType = "jwt"
	PrincipalIAP       PrincipalType = "iap"
	PrincipalAnonymous PrincipalType = "anonymous"
)

// Principal is the authenticated caller, whatever credential produced it.
type Principal struct {
	Type PrincipalType

	KeyID  *uuid.UUID
	OrgID  *uuid.UUID
	UserID *uuid.UUID

	// Subject and Email come from identity-based credentials.
	Subject string
	Email   string

	Scopes     []string
	AllowedIPs []string

	// Per-key limit overrides, nil when the credential carries none.
	BudgetLimitCents *int64
	BudgetPeriod     *models.BudgetPeriod
	TPM              *int64
	RPM              *int64
}

// LimitKey is the identity budget and rate windows are keyed by.
func (p *Principal) LimitKey() string {
	switch {
	case p.KeyID != nil:
		return p.KeyID.String()
	case p.UserID != nil:
		return p.UserID.String()
	case p.Subject != "":
		return p.Subject
	case p.OrgID != nil:
		return p.OrgID.String()
	default:
		return "anonymous"
	}
}

// ActorType labels the principal in audit events.
func (p *Principal) ActorType() string {
	switch p.Type {
	case PrincipalAPIKey:
		return "api_key"
	case PrincipalJWT:
		return "user"
	case PrincipalIAP:
		return "iap"
	default:
		return "anonymous"
	}
}

// TokenValidator verifies bearer tokens. Implemented by the registry.
type TokenValidator interface {
	ValidateToken(ctx context.Context, raw string) (*Identity, error)
}

// KeyAuthenticator resolves raw API keys. Implemented by the key service.
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, raw string) (*models.APIKey, error)
	KeyPrefix() string
}

// Authenticator turns request credentials into a Principal according to the
// configured mode. Detection between API keys and JWTs on the Authorization
// header is purely prefix-based; a request presenting both header families
// is rejected rather than guessed at.
type Authenticator struct {
	keys   KeyAuthenticator
	tokens TokenValidator
	cfg    config.AuthConfig
	logger *zap.Logger
}

type AuthenticatorConfig struct {
	Keys   KeyAuthenticator
	Tokens TokenValidator
	Config config.AuthConfig
	Logger *zap.Logger
}

func NewAuthenticator(cfg *AuthenticatorConfig) *Authenticator {
	if cfg.Config.Mode == "" {
		cfg.Config.Mode = "api_key"
	}
	if cfg.Config.IAPUserHeader == "" {
		cfg.Config.IAPUserHeader = "X-Iap-User-Id"
	}
	if cfg.Config.IAPEmailHeader == "" {
		cfg.Config.IAPEmailHeader = "X-Iap-User-Email"
	}
	if cfg.Config.IAPOrgHeader == "" {
		cfg.Config.IAPOrgHeader = "X-Iap-Org-Id"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		keys:   cfg.Keys,
		tokens: cfg.Tokens,
		cfg:    cfg.Config,
		logger: logger.Named("auth"),
	}
}

// Authenticate resolves the request to a Principal. trustedPeer reports
// whether the TCP peer is inside the trusted proxy CIDRs; identity headers
// from anywhere else are ignored.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request, trustedPeer bool) (*Principal, error) {
	apiKeyHeader := strings.TrimSpace(r.Header.Get("X-API-Key"))
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	bearer, hasBearer := bearerToken(authHeader)

	switch a.cfg.Mode {
	case "none":
		if apiKeyHeader == "" && authHeader == "" {
			return a.anonymous(), nil
		}
		return a.credentialed(ctx, apiKeyHeader, bearer, hasBearer, authHeader != "")

	case "api_key":
		raw := apiKeyHeader
		if raw == "" && hasBearer && a.isKey(bearer) {
			raw = bearer
		}
		if raw == "" {
			return nil, ErrMissingCredentials
		}
		return a.keyPrincipal(ctx, raw)

	case "idp":
		return a.credentialed(ctx, apiKeyHeader, bearer, hasBearer, authHeader != "")

	case "iap":
		if apiKeyHeader != "" {
			return a.keyPrincipal(ctx, apiKeyHeader)
		}
		if hasBearer && a.isKey(bearer) {
			return a.keyPrincipal(ctx, bearer)
		}
		return a.iapPrincipal(r, trustedPeer)

	default:
		return nil, fmt.Errorf("unsupported auth mode %q", a.cfg.Mode)
	}
}

// credentialed resolves explicit credentials: both header families at once
// is ambiguous, a prefixed bearer is an API key, any other bearer is a JWT.
func (a *Authenticator) credentialed(ctx context.Context, apiKeyHeader, bearer string, hasBearer, hasAuthHeader bool) (*Principal, error) {
	if apiKeyHeader != "" && hasAuthHeader {
		return nil, ErrAmbiguousCredentials
	}
	if apiKeyHeader != "" {
		return a.keyPrincipal(ctx, apiKeyHeader)
	}
	if !hasBearer {
		return nil, ErrMissingCredentials
	}
	if a.isKey(bearer) {
		return a.keyPrincipal(ctx, bearer)
	}
	return a.jwtPrincipal(ctx, bearer)
}

func (a *Authenticator) isKey(bearer string) bool {
	return strings.HasPrefix(bearer, a.keys.KeyPrefix())
}

func (a *Authenticator) keyPrincipal(ctx context.Context, raw string) (*Principal, error) {
	key, err := a.keys.Authenticate(ctx, raw)
	if err != nil {
		return nil, err
	}
	keyID := key.ID
	return &Principal{
		Type:             PrincipalAPIKey,
		KeyID:            &keyID,
		OrgID:            key.OrganizationID,
		UserID:           key.UserID,
		Scopes:           key.Scopes,
		AllowedIPs:       key.AllowedIPs,
		BudgetLimitCents: key.MaxBudgetCents,
		BudgetPeriod:     key.BudgetDuration,
		TPM:              key.TPM,
		RPM:              key.RPM,
	}, nil
}

func (a *Authenticator) jwtPrincipal(ctx context.Context, raw string) (*Principal, error) {
	if a.tokens == nil {
		return nil, fmt.Errorf("%w: no token validator configured", ErrInvalidToken)
	}
	identity, err := a.tokens.ValidateToken(ctx, raw)
	if err != nil {
		return nil, err
	}
	orgID := identity.OrgID
	return &Principal{
		Type:    PrincipalJWT,
		OrgID:   &orgID,
		Subject: identity.Subject,
		Email:   identity.Email,
		Scopes:  identity.Scopes,
	}, nil
}

func (a *Authenticator) iapPrincipal(r *http.Request, trustedPeer bool) (*Principal, error) {
	if !trustedPeer {
		return nil, ErrMissingCredentials
	}
	subject := r.Header.Get(a.cfg.IAPUserHeader)
	if subject == "" {
		return nil, ErrMissingCredentials
	}
	p := &Principal{
		Type:    PrincipalIAP,
		Subject: subject,
		Email:   r.Header.Get(a.cfg.IAPEmailHeader),
		Scopes:  []string{"*"},
	}
	if org := r.Header.Get(a.cfg.IAPOrgHeader); org != "" {
		if id, err := uuid.Parse(org); err == nil {
			p.OrgID = &id
		}
	}
	return p, nil
}

func (a *Authenticator) anonymous() *Principal {
	p := &Principal{Type: PrincipalAnonymous, Scopes: []string{"*"}}
	if id, err := uuid.Parse(a.cfg.AnonymousOrgID); err == nil {
		p.OrgID = &id
	}
	if id, err := uuid.Parse(a.cfg.AnonymousUserID); err == nil {
		p.UserID = &id
	}
	return p
}

// bearerToken extracts the token from an Authorization header with a
// case-insensitive scheme match.
func bearerToken(header string) (string, bool) {
	const scheme = "bearer "
	if len(header) > len(scheme) && strings.EqualFold(header[:len(scheme)], scheme) {
		return strings.TrimSpace(header[len(scheme):]), true
	}
	return "", false
}
