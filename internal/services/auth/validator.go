package auth

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Identity is what a verified token asserts about its bearer.
type Identity struct {
	Subject string
	Email   string
	OrgID   uuid.UUID
	Scopes  []string
	Issuer  string
}

// Validator verifies tokens for one organization's identity provider. It is
// immutable after construction apart from its JWKS cache and safe for
// concurrent use.
type Validator struct {
	orgID      uuid.UUID
	issuer     string
	audiences  []string
	algorithms []string
	jwksURL    string
	userClaim  string
	scopeClaim string
	orgClaim   string

	refreshInterval time.Duration
	leeway          time.Duration
	httpClient      *http.Client
	refetch         *rate.Limiter
	logger          *zap.Logger

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

type ValidatorConfig struct {
	OrgID      uuid.UUID
	Issuer     string
	Audiences  []string
	Algorithms []string
	JWKSURL    string
	UserClaim  string
	ScopeClaim string
	OrgClaim   string

	RefreshInterval time.Duration
	Leeway          time.Duration
	HTTPClient      *http.Client
	// Refetch throttles kid-miss JWKS fetches; shared across validators so a
	// flood of unknown kids cannot hammer the provider.
	Refetch *rate.Limiter
	Logger  *zap.Logger
}

func NewValidator(cfg *ValidatorConfig) *Validator {
	algorithms := make([]string, 0, len(cfg.Algorithms))
	for _, alg := range cfg.Algorithms {
		// "none" never verifies anything, whatever the config says
		if strings.EqualFold(alg, "none") {
			continue
		}
		algorithms = append(algorithms, alg)
	}
	if len(algorithms) == 0 {
		algorithms = []string{"RS256"}
	}
	if cfg.UserClaim == "" {
		cfg.UserClaim = "sub"
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = time.Hour
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = time.Minute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Refetch == nil {
		cfg.Refetch = rate.NewLimiter(rate.Every(10*time.Second), 3)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		orgID:           cfg.OrgID,
		issuer:          cfg.Issuer,
		audiences:       cfg.Audiences,
		algorithms:      algorithms,
		jwksURL:         cfg.JWKSURL,
		userClaim:       cfg.UserClaim,
		scopeClaim:      cfg.ScopeClaim,
		orgClaim:        cfg.OrgClaim,
		refreshInterval: cfg.RefreshInterval,
		leeway:          cfg.Leeway,
		httpClient:      cfg.HTTPClient,
		refetch:         cfg.Refetch,
		logger:          logger.Named("auth.validator"),
		keys:            make(map[string]crypto.PublicKey),
	}
}

// Validate verifies signature, algorithm, lifetime, issuer, and audience,
// then maps the configured claims onto an Identity.
func (v *Validator) Validate(ctx context.Context, raw string) (*Identity, error) {
	token, err := jwt.Parse(raw, v.keyfunc(ctx),
		jwt.WithValidMethods(v.algorithms),
		jwt.WithLeeway(v.leeway),
		jwt.WithIssuer(v.issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}

	aud, err := claims.GetAudience()
	if err != nil || !audienceMatches(aud, v.audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}

	subject, _ := claims[v.userClaim].(string)
	if subject == "" {
		return nil, fmt.Errorf("%w: token missing %s claim", ErrInvalidToken, v.userClaim)
	}

	// an org claim, when mapped and present, must name this validator's org
	if v.orgClaim != "" {
		if org, _ := claims[v.orgClaim].(string); org != "" && org != v.orgID.String() {
			return nil, fmt.Errorf("%w: token org mismatch", ErrInvalidToken)
		}
	}

	email, _ := claims["email"].(string)
	return &Identity{
		Subject: subject,
		Email:   email,
		OrgID:   v.orgID,
		Scopes:  scopesFromClaim(claims[v.scopeClaim]),
		Issuer:  v.issuer,
	}, nil
}

func (v *Validator) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token header has no kid")
		}
		return v.keyForKid(ctx, kid)
	}
}

// keyForKid serves from the cache while it is fresh. A stale cache always
// refetches; a kid miss in a fresh cache gets one throttled refetch.
func (v *Validator) keyForKid(ctx context.Context, kid string) (crypto.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	stale := time.Since(v.fetchedAt) >= v.refreshInterval
	v.mu.RUnlock()

	if ok && !stale {
		return key, nil
	}
	if !stale && !v.refetch.Allow() {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}

	if err := v.refresh(ctx); err != nil {
		if ok {
			// a failed refresh keeps the stale key rather than failing auth
			v.logger.Warn("JWKS refresh failed, serving cached key", zap.Error(err))
			return key, nil
		}
		return nil, err
	}

	v.mu.RLock()
	key, ok = v.keys[kid]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	return key, nil
}

func (v *Validator) refresh(ctx context.Context) error {
	keys, err := fetchJWKS(ctx, v.httpClient, v.jwksURL)
	if err != nil {
		return fmt.Errorf("failed to refresh jwks for %s: %w", v.issuer, err)
	}
	v.mu.Lock()
	v.keys = keys
	v.fetchedAt = time.Now()
	v.mu.Unlock()
	return nil
}

func audienceMatches(tokenAud jwt.ClaimStrings, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, aud := range tokenAud {
		for _, want := range allowed {
			if aud == want {
				return true
			}
		}
	}
	return false
}

// scopesFromClaim accepts both the OAuth2 space-separated string form and
// the array form some providers emit.
func scopesFromClaim(val interface{}) []string {
	switch v := val.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
