package auth

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/ScriptSmith/hadrian-sub008/internal/config"
	"github.com/ScriptSmith/hadrian-sub008/internal/models"
)

// maxNegativeEntries bounds the unknown-issuer cache.
const maxNegativeEntries = 10_000

// Registry resolves token issuers to per-organization validators, built
// lazily from sso_configs. Several organizations may share an issuer; their
// validators are tried in registration order and told apart by audience.
type Registry struct {
	db          *gorm.DB
	logger      *zap.Logger
	jwtCfg      config.JWTConfig
	negativeTTL time.Duration
	httpClient  *http.Client
	refetch     *rate.Limiter

	mu       sync.RWMutex
	byIssuer map[string][]uuid.UUID
	byOrg    map[uuid.UUID]*Validator
	negative map[string]time.Time

	// loadMu serializes lazy loads so a burst of requests for a cold issuer
	// performs one database query and one discovery round-trip.
	loadMu sync.Mutex
}

type RegistryConfig struct {
	DB         *gorm.DB
	Logger     *zap.Logger
	JWT        config.JWTConfig
	HTTPClient *http.Client
}

func NewRegistry(cfg *RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	negativeTTL := cfg.JWT.NegativeCacheTTL
	if negativeTTL == 0 {
		negativeTTL = time.Minute
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Registry{
		db:          cfg.DB,
		logger:      logger.Named("auth.registry"),
		jwtCfg:      cfg.JWT,
		negativeTTL: negativeTTL,
		httpClient:  httpClient,
		refetch:     rate.NewLimiter(rate.Every(10*time.Second), 3),
		byIssuer:    make(map[string][]uuid.UUID),
		byOrg:       make(map[uuid.UUID]*Validator),
		negative:    make(map[string]time.Time),
	}
}

// ValidateToken routes the token to its issuer's validators and returns the
// first identity that verifies. The issuer claim is read unverified purely
// for routing; nothing is trusted until a validator accepts the signature.
func (r *Registry) ValidateToken(ctx context.Context, raw string) (*Identity, error) {
	issuer, err := unverifiedIssuer(raw)
	if err != nil {
		return nil, err
	}

	validators, err := r.ValidatorsForIssuer(ctx, issuer)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, v := range validators {
		identity, err := v.Validate(ctx, raw)
		if err == nil {
			return identity, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// ValidatorsForIssuer returns the validators registered for issuer, loading
// them from the database on first sight.
func (r *Registry) ValidatorsForIssuer(ctx context.Context, issuer string) ([]*Validator, error) {
	if vs := r.cachedValidators(issuer); vs != nil {
		return vs, nil
	}
	if r.negativelyCached(issuer) {
		return nil, fmt.Errorf("%w: unknown issuer", ErrInvalidToken)
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	// another request may have finished the load while we waited
	if vs := r.cachedValidators(issuer); vs != nil {
		return vs, nil
	}
	if r.negativelyCached(issuer) {
		return nil, fmt.Errorf("%w: unknown issuer", ErrInvalidToken)
	}

	var configs []models.SSOConfig
	err := r.db.WithContext(ctx).
		Where("issuer = ? AND enabled = ?", issuer, true).
		Order("created_at ASC").
		Find(&configs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load sso configs: %w", err)
	}
	if len(configs) == 0 {
		r.cacheNegative(issuer)
		return nil, fmt.Errorf("%w: unknown issuer", ErrInvalidToken)
	}

	validators := make([]*Validator, 0, len(configs))
	orgIDs := make([]uuid.UUID, 0, len(configs))
	for i := range configs {
		v, err := r.buildValidator(ctx, &configs[i])
		if err != nil {
			r.logger.Warn("Skipping unusable sso config",
				zap.String("issuer", issuer),
				zap.String("org_id", configs[i].OrganizationID.String()),
				zap.Error(err))
			continue
		}
		validators = append(validators, v)
		orgIDs = append(orgIDs, configs[i].OrganizationID)
	}
	if len(validators) == 0 {
		r.cacheNegative(issuer)
		return nil, fmt.Errorf("%w: no usable validator for issuer", ErrInvalidToken)
	}

	r.mu.Lock()
	r.byIssuer[issuer] = orgIDs
	for i, v := range validators {
		r.byOrg[orgIDs[i]] = v
	}
	delete(r.negative, issuer)
	r.mu.Unlock()

	r.logger.Info("Registered issuer",
		zap.String("issuer", issuer),
		zap.Int("validators", len(validators)))
	return validators, nil
}

func (r *Registry) cachedValidators(issuer string) []*Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids, ok := r.byIssuer[issuer]
	if !ok {
		return nil
	}
	vs := make([]*Validator, 0, len(ids))
	for _, id := range ids {
		if v, ok := r.byOrg[id]; ok {
			vs = append(vs, v)
		}
	}
	if len(vs) == 0 {
		return nil
	}
	return vs
}

func (r *Registry) negativelyCached(issuer string) bool {
	r.mu.RLock()
	at, ok := r.negative[issuer]
	r.mu.RUnlock()
	return ok && time.Since(at) < r.negativeTTL
}

func (r *Registry) cacheNegative(issuer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.negative) >= maxNegativeEntries {
		r.evictNegativeLocked()
	}
	r.negative[issuer] = time.Now()
}

// evictNegativeLocked drops expired entries first, then the oldest half if
// the map is still at capacity.
func (r *Registry) evictNegativeLocked() {
	for issuer, at := range r.negative {
		if time.Since(at) >= r.negativeTTL {
			delete(r.negative, issuer)
		}
	}
	if len(r.negative) < maxNegativeEntries {
		return
	}

	type aged struct {
		issuer string
		at     time.Time
	}
	entries := make([]aged, 0, len(r.negative))
	for issuer, at := range r.negative {
		entries = append(entries, aged{issuer, at})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	for _, e := range entries[:len(entries)/2] {
		delete(r.negative, e.issuer)
	}
}

func (r *Registry) buildValidator(ctx context.Context, cfg *models.SSOConfig) (*Validator, error) {
	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		resolved, err := r.discoverJWKS(ctx, cfg.Issuer)
		if err != nil {
			return nil, err
		}
		jwksURL = resolved
	}
	return NewValidator(&ValidatorConfig{
		OrgID:           cfg.OrganizationID,
		Issuer:          cfg.Issuer,
		Audiences:       cfg.Audiences,
		Algorithms:      cfg.Algorithms,
		JWKSURL:         jwksURL,
		UserClaim:       cfg.UserClaim,
		ScopeClaim:      cfg.ScopeClaim,
		OrgClaim:        cfg.OrgClaim,
		RefreshInterval: r.jwtCfg.JWKSRefreshInterval,
		Leeway:          r.jwtCfg.Leeway,
		HTTPClient:      r.httpClient,
		Refetch:         r.refetch,
		Logger:          r.logger,
	}), nil
}

// discoverJWKS resolves the key endpoint through OIDC discovery when the
// config does not pin one.
func (r *Registry) discoverJWKS(ctx context.Context, issuer string) (string, error) {
	ctx = oidc.ClientContext(ctx, r.httpClient)
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return "", fmt.Errorf("oidc discovery failed for %s: %w", issuer, err)
	}
	var meta struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return "", fmt.Errorf("failed to read issuer metadata: %w", err)
	}
	if meta.JWKSURI == "" {
		return "", fmt.Errorf("issuer %s metadata has no jwks_uri", issuer)
	}
	return meta.JWKSURI, nil
}

// Invalidate drops one organization's validator, forcing a reload on next
// use. Called when its SSO config changes.
func (r *Registry) Invalidate(orgID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byOrg, orgID)
	for issuer, ids := range r.byIssuer {
		kept := make([]uuid.UUID, 0, len(ids))
		for _, id := range ids {
			if id != orgID {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(r.byIssuer, issuer)
		} else {
			r.byIssuer[issuer] = kept
		}
	}
}

// InvalidateIssuer drops every validator registered under issuer and clears
// its negative cache entry.
func (r *Registry) InvalidateIssuer(issuer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.byIssuer[issuer] {
		delete(r.byOrg, id)
	}
	delete(r.byIssuer, issuer)
	delete(r.negative, issuer)
}

func unverifiedIssuer(raw string) (string, error) {
	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	issuer, err := token.Claims.GetIssuer()
	if err != nil || issuer == "" {
		return "", fmt.Errorf("%w: token has no issuer", ErrInvalidToken)
	}
	return issuer, nil
}
