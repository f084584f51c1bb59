package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const testIssuer = "https://idp.example.com"

// jwksServer serves the signing keys registered on it in JWKS form and
// counts fetches.
type jwksServer struct {
	*httptest.Server

	mu   sync.Mutex
	rsa  map[string]*rsa.PrivateKey
	fail bool
	hits int
}

func newJWKSServer(t *testing.T) *jwksServer {
	t.Helper()
	s := &jwksServer{rsa: make(map[string]*rsa.PrivateKey)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) addKey(t *testing.T, kid string) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	s.mu.Lock()
	s.rsa[kid] = key
	s.mu.Unlock()
	return key
}

func (s *jwksServer) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func (s *jwksServer) hitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

func (s *jwksServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits++
	if s.fail {
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return
	}
	var doc struct {
		Keys []map[string]string `json:"keys"`
	}
	for kid, key := range s.rsa {
		pub := key.Public().(*rsa.PublicKey)
		doc.Keys = append(doc.Keys, map[string]string{
			"kid": kid,
			"kty": "RSA",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	raw, err := token.SignedString(key)
	require.NoError(t, err)
	return raw
}

func testClaims(issuer string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   issuer,
		"sub":   "user-123",
		"aud":   "hadrian",
		"email": "dev@example.com",
		"scope": "llm:invoke keys:read",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Add(-time.Minute).Unix(),
	}
}

func newTestValidator(t *testing.T, srv *jwksServer, mutate func(*ValidatorConfig)) (*Validator, uuid.UUID) {
	t.Helper()
	orgID := uuid.New()
	cfg := &ValidatorConfig{
		OrgID:      orgID,
		Issuer:     testIssuer,
		Audiences:  []string{"hadrian"},
		JWKSURL:    srv.URL,
		HTTPClient: srv.Client(),
		Logger:     zap.NewNop(),
	}
	if mutate != nil {
		mutate(cfg)
	}
	return NewValidator(cfg), orgID
}

func TestValidator_Validate(t *testing.T) {
	srv := newJWKSServer(t)
	key := srv.addKey(t, "k1")
	v, orgID := newTestValidator(t, srv, nil)

	identity, err := v.Validate(context.Background(), signRS256(t, key, "k1", testClaims(testIssuer)))
	require.NoError(t, err)

	assert.Equal(t, "user-123", identity.Subject)
	assert.Equal(t, "dev@example.com", identity.Email)
	assert.Equal(t, orgID, identity.OrgID)
	assert.Equal(t, []string{"llm:invoke", "keys:read"}, identity.Scopes)
	assert.Equal(t, testIssuer, identity.Issuer)
}

func TestValidator_RejectsBadTokens(t *testing.T) {
	srv := newJWKSServer(t)
	key := srv.addKey(t, "k1")
	v, _ := newTestValidator(t, srv, nil)
	ctx := context.Background()

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		claims := testClaims(testIssuer)
		claims["exp"] = time.Now().Add(-2 * time.Hour).Unix()
		_, err := v.Validate(ctx, signRS256(t, key, "k1", claims))
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		_, err := v.Validate(ctx, signRS256(t, key, "k1", testClaims("https://other.example.com")))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong audience", func(t *testing.T) {
		claims := testClaims(testIssuer)
		claims["aud"] = "someone-else"
		_, err := v.Validate(ctx, signRS256(t, key, "k1", claims))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("forged signature", func(t *testing.T) {
		_, err := v.Validate(ctx, signRS256(t, otherKey, "k1", testClaims(testIssuer)))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("alg none", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, testClaims(testIssuer))
		token.Header["kid"] = "k1"
		raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = v.Validate(ctx, raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong algorithm family", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, testClaims(testIssuer))
		token.Header["kid"] = "k1"
		raw, err := token.SignedString([]byte("shared-secret"))
		require.NoError(t, err)
		_, err = v.Validate(ctx, raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing kid", func(t *testing.T) {
		_, err := v.Validate(ctx, signRS256(t, key, "", testClaims(testIssuer)))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing subject", func(t *testing.T) {
		claims := testClaims(testIssuer)
		delete(claims, "sub")
		_, err := v.Validate(ctx, signRS256(t, key, "k1", claims))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("not a token", func(t *testing.T) {
		_, err := v.Validate(ctx, "definitely-not-a-jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestValidator_AudienceHandling(t *testing.T) {
	srv := newJWKSServer(t)
	key := srv.addKey(t, "k1")
	ctx := context.Background()

	t.Run("empty allowlist accepts any audience", func(t *testing.T) {
		v, _ := newTestValidator(t, srv, func(cfg *ValidatorConfig) {
			cfg.Audiences = nil
		})
		claims := testClaims(testIssuer)
		claims["aud"] = "whoever"
		_, err := v.Validate(ctx, signRS256(t, key, "k1", claims))
		assert.NoError(t, err)

		delete(claims, "aud")
		_, err = v.Validate(ctx, signRS256(t, key, "k1", claims))
		assert.NoError(t, err)
	})

	t.Run("array audience intersects", func(t *testing.T) {
		v, _ := newTestValidator(t, srv, nil)
		claims := testClaims(testIssuer)
		claims["aud"] = []string{"someone-else", "hadrian"}
		_, err := v.Validate(ctx, signRS256(t, key, "k1", claims))
		assert.NoError(t, err)
	})
}

func TestValidator_OrgClaim(t *testing.T) {
	srv := newJWKSServer(t)
	key := srv.addKey(t, "k1")
	v, orgID := newTestValidator(t, srv, func(cfg *ValidatorConfig) {
		cfg.OrgClaim = "org_id"
	})
	ctx := context.Background()

	t.Run("matching org passes", func(t *testing.T) {
		claims := testClaims(testIssuer)
		claims["org_id"] = orgID.String()
		_, err := v.Validate(ctx, signRS256(t, key, "k1", claims))
		assert.NoError(t, err)
	})

	t.Run("foreign org rejected", func(t *testing.T) {
		claims := testClaims(testIssuer)
		claims["org_id"] = uuid.NewString()
		_, err := v.Validate(ctx, signRS256(t, key, "k1", claims))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("absent claim passes", func(t *testing.T) {
		_, err := v.Validate(ctx, signRS256(t, key, "k1", testClaims(testIssuer)))
		assert.NoError(t, err)
	})
}

func TestValidator_ScopeArrayForm(t *testing.T) {
	srv := newJWKSServer(t)
	key := srv.addKey(t, "k1")
	v, _ := newTestValidator(t, srv, nil)

	claims := testClaims(testIssuer)
	claims["scope"] = []string{"llm:invoke", "admin"}
	identity, err := v.Validate(context.Background(), signRS256(t, key, "k1", claims))
	require.NoError(t, err)
	assert.Equal(t, []string{"llm:invoke", "admin"}, identity.Scopes)
}

func TestValidator_KeyRotationRefetches(t *testing.T) {
	srv := newJWKSServer(t)
	key1 := srv.addKey(t, "k1")
	v, _ := newTestValidator(t, srv, nil)
	ctx := context.Background()

	_, err := v.Validate(ctx, signRS256(t, key1, "k1", testClaims(testIssuer)))
	require.NoError(t, err)
	require.Equal(t, 1, srv.hitCount())

	// a kid the cache has never seen triggers one refetch
	key2 := srv.addKey(t, "k2")
	_, err = v.Validate(ctx, signRS256(t, key2, "k2", testClaims(testIssuer)))
	require.NoError(t, err)
	assert.Equal(t, 2, srv.hitCount())
}

func TestValidator_KidMissRefetchThrottled(t *testing.T) {
	srv := newJWKSServer(t)
	key := srv.addKey(t, "k1")
	v, _ := newTestValidator(t, srv, func(cfg *ValidatorConfig) {
		cfg.Refetch = rate.NewLimiter(rate.Every(time.Hour), 1)
	})
	ctx := context.Background()

	_, err := v.Validate(ctx, signRS256(t, key, "k1", testClaims(testIssuer)))
	require.NoError(t, err)
	require.Equal(t, 1, srv.hitCount())

	ghost, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	// first unknown kid consumes the refetch budget
	_, err = v.Validate(ctx, signRS256(t, ghost, "ghost-1", testClaims(testIssuer)))
	require.ErrorIs(t, err, ErrInvalidToken)
	require.Equal(t, 2, srv.hitCount())

	// the next one is throttled and never reaches the endpoint
	_, err = v.Validate(ctx, signRS256(t, ghost, "ghost-2", testClaims(testIssuer)))
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, 2, srv.hitCount())
}

func TestValidator_StaleCacheRefetches(t *testing.T) {
	srv := newJWKSServer(t)
	key := srv.addKey(t, "k1")
	v, _ := newTestValidator(t, srv, nil)
	ctx := context.Background()

	raw := signRS256(t, key, "k1", testClaims(testIssuer))
	_, err := v.Validate(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, 1, srv.hitCount())

	v.mu.Lock()
	v.fetchedAt = time.Now().Add(-2 * time.Hour)
	v.mu.Unlock()

	_, err = v.Validate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.hitCount())
}

func TestValidator_ServesStaleKeyWhenRefreshFails(t *testing.T) {
	srv := newJWKSServer(t)
	key := srv.addKey(t, "k1")
	v, _ := newTestValidator(t, srv, nil)
	ctx := context.Background()

	raw := signRS256(t, key, "k1", testClaims(testIssuer))
	_, err := v.Validate(ctx, raw)
	require.NoError(t, err)

	v.mu.Lock()
	v.fetchedAt = time.Now().Add(-2 * time.Hour)
	v.mu.Unlock()
	srv.setFail(true)

	// the provider being down must not take authentication down with it
	_, err = v.Validate(ctx, raw)
	assert.NoError(t, err)
}

func TestNewValidator_FiltersNoneAlgorithm(t *testing.T) {
	v := NewValidator(&ValidatorConfig{
		Issuer:     testIssuer,
		Algorithms: []string{"none", "RS256", "NONE"},
	})
	assert.Equal(t, []string{"RS256"}, v.algorithms)

	v = NewValidator(&ValidatorConfig{
		Issuer:     testIssuer,
		Algorithms: []string{"none"},
	})
	assert.Equal(t, []string{"RS256"}, v.algorithms)
}

func TestFetchJWKS(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	rsaPub := rsaKey.Public().(*rsa.PublicKey)
	doc := map[string]interface{}{
		"keys": []map[string]string{
			{
				"kid": "rsa-1",
				"kty": "RSA",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(rsaPub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(rsaPub.E)).Bytes()),
			},
			{
				"kid": "ec-1",
				"kty": "EC",
				"use": "sig",
				"crv": "P-256",
				"x":   base64.RawURLEncoding.EncodeToString(ecKey.PublicKey.X.Bytes()),
				"y":   base64.RawURLEncoding.EncodeToString(ecKey.PublicKey.Y.Bytes()),
			},
			// encryption keys and kid-less keys are skipped
			{"kid": "enc-1", "kty": "RSA", "use": "enc", "n": "AQAB", "e": "AQAB"},
			{"kty": "RSA", "use": "sig", "n": "AQAB", "e": "AQAB"},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(srv.Close)

	keys, err := fetchJWKS(context.Background(), srv.Client(), srv.URL)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	gotRSA, ok := keys["rsa-1"].(*rsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, 0, rsaPub.N.Cmp(gotRSA.N))
	assert.Equal(t, rsaPub.E, gotRSA.E)

	gotEC, ok := keys["ec-1"].(*ecdsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, 0, ecKey.PublicKey.X.Cmp(gotEC.X))
}

func TestFetchJWKS_Errors(t *testing.T) {
	t.Run("endpoint error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusBadGateway)
		}))
		t.Cleanup(srv.Close)
		_, err := fetchJWKS(context.Background(), srv.Client(), srv.URL)
		assert.Error(t, err)
	})

	t.Run("no usable keys", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"keys":[{"kid":"enc","kty":"RSA","use":"enc","n":"AQAB","e":"AQAB"}]}`))
		}))
		t.Cleanup(srv.Close)
		_, err := fetchJWKS(context.Background(), srv.Client(), srv.URL)
		assert.Error(t, err)
	})
}
