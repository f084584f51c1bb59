package middleware

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/ScriptSmith/hadrian-sub008/internal/gateway"
	"github.com/ScriptSmith/hadrian-sub008/internal/gateway/apierror"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/auth"
)

type contextKey string

const (
	PrincipalContextKey contextKey = "principal"
	ClientIPContextKey  contextKey = "client_ip"
)

type AuthMiddleware struct {
	logger *zap.Logger
	auth   *auth.Authenticator
	trust  *gateway.ProxyTrust
	scope  string
}

type AuthConfig struct {
	Logger *zap.Logger
	Auth   *auth.Authenticator
	Trust  *gateway.ProxyTrust
	// Scope is required of every principal passing through. Empty skips the
	// scope check.
	Scope string
}

func NewAuthMiddleware(cfg *AuthConfig) *AuthMiddleware {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthMiddleware{
		logger: logger,
		auth:   cfg.Auth,
		trust:  cfg.Trust,
		scope:  cfg.Scope,
	}
}

// Authenticate resolves the caller, enforces the configured scope and the
// key's IP allowlist, and stores the principal and resolved client address
// in the request context for handlers that audit their actions.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trusted := m.trust.Trusted(r.RemoteAddr)
		clientIP := m.trust.ClientIP(r)

		principal, err := m.auth.Authenticate(r.Context(), r, trusted)
		if err != nil {
			e := gateway.AuthError(err)
			m.logger.Debug("admin authentication failed",
				zap.String("ip", clientIP),
				zap.String("kind", string(e.Kind)))
			apierror.Write(w, e)
			return
		}
		if err := auth.RequireScope(principal, m.scope); err != nil {
			apierror.Write(w, apierror.Wrap(apierror.KindInsufficientScope, "", err))
			return
		}
		if err := auth.CheckIP(principal, clientIP); err != nil {
			apierror.Write(w, apierror.Wrap(apierror.KindIPNotAllowed, "", err))
			return
		}

		ctx := context.WithValue(r.Context(), PrincipalContextKey, principal)
		ctx = context.WithValue(ctx, ClientIPContextKey, clientIP)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetPrincipal returns the authenticated principal, if any.
func GetPrincipal(ctx context.Context) (*auth.Principal, bool) {
	p, ok := ctx.Value(PrincipalContextKey).(*auth.Principal)
	return p, ok
}

// GetClientIP returns the proxy-aware client address resolved during
// authentication, or empty when the request skipped the middleware.
func GetClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(ClientIPContextKey).(string)
	return ip
}
