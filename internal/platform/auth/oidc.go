package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v4"
)

// OIDCValidator guards internal routes with Google-signed service tokens (Cloud Scheduler,
// Cloud Tasks, IAP).
type OIDCValidator struct {
	cache  *JWKSCache
	logger func(ctx context.Context, event string, fields map[string]any)
}

// NewOIDCValidator constructs a validator backed by cache.
func NewOIDCValidator(cache *JWKSCache, logger func(ctx context.Context, event string, fields map[string]any)) *OIDCValidator {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &OIDCValidator{cache: cache, logger: logger}
}

// ServiceIdentity describes the verified caller of an internal route.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
}

type serviceIdentityContextKey struct{}

// WithServiceIdentity stores the verified service identity on the context.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	return context.WithValue(ctx, serviceIdentityContextKey{}, identity)
}

// ServiceIdentityFromContext returns the identity stored by RequireOIDC.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityContextKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// RequireOIDC rejects requests without an RS256 token for audience from one of issuers.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	allowed := make(map[string]struct{}, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			allowed[issuer] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if audience == "" || v == nil || v.cache == nil {
				respondAuthError(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "oidc verification not configured")
				return
			}

			tokenStr := serviceToken(r)
			if tokenStr == "" {
				respondAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "oidc token missing")
				return
			}

			claims := jwt.MapClaims{}
			parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			if _, err := parser.ParseWithClaims(tokenStr, claims, v.cache.Keyfunc(ctx)); err != nil {
				status, reason := http.StatusUnauthorized, "token_invalid"
				if errors.Is(err, ErrJWKSFetchFailed) {
					status, reason = http.StatusServiceUnavailable, "jwks_unavailable"
				}
				v.logger(ctx, "auth.oidc_rejected", map[string]any{"reason": reason, "error": err.Error()})
				respondAuthError(ctx, w, status, "invalid_token", "oidc token verification failed")
				return
			}

			issuer, _ := claims["iss"].(string)
			if _, ok := allowed[issuer]; len(allowed) > 0 && !ok {
				v.logger(ctx, "auth.oidc_rejected", map[string]any{"reason": "issuer_mismatch", "issuer": issuer})
				respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "oidc issuer mismatch")
				return
			}
			if !claims.VerifyAudience(audience, true) {
				v.logger(ctx, "auth.oidc_rejected", map[string]any{"reason": "audience_mismatch"})
				respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "oidc audience mismatch")
				return
			}

			identity := &ServiceIdentity{Issuer: issuer, Audience: audience}
			identity.Subject, _ = claims["sub"].(string)
			identity.Email, _ = claims["email"].(string)
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func serviceToken(r *http.Request) string {
	if token, ok := extractBearerToken(r.Header.Get("Authorization")); ok {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion"))
}
