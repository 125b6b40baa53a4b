package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"go.uber.org/zap"

	"github.com/kroypata/checkout/internal/platform/httpx"
	"github.com/kroypata/checkout/internal/platform/requestctx"
)

const defaultVerifyTimeout = 5 * time.Second

var (
	// ErrTokenExpired signals that the provided Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the provided Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator wires Firebase token verification into HTTP middleware.
type Authenticator struct {
	verifier TokenVerifier
}

// NewAuthenticator constructs an Authenticator. A nil verifier treats every caller as a guest.
func NewAuthenticator(verifier TokenVerifier) *Authenticator {
	return &Authenticator{verifier: verifier}
}

// OptionalFirebaseAuth attaches an Identity when a bearer token is present. Requests without
// a token continue as guests; a token that fails verification is rejected rather than downgraded.
func (a *Authenticator) OptionalFirebaseAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			tokenStr, ok := extractBearerToken(header)
			if !ok {
				respondAuthError(r.Context(), w, http.StatusUnauthorized, "unauthenticated", "authorization header invalid")
				return
			}
			if a == nil || a.verifier == nil {
				next.ServeHTTP(w, r)
				return
			}

			token, err := a.verifier.VerifyIDToken(r.Context(), tokenStr)
			if err != nil {
				respondVerificationError(r.Context(), w, err)
				return
			}

			identity := &Identity{
				UID:            token.UID,
				Email:          claimAsString(token.Claims, "email"),
				SignInProvider: token.Firebase.SignInProvider,
				token:          token,
			}
			ctx := WithIdentity(r.Context(), identity)
			if logger, ok := requestctx.LookupLogger(ctx); ok {
				ctx = requestctx.WithLogger(ctx, logger.With(zap.String("user_id", identity.UID), zap.Bool("anonymous", identity.Anonymous())))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func claimAsString(claims map[string]any, key string) string {
	if v, ok := claims[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

func respondVerificationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		respondAuthError(ctx, w, http.StatusUnauthorized, "token_expired", "firebase id token expired")
	case errors.Is(err, ErrTokenInvalid), firebaseauth.IsIDTokenInvalid(err):
		respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "firebase id token invalid")
	default:
		respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "firebase id token verification failed")
	}
}
