package auth

import (
	"context"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/kroypata/checkout/internal/domain"
)

const anonymousProvider = "anonymous"

// Identity is the shopper behind a verified Firebase ID token.
type Identity struct {
	UID            string
	Email          string
	SignInProvider string

	token *firebaseauth.Token
}

// Token exposes the decoded Firebase ID token associated with this identity.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// Anonymous reports whether the token came from Firebase anonymous sign-in.
func (i *Identity) Anonymous() bool {
	return i != nil && strings.EqualFold(i.SignInProvider, anonymousProvider)
}

type identityContextKey struct{}

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// StateFromContext maps the request identity onto checkout's auth state. Anonymous Firebase
// users check out as guests.
func StateFromContext(ctx context.Context) domain.AuthState {
	identity, ok := IdentityFromContext(ctx)
	if !ok || identity.Anonymous() || strings.TrimSpace(identity.UID) == "" {
		return domain.AuthState{}
	}
	return domain.AuthState{Authenticated: true, UserID: identity.UID}
}
