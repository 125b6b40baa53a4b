package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/kroypata/checkout/internal/platform/config"
)

// firebaseTokenClient is the part of the Admin SDK auth client used for verification.
type firebaseTokenClient interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
	VerifyIDTokenAndCheckRevoked(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// FirebaseVerifier checks shopper ID tokens with the Firebase Admin SDK.
type FirebaseVerifier struct {
	client       firebaseTokenClient
	timeout      time.Duration
	checkRevoked bool
}

type VerifierOption func(*FirebaseVerifier)

// WithVerifyTimeout bounds each verification, including a revocation lookup.
func WithVerifyTimeout(d time.Duration) VerifierOption {
	return func(v *FirebaseVerifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig, opts ...VerifierOption) (*FirebaseVerifier, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firebase project id is required")
	}
	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("firebase: new app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase: auth client: %w", err)
	}
	return newFirebaseVerifier(client, cfg.CheckRevoked, opts...), nil
}

func newFirebaseVerifier(client firebaseTokenClient, checkRevoked bool, opts ...VerifierOption) *FirebaseVerifier {
	v := &FirebaseVerifier{client: client, timeout: defaultVerifyTimeout, checkRevoked: checkRevoked}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// VerifyIDToken validates signature, audience and expiry. With revocation checks enabled a
// revoked or disabled user is rejected as well.
func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if v == nil || v.client == nil {
		return nil, errors.New("firebase verifier not initialised")
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	if v.checkRevoked {
		return v.client.VerifyIDTokenAndCheckRevoked(ctx, idToken)
	}
	return v.client.VerifyIDToken(ctx, idToken)
}
