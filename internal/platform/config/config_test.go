package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"CHECKOUT_FIREBASE_PROJECT_ID": "kp-dev",
		"CHECKOUT_COMMERCE_BASE_URL":   "https://commerce.example.com",
	}
}

func loadForTest(env map[string]string, opts ...Option) (Config, error) {
	opts = append([]Option{WithEnvMap(env), WithoutSystemEnv(), WithEnvFile("")}, opts...)
	return Load(context.Background(), opts...)
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := loadForTest(baseEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Firestore.ProjectID != "kp-dev" || cfg.PubSub.ProjectID != "kp-dev" {
		t.Errorf("expected projects to default to the firebase project, got %s/%s", cfg.Firestore.ProjectID, cfg.PubSub.ProjectID)
	}
	if cfg.Commerce.Timeout != 10*time.Second || cfg.Commerce.DefaultCurrency != "BDT" || cfg.Commerce.ListAttempts != 3 {
		t.Errorf("unexpected commerce defaults %#v", cfg.Commerce)
	}
	if cfg.Commerce.StrictSplitShipping {
		t.Errorf("expected split shipping to stay advisory by default")
	}
	if cfg.Checkout.Debounce != 300*time.Millisecond || cfg.Checkout.SessionTTL != 30*time.Minute {
		t.Errorf("unexpected checkout defaults %#v", cfg.Checkout)
	}
	if cfg.Checkout.ShippingCacheTTL != 0 {
		t.Errorf("expected the shipping analysis cache to be off by default, got %s", cfg.Checkout.ShippingCacheTTL)
	}
	if cfg.Redis.Addr != "" || cfg.Redis.KeyPrefix != defaultRedisKeyPrefix || cfg.Redis.CompletionLockTTL != defaultCompletionLockTTL {
		t.Errorf("unexpected redis defaults %#v", cfg.Redis)
	}
	if cfg.Telemetry.ServiceName != "checkout" || cfg.Telemetry.Version != "dev" {
		t.Errorf("unexpected telemetry defaults %#v", cfg.Telemetry)
	}
	if len(cfg.Security.OIDC.Issuers) != 1 || cfg.Security.OIDC.Issuers[0] != defaultSecurityIssuer {
		t.Errorf("expected default issuer, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader || cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected idempotency defaults %#v", cfg.Idempotency)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := baseEnv()
	for k, v := range map[string]string{
		"CHECKOUT_SERVER_PORT":                    "9090",
		"CHECKOUT_COMMERCE_API_KEY":               "sm://commerce/api-key",
		"CHECKOUT_COMMERCE_TIMEOUT":               "4s",
		"CHECKOUT_COMMERCE_CURRENCY":              "usd",
		"CHECKOUT_COMMERCE_STRICT_SPLIT_SHIPPING": "yes",
		"CHECKOUT_DEBOUNCE":                       "150ms",
		"CHECKOUT_REDIS_ADDR":                     "127.0.0.1:6379",
		"CHECKOUT_REDIS_PASSWORD":                 "secret://redis/password",
		"CHECKOUT_REDIS_DB":                       "2",
		"CHECKOUT_PUBSUB_ORDER_EVENTS_TOPIC":      "checkout-events",
		"CHECKOUT_SECURITY_ENVIRONMENT":           "PROD",
		"CHECKOUT_SECURITY_OIDC_AUDIENCES":        "prod=https://checkout.example.com,stg=https://stg.example.com",
		"CHECKOUT_SECURITY_OIDC_ISSUERS":          "https://accounts.google.com, https://cloud.google.com/iap",
		"K_REVISION":                              "checkout-00042",
	} {
		env[k] = v
	}

	secrets := map[string]string{
		"secret://commerce/api-key": "api-key",
		"secret://redis/password":   "redis-pass",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("unknown secret")
	})

	cfg, err := loadForTest(env, WithSecretResolver(resolver), WithRequiredSecrets("Commerce.APIKey"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("expected port override, got %s", cfg.Server.Port)
	}
	if cfg.Commerce.APIKey != "api-key" || cfg.Redis.Password != "redis-pass" {
		t.Errorf("expected resolved secrets, got %q/%q", cfg.Commerce.APIKey, cfg.Redis.Password)
	}
	if cfg.Commerce.Timeout != 4*time.Second || cfg.Commerce.DefaultCurrency != "USD" || !cfg.Commerce.StrictSplitShipping {
		t.Errorf("unexpected commerce config %#v", cfg.Commerce)
	}
	if cfg.Checkout.Debounce != 150*time.Millisecond {
		t.Errorf("unexpected debounce %s", cfg.Checkout.Debounce)
	}
	if cfg.Redis.Addr != "127.0.0.1:6379" || cfg.Redis.DB != 2 {
		t.Errorf("unexpected redis config %#v", cfg.Redis)
	}
	if cfg.PubSub.OrderEventsTopic != "checkout-events" {
		t.Errorf("unexpected topic %q", cfg.PubSub.OrderEventsTopic)
	}
	if cfg.Security.Environment != "prod" || cfg.Security.OIDC.Audience != "https://checkout.example.com" {
		t.Errorf("expected environment audience, got %q/%q", cfg.Security.Environment, cfg.Security.OIDC.Audience)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("expected two issuers, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Telemetry.Version != "checkout-00042" {
		t.Errorf("expected revision as version, got %q", cfg.Telemetry.Version)
	}
}

func TestLoadValidationError(t *testing.T) {
	_, err := loadForTest(map[string]string{"CHECKOUT_COMMERCE_BASE_URL": "commerce.local"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	fields := verr.Fields()
	want := map[string]bool{"Firebase.ProjectID": true, "Firestore.ProjectID": true, "Commerce.BaseURL": true}
	if len(fields) != len(want) {
		t.Fatalf("unexpected fields %v", fields)
	}
	for _, f := range fields {
		if !want[f] {
			t.Fatalf("unexpected field %q in %v", f, fields)
		}
	}
}

func TestLoadSecretResolutionFailure(t *testing.T) {
	env := baseEnv()
	env["CHECKOUT_COMMERCE_API_KEY"] = "secret://commerce/api-key"

	_, err := loadForTest(env)
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected secret error, got %v", err)
	}
	if secretErr.Ref != "secret://commerce/api-key" || !errors.Is(err, errSecretResolverNotConfigured) {
		t.Fatalf("unexpected secret error %v", secretErr)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := loadForTest(baseEnv(), WithRequiredSecrets("Commerce.APIKey", "Commerce.APIKey"))
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected missing secrets error, got %v", err)
	}
	if names := missing.Names(); len(names) != 1 || names[0] != "Commerce.APIKey" {
		t.Fatalf("unexpected names %v", names)
	}
	if redacted := missing.RedactedNames(); len(redacted) != 1 || redacted[0] == "Commerce.APIKey" {
		t.Fatalf("expected redacted names, got %v", redacted)
	}
}

func TestLoadPanicsOnMissingSecretsWhenRequested(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	_, _ = loadForTest(baseEnv(), WithRequiredSecrets("Commerce.APIKey"), WithPanicOnMissingSecrets())
}

func TestLoadReadsDotEnvWithLowestPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# local overrides\nexport CHECKOUT_FIREBASE_PROJECT_ID=\"kp-local\"\nCHECKOUT_COMMERCE_BASE_URL=http://localhost:8000\nCHECKOUT_SERVER_PORT=7070\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(path), WithoutSystemEnv(), WithEnvMap(map[string]string{"CHECKOUT_SERVER_PORT": "9191"}))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Firebase.ProjectID != "kp-local" || cfg.Commerce.BaseURL != "http://localhost:8000" {
		t.Fatalf("expected dotenv values, got %#v", cfg)
	}
	if cfg.Server.Port != "9191" {
		t.Fatalf("expected explicit map to win, got %s", cfg.Server.Port)
	}

	values, err := EnvironmentValues(WithEnvFile(path), WithoutSystemEnv(), WithEnvMap(map[string]string{"CHECKOUT_SERVER_PORT": "9191"}))
	if err != nil {
		t.Fatalf("EnvironmentValues: %v", err)
	}
	if values["CHECKOUT_SERVER_PORT"] != "9191" || values["CHECKOUT_FIREBASE_PROJECT_ID"] != "kp-local" {
		t.Fatalf("unexpected environment values %v", values)
	}
}
