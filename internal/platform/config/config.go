package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultCommerceTimeout      = 10 * time.Second
	defaultCommerceListAttempts = 3
	defaultCurrency             = "BDT"
	defaultDebounce             = 300 * time.Millisecond
	defaultSessionTTL           = 30 * time.Minute
	defaultSweepInterval        = 5 * time.Minute
	defaultShippingCacheTTL     = time.Duration(0)
	defaultStartLimit           = 20
	defaultStartLimitWindow     = time.Minute
	defaultRedisKeyPrefix       = "kroypata:"
	defaultCompletionLockTTL    = 30 * time.Second
	defaultServiceName          = "checkout"
	defaultSecurityEnvironment  = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Commerce    CommerceConfig
	Checkout    CheckoutConfig
	Redis       RedisConfig
	PubSub      PubSubConfig
	Telemetry   TelemetryConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	// CheckRevoked makes every token verification ask Firebase whether the session was revoked.
	CheckRevoked bool
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// CommerceConfig points at the remote commerce backend.
type CommerceConfig struct {
	BaseURL             string
	APIKey              string
	Timeout             time.Duration
	ListAttempts        int
	DefaultCurrency     string
	StrictSplitShipping bool
}

// CheckoutConfig tunes session orchestration.
type CheckoutConfig struct {
	Debounce         time.Duration
	SessionTTL       time.Duration
	SweepInterval    time.Duration
	// ShippingCacheTTL > 0 shares shipping analyses of identical carts across sessions for that
	// long, at the cost of missing backend rule or stock changes inside the window. Zero disables it.
	ShippingCacheTTL time.Duration
	// StartLimit caps session starts per caller within StartLimitWindow. Zero disables it.
	StartLimit       int
	StartLimitWindow time.Duration
}

// RedisConfig configures guest carts and the completion lock. An empty Addr disables both.
type RedisConfig struct {
	Addr              string
	Password          string
	DB                int
	KeyPrefix         string
	CompletionLockTTL time.Duration
}

// PubSubConfig names the order event topic. An empty topic disables publishing.
type PubSubConfig struct {
	ProjectID        string
	OrderEventsTopic string
}

// TelemetryConfig configures OTLP export. An empty endpoint keeps telemetry in-process.
type TelemetryConfig struct {
	OTLPEndpoint string
	ServiceName  string
	Version      string
	Insecure     bool
}

// SecurityConfig groups authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification for internal routes.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects an explicit key/value map that takes precedence over the OS environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv disables reading from the OS environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks config fields (e.g. "Commerce.APIKey") as mandatory secrets.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissingSecrets = true }
}

// Load assembles the configuration from defaults, .env overrides, environment variables and
// Secret Manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}
	env := options.lookup(dotEnv)

	cfg := Config{
		Server: ServerConfig{
			Port:         env.str("CHECKOUT_SERVER_PORT", env.str("PORT", defaultPort)),
			ReadTimeout:  env.duration("CHECKOUT_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: env.duration("CHECKOUT_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  env.duration("CHECKOUT_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("CHECKOUT_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("CHECKOUT_FIREBASE_CREDENTIALS_FILE", ""),
			CheckRevoked:    env.boolean("CHECKOUT_FIREBASE_CHECK_REVOKED", false),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("CHECKOUT_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("CHECKOUT_FIRESTORE_EMULATOR_HOST", ""),
		},
		Commerce: CommerceConfig{
			BaseURL:             env.str("CHECKOUT_COMMERCE_BASE_URL", ""),
			APIKey:              env.str("CHECKOUT_COMMERCE_API_KEY", ""),
			Timeout:             env.duration("CHECKOUT_COMMERCE_TIMEOUT", defaultCommerceTimeout),
			ListAttempts:        env.integer("CHECKOUT_COMMERCE_LIST_ATTEMPTS", defaultCommerceListAttempts),
			DefaultCurrency:     strings.ToUpper(env.str("CHECKOUT_COMMERCE_CURRENCY", defaultCurrency)),
			StrictSplitShipping: env.boolean("CHECKOUT_COMMERCE_STRICT_SPLIT_SHIPPING", false),
		},
		Checkout: CheckoutConfig{
			Debounce:         env.duration("CHECKOUT_DEBOUNCE", defaultDebounce),
			SessionTTL:       env.duration("CHECKOUT_SESSION_TTL", defaultSessionTTL),
			SweepInterval:    env.duration("CHECKOUT_SWEEP_INTERVAL", defaultSweepInterval),
			ShippingCacheTTL: env.duration("CHECKOUT_SHIPPING_CACHE_TTL", defaultShippingCacheTTL),
			StartLimit:       env.integer("CHECKOUT_START_LIMIT", defaultStartLimit),
			StartLimitWindow: env.duration("CHECKOUT_START_LIMIT_WINDOW", defaultStartLimitWindow),
		},
		Redis: RedisConfig{
			Addr:              env.str("CHECKOUT_REDIS_ADDR", ""),
			Password:          env.str("CHECKOUT_REDIS_PASSWORD", ""),
			DB:                env.integer("CHECKOUT_REDIS_DB", 0),
			KeyPrefix:         env.str("CHECKOUT_REDIS_KEY_PREFIX", defaultRedisKeyPrefix),
			CompletionLockTTL: env.duration("CHECKOUT_REDIS_LOCK_TTL", defaultCompletionLockTTL),
		},
		PubSub: PubSubConfig{
			ProjectID:        env.str("CHECKOUT_PUBSUB_PROJECT_ID", ""),
			OrderEventsTopic: env.str("CHECKOUT_PUBSUB_ORDER_EVENTS_TOPIC", ""),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: env.str("CHECKOUT_OTLP_ENDPOINT", ""),
			ServiceName:  env.str("CHECKOUT_SERVICE_NAME", defaultServiceName),
			Version:      env.str("CHECKOUT_VERSION", "dev"),
			Insecure:     env.boolean("CHECKOUT_OTLP_INSECURE", false),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(env.str("CHECKOUT_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   env.str("CHECKOUT_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  env.str("CHECKOUT_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: env.keyed("CHECKOUT_SECURITY_OIDC_AUDIENCES"),
				Issuers:   env.csv("CHECKOUT_SECURITY_OIDC_ISSUERS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("CHECKOUT_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("CHECKOUT_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("CHECKOUT_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.integer("CHECKOUT_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		cfg.Security.OIDC.Audience = cfg.Security.OIDC.Audiences[cfg.Security.Environment]
	}
	if cfg.Telemetry.Version == "dev" {
		cfg.Telemetry.Version = env.str("K_REVISION", "dev")
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Commerce.APIKey", &cfg.Commerce.APIKey},
		{"Redis.Password", &cfg.Redis.Password},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string
	require := func(ok bool, field string) {
		if !ok {
			missing = append(missing, field)
		}
	}

	require(cfg.Server.Port != "", "Server.Port")
	require(cfg.Firebase.ProjectID != "", "Firebase.ProjectID")
	require(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	require(strings.HasPrefix(cfg.Commerce.BaseURL, "http://") || strings.HasPrefix(cfg.Commerce.BaseURL, "https://"), "Commerce.BaseURL")
	require(cfg.Commerce.Timeout > 0, "Commerce.Timeout")
	require(cfg.Commerce.ListAttempts > 0, "Commerce.ListAttempts")
	require(len(cfg.Commerce.DefaultCurrency) == 3, "Commerce.DefaultCurrency")
	require(cfg.Checkout.Debounce >= 0, "Checkout.Debounce")
	require(cfg.Checkout.SessionTTL > 0, "Checkout.SessionTTL")
	require(cfg.Checkout.SweepInterval > 0, "Checkout.SweepInterval")
	require(cfg.Redis.DB >= 0, "Redis.DB")
	require(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	require(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	require(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	require(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}
