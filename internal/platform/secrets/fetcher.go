package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCacheTTL     = 10 * time.Minute
	defaultFallbackPath = ".secrets.local"
	meterName           = "github.com/kroypata/checkout/internal/platform/secrets"
)

var (
	// ErrSecretNotFound is returned when neither Secret Manager nor the fallback file has the secret.
	ErrSecretNotFound = errors.New("secrets: secret not found")
	errNoProject      = errors.New("secrets: no project configured")
)

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references through Google Secret Manager. Path segments become a
// dash separated secret id, so secret://commerce/api-key reads secret "commerce-api-key".
// A ?version= query pins a version; ?project= overrides the project.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	projectID  string
	cacheTTL   time.Duration
	now        func() time.Time
	logger     *zap.Logger

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	mu    sync.Mutex
	cache map[string]cacheEntry

	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

type fetcherConfig struct {
	projectID    string
	cacheTTL     time.Duration
	fallbackPath string
	logger       *zap.Logger
	client       secretManagerClient
	clientOpts   []option.ClientOption
	meter        metric.Meter
	now          func() time.Time
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithProject sets the project used when a reference does not name one.
func WithProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.projectID = strings.TrimSpace(projectID) }
}

// WithCacheTTL overrides how long resolved values are reused.
func WithCacheTTL(ttl time.Duration) Option {
	return func(cfg *fetcherConfig) {
		if ttl > 0 {
			cfg.cacheTTL = ttl
		}
	}
}

// WithFallbackFile reads `secret://name=value` lines from path when Secret Manager is unreachable
// or denies access. Intended for local development.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithClientOptions passes options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// WithMeter overrides the OpenTelemetry meter.
func WithMeter(meter metric.Meter) Option {
	return func(cfg *fetcherConfig) { cfg.meter = meter }
}

func withClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

func withClock(now func() time.Time) Option {
	return func(cfg *fetcherConfig) { cfg.now = now }
}

// NewFetcher constructs a Fetcher, dialing Secret Manager unless a client was injected.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{cacheTTL: defaultCacheTTL, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.meter == nil {
		cfg.meter = otel.Meter(meterName)
	}

	f := &Fetcher{
		client:       cfg.client,
		projectID:    cfg.projectID,
		cacheTTL:     cfg.cacheTTL,
		now:          cfg.now,
		logger:       cfg.logger,
		fallbackPath: cfg.fallbackPath,
		cache:        make(map[string]cacheEntry),
	}
	if f.client == nil {
		client, err := secretmanager.NewClient(ctx, cfg.clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("secrets: create secret manager client: %w", err)
		}
		f.client = client
		f.ownsClient = true
	}

	var err error
	if f.latency, err = cfg.meter.Float64Histogram("secrets.fetch.latency", metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if f.cacheHits, err = cfg.meter.Int64Counter("secrets.cache.hits"); err != nil {
		return nil, err
	}
	return f, nil
}

// Close releases the Secret Manager client when the Fetcher created it.
func (f *Fetcher) Close() error {
	if f == nil || !f.ownsClient || f.client == nil {
		return nil
	}
	return f.client.Close()
}

// ResolveSecret satisfies config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}

	resource := f.resourceName(parsed)
	if value, ok := f.cached(resource); ok {
		f.cacheHits.Add(ctx, 1)
		return value, nil
	}

	start := f.now()
	value, err := f.access(ctx, resource)
	f.latency.Record(ctx, float64(f.now().Sub(start).Milliseconds()),
		metric.WithAttributes(attribute.Bool("error", err != nil)))
	if err != nil {
		if fallback, ok := f.lookupFallback(parsed.canonical); ok && fallbackEligible(err) {
			f.logger.Warn("secret manager unavailable, using local fallback",
				zap.String("secret", parsed.secretID), zap.Error(err))
			return fallback, nil
		}
		return "", err
	}

	f.mu.Lock()
	f.cache[resource] = cacheEntry{value: value, expiresAt: f.now().Add(f.cacheTTL)}
	f.mu.Unlock()
	return value, nil
}

func (f *Fetcher) cached(resource string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.cache[resource]
	if !ok || !f.now().Before(entry.expiresAt) {
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) access(ctx context.Context, resource string) (string, error) {
	if strings.HasPrefix(resource, "projects//") {
		return "", fmt.Errorf("%w for %s", errNoProject, resource)
	}
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, resource)
		}
		return "", fmt.Errorf("secrets: access %s: %w", resource, err)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) lookupFallback(canonical string) (string, bool) {
	f.fallbackOnce.Do(func() {
		path := f.fallbackPath
		if path == "" {
			path = defaultFallbackPath
		}
		file, err := os.Open(path)
		if err != nil {
			return
		}
		defer file.Close()
		values := make(map[string]string)
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			if parsed, err := parseReference(strings.TrimSpace(key)); err == nil {
				values[parsed.canonical] = strings.TrimSpace(value)
			}
		}
		f.fallback = values
	})
	value, ok := f.fallback[canonical]
	return value, ok
}

func fallbackEligible(err error) bool {
	if errors.Is(err, ErrSecretNotFound) || errors.Is(err, errNoProject) {
		return true
	}
	switch status.Code(errors.Unwrap(err)) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

type reference struct {
	canonical string
	secretID  string
	project   string
	version   string
}

func (f *Fetcher) resourceName(ref reference) string {
	project := ref.project
	if project == "" {
		project = f.projectID
	}
	version := ref.version
	if version == "" {
		version = "latest"
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.secretID, version)
}

func parseReference(ref string) (reference, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" && u.Scheme != "sm" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	path := strings.Trim(u.Host+u.Path, "/")
	if path == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}
	secretID := strings.ReplaceAll(path, "/", "-")
	query := u.Query()
	return reference{
		canonical: "secret://" + path,
		secretID:  secretID,
		project:   strings.TrimSpace(query.Get("project")),
		version:   strings.TrimSpace(query.Get("version")),
	}, nil
}
