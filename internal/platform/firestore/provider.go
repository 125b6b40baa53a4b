package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/kroypata/checkout/internal/platform/config"
)

// ErrProviderClosed is returned by Client after Close.
var ErrProviderClosed = errors.New("firestore: provider is closed")

// Provider owns the process wide Firestore client. It dials on first use; a failed dial is
// retried by the next caller instead of being remembered.
type Provider struct {
	projectID    string
	emulatorHost string
	dialTimeout  time.Duration
	extra        []option.ClientOption

	mu     sync.Mutex
	client *firestore.Client
	closed bool
}

type ProviderOption func(*Provider)

func WithDialTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

// WithClientOptions passes extra options to firestore.NewClient.
func WithClientOptions(opts ...option.ClientOption) ProviderOption {
	return func(p *Provider) { p.extra = append(p.extra, opts...) }
}

// NewProvider resolves project and emulator settings from cfg, falling back to the
// GOOGLE_CLOUD_PROJECT and FIRESTORE_EMULATOR_HOST variables the Cloud SDKs use.
func NewProvider(cfg config.FirestoreConfig, opts ...ProviderOption) *Provider {
	p := &Provider{
		projectID:    firstNonBlank(cfg.ProjectID, os.Getenv("GOOGLE_CLOUD_PROJECT")),
		emulatorHost: firstNonBlank(cfg.EmulatorHost, os.Getenv("FIRESTORE_EMULATOR_HOST")),
		dialTimeout:  10 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Client returns the shared client, dialing it if needed.
func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return nil, ErrProviderClosed
	case p.client != nil:
		return p.client, nil
	case p.projectID == "":
		return nil, errors.New("firestore: project id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	client, err := firestore.NewClient(ctx, p.projectID, p.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("firestore: dial %s: %w", p.projectID, err)
	}
	p.client = client
	return client, nil
}

func (p *Provider) clientOptions() []option.ClientOption {
	opts := append([]option.ClientOption(nil), p.extra...)
	if p.emulatorHost == "" {
		return opts
	}
	return append(opts,
		option.WithEndpoint(p.emulatorHost),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
}

// Ping performs one document read. NotFound still proves the backend answered.
func (p *Provider) Ping(ctx context.Context) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	if _, err := client.Doc("_health/checkout").Get(ctx); err != nil && status.Code(err) != codes.NotFound {
		return WrapError("firestore.ping", err)
	}
	return nil
}

// Close releases the client. Safe on a nil or never-dialed provider.
func (p *Provider) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	client := p.client
	p.client, p.closed = nil, true
	p.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
