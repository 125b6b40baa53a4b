package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

// TxFunc runs inside a transaction and may be retried on contention.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

type TxOption func(*txSettings)

type txSettings struct {
	attempts int
	timeout  time.Duration
}

// WithTxAttempts caps how often a contended transaction is retried.
func WithTxAttempts(n int) TxOption {
	return func(s *txSettings) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithTxTimeout bounds the whole transaction, retries included.
func WithTxTimeout(d time.Duration) TxOption {
	return func(s *txSettings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// RunTransaction executes fn on the provider's client. The returned error is wrapped with
// repository semantics, fn's own errors included.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc, opts ...TxOption) error {
	if fn == nil {
		return WrapError("transaction", errors.New("transaction function is required"))
	}
	settings := txSettings{attempts: 5, timeout: 15 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, settings.timeout)
	defer cancel()
	return WrapError("transaction", client.RunTransaction(ctx, fn, firestore.MaxAttempts(settings.attempts)))
}
