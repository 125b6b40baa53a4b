package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kroypata/checkout/internal/platform/auth"
	"github.com/kroypata/checkout/internal/platform/httpx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "Idempotent-Replayed"
	maxKeyLength      = 255
)

type guardConfig struct {
	header string
	ttl    time.Duration
	clock  func() time.Time
	logger func(ctx context.Context, event string, fields map[string]any)
}

// Option customises Guard.
type Option func(*guardConfig)

// WithHeader overrides the header carrying the key.
func WithHeader(name string) Option {
	return func(cfg *guardConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.header = name
		}
	}
}

// WithTTL sets how long completed responses stay replayable.
func WithTTL(ttl time.Duration) Option {
	return func(cfg *guardConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(cfg *guardConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// WithLogger receives store failures.
func WithLogger(logger func(ctx context.Context, event string, fields map[string]any)) Option {
	return func(cfg *guardConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// Guard requires an idempotency key on the wrapped route and replays the stored response for
// repeated keys. Keys are scoped to the caller, so two shoppers cannot collide. Only successful
// responses are stored; any failure releases the reservation so the shopper can fix the problem
// and retry with the same key.
func Guard(store Store, opts ...Option) func(http.Handler) http.Handler {
	cfg := guardConfig{
		header: defaultHeaderName,
		ttl:    DefaultTTL,
		clock:  time.Now,
		logger: func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := strings.TrimSpace(r.Header.Get(cfg.header))
			if key == "" || len(key) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", "a valid "+cfg.header+" header is required", http.StatusBadRequest))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_body", "unable to read request body", http.StatusBadRequest))
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			scoped := callerScope(ctx) + "|" + key
			fingerprint := requestFingerprint(r, body)

			reservation, err := store.Reserve(ctx, scoped, fingerprint, cfg.clock(), cfg.ttl)
			switch {
			case errors.Is(err, ErrKeyReused):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_reused", "idempotency key already used for a different request", http.StatusUnprocessableEntity))
				return
			case err != nil:
				cfg.logger(ctx, "idempotency.reserve_failed", map[string]any{"error": err.Error()})
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to process idempotency key", http.StatusServiceUnavailable))
				return
			}

			switch reservation.State {
			case StateReplay:
				replay(w, reservation.Record)
				return
			case StateInFlight:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is still running", http.StatusConflict))
				return
			}

			rec := &bufferedResponse{header: make(http.Header)}
			next.ServeHTTP(rec, r.WithContext(withKey(ctx, key)))

			persistCtx := context.WithoutCancel(ctx)
			if rec.status() >= http.StatusBadRequest {
				if err := store.Release(persistCtx, scoped); err != nil {
					cfg.logger(ctx, "idempotency.release_failed", map[string]any{"error": err.Error()})
				}
			} else {
				resp := Response{Status: rec.status(), ContentType: rec.header.Get("Content-Type"), Body: rec.body.Bytes()}
				if err := store.Complete(persistCtx, scoped, fingerprint, resp, cfg.clock(), cfg.ttl); err != nil {
					cfg.logger(ctx, "idempotency.save_failed", map[string]any{"error": err.Error()})
				}
			}
			rec.flush(w)
		})
	}
}

type keyContextKey struct{}

func withKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, keyContextKey{}, key)
}

// KeyFromContext returns the idempotency key accepted by Guard for this request.
func KeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(keyContextKey{}).(string)
	return key
}

func callerScope(ctx context.Context) string {
	if state := auth.StateFromContext(ctx); state.Authenticated {
		return "user:" + state.UserID
	}
	return "guest"
}

func requestFingerprint(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func replay(w http.ResponseWriter, record Record) {
	if record.ContentType != "" {
		w.Header().Set("Content-Type", record.ContentType)
	}
	w.Header().Set(replayHeaderName, "true")
	status := record.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(record.Body)
}

// bufferedResponse holds the handler output until it has been persisted.
type bufferedResponse struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if b.code == 0 {
		b.code = status
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.code == 0 {
		b.code = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) status() int {
	if b.code == 0 {
		return http.StatusOK
	}
	return b.code
}

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	for name, values := range b.header {
		w.Header()[name] = values
	}
	w.WriteHeader(b.status())
	_, _ = w.Write(b.body.Bytes())
}
