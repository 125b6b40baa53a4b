package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kroypata/checkout/internal/platform/auth"
	"github.com/kroypata/checkout/internal/platform/httpx"
	"github.com/kroypata/checkout/internal/services"
)

const defaultPurgeLimit = 500

// IdempotencyPurger removes expired idempotency records.
type IdempotencyPurger interface {
	Purge(ctx context.Context, now time.Time, limit int) (int, error)
}

// InternalHandlers serves maintenance endpoints invoked by Cloud Scheduler.
type InternalHandlers struct {
	sessions services.CheckoutSessionService
	purger   IdempotencyPurger
	limit    int
	clock    func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// InternalOption customises InternalHandlers.
type InternalOption func(*InternalHandlers)

// WithInternalPurger enables idempotency record cleanup during sweeps, removing at most limit
// records per call.
func WithInternalPurger(purger IdempotencyPurger, limit int) InternalOption {
	return func(h *InternalHandlers) {
		h.purger = purger
		if limit > 0 {
			h.limit = limit
		}
	}
}

// WithInternalClock injects a clock for tests.
func WithInternalClock(clock func() time.Time) InternalOption {
	return func(h *InternalHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithInternalLogger sets the structured event logger.
func WithInternalLogger(logger func(ctx context.Context, event string, fields map[string]any)) InternalOption {
	return func(h *InternalHandlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewInternalHandlers constructs internal maintenance handlers.
func NewInternalHandlers(sessions services.CheckoutSessionService, opts ...InternalOption) *InternalHandlers {
	h := &InternalHandlers{
		sessions: sessions,
		limit:    defaultPurgeLimit,
		clock:    time.Now,
		logger:   func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	r.Post("/checkout/sweep", h.sweep)
}

type sweepResponse struct {
	ExpiredSessions   int `json:"expiredSessions"`
	PurgedIdempotency  int `json:"purgedIdempotencyKeys"`
}

func (h *InternalHandlers) sweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sessions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service not configured", http.StatusServiceUnavailable))
		return
	}

	expired, err := h.sessions.SweepExpired(ctx)
	if err != nil {
		writeCheckoutError(ctx, w, services.CheckoutSession{}, err)
		return
	}

	resp := sweepResponse{ExpiredSessions: expired}
	if h.purger != nil {
		purged, err := h.purger.Purge(ctx, h.clock().UTC(), h.limit)
		if err != nil {
			h.logger(ctx, "checkout.sweep.purge_failed", map[string]any{"error": err.Error()})
		}
		resp.PurgedIdempotency = purged
	}

	fields := map[string]any{
		"expiredSessions": resp.ExpiredSessions,
		"purged":          resp.PurgedIdempotency,
	}
	if identity, ok := auth.ServiceIdentityFromContext(ctx); ok && identity != nil {
		fields["caller"] = identity.Email
	}
	h.logger(ctx, "checkout.sweep.completed", fields)
	httpx.WriteJSON(w, http.StatusOK, resp)
}
