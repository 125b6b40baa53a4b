package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/kroypata/checkout/internal/domain"
	"github.com/kroypata/checkout/internal/platform/auth"
	"github.com/kroypata/checkout/internal/platform/httpx"
	"github.com/kroypata/checkout/internal/platform/idempotency"
	"github.com/kroypata/checkout/internal/services"
)

// CheckoutHandlers exposes the checkout wizard. Callers may be guests or signed in; the
// optional auth middleware decides which.
type CheckoutHandlers struct {
	sessions services.CheckoutSessionService
	guard    func(http.Handler) http.Handler
	limiter  *startLimiter
}

// CheckoutOption customises CheckoutHandlers.
type CheckoutOption func(*CheckoutHandlers)

// WithSessionStartLimit caps session starts per caller. A zero limit disables the cap.
func WithSessionStartLimit(limit int, window time.Duration, clock func() time.Time) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.limiter = newStartLimiter(limit, window, clock)
	}
}

// NewCheckoutHandlers constructs checkout handlers. guard wraps the completion route, usually
// with idempotency.Guard; nil leaves it unguarded.
func NewCheckoutHandlers(sessions services.CheckoutSessionService, guard func(http.Handler) http.Handler, opts ...CheckoutOption) *CheckoutHandlers {
	if guard == nil {
		guard = func(next http.Handler) http.Handler { return next }
	}
	h := &CheckoutHandlers{sessions: sessions, guard: guard}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	r.Post("/sessions", h.startSession)
	r.Route("/sessions/{sessionID}", func(s chi.Router) {
		s.Get("/", h.getSession)
		s.Put("/cart", h.updateCart)
		s.Put("/shipping-method", h.selectShippingMethod)
		s.Patch("/user-info", h.updateUserInfo)
		s.Post("/coupon", h.applyCoupon)
		s.Delete("/coupon", h.removeCoupon)
		s.Post("/review", h.simple(h.sessions.ProceedToReview))
		s.Post("/back", h.simple(h.sessions.BackToShipping))
		s.Post("/retry", h.simple(h.sessions.Retry))
		s.With(h.guard).Post("/complete", h.complete)
	})
	r.Get("/coupons", h.listCoupons)
}

type startSessionRequest struct {
	CartID string `json:"cartId"`
}

type lineRequest struct {
	ProductID string           `json:"productId"`
	Quantity  int              `json:"quantity"`
	Color     string           `json:"color"`
	Size      string           `json:"size"`
	UnitPrice *decimal.Decimal `json:"unitPrice"`
}

type updateCartRequest struct {
	// Lines replaces the cart; omit it to reload the stored cart.
	Lines *[]lineRequest `json:"lines"`
}

type selectShippingMethodRequest struct {
	MethodID string `json:"methodId"`
}

type addressPatch struct {
	Street  *string `json:"street"`
	City    *string `json:"city"`
	State   *string `json:"state"`
	ZipCode *string `json:"zipCode"`
}

type userInfoPatch struct {
	FirstName *string       `json:"firstName"`
	LastName  *string       `json:"lastName"`
	Email     *string       `json:"email"`
	Phone     *string       `json:"phone"`
	Notes     *string       `json:"notes"`
	Address   *addressPatch `json:"address"`
}

type applyCouponRequest struct {
	Code string `json:"code"`
}

func (h *CheckoutHandlers) ref(r *http.Request) services.SessionRef {
	return services.SessionRef{
		SessionID: strings.TrimSpace(chi.URLParam(r, "sessionID")),
		Auth:      auth.StateFromContext(r.Context()),
	}
}

func (h *CheckoutHandlers) respond(w http.ResponseWriter, r *http.Request, status int, session services.CheckoutSession, err error) {
	if err != nil {
		writeCheckoutError(r.Context(), w, session, err)
		return
	}
	httpx.WriteJSON(w, status, newSessionPayload(session))
}

func (h *CheckoutHandlers) startSession(w http.ResponseWriter, r *http.Request) {
	if ok, retryAfter := h.limiter.allow(r); !ok {
		httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many checkout sessions started, try again shortly", http.StatusTooManyRequests).
			WithRetryAfter(retryAfter))
		return
	}
	var req startSessionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
		httpx.WriteBadRequest(r.Context(), w, err.Error())
		return
	}
	session, err := h.sessions.StartSession(r.Context(), services.StartSessionCommand{
		Auth:   auth.StateFromContext(r.Context()),
		CartID: strings.TrimSpace(req.CartID),
	})
	h.respond(w, r, http.StatusCreated, session, err)
}

func (h *CheckoutHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.GetSession(r.Context(), h.ref(r))
	h.respond(w, r, http.StatusOK, session, err)
}

func (h *CheckoutHandlers) updateCart(w http.ResponseWriter, r *http.Request) {
	var req updateCartRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
		httpx.WriteBadRequest(r.Context(), w, err.Error())
		return
	}
	cmd := services.UpdateCartCommand{SessionRef: h.ref(r)}
	if req.Lines != nil {
		cmd.Lines = make([]services.CartLine, 0, len(*req.Lines))
		for _, line := range *req.Lines {
			cartLine := domain.CartLine{
				ProductID:    strings.TrimSpace(line.ProductID),
				Quantity:     line.Quantity,
				ColorVariant: strings.TrimSpace(line.Color),
				SizeVariant:  strings.TrimSpace(line.Size),
			}
			if line.UnitPrice != nil {
				cartLine.UnitPrice = decimal.NewNullDecimal(*line.UnitPrice)
			}
			cmd.Lines = append(cmd.Lines, cartLine)
		}
	}
	session, err := h.sessions.UpdateCart(r.Context(), cmd)
	h.respond(w, r, http.StatusOK, session, err)
}

func (h *CheckoutHandlers) selectShippingMethod(w http.ResponseWriter, r *http.Request) {
	var req selectShippingMethodRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteBadRequest(r.Context(), w, err.Error())
		return
	}
	session, err := h.sessions.SelectShippingMethod(r.Context(), services.SelectShippingMethodCommand{
		SessionRef: h.ref(r),
		MethodID:   strings.TrimSpace(req.MethodID),
	})
	h.respond(w, r, http.StatusOK, session, err)
}

// updateUserInfo merges the patch onto the current contact details. The merge runs inside the
// session so concurrent patches do not drop each other's fields.
func (h *CheckoutHandlers) updateUserInfo(w http.ResponseWriter, r *http.Request) {
	var patch userInfoPatch
	if err := httpx.DecodeJSON(r, &patch); err != nil {
		httpx.WriteBadRequest(r.Context(), w, err.Error())
		return
	}
	session, err := h.sessions.UpdateUserInfo(r.Context(), services.UpdateUserInfoCommand{
		SessionRef: h.ref(r),
		Patch:      patch.apply,
	})
	h.respond(w, r, http.StatusOK, session, err)
}

func (p userInfoPatch) apply(info *domain.UserInfo) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&info.FirstName, p.FirstName)
	set(&info.LastName, p.LastName)
	set(&info.Email, p.Email)
	set(&info.Phone, p.Phone)
	set(&info.Notes, p.Notes)
	if a := p.Address; a != nil {
		set(&info.Address.Street, a.Street)
		set(&info.Address.City, a.City)
		set(&info.Address.State, a.State)
		set(&info.Address.ZipCode, a.ZipCode)
	}
}

func (h *CheckoutHandlers) applyCoupon(w http.ResponseWriter, r *http.Request) {
	var req applyCouponRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteBadRequest(r.Context(), w, err.Error())
		return
	}
	session, err := h.sessions.ApplyCoupon(r.Context(), services.ApplyCouponCommand{
		SessionRef: h.ref(r),
		Code:       req.Code,
	})
	h.respond(w, r, http.StatusOK, session, err)
}

func (h *CheckoutHandlers) removeCoupon(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.RemoveCoupon(r.Context(), h.ref(r))
	h.respond(w, r, http.StatusOK, session, err)
}

func (h *CheckoutHandlers) simple(action func(ctx context.Context, ref services.SessionRef) (services.CheckoutSession, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := action(r.Context(), h.ref(r))
		h.respond(w, r, http.StatusOK, session, err)
	}
}

func (h *CheckoutHandlers) complete(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.Complete(r.Context(), services.CompleteCommand{
		SessionRef:     h.ref(r),
		IdempotencyKey: idempotency.KeyFromContext(r.Context()),
	})
	h.respond(w, r, http.StatusOK, session, err)
}

func (h *CheckoutHandlers) listCoupons(w http.ResponseWriter, r *http.Request) {
	coupons, err := h.sessions.ListAvailableCoupons(r.Context())
	if err != nil {
		writeCheckoutError(r.Context(), w, services.CheckoutSession{}, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"coupons": newAvailableCouponPayloads(coupons)})
}
