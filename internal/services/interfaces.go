package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kroypata/checkout/internal/checkout"
	domain "github.com/kroypata/checkout/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	CartLine        = domain.CartLine
	UserInfo        = domain.UserInfo
	AuthState       = domain.AuthState
	OrderReceipt    = domain.OrderReceipt
	AvailableCoupon = domain.AvailableCoupon
	HealthReport    = domain.HealthReport
)

// CheckoutSessionService hosts one checkout orchestrator per wizard session.
type CheckoutSessionService interface {
	StartSession(ctx context.Context, cmd StartSessionCommand) (CheckoutSession, error)
	GetSession(ctx context.Context, ref SessionRef) (CheckoutSession, error)
	UpdateCart(ctx context.Context, cmd UpdateCartCommand) (CheckoutSession, error)
	SelectShippingMethod(ctx context.Context, cmd SelectShippingMethodCommand) (CheckoutSession, error)
	UpdateUserInfo(ctx context.Context, cmd UpdateUserInfoCommand) (CheckoutSession, error)
	ApplyCoupon(ctx context.Context, cmd ApplyCouponCommand) (CheckoutSession, error)
	RemoveCoupon(ctx context.Context, ref SessionRef) (CheckoutSession, error)
	ProceedToReview(ctx context.Context, ref SessionRef) (CheckoutSession, error)
	BackToShipping(ctx context.Context, ref SessionRef) (CheckoutSession, error)
	Retry(ctx context.Context, ref SessionRef) (CheckoutSession, error)
	Complete(ctx context.Context, cmd CompleteCommand) (CheckoutSession, error)
	ListAvailableCoupons(ctx context.Context) ([]AvailableCoupon, error)
	SweepExpired(ctx context.Context) (int, error)
}

// SystemService aggregates utility endpoints such as health reports.
type SystemService interface {
	HealthReport(ctx context.Context) (HealthReport, error)
}

// OrderEventPublisher publishes checkout lifecycle events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderCompleted(ctx context.Context, event OrderCompletedEvent) (string, error)
}

// CompletionLock serialises order submission per session across instances.
type CompletionLock interface {
	Acquire(ctx context.Context, sessionID, token string) (func(context.Context) error, error)
}

// Command and DTO definitions ------------------------------------------------

// SessionRef addresses an existing session on behalf of the caller.
type SessionRef struct {
	SessionID string
	Auth      AuthState
}

type StartSessionCommand struct {
	Auth AuthState
	// CartID names the guest cart; signed-in callers use their own cart.
	CartID string
}

type UpdateCartCommand struct {
	SessionRef
	// Lines replaces the snapshot. When nil the cart is reloaded from its store.
	Lines []CartLine
}

type SelectShippingMethodCommand struct {
	SessionRef
	MethodID string
}

// UpdateUserInfoCommand replaces the contact details with UserInfo, or, when Patch is set,
// edits the stored details in place under the session lock.
type UpdateUserInfoCommand struct {
	SessionRef
	UserInfo UserInfo
	Patch    func(*UserInfo)
}

type ApplyCouponCommand struct {
	SessionRef
	Code string
}

type CompleteCommand struct {
	SessionRef
	IdempotencyKey string
}

// CheckoutSession is the caller-facing view of a hosted session.
type CheckoutSession struct {
	ID        string
	CartID    string
	Guest     bool
	CreatedAt time.Time
	ExpiresAt time.Time
	State     checkout.View
}

// EventOrderCompleted is the type attribute of OrderCompletedEvent messages.
const EventOrderCompleted = "checkout.order_completed"

// OrderCompletedEvent is published once per session after the backend created the order.
type OrderCompletedEvent struct {
	EventID          string          `json:"eventId"`
	Type             string          `json:"type"`
	SessionID        string          `json:"sessionId"`
	OrderID          string          `json:"orderId"`
	OrderNumber      string          `json:"orderNumber,omitempty"`
	UserID           string          `json:"userId,omitempty"`
	Guest            bool            `json:"guest"`
	ShippingMethodID string          `json:"shippingMethodId"`
	CouponCode       string          `json:"couponCode,omitempty"`
	ItemCount        int             `json:"itemCount"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	ShippingCost     decimal.Decimal `json:"shippingCost"`
	Discount         decimal.Decimal `json:"discount"`
	Total            decimal.Decimal `json:"total"`
	Currency         string          `json:"currency"`
	OccurredAt       time.Time       `json:"occurredAt"`
}
