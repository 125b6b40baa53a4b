package checkout

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/kroypata/checkout/internal/domain"
)

// PaymentMethodPending is sent at completion; payment capture happens outside checkout.
const PaymentMethodPending = "pending"

// Gateway is the remote commerce backend. Implementations normalise every response shape into
// these types and report failures as RemoteError where the backend sent a structured body.
type Gateway interface {
	AnalyzeShipping(ctx context.Context, lines []domain.CartLine) (domain.ShippingAnalysis, error)
	Calculate(ctx context.Context, req CalculationRequest) (CalculationResult, error)
	ValidateCoupon(ctx context.Context, req CouponRequest) (CouponResult, error)
	CompleteOrder(ctx context.Context, req CompletionRequest) (domain.OrderReceipt, error)
}

// CouponCatalog lists coupons for display. It is never authoritative.
type CouponCatalog interface {
	ListCoupons(ctx context.Context) ([]domain.AvailableCoupon, error)
}

// AuthAccessor exposes the caller's authentication state.
type AuthAccessor interface {
	Auth(ctx context.Context) domain.AuthState
}

// StaticAuth is an AuthAccessor fixed at construction time.
type StaticAuth domain.AuthState

// Auth implements AuthAccessor.
func (a StaticAuth) Auth(context.Context) domain.AuthState {
	return domain.AuthState(a)
}

// CalculationRequest is the input of the checkout calculation operation.
type CalculationRequest struct {
	Cart             []domain.CartLine
	ShippingMethodID string
	CouponCode       string
	UserID           string
	UserInfo         *domain.UserInfo
}

// CalculationResult is the normalised calculation response.
type CalculationResult struct {
	Subtotal     decimal.Decimal
	ShippingCost decimal.Decimal
	Discount     decimal.Decimal
	// FinalTotal is the backend's own total; totals are recomposed locally and compared to it.
	FinalTotal decimal.NullDecimal
	Currency   string
	Coupon     *CouponDetails
	Shipping   *ShippingDetails
}

// CouponDetails is the coupon section of a calculation response.
type CouponDetails struct {
	Code             string
	Valid            bool
	TotalDiscount    decimal.Decimal
	ProductDiscount  decimal.NullDecimal
	ShippingDiscount decimal.NullDecimal
	Message          string
	Error            string
}

// ShippingDetails is the shipping section of a calculation response.
type ShippingDetails struct {
	MethodID string
	Name     string
	Cost     decimal.Decimal
	IsFree   bool
}

// CouponRequest is the input of coupon validation.
type CouponRequest struct {
	Code     string
	Cart     []domain.CartLine
	Subtotal decimal.Decimal
	UserID   string
}

// CouponResult is the normalised coupon validation response. Threshold fields are only
// meaningful when Valid is false.
type CouponResult struct {
	Valid            bool
	Code             string
	Message          string
	DiscountType     domain.DiscountType
	DiscountValue    decimal.Decimal
	DiscountAmount   decimal.NullDecimal
	ProductDiscount  decimal.NullDecimal
	ShippingDiscount decimal.NullDecimal

	MinCartTotal      decimal.NullDecimal
	MinQuantity       int
	UserSpecific      bool
	UserEligible      *bool
	FirstTimeUserOnly bool
	IsFirstTimeUser   *bool
}

// CompletionRequest is the input of order creation.
type CompletionRequest struct {
	Cart             []domain.CartLine
	UserInfo         domain.UserInfo
	ShippingMethodID string
	CouponCode       string
	PaymentMethod    string
	UserID           string
}
