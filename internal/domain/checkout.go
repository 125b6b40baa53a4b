package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is applied when the commerce backend omits a currency code.
const DefaultCurrency = "BDT"

// MaxLineQuantity bounds the quantity accepted for a single cart line.
const MaxLineQuantity = 999

// Step enumerates the checkout wizard steps.
type Step string

const (
	// StepShipping collects contact details and the shipping method.
	StepShipping Step = "shipping"
	// StepReview shows the priced order before submission.
	StepReview Step = "review"
	// StepComplete is terminal; the order has been created.
	StepComplete Step = "complete"
)

// CartLine is a single product entry of the caller-owned cart snapshot.
type CartLine struct {
	ProductID    string
	Quantity     int
	ColorVariant string
	SizeVariant  string
	UnitPrice    decimal.NullDecimal
}

// CartSubtotal sums unit price times quantity for lines that carry a price.
func CartSubtotal(lines []CartLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		if !line.UnitPrice.Valid || line.Quantity <= 0 {
			continue
		}
		total = total.Add(line.UnitPrice.Decimal.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	return total
}

// CartQuantity sums the quantities of all lines.
func CartQuantity(lines []CartLine) int {
	total := 0
	for _, line := range lines {
		if line.Quantity > 0 {
			total += line.Quantity
		}
	}
	return total
}

// CloneCart returns a copy so callers can never mutate a snapshot held elsewhere.
func CloneCart(lines []CartLine) []CartLine {
	if lines == nil {
		return nil
	}
	out := make([]CartLine, len(lines))
	copy(out, lines)
	return out
}

// TierInfo describes the weight or quantity bracket the backend applied to a method.
type TierInfo struct {
	Kind        string
	MinValue    decimal.Decimal
	MaxValue    decimal.NullDecimal
	BasePrice   decimal.Decimal
	Incremental bool
}

// ShippingMethod is a candidate method returned by shipping analysis.
type ShippingMethod struct {
	ID                 string
	Name               string
	Description        string
	BasePrice          decimal.Decimal
	CalculatedPrice    decimal.Decimal
	IsFreeShippingRule bool
	PricingType        string
	Tier               *TierInfo
}

// IsFree reports whether selecting the method costs nothing.
func (m ShippingMethod) IsFree() bool {
	return m.IsFreeShippingRule || m.CalculatedPrice.IsZero()
}

// DisplayPrice renders the method price for the wizard.
func (m ShippingMethod) DisplayPrice() string {
	if m.IsFree() {
		return "Free"
	}
	return m.CalculatedPrice.StringFixed(2)
}

// FreeShippingRule is the backend rule that made a cart eligible for free shipping.
type FreeShippingRule struct {
	ID              string
	Name            string
	ThresholdAmount decimal.Decimal
}

// ShippingAnalysis classifies a cart's shipping eligibility. Analyses are superseded, never mutated.
type ShippingAnalysis struct {
	Version               int64
	RequiresSplitShipping bool
	FreeShippingEligible  bool
	AvailableMethods      []ShippingMethod
	QualifyingFreeRule    *FreeShippingRule
	RecommendedMethodID   string
	MissingProducts       []string
	Partial               bool
	Message               string
}

// Method looks up an available method by id.
func (a ShippingAnalysis) Method(id string) (ShippingMethod, bool) {
	for _, m := range a.AvailableMethods {
		if m.ID == id {
			return m, true
		}
	}
	return ShippingMethod{}, false
}

// DiscountType distinguishes percentage from fixed coupons.
type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// Coupon is the validated effect of a coupon code on the current cart.
type Coupon struct {
	Code             string
	DiscountType     DiscountType
	DiscountValue    decimal.Decimal
	ProductDiscount  decimal.Decimal
	ShippingDiscount decimal.Decimal
	TotalDiscount    decimal.Decimal
	Valid            bool
	// SplitUnknown marks coupons whose product/shipping split was not reported; the whole
	// discount is attributed to products.
	SplitUnknown bool
	Message      string
}

// RejectionReason enumerates structured coupon rejection causes.
type RejectionReason string

const (
	RejectMinCartTotal      RejectionReason = "min_cart_total"
	RejectMinQuantity       RejectionReason = "min_quantity"
	RejectUserRestricted    RejectionReason = "user_restricted"
	RejectFirstTimeUserOnly RejectionReason = "first_time_user_only"
	RejectInvalid           RejectionReason = "invalid"
)

// CouponRejection carries the reason a coupon was refused, with thresholds when reported.
type CouponRejection struct {
	Reason           RejectionReason
	RequiredAmount   decimal.Decimal
	CurrentAmount    decimal.Decimal
	RequiredQuantity int
	CurrentQuantity  int
	Message          string
}

// CheckoutTotals are always derived through ComposeTotals.
type CheckoutTotals struct {
	Subtotal         decimal.Decimal
	ShippingCost     decimal.Decimal
	Discount         decimal.Decimal
	ProductDiscount  decimal.Decimal
	ShippingDiscount decimal.Decimal
	Total            decimal.Decimal
	Currency         string
	SplitUnknown     bool
}

// ComposeTotals builds totals where
// total = max(0, subtotal-productDiscount) + max(0, shipping-shippingDiscount)
// and discount = productDiscount + shippingDiscount. Negative discounts are clamped to zero.
func ComposeTotals(subtotal, shipping, productDiscount, shippingDiscount decimal.Decimal, currency string) CheckoutTotals {
	productDiscount = nonNegative(productDiscount)
	shippingDiscount = nonNegative(shippingDiscount)
	goods := nonNegative(subtotal.Sub(productDiscount))
	freight := nonNegative(shipping.Sub(shippingDiscount))
	if currency == "" {
		currency = DefaultCurrency
	}
	return CheckoutTotals{
		Subtotal:         subtotal,
		ShippingCost:     shipping,
		Discount:         productDiscount.Add(shippingDiscount),
		ProductDiscount:  productDiscount,
		ShippingDiscount: shippingDiscount,
		Total:            goods.Add(freight),
		Currency:         currency,
	}
}

func nonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

// Address is the shipping destination.
type Address struct {
	Street  string
	City    string
	State   string
	ZipCode string
}

// UserInfo holds the shipping contact entered during the Shipping step.
type UserInfo struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
	Address   Address
	Notes     string
}

// OrderReceipt is returned by the commerce backend once an order is created.
type OrderReceipt struct {
	OrderID     string
	OrderNumber string
	Status      string
	Total       decimal.Decimal
	Currency    string
	CreatedAt   time.Time
}

// AvailableCoupon is a display-only coupon listing entry.
type AvailableCoupon struct {
	ID            string
	Code          string
	Description   string
	DiscountType  DiscountType
	DiscountValue decimal.Decimal
	MinimumAmount decimal.Decimal
	MinQuantity   int
	Active        bool
	ValidFrom     *time.Time
	ValidUntil    *time.Time
}

// ActiveAt reports whether the coupon is active and inside its validity window.
func (c AvailableCoupon) ActiveAt(now time.Time) bool {
	if !c.Active {
		return false
	}
	if c.ValidFrom != nil && now.Before(*c.ValidFrom) {
		return false
	}
	if c.ValidUntil != nil && now.After(*c.ValidUntil) {
		return false
	}
	return true
}

// AuthState is the read-only view of the caller's authentication.
type AuthState struct {
	Authenticated bool
	UserID        string
}
