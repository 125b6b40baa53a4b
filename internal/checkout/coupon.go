package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kroypata/checkout/internal/domain"
)

// CouponValidator validates coupon codes against the current cart.
type CouponValidator struct {
	gateway Gateway
	timeout time.Duration
}

// NewCouponValidator builds a validator.
func NewCouponValidator(gateway Gateway, timeout time.Duration) *CouponValidator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &CouponValidator{gateway: gateway, timeout: timeout}
}

// Apply validates code for the cart. Rejections are returned as *Error of kind KindCouponRejected
// with a structured CouponRejection.
func (v *CouponValidator) Apply(ctx context.Context, code string, lines []domain.CartLine, subtotal decimal.Decimal, userID string) (domain.Coupon, error) {
	normalized, verr := ValidateCouponCode(code)
	if verr != nil {
		return domain.Coupon{}, verr
	}

	callCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	result, err := v.gateway.ValidateCoupon(callCtx, CouponRequest{
		Code:     normalized,
		Cart:     domain.CloneCart(lines),
		Subtotal: subtotal,
		UserID:   userID,
	})
	if err != nil {
		return domain.Coupon{}, Classify(OpCoupon, err)
	}

	if !result.Valid {
		rejection := couponRejection(result, subtotal, domain.CartQuantity(lines))
		return domain.Coupon{}, &Error{
			Kind:      KindCouponRejected,
			Message:   rejection.Message,
			Rejection: &rejection,
		}
	}
	return couponFromResult(normalized, result), nil
}

// couponRejection surfaces the structured reason the backend reported, in priority order, and
// falls back to RejectInvalid only when none applies.
func couponRejection(result CouponResult, subtotal decimal.Decimal, quantity int) domain.CouponRejection {
	switch {
	case result.MinCartTotal.Valid && subtotal.LessThan(result.MinCartTotal.Decimal):
		return domain.CouponRejection{
			Reason:         domain.RejectMinCartTotal,
			RequiredAmount: result.MinCartTotal.Decimal,
			CurrentAmount:  subtotal,
			Message: fmt.Sprintf("coupon requires a minimum subtotal of %s (current %s)",
				result.MinCartTotal.Decimal.StringFixed(2), subtotal.StringFixed(2)),
		}
	case result.MinQuantity > 0 && quantity < result.MinQuantity:
		return domain.CouponRejection{
			Reason:           domain.RejectMinQuantity,
			RequiredQuantity: result.MinQuantity,
			CurrentQuantity:  quantity,
			Message:          fmt.Sprintf("select at least %d items (current %d)", result.MinQuantity, quantity),
		}
	case result.UserSpecific && result.UserEligible != nil && !*result.UserEligible:
		return domain.CouponRejection{
			Reason:  domain.RejectUserRestricted,
			Message: "this coupon is not available for your account",
		}
	case result.FirstTimeUserOnly && result.IsFirstTimeUser != nil && !*result.IsFirstTimeUser:
		return domain.CouponRejection{
			Reason:  domain.RejectFirstTimeUserOnly,
			Message: "this coupon is for first-time customers only",
		}
	}
	message := result.Message
	if message == "" {
		message = "invalid coupon code"
	}
	return domain.CouponRejection{Reason: domain.RejectInvalid, Message: message}
}

// couponFromResult keeps totalDiscount == productDiscount + shippingDiscount. When the split is
// missing or inconsistent the whole discount goes to products and SplitUnknown is set.
func couponFromResult(code string, result CouponResult) domain.Coupon {
	coupon := domain.Coupon{
		Code:          code,
		DiscountType:  result.DiscountType,
		DiscountValue: result.DiscountValue,
		Valid:         true,
		Message:       result.Message,
	}

	product, shipping := result.ProductDiscount, result.ShippingDiscount
	total := result.DiscountAmount

	switch {
	case product.Valid && shipping.Valid:
		sum := nonNegative(product.Decimal).Add(nonNegative(shipping.Decimal))
		if total.Valid && !total.Decimal.Equal(sum) {
			return splitUnknown(coupon, total.Decimal)
		}
		coupon.ProductDiscount = nonNegative(product.Decimal)
		coupon.ShippingDiscount = nonNegative(shipping.Decimal)
		coupon.TotalDiscount = sum
	case !total.Valid && (product.Valid || shipping.Valid):
		coupon.ProductDiscount = nonNegative(product.Decimal)
		coupon.ShippingDiscount = nonNegative(shipping.Decimal)
		coupon.TotalDiscount = coupon.ProductDiscount.Add(coupon.ShippingDiscount)
	case total.Valid && product.Valid && product.Decimal.Equal(total.Decimal):
		coupon.ProductDiscount = nonNegative(total.Decimal)
		coupon.TotalDiscount = coupon.ProductDiscount
	case total.Valid && shipping.Valid && shipping.Decimal.Equal(total.Decimal):
		coupon.ShippingDiscount = nonNegative(total.Decimal)
		coupon.TotalDiscount = coupon.ShippingDiscount
	case total.Valid:
		return splitUnknown(coupon, total.Decimal)
	}
	return coupon
}

func splitUnknown(coupon domain.Coupon, total decimal.Decimal) domain.Coupon {
	coupon.ProductDiscount = nonNegative(total)
	coupon.ShippingDiscount = decimal.Zero
	coupon.TotalDiscount = coupon.ProductDiscount
	coupon.SplitUnknown = !coupon.TotalDiscount.IsZero()
	return coupon
}

func nonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
