package checkout

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/kroypata/checkout/internal/domain"
)

// Calculation is a priced result ready for display.
type Calculation struct {
	Totals   domain.CheckoutTotals
	Coupon   *CouponDetails
	Shipping *ShippingDetails
}

// Calculator prices the cart through the backend. Totals are never derived without a backend
// response; the backend figures are recomposed so the totals invariant always holds.
type Calculator struct {
	gateway  Gateway
	timeout  time.Duration
	currency string
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewCalculator builds a calculator. defaultCurrency applies when the backend omits one.
func NewCalculator(gateway Gateway, timeout time.Duration, defaultCurrency string, logger func(context.Context, string, map[string]any)) *Calculator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Calculator{
		gateway:  gateway,
		timeout:  timeout,
		currency: normalizeCurrency(defaultCurrency, domain.DefaultCurrency),
		logger:   logger,
	}
}

// Calculate prices req. applied is the locally validated coupon, used to recover the
// product/shipping split when the calculation response does not carry it.
func (c *Calculator) Calculate(ctx context.Context, req CalculationRequest, applied *domain.Coupon) (Calculation, error) {
	if verr := ValidateCart(req.Cart); verr != nil {
		return Calculation{}, verr
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req.Cart = domain.CloneCart(req.Cart)
	result, err := c.gateway.Calculate(callCtx, req)
	if err != nil {
		return Calculation{}, Classify(OpCalculation, err)
	}

	productDiscount, shippingDiscount, unknown := discountSplit(result, applied)
	totals := domain.ComposeTotals(
		result.Subtotal,
		result.ShippingCost,
		productDiscount,
		shippingDiscount,
		normalizeCurrency(result.Currency, c.currency),
	)
	totals.SplitUnknown = unknown

	if result.FinalTotal.Valid && !result.FinalTotal.Decimal.Equal(totals.Total) {
		c.logger(ctx, "checkout.total_mismatch", map[string]any{
			"remoteTotal":   result.FinalTotal.Decimal.String(),
			"composedTotal": totals.Total.String(),
			"splitUnknown":  unknown,
		})
	}

	return Calculation{Totals: totals, Coupon: result.Coupon, Shipping: result.Shipping}, nil
}

// discountSplit attributes the backend discount to products and shipping. The split comes from
// the calculation response, then from the applied coupon when its total agrees; otherwise the
// whole amount is attributed to products and reported as unknown.
func discountSplit(result CalculationResult, applied *domain.Coupon) (decimal.Decimal, decimal.Decimal, bool) {
	discount := nonNegative(result.Discount)
	if details := result.Coupon; details != nil {
		if details.ProductDiscount.Valid && details.ShippingDiscount.Valid {
			product := nonNegative(details.ProductDiscount.Decimal)
			shipping := nonNegative(details.ShippingDiscount.Decimal)
			if discount.IsZero() || product.Add(shipping).Equal(discount) {
				return product, shipping, false
			}
		}
	}
	if discount.IsZero() {
		return decimal.Zero, decimal.Zero, false
	}
	if applied != nil && !applied.SplitUnknown && applied.TotalDiscount.Equal(discount) {
		return applied.ProductDiscount, applied.ShippingDiscount, false
	}
	return discount, decimal.Zero, true
}

func normalizeCurrency(code, fallback string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return fallback
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return fallback
	}
	return unit.String()
}
