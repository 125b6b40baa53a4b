package commerce

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kroypata/checkout/internal/checkout"
	"github.com/kroypata/checkout/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate ...func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := Config{BaseURL: srv.URL, Timeout: 2 * time.Second, RetryInitialInterval: time.Millisecond}
	for _, fn := range mutate {
		fn(&cfg)
	}
	client, err := NewClient(cfg)
	require.NoError(t, err)
	return client
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func cart() []domain.CartLine {
	return []domain.CartLine{
		{ProductID: "12", Quantity: 2, ColorVariant: "red"},
		{ProductID: "sku-b", Quantity: 1},
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}

func TestAnalyzeShippingNestedShape(t *testing.T) {
	var body map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/orders/analyze-cart-shipping/", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusOK, `{
			"success": true,
			"shipping_analysis": {
				"requires_split_shipping": false,
				"free_shipping_eligible": true,
				"available_methods": [
					{"id": "free", "name": "Free Shipping", "base_price": "0.00", "calculated_price": "0.00", "is_free_shipping_rule": true},
					{"id": 3, "name": "Courier", "base_price": "60.00", "calculated_price": "80.00", "pricing_method_used": "weight", "tier_applied": true,
					 "tier_pricing": [{"min_weight": "1.00", "max_weight": "5.00", "price": "80.00"}]}
				],
				"qualifying_free_rule": {"id": 7, "name": "Over 1000", "threshold_amount": 1000}
			},
			"recommendations": {"optimal_method": {"id": 3, "name": "Courier"}}
		}`)
	})

	analysis, err := client.AnalyzeShipping(context.Background(), cart())
	require.NoError(t, err)

	items, ok := body["cart_items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, float64(12), first["product_id"])
	assert.Equal(t, "red", first["color"])
	assert.Equal(t, "sku-b", items[1].(map[string]any)["product_id"])

	assert.True(t, analysis.FreeShippingEligible)
	require.Len(t, analysis.AvailableMethods, 2)
	free := analysis.AvailableMethods[0]
	assert.Equal(t, "free", free.ID)
	assert.True(t, free.IsFree())
	assert.Equal(t, "Free", free.DisplayPrice())

	courier := analysis.AvailableMethods[1]
	assert.Equal(t, "3", courier.ID)
	assert.True(t, courier.CalculatedPrice.Equal(dec("80")))
	assert.Equal(t, "80.00", courier.DisplayPrice())
	require.NotNil(t, courier.Tier)
	assert.Equal(t, "weight", courier.Tier.Kind)
	assert.True(t, courier.Tier.MinValue.Equal(dec("1")))

	assert.Equal(t, "3", analysis.RecommendedMethodID)
	require.NotNil(t, analysis.QualifyingFreeRule)
	assert.True(t, analysis.QualifyingFreeRule.ThresholdAmount.Equal(dec("1000")))
}

func TestAnalyzeShippingFlatShapeWithMissingProducts(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{
			"requires_split_shipping": true,
			"available_methods": [{"id": 1, "name": "Standard", "base_price": 50}],
			"missing_products": [99],
			"message": "Some products were not found"
		}`)
	})

	analysis, err := client.AnalyzeShipping(context.Background(), cart())
	require.NoError(t, err)
	assert.True(t, analysis.RequiresSplitShipping)
	require.Len(t, analysis.AvailableMethods, 1)
	assert.True(t, analysis.AvailableMethods[0].CalculatedPrice.Equal(dec("50")))
	assert.True(t, analysis.Partial)
	assert.Equal(t, []string{"99"}, analysis.MissingProducts)
}

func TestAnalyzeShippingNotFoundClassifiesAsInvalidCart(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"error": "Product 99 not found"}`)
	})
	_, err := client.AnalyzeShipping(context.Background(), cart())
	require.Error(t, err)
	assert.Equal(t, checkout.KindInvalidCart, checkout.Classify(checkout.OpAnalysis, err).Kind)
}

func TestCalculateReportsGrossShipping(t *testing.T) {
	var gotUser string
	var body map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get(userIDHeader)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusOK, `{
			"success": true,
			"calculation_summary": {"cart_subtotal": "20.00", "shipping_cost": "0.00", "discount_amount": "2.00", "final_total": "18.00", "currency": "BDT"},
			"shipping_details": {
				"available_methods": [{"id": 3, "name": "Courier", "calculated_price": "5.00"}],
				"selected_method": {"id": 3, "name": "Courier", "calculated_price": "5.00"}
			},
			"coupon_details": {"code": "combo", "product_discount": "2.00", "shipping_discount": "5.00", "total_discount": "7.00"}
		}`)
	})

	result, err := client.Calculate(context.Background(), checkout.CalculationRequest{
		Cart:             cart(),
		ShippingMethodID: "3",
		CouponCode:       "combo",
		UserID:           "42",
	})
	require.NoError(t, err)

	assert.Equal(t, "42", gotUser)
	assert.Equal(t, float64(3), body["selected_shipping_method_id"])
	assert.Equal(t, "COMBO", body["coupon_code"])
	assert.Equal(t, float64(42), body["user_id"])

	assert.True(t, result.Subtotal.Equal(dec("20")))
	assert.True(t, result.ShippingCost.Equal(dec("5")), "shipping %s", result.ShippingCost)
	assert.True(t, result.Discount.Equal(dec("7")), "discount %s", result.Discount)
	require.NotNil(t, result.Coupon)
	assert.True(t, result.Coupon.Valid)
	assert.True(t, result.Coupon.ShippingDiscount.Decimal.Equal(dec("5")))
	require.NotNil(t, result.Shipping)
	assert.Equal(t, "3", result.Shipping.MethodID)
	assert.True(t, result.FinalTotal.Valid)

	totals := domain.ComposeTotals(result.Subtotal, result.ShippingCost, result.Coupon.ProductDiscount.Decimal, result.Coupon.ShippingDiscount.Decimal, "BDT")
	assert.True(t, totals.Total.Equal(result.FinalTotal.Decimal), "recomposed %s", totals.Total)
}

func TestCalculateInvalidCouponDetails(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{
			"success": true,
			"calculation_summary": {"cart_subtotal": "20.00", "shipping_cost": "5.00", "discount_amount": "0.00", "final_total": "25.00"},
			"coupon_details": {"code": "OLD", "error": "Coupon expired", "valid": false}
		}`)
	})
	result, err := client.Calculate(context.Background(), checkout.CalculationRequest{Cart: cart(), CouponCode: "OLD"})
	require.NoError(t, err)
	require.NotNil(t, result.Coupon)
	assert.False(t, result.Coupon.Valid)
	assert.Equal(t, "Coupon expired", result.Coupon.Error)
	assert.True(t, result.Discount.IsZero())
	assert.True(t, result.ShippingCost.Equal(dec("5")))
}

func TestCalculateDroppedSelectionIsInvalidShippingMethod(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{
			"success": true,
			"calculation_summary": {"cart_subtotal": "20.00", "shipping_cost": "0.00"},
			"shipping_details": {"available_methods": [{"id": 4, "name": "Express", "calculated_price": "9.00"}], "selected_method": null}
		}`)
	})

	_, err := client.Calculate(context.Background(), checkout.CalculationRequest{Cart: cart(), ShippingMethodID: "3"})
	require.Error(t, err)
	classified := checkout.Classify(checkout.OpCalculation, err)
	assert.Equal(t, checkout.KindInvalidShippingMethod, classified.Kind)
	require.Len(t, classified.Methods, 1)
	assert.Equal(t, "4", classified.Methods[0].ID)
}

func TestCalculateSplitShippingPolicy(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{
			"success": true,
			"calculation_summary": {"cart_subtotal": "20.00", "shipping_cost": "5.00"},
			"shipping_details": {"requires_split_shipping": true, "selected_method": {"id": 3, "calculated_price": "5.00"}}
		}`)
	}
	lenient := newTestClient(t, handler)
	_, err := lenient.Calculate(context.Background(), checkout.CalculationRequest{Cart: cart(), ShippingMethodID: "3"})
	require.NoError(t, err)

	strict := newTestClient(t, handler, func(cfg *Config) { cfg.StrictSplitShipping = true })
	_, err = strict.Calculate(context.Background(), checkout.CalculationRequest{Cart: cart(), ShippingMethodID: "3"})
	require.Error(t, err)
	assert.Equal(t, checkout.KindSplitShippingRequiredHard, checkout.Classify(checkout.OpCalculation, err).Kind)
}

func TestCalculateServerErrorIsRetryable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, `<html>bad gateway</html>`)
	})
	_, err := client.Calculate(context.Background(), checkout.CalculationRequest{Cart: cart()})
	classified := checkout.Classify(checkout.OpCalculation, err)
	assert.Equal(t, checkout.KindCalculationUnavailable, classified.Kind)
	assert.True(t, classified.Retryable())
}

func TestValidateCouponRefusalIsResult(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/orders/coupons/validate/", r.URL.Path)
		writeJSON(w, http.StatusNotFound, `{"valid": false, "message": "Coupon not found or inactive."}`)
	})
	result, err := client.ValidateCoupon(context.Background(), checkout.CouponRequest{Code: "nope", Cart: cart(), Subtotal: dec("20")})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, "NOPE", result.Code)
	assert.Equal(t, "Coupon not found or inactive.", result.Message)
}

func TestValidateCouponBreakdown(t *testing.T) {
	var body map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusOK, `{
			"valid": true,
			"message": "Coupon is valid.",
			"discount_amount": 2.5,
			"discount_breakdown": {"product_discount": 2.5, "shipping_discount": 0},
			"discount_type": "Product Discount",
			"coupon": {"id": 5, "code": "TEN", "type": "PRODUCT_DISCOUNT", "discount_percent": "10.00", "min_quantity_required": 1}
		}`)
	})
	result, err := client.ValidateCoupon(context.Background(), checkout.CouponRequest{Code: "ten", Cart: cart(), Subtotal: dec("25"), UserID: "7"})
	require.NoError(t, err)
	assert.Equal(t, "TEN", body["coupon_code"])
	assert.Equal(t, float64(7), body["user_id"])

	assert.True(t, result.Valid)
	assert.Equal(t, domain.DiscountPercentage, result.DiscountType)
	assert.True(t, result.DiscountValue.Equal(dec("10")))
	assert.True(t, result.DiscountAmount.Decimal.Equal(dec("2.5")))
	assert.True(t, result.ProductDiscount.Valid)
	assert.True(t, result.ShippingDiscount.Valid)
	assert.True(t, result.ShippingDiscount.Decimal.IsZero())
	assert.Equal(t, 1, result.MinQuantity)
}

func TestValidateCouponServerErrorStaysError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{"valid": false}`)
	})
	_, err := client.ValidateCoupon(context.Background(), checkout.CouponRequest{Code: "X", Cart: cart()})
	require.Error(t, err)
	assert.Equal(t, checkout.KindCalculationUnavailable, checkout.Classify(checkout.OpCoupon, err).Kind)
}

func TestListCouponsRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, `{"error": "busy"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"results": [
			{"id": 1, "code": "save10", "type": "PRODUCT_DISCOUNT", "discount_percent": "10.00", "min_cart_total": "500.00", "active": true,
			 "valid_from": "2025-01-01T00:00:00Z", "expires_at": "2025-12-31T23:59:59Z"},
			{"id": 2, "code": "", "discount_percent": "5.00"}
		]}`)
	})

	coupons, err := client.ListCoupons(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, coupons, 1)
	coupon := coupons[0]
	assert.Equal(t, "SAVE10", coupon.Code)
	assert.Equal(t, domain.DiscountPercentage, coupon.DiscountType)
	assert.True(t, coupon.MinimumAmount.Equal(dec("500")))
	assert.True(t, coupon.ActiveAt(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))
	assert.False(t, coupon.ActiveAt(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)))
}

func TestListCouponsBareArrayAndPermanentFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[{"id": 1, "code": "A", "active": false}]`)
	})
	coupons, err := client.ListCoupons(context.Background())
	require.NoError(t, err)
	require.Len(t, coupons, 1)
	assert.False(t, coupons[0].Active)

	var calls atomic.Int32
	failing := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusNotFound, `{"detail": "Not found."}`)
	})
	_, err = failing.ListCoupons(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCompleteOrderPayload(t *testing.T) {
	var body map[string]any
	var headers http.Header
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/orders/", r.URL.Path)
		headers = r.Header.Clone()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusCreated, `{"success": true, "order_id": 881, "order_number": "ORD-881"}`)
	})

	ctx := WithIdempotencyKey(context.Background(), "idem-1")
	receipt, err := client.CompleteOrder(ctx, checkout.CompletionRequest{
		Cart: cart(),
		UserInfo: domain.UserInfo{
			FirstName: "Tom & <b>Jerry</b>",
			LastName:  "Doe",
			Email:     "tom@example.com",
			Phone:     "+880 1700",
			Address:   domain.Address{Street: "1 Road", City: "Dhaka", State: "Dhaka", ZipCode: "1207"},
			Notes:     "<script>alert(1)</script>Leave at door",
		},
		ShippingMethodID: "3",
		CouponCode:       "ten",
		UserID:           "42",
	})
	require.NoError(t, err)
	assert.Equal(t, "881", receipt.OrderID)
	assert.Equal(t, "ORD-881", receipt.OrderNumber)

	assert.Equal(t, "idem-1", headers.Get(idempotencyHeader))
	assert.Equal(t, "42", headers.Get(userIDHeader))
	assert.Equal(t, "pending", body["payment_method"])
	assert.Equal(t, "Leave at door", body["notes"])
	assert.Equal(t, "TEN", body["coupon_code"])
	assert.Equal(t, float64(3), body["shipping_method"])

	customer := body["customer_info"].(map[string]any)
	assert.Equal(t, "Tom & Jerry", customer["first_name"])
	address := body["shipping_address"].(map[string]any)
	assert.Equal(t, "1 Road", address["street_address"])
	assert.Equal(t, "1207", address["zip_code"])
	items := body["items"].([]any)
	assert.Equal(t, float64(12), items[0].(map[string]any)["product"])
}

func TestCompleteOrderValidationDetails(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, `{
			"success": false,
			"detail": "Order validation failed",
			"errors": {"customer_info": {"email": ["Enter a valid email address."]}, "items": [{"quantity": ["Too many."]}]}
		}`)
	})
	_, err := client.CompleteOrder(context.Background(), checkout.CompletionRequest{Cart: cart()})
	require.Error(t, err)
	classified := checkout.Classify(checkout.OpCompletion, err)
	assert.Equal(t, checkout.KindValidationFailed, classified.Kind)
	assert.Equal(t, []string{"Enter a valid email address."}, classified.Details["customer_info.email"])
	assert.Equal(t, []string{"Too many."}, classified.Details["items.0.quantity"])
	assert.False(t, classified.Retryable())
}

func TestCompleteOrderServerErrorIsRetryable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{"success": false, "error": "boom", "code": "ORDER_CREATION_FAILED"}`)
	})
	_, err := client.CompleteOrder(context.Background(), checkout.CompletionRequest{Cart: cart()})
	classified := checkout.Classify(checkout.OpCompletion, err)
	assert.Equal(t, checkout.KindOrderCreationFailed, classified.Kind)
	assert.True(t, classified.Retryable())
}
