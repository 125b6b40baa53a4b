package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kroypata/checkout/internal/domain"
)

type stubGateway struct {
	analyzeFunc   func(ctx context.Context, lines []domain.CartLine) (domain.ShippingAnalysis, error)
	calculateFunc func(ctx context.Context, req CalculationRequest) (CalculationResult, error)
	couponFunc    func(ctx context.Context, req CouponRequest) (CouponResult, error)
	completeFunc  func(ctx context.Context, req CompletionRequest) (domain.OrderReceipt, error)

	mu             sync.Mutex
	analyzeCalls   int
	calculateCalls int
	couponCalls    int
	completeCalls  int
	calculations   []CalculationRequest
}

func (s *stubGateway) AnalyzeShipping(ctx context.Context, lines []domain.CartLine) (domain.ShippingAnalysis, error) {
	s.mu.Lock()
	s.analyzeCalls++
	s.mu.Unlock()
	if s.analyzeFunc == nil {
		return domain.ShippingAnalysis{}, nil
	}
	return s.analyzeFunc(ctx, lines)
}

func (s *stubGateway) Calculate(ctx context.Context, req CalculationRequest) (CalculationResult, error) {
	s.mu.Lock()
	s.calculateCalls++
	s.calculations = append(s.calculations, req)
	s.mu.Unlock()
	if s.calculateFunc == nil {
		return CalculationResult{}, nil
	}
	return s.calculateFunc(ctx, req)
}

func (s *stubGateway) ValidateCoupon(ctx context.Context, req CouponRequest) (CouponResult, error) {
	s.mu.Lock()
	s.couponCalls++
	s.mu.Unlock()
	if s.couponFunc == nil {
		return CouponResult{}, nil
	}
	return s.couponFunc(ctx, req)
}

func (s *stubGateway) CompleteOrder(ctx context.Context, req CompletionRequest) (domain.OrderReceipt, error) {
	s.mu.Lock()
	s.completeCalls++
	s.mu.Unlock()
	if s.completeFunc == nil {
		return domain.OrderReceipt{}, nil
	}
	return s.completeFunc(ctx, req)
}

func (s *stubGateway) counts() (analyze, calculate, coupon, complete int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.analyzeCalls, s.calculateCalls, s.couponCalls, s.completeCalls
}

type stubRemoteError struct {
	status  int
	code    string
	message string
	fields  map[string][]string
	methods []domain.ShippingMethod
}

func (e *stubRemoteError) Error() string                             { return e.message }
func (e *stubRemoteError) StatusCode() int                           { return e.status }
func (e *stubRemoteError) Code() string                              { return e.code }
func (e *stubRemoteError) FieldErrors() map[string][]string          { return e.fields }
func (e *stubRemoteError) AvailableMethods() []domain.ShippingMethod { return e.methods }

type recordingObserver struct {
	mu          sync.Mutex
	dispatched  int
	discarded   int
	recovered   int
	kinds       []Kind
	completions []string
}

func (r *recordingObserver) CalculationDispatched() {
	r.mu.Lock()
	r.dispatched++
	r.mu.Unlock()
}

func (r *recordingObserver) CalculationDiscarded() {
	r.mu.Lock()
	r.discarded++
	r.mu.Unlock()
}

func (r *recordingObserver) AutoRecovered() {
	r.mu.Lock()
	r.recovered++
	r.mu.Unlock()
}

func (r *recordingObserver) ErrorSurfaced(kind Kind) {
	r.mu.Lock()
	r.kinds = append(r.kinds, kind)
	r.mu.Unlock()
}

func (r *recordingObserver) CompletionFinished(outcome string) {
	r.mu.Lock()
	r.completions = append(r.completions, outcome)
	r.mu.Unlock()
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func priced(v string) decimal.NullDecimal {
	return decimal.NewNullDecimal(dec(v))
}

func method(id, price string) domain.ShippingMethod {
	return domain.ShippingMethod{ID: id, Name: id, BasePrice: dec(price), CalculatedPrice: dec(price)}
}

func sampleCart() []domain.CartLine {
	return []domain.CartLine{{ProductID: "p1", Quantity: 2, UnitPrice: priced("10.00")}}
}

// pricingCalculator prices from the cart and a method price table, like the backend would.
func pricingCalculator(prices map[string]string) func(context.Context, CalculationRequest) (CalculationResult, error) {
	return func(_ context.Context, req CalculationRequest) (CalculationResult, error) {
		shipping := decimal.Zero
		if p, ok := prices[req.ShippingMethodID]; ok {
			shipping = dec(p)
		}
		subtotal := domain.CartSubtotal(req.Cart)
		return CalculationResult{
			Subtotal:     subtotal,
			ShippingCost: shipping,
			Discount:     decimal.Zero,
			FinalTotal:   decimal.NewNullDecimal(subtotal.Add(shipping)),
			Currency:     "BDT",
		}, nil
	}
}

func completeUserInfo() domain.UserInfo {
	return domain.UserInfo{
		FirstName: "Rahim",
		LastName:  "Uddin",
		Email:     "rahim@example.com",
		Phone:     "+880 1711-000000",
		Address: domain.Address{
			Street:  "12 Lake Road",
			City:    "Dhaka",
			State:   "Dhaka",
			ZipCode: "1205",
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
