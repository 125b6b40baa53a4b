package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kroypata/checkout/internal/domain"
)

func newTestOrchestrator(t *testing.T, gateway *stubGateway, mutate func(*OrchestratorDeps)) (*Orchestrator, *recordingObserver) {
	t.Helper()
	observer := &recordingObserver{}
	deps := OrchestratorDeps{
		Gateway:  gateway,
		Auth:     StaticAuth{Authenticated: true, UserID: "user-1"},
		Timeout:  time.Second,
		Debounce: time.Hour,
		Observer: observer,
	}
	if mutate != nil {
		mutate(&deps)
	}
	orch, err := NewOrchestrator(deps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(orch.Close)
	return orch, observer
}

func singleMethodAnalysis(methods ...domain.ShippingMethod) func(context.Context, []domain.CartLine) (domain.ShippingAnalysis, error) {
	return func(context.Context, []domain.CartLine) (domain.ShippingAnalysis, error) {
		return domain.ShippingAnalysis{AvailableMethods: methods}, nil
	}
}

func TestNewOrchestratorRequiresGateway(t *testing.T) {
	if _, err := NewOrchestrator(OrchestratorDeps{}); err == nil {
		t.Fatalf("expected error without gateway")
	}
}

func TestOrchestratorHappyPath(t *testing.T) {
	gateway := &stubGateway{
		analyzeFunc:   singleMethodAnalysis(method("std", "5.00")),
		calculateFunc: pricingCalculator(map[string]string{"std": "5.00"}),
		completeFunc: func(_ context.Context, req CompletionRequest) (domain.OrderReceipt, error) {
			if req.PaymentMethod != PaymentMethodPending || req.ShippingMethodID != "std" || req.UserID != "user-1" {
				t.Fatalf("unexpected completion request %#v", req)
			}
			return domain.OrderReceipt{OrderID: "ord-1", OrderNumber: "KP-1001"}, nil
		},
	}
	orch, observer := newTestOrchestrator(t, gateway, nil)
	ctx := context.Background()

	if err := orch.Start(ctx, sampleCart()); err != nil {
		t.Fatalf("start: %v", err)
	}
	view := orch.Snapshot()
	if view.Step != domain.StepShipping || view.SelectedShippingMethodID != "std" {
		t.Fatalf("unexpected view after start %#v", view)
	}
	if view.Totals == nil || !view.Totals.Total.Equal(dec("25")) || !view.Totals.Subtotal.Equal(dec("20")) {
		t.Fatalf("expected total 25, got %#v", view.Totals)
	}
	if view.LastAnalysisVersion != 1 || view.LastCalculationVersion != 1 {
		t.Fatalf("unexpected versions %d/%d", view.LastAnalysisVersion, view.LastCalculationVersion)
	}

	if err := orch.UpdateUserInfo(ctx, completeUserInfo()); err != nil {
		t.Fatalf("update user info: %v", err)
	}
	if err := orch.ProceedToReview(ctx); err != nil {
		t.Fatalf("review: %v", err)
	}
	receipt, err := orch.Complete(ctx)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if receipt.OrderID != "ord-1" || !receipt.Total.Equal(dec("25")) || receipt.Currency != "BDT" {
		t.Fatalf("unexpected receipt %#v", receipt)
	}
	if orch.Snapshot().Step != domain.StepComplete {
		t.Fatalf("expected complete step")
	}
	if err := orch.BackToShipping(ctx); KindOf(err) != KindInvalidTransition {
		t.Fatalf("expected no way back from complete, got %v", err)
	}
	if err := orch.ApplyCoupon(ctx, "LATE"); KindOf(err) != KindInvalidTransition {
		t.Fatalf("expected coupon after completion to be refused, got %v", err)
	}
	if len(observer.completions) != 1 || observer.completions[0] != "succeeded" {
		t.Fatalf("unexpected completions %v", observer.completions)
	}
}

func TestOrchestratorStartWithEmptyCart(t *testing.T) {
	gateway := &stubGateway{}
	orch, _ := newTestOrchestrator(t, gateway, nil)
	err := orch.Start(context.Background(), nil)
	if KindOf(err) != KindEmptyCart {
		t.Fatalf("expected empty cart, got %v", err)
	}
	if analyze, calc, _, _ := gateway.counts(); analyze != 0 || calc != 0 {
		t.Fatalf("expected no network calls, got %d/%d", analyze, calc)
	}
	if view := orch.Snapshot(); view.Error == nil || view.Error.Kind != KindEmptyCart {
		t.Fatalf("expected empty cart surfaced, got %#v", view.Error)
	}
}

func TestOrchestratorNoShippingOptionsIsTerminal(t *testing.T) {
	gateway := &stubGateway{analyzeFunc: singleMethodAnalysis()}
	orch, _ := newTestOrchestrator(t, gateway, nil)
	err := orch.Start(context.Background(), sampleCart())
	if KindOf(err) != KindNoShippingOptions {
		t.Fatalf("expected no shipping options, got %v", err)
	}
	if _, calc, _, _ := gateway.counts(); calc != 0 {
		t.Fatalf("expected no calculation, got %d", calc)
	}
	if err := orch.Retry(context.Background()); KindOf(err) != KindInvalidTransition {
		t.Fatalf("expected retry to be refused, got %v", err)
	}
	if err := orch.ProceedToReview(context.Background()); err == nil {
		t.Fatalf("expected review to be refused without a method")
	}
}

func TestOrchestratorDiscardsStaleCalculation(t *testing.T) {
	release := make(chan struct{})
	slowStarted := make(chan struct{})
	prices := pricingCalculator(map[string]string{"std": "5.00", "slow": "50.00", "fast": "8.00"})
	gateway := &stubGateway{
		analyzeFunc: singleMethodAnalysis(method("std", "5.00"), method("slow", "50.00"), method("fast", "8.00")),
		calculateFunc: func(ctx context.Context, req CalculationRequest) (CalculationResult, error) {
			if req.ShippingMethodID == "slow" {
				close(slowStarted)
				<-release
			}
			return prices(ctx, req)
		},
	}
	orch, observer := newTestOrchestrator(t, gateway, nil)
	ctx := context.Background()
	if err := orch.Start(ctx, sampleCart()); err != nil {
		t.Fatalf("start: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := orch.SelectShippingMethod(ctx, "slow"); err != nil {
			t.Errorf("slow select: %v", err)
		}
	}()
	<-slowStarted

	if err := orch.SelectShippingMethod(ctx, "fast"); err != nil {
		t.Fatalf("fast select: %v", err)
	}
	if !orch.Snapshot().Pending {
		t.Fatalf("expected the slow calculation to still be pending")
	}
	close(release)
	wg.Wait()

	view := orch.Snapshot()
	if view.SelectedShippingMethodID != "fast" {
		t.Fatalf("expected fast selection, got %s", view.SelectedShippingMethodID)
	}
	if !view.Totals.ShippingCost.Equal(dec("8")) || !view.Totals.Total.Equal(dec("28")) {
		t.Fatalf("stale response overwrote totals: %#v", view.Totals)
	}
	if view.LastCalculationVersion != 3 || view.Pending {
		t.Fatalf("unexpected version %d pending %v", view.LastCalculationVersion, view.Pending)
	}
	if observer.discarded != 1 {
		t.Fatalf("expected one discarded response, got %d", observer.discarded)
	}
}

func TestOrchestratorAutoRecoversInvalidMethodOnce(t *testing.T) {
	fresh := []domain.ShippingMethod{method("B", "6.00"), method("C", "9.00")}
	gateway := &stubGateway{
		analyzeFunc: singleMethodAnalysis(method("A", "4.00"), method("B", "6.00")),
		calculateFunc: func(ctx context.Context, req CalculationRequest) (CalculationResult, error) {
			if req.ShippingMethodID == "A" {
				return CalculationResult{}, &stubRemoteError{status: 400, code: "INVALID_SHIPPING_METHOD", message: "method unavailable", methods: fresh}
			}
			return pricingCalculator(map[string]string{"B": "6.00"})(ctx, req)
		},
	}
	orch, observer := newTestOrchestrator(t, gateway, nil)
	if err := orch.Start(context.Background(), sampleCart()); err != nil {
		t.Fatalf("start: %v", err)
	}
	view := orch.Snapshot()
	if view.SelectedShippingMethodID != "B" {
		t.Fatalf("expected B after recovery, got %s", view.SelectedShippingMethodID)
	}
	if _, calc, _, _ := gateway.counts(); calc != 2 {
		t.Fatalf("expected exactly one extra calculation, got %d calls", calc)
	}
	if view.Error != nil {
		t.Fatalf("expected no surfaced error, got %v", view.Error)
	}
	if len(view.Analysis.AvailableMethods) != 2 || view.Analysis.AvailableMethods[1].ID != "C" {
		t.Fatalf("expected fresh method list, got %#v", view.Analysis.AvailableMethods)
	}
	if observer.recovered != 1 {
		t.Fatalf("expected one recovery, got %d", observer.recovered)
	}
}

func TestOrchestratorSurfacesInvalidMethodAfterOneRetry(t *testing.T) {
	gateway := &stubGateway{
		analyzeFunc: singleMethodAnalysis(method("A", "4.00")),
		calculateFunc: func(_ context.Context, req CalculationRequest) (CalculationResult, error) {
			return CalculationResult{}, &stubRemoteError{
				status:  400,
				code:    "INVALID_SHIPPING_METHOD",
				methods: []domain.ShippingMethod{method(req.ShippingMethodID+"x", "1.00")},
			}
		},
	}
	orch, _ := newTestOrchestrator(t, gateway, nil)
	err := orch.Start(context.Background(), sampleCart())
	if KindOf(err) != KindInvalidShippingMethod {
		t.Fatalf("expected invalid shipping method, got %v", err)
	}
	if _, calc, _, _ := gateway.counts(); calc != 2 {
		t.Fatalf("expected two calculation calls, got %d", calc)
	}
}

func TestOrchestratorSplitShippingHardBlocksProgress(t *testing.T) {
	gateway := &stubGateway{
		analyzeFunc: singleMethodAnalysis(method("std", "5.00")),
		calculateFunc: func(context.Context, CalculationRequest) (CalculationResult, error) {
			return CalculationResult{}, &stubRemoteError{status: 400, code: "SPLIT_SHIPPING_REQUIRED", message: "mixed cart"}
		},
	}
	orch, _ := newTestOrchestrator(t, gateway, nil)
	ctx := context.Background()
	if err := orch.Start(ctx, sampleCart()); KindOf(err) != KindSplitShippingRequiredHard {
		t.Fatalf("expected split shipping, got %v", err)
	}
	if err := orch.UpdateUserInfo(ctx, completeUserInfo()); err != nil {
		t.Fatalf("update user info: %v", err)
	}
	if err := orch.ProceedToReview(ctx); KindOf(err) != KindSplitShippingRequiredHard {
		t.Fatalf("expected review to be blocked, got %v", err)
	}
	if err := orch.Retry(ctx); KindOf(err) != KindInvalidTransition {
		t.Fatalf("expected no retry, got %v", err)
	}
	if view := orch.Snapshot(); view.Step != domain.StepShipping || !view.SplitShippingBlocked {
		t.Fatalf("unexpected view %#v", view)
	}
}

func TestOrchestratorSplitShippingAdvisoryDoesNotBlock(t *testing.T) {
	gateway := &stubGateway{
		analyzeFunc: func(context.Context, []domain.CartLine) (domain.ShippingAnalysis, error) {
			return domain.ShippingAnalysis{RequiresSplitShipping: true, AvailableMethods: []domain.ShippingMethod{method("std", "5.00")}}, nil
		},
		calculateFunc: pricingCalculator(map[string]string{"std": "5.00"}),
	}
	orch, _ := newTestOrchestrator(t, gateway, nil)
	ctx := context.Background()
	if err := orch.Start(ctx, sampleCart()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := orch.UpdateUserInfo(ctx, completeUserInfo()); err != nil {
		t.Fatalf("update user info: %v", err)
	}
	if err := orch.ProceedToReview(ctx); err != nil {
		t.Fatalf("expected advisory not to block review, got %v", err)
	}
	view := orch.Snapshot()
	if !view.Analysis.RequiresSplitShipping || !view.Totals.Total.Equal(dec("25")) {
		t.Fatalf("unexpected view %#v", view)
	}
}

func TestOrchestratorCouponBelowMinimum(t *testing.T) {
	gateway := &stubGateway{
		analyzeFunc:   singleMethodAnalysis(method("std", "5.00")),
		calculateFunc: pricingCalculator(map[string]string{"std": "5.00"}),
		couponFunc: func(context.Context, CouponRequest) (CouponResult, error) {
			return CouponResult{Valid: false, MinCartTotal: priced("50.00"), Message: "minimum not met"}, nil
		},
	}
	orch, _ := newTestOrchestrator(t, gateway, nil)
	ctx := context.Background()
	if err := orch.Start(ctx, sampleCart()); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := orch.ApplyCoupon(ctx, "big50")
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != KindCouponRejected {
		t.Fatalf("expected coupon rejection, got %v", err)
	}
	if ce.Rejection.Reason != domain.RejectMinCartTotal || !ce.Rejection.RequiredAmount.Equal(dec("50")) || !ce.Rejection.CurrentAmount.Equal(dec("20")) {
		t.Fatalf("unexpected rejection %#v", ce.Rejection)
	}
	view := orch.Snapshot()
	if view.AppliedCoupon != nil {
		t.Fatalf("expected no coupon applied")
	}
	if view.Step != domain.StepShipping {
		t.Fatalf("coupon changed step to %s", view.Step)
	}
	if _, calc, _, _ := gateway.counts(); calc != 1 {
		t.Fatalf("expected no recalculation after rejection, got %d calls", calc)
	}
}

func TestOrchestratorApplyAndRemoveCoupon(t *testing.T) {
	gateway := &stubGateway{
		analyzeFunc: singleMethodAnalysis(method("std", "5.00")),
		calculateFunc: func(ctx context.Context, req CalculationRequest) (CalculationResult, error) {
			result, _ := pricingCalculator(map[string]string{"std": "5.00"})(ctx, req)
			if req.CouponCode == "SHIPFREE" {
				result.Discount = dec("5")
			}
			return result, nil
		},
		couponFunc: func(context.Context, CouponRequest) (CouponResult, error) {
			return CouponResult{Valid: true, DiscountType: domain.DiscountFixed, DiscountAmount: priced("5"), ShippingDiscount: priced("5"), ProductDiscount: priced("0")}, nil
		},
	}
	orch, _ := newTestOrchestrator(t, gateway, nil)
	ctx := context.Background()
	if err := orch.Start(ctx, sampleCart()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := orch.UpdateUserInfo(ctx, completeUserInfo()); err != nil {
		t.Fatalf("user info: %v", err)
	}
	if err := orch.ProceedToReview(ctx); err != nil {
		t.Fatalf("review: %v", err)
	}

	if err := orch.ApplyCoupon(ctx, " shipfree "); err != nil {
		t.Fatalf("apply: %v", err)
	}
	view := orch.Snapshot()
	if view.AppliedCoupon == nil || view.AppliedCoupon.Code != "SHIPFREE" {
		t.Fatalf("expected coupon applied, got %#v", view.AppliedCoupon)
	}
	if !view.Totals.Total.Equal(dec("20")) || !view.Totals.ShippingDiscount.Equal(dec("5")) || view.Totals.SplitUnknown {
		t.Fatalf("unexpected totals %#v", view.Totals)
	}
	if view.Step != domain.StepReview {
		t.Fatalf("coupon changed step to %s", view.Step)
	}

	_, before, _, _ := gateway.counts()
	if err := orch.RemoveCoupon(ctx); err != nil {
		t.Fatalf("remove: %v", err)
	}
	_, after, coupons, _ := gateway.counts()
	if after != before+1 || coupons != 1 {
		t.Fatalf("expected one recalculation and no coupon call, got calc %d->%d coupons %d", before, after, coupons)
	}
	view = orch.Snapshot()
	if view.AppliedCoupon != nil || !view.Totals.Total.Equal(dec("25")) || view.Step != domain.StepReview {
		t.Fatalf("unexpected view after remove %#v", view)
	}
}

func TestOrchestratorCartChangeDropsCouponBelowMinimum(t *testing.T) {
	gateway := &stubGateway{
		analyzeFunc:   singleMethodAnalysis(method("std", "5.00")),
		calculateFunc: pricingCalculator(map[string]string{"std": "5.00"}),
		couponFunc: func(_ context.Context, req CouponRequest) (CouponResult, error) {
			if req.Subtotal.LessThan(dec("15")) {
				return CouponResult{MinCartTotal: priced("15")}, nil
			}
			return CouponResult{Valid: true, DiscountAmount: priced("1"), ProductDiscount: priced("1"), ShippingDiscount: priced("0")}, nil
		},
	}
	orch, _ := newTestOrchestrator(t, gateway, nil)
	ctx := context.Background()
	if err := orch.Start(ctx, sampleCart()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := orch.ApplyCoupon(ctx, "ONE"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	smaller := []domain.CartLine{{ProductID: "p1", Quantity: 1, UnitPrice: priced("10.00")}}
	if err := orch.UpdateCart(ctx, smaller); err != nil {
		t.Fatalf("update cart: %v", err)
	}
	view := orch.Snapshot()
	if view.AppliedCoupon != nil {
		t.Fatalf("expected coupon to be cleared")
	}
	if view.Error == nil || view.Error.Rejection == nil || view.Error.Rejection.Reason != domain.RejectMinCartTotal {
		t.Fatalf("expected min cart total notice, got %#v", view.Error)
	}
	if !view.Totals.Subtotal.Equal(dec("10")) || view.LastAnalysisVersion != 2 {
		t.Fatalf("unexpected view %#v", view)
	}
}

func TestOrchestratorReviewGate(t *testing.T) {
	gateway := &stubGateway{
		analyzeFunc:   singleMethodAnalysis(method("std", "5.00")),
		calculateFunc: pricingCalculator(map[string]string{"std": "5.00"}),
	}
	orch, _ := newTestOrchestrator(t, gateway, nil)
	ctx := context.Background()
	if err := orch.Start(ctx, sampleCart()); err != nil {
		t.Fatalf("start: %v", err)
	}

	err := orch.ProceedToReview(ctx)
	var ce *Error
	if !errors.As(err, &ce) || ce.Field != FieldFirstName {
		t.Fatalf("expected first name gate, got %v", err)
	}
	if err := orch.UpdateUserInfo(ctx, domain.UserInfo{FirstName: "Rahim"}); err != nil {
		t.Fatalf("user info: %v", err)
	}
	if err := orch.ProceedToReview(ctx); !errors.As(err, &ce) || ce.Field != FieldEmail {
		t.Fatalf("expected email gate, got %v", err)
	}
	if err := orch.UpdateUserInfo(ctx, domain.UserInfo{FirstName: "Rahim", Email: "rahim@example.com"}); err != nil {
		t.Fatalf("user info: %v", err)
	}
	if err := orch.ProceedToReview(ctx); err != nil {
		t.Fatalf("expected soft gate to pass, got %v", err)
	}
	if err := orch.ProceedToReview(ctx); KindOf(err) != KindInvalidTransition {
		t.Fatalf("expected review from review to be refused, got %v", err)
	}
}

func TestOrchestratorBackPreservesState(t *testing.T) {
	gateway := &stubGateway{
		analyzeFunc:   singleMethodAnalysis(method("std", "5.00"), method("exp", "12.00")),
		calculateFunc: pricingCalculator(map[string]string{"std": "5.00", "exp": "12.00"}),
	}
	orch, _ := newTestOrchestrator(t, gateway, nil)
	ctx := context.Background()
	if err := orch.Start(ctx, sampleCart()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := orch.SelectShippingMethod(ctx, "exp"); err != nil {
		t.Fatalf("select: %v", err)
	}
	info := completeUserInfo()
	if err := orch.UpdateUserInfo(ctx, info); err != nil {
		t.Fatalf("user info: %v", err)
	}
	if err := orch.ProceedToReview(ctx); err != nil {
		t.Fatalf("review: %v", err)
	}
	if err := orch.BackToShipping(ctx); err != nil {
		t.Fatalf("back: %v", err)
	}
	view := orch.Snapshot()
	if view.Step != domain.StepShipping || view.SelectedShippingMethodID != "exp" || view.UserInfo != info {
		t.Fatalf("state lost going back: %#v", view)
	}
	if analyze, _, _, _ := gateway.counts(); analyze != 2 || view.LastAnalysisVersion != 2 {
		t.Fatalf("expected shipping to be analysed again, got %d calls version %d", analyze, view.LastAnalysisVersion)
	}
	if view.Totals == nil || !view.Totals.ShippingCost.Equal(dec("12")) {
		t.Fatalf("expected totals priced with the kept method, got %#v", view.Totals)
	}
	if err := orch.BackToShipping(ctx); KindOf(err) != KindInvalidTransition {
		t.Fatalf("expected back from shipping to be refused, got %v", err)
	}
}

func TestOrchestratorCompletionBlockedByMissingPhone(t *testing.T) {
	gateway := &stubGateway{
		analyzeFunc:   singleMethodAnalysis(method("std", "5.00")),
		calculateFunc: pricingCalculator(map[string]string{"std": "5.00"}),
	}
	orch, _ := newTestOrchestrator(t, gateway, nil)
	ctx := context.Background()
	if err := orch.Start(ctx, sampleCart()); err != nil {
		t.Fatalf("start: %v", err)
	}
	info := completeUserInfo()
	info.Phone = ""
	if err := orch.UpdateUserInfo(ctx, info); err != nil {
		t.Fatalf("user info: %v", err)
	}
	if err := orch.ProceedToReview(ctx); err != nil {
		t.Fatalf("review: %v", err)
	}

	_, err := orch.Complete(ctx)
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != KindInvalidUserInfo || ce.Field != FieldPhone {
		t.Fatalf("expected phone to be required, got %v", err)
	}
	view := orch.Snapshot()
	if view.Step != domain.StepReview || view.Error == nil || view.Error.Field != FieldPhone {
		t.Fatalf("unexpected view %#v", view)
	}
	if _, _, _, complete := gateway.counts(); complete != 0 {
		t.Fatalf("expected no completion call, got %d", complete)
	}
}

func TestOrchestratorCompletionFailureIsNotRetriedAutomatically(t *testing.T) {
	attempts := 0
	gateway := &stubGateway{
		analyzeFunc:   singleMethodAnalysis(method("std", "5.00")),
		calculateFunc: pricingCalculator(map[string]string{"std": "5.00"}),
		completeFunc: func(context.Context, CompletionRequest) (domain.OrderReceipt, error) {
			attempts++
			if attempts == 1 {
				return domain.OrderReceipt{}, &stubRemoteError{status: 500, message: "database unavailable"}
			}
			return domain.OrderReceipt{OrderID: "ord-2"}, nil
		},
	}
	orch, observer := newTestOrchestrator(t, gateway, nil)
	ctx := context.Background()
	if err := orch.Start(ctx, sampleCart()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := orch.UpdateUserInfo(ctx, completeUserInfo()); err != nil {
		t.Fatalf("user info: %v", err)
	}
	if err := orch.ProceedToReview(ctx); err != nil {
		t.Fatalf("review: %v", err)
	}

	_, err := orch.Complete(ctx)
	if KindOf(err) != KindOrderCreationFailed {
		t.Fatalf("expected order creation failed, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
	view := orch.Snapshot()
	if view.Step != domain.StepReview || view.Error == nil || !view.Error.Retryable() {
		t.Fatalf("unexpected view %#v", view)
	}

	if err := orch.Retry(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	view = orch.Snapshot()
	if view.Step != domain.StepComplete || view.Receipt == nil || view.Receipt.OrderID != "ord-2" {
		t.Fatalf("expected completion after manual retry, got %#v", view)
	}
	if len(observer.completions) != 2 || observer.completions[0] != "failed" {
		t.Fatalf("unexpected completions %v", observer.completions)
	}
}

func TestOrchestratorCompletionValidationDetails(t *testing.T) {
	gateway := &stubGateway{
		analyzeFunc:   singleMethodAnalysis(method("std", "5.00")),
		calculateFunc: pricingCalculator(map[string]string{"std": "5.00"}),
		completeFunc: func(context.Context, CompletionRequest) (domain.OrderReceipt, error) {
			return domain.OrderReceipt{}, &stubRemoteError{
				status: 400,
				code:   "VALIDATION_FAILED",
				fields: map[string][]string{"zip_code": {"invalid postal code"}},
			}
		},
	}
	orch, _ := newTestOrchestrator(t, gateway, nil)
	ctx := context.Background()
	if err := orch.Start(ctx, sampleCart()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := orch.UpdateUserInfo(ctx, completeUserInfo()); err != nil {
		t.Fatalf("user info: %v", err)
	}
	if err := orch.ProceedToReview(ctx); err != nil {
		t.Fatalf("review: %v", err)
	}
	_, err := orch.Complete(ctx)
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != KindValidationFailed || len(ce.Details["zip_code"]) != 1 {
		t.Fatalf("expected validation details, got %v", err)
	}
	if ce.Retryable() {
		t.Fatalf("validation failures must not be retryable")
	}
}

func TestOrchestratorRetryAfterTransportFailure(t *testing.T) {
	fail := true
	var mu sync.Mutex
	gateway := &stubGateway{
		analyzeFunc: func(context.Context, []domain.CartLine) (domain.ShippingAnalysis, error) {
			mu.Lock()
			defer mu.Unlock()
			if fail {
				return domain.ShippingAnalysis{}, errors.New("dial tcp: connection refused")
			}
			return domain.ShippingAnalysis{AvailableMethods: []domain.ShippingMethod{method("std", "5.00")}}, nil
		},
		calculateFunc: pricingCalculator(map[string]string{"std": "5.00"}),
	}
	orch, _ := newTestOrchestrator(t, gateway, nil)
	ctx := context.Background()
	if err := orch.Start(ctx, sampleCart()); KindOf(err) != KindAnalysisUnavailable {
		t.Fatalf("expected analysis unavailable, got %v", err)
	}

	mu.Lock()
	fail = false
	mu.Unlock()
	if err := orch.Retry(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	view := orch.Snapshot()
	if view.Error != nil || view.SelectedShippingMethodID != "std" || view.Totals == nil {
		t.Fatalf("unexpected view after retry %#v", view)
	}
}

func TestOrchestratorDebouncesAddressEdits(t *testing.T) {
	gateway := &stubGateway{
		analyzeFunc:   singleMethodAnalysis(method("std", "5.00")),
		calculateFunc: pricingCalculator(map[string]string{"std": "5.00"}),
	}
	orch, _ := newTestOrchestrator(t, gateway, func(d *OrchestratorDeps) {
		d.Debounce = 20 * time.Millisecond
	})
	ctx := context.Background()
	if err := orch.Start(ctx, sampleCart()); err != nil {
		t.Fatalf("start: %v", err)
	}

	info := completeUserInfo()
	for _, street := range []string{"1", "12", "12 L", "12 Lake"} {
		info.Address.Street = street
		if err := orch.UpdateUserInfo(ctx, info); err != nil {
			t.Fatalf("user info: %v", err)
		}
	}
	if !orch.Snapshot().Pending {
		t.Fatalf("expected a pending debounced calculation")
	}

	waitFor(t, func() bool {
		_, calc, _, _ := gateway.counts()
		return calc == 2
	})
	time.Sleep(60 * time.Millisecond)
	if _, calc, _, _ := gateway.counts(); calc != 2 {
		t.Fatalf("expected one debounced calculation, got %d total", calc)
	}
	gateway.mu.Lock()
	last := gateway.calculations[len(gateway.calculations)-1]
	gateway.mu.Unlock()
	if last.UserInfo == nil || last.UserInfo.Address.Street != "12 Lake" {
		t.Fatalf("expected the latest address to be sent, got %#v", last.UserInfo)
	}

	// Non-address edits do not reprice.
	info.Notes = "leave at the door"
	if err := orch.UpdateUserInfo(ctx, info); err != nil {
		t.Fatalf("user info: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, calc, _, _ := gateway.counts(); calc != 2 {
		t.Fatalf("expected notes not to trigger a calculation, got %d", calc)
	}
}

func TestOrchestratorGuestSendsNoUserID(t *testing.T) {
	gateway := &stubGateway{
		analyzeFunc:   singleMethodAnalysis(method("std", "5.00")),
		calculateFunc: pricingCalculator(map[string]string{"std": "5.00"}),
	}
	orch, _ := newTestOrchestrator(t, gateway, func(d *OrchestratorDeps) {
		d.Auth = StaticAuth{Authenticated: false, UserID: "ignored"}
	})
	if err := orch.Start(context.Background(), sampleCart()); err != nil {
		t.Fatalf("start: %v", err)
	}
	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	if gateway.calculations[0].UserID != "" {
		t.Fatalf("expected guest calculation, got user %q", gateway.calculations[0].UserID)
	}
}

func TestOrchestratorPrefillOnlyBeforeStart(t *testing.T) {
	var sawInfo bool
	gateway := &stubGateway{
		analyzeFunc: singleMethodAnalysis(method("std", "5.00")),
		calculateFunc: func(ctx context.Context, req CalculationRequest) (CalculationResult, error) {
			if req.UserInfo != nil && req.UserInfo.Email == "ada@example.com" {
				sawInfo = true
			}
			return pricingCalculator(map[string]string{"std": "5.00"})(ctx, req)
		},
	}
	orch, _ := newTestOrchestrator(t, gateway, nil)
	info := completeUserInfo()
	info.Email = "ada@example.com"
	if err := orch.Prefill(info); err != nil {
		t.Fatalf("prefill: %v", err)
	}
	if err := orch.Start(context.Background(), sampleCart()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := orch.Snapshot().UserInfo.Email; got != "ada@example.com" {
		t.Fatalf("expected prefilled email, got %q", got)
	}
	if !sawInfo {
		t.Fatalf("expected the first calculation to carry the prefilled contact")
	}
	if err := orch.Prefill(completeUserInfo()); KindOf(err) != KindInvalidTransition {
		t.Fatalf("expected invalid transition after start, got %v", err)
	}
}

func TestOrchestratorBackReselectsWhenMethodDisappears(t *testing.T) {
	var mu sync.Mutex
	methods := []domain.ShippingMethod{method("std", "5.00"), method("exp", "12.00")}
	gateway := &stubGateway{
		analyzeFunc: func(context.Context, []domain.CartLine) (domain.ShippingAnalysis, error) {
			mu.Lock()
			defer mu.Unlock()
			return domain.ShippingAnalysis{AvailableMethods: methods}, nil
		},
		calculateFunc: pricingCalculator(map[string]string{"std": "5.00", "exp": "12.00"}),
	}
	orch, _ := newTestOrchestrator(t, gateway, nil)
	ctx := context.Background()
	if err := orch.Start(ctx, sampleCart()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := orch.SelectShippingMethod(ctx, "exp"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := orch.UpdateUserInfo(ctx, completeUserInfo()); err != nil {
		t.Fatalf("user info: %v", err)
	}
	if err := orch.ProceedToReview(ctx); err != nil {
		t.Fatalf("review: %v", err)
	}

	mu.Lock()
	methods = []domain.ShippingMethod{method("std", "5.00")}
	mu.Unlock()
	if err := orch.BackToShipping(ctx); err != nil {
		t.Fatalf("back: %v", err)
	}
	view := orch.Snapshot()
	if view.SelectedShippingMethodID != "std" || !view.Totals.ShippingCost.Equal(dec("5")) {
		t.Fatalf("expected reselection of std, got %s %#v", view.SelectedShippingMethodID, view.Totals)
	}
}

func TestOrchestratorDiscardsOutOfOrderAnalysis(t *testing.T) {
	release := make(chan struct{})
	slowStarted := make(chan struct{})
	gateway := &stubGateway{
		analyzeFunc: func(_ context.Context, lines []domain.CartLine) (domain.ShippingAnalysis, error) {
			switch lines[0].ProductID {
			case "slow":
				close(slowStarted)
				<-release
				return domain.ShippingAnalysis{AvailableMethods: []domain.ShippingMethod{method("slow-ship", "40.00")}}, nil
			case "p2":
				return domain.ShippingAnalysis{AvailableMethods: []domain.ShippingMethod{method("p2-ship", "7.00")}}, nil
			}
			return domain.ShippingAnalysis{AvailableMethods: []domain.ShippingMethod{method("std", "5.00")}}, nil
		},
		calculateFunc: pricingCalculator(map[string]string{"std": "5.00", "slow-ship": "40.00", "p2-ship": "7.00"}),
	}
	orch, _ := newTestOrchestrator(t, gateway, nil)
	ctx := context.Background()
	if err := orch.Start(ctx, sampleCart()); err != nil {
		t.Fatalf("start: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		slow := []domain.CartLine{{ProductID: "slow", Quantity: 1, UnitPrice: priced("99.00")}}
		if err := orch.UpdateCart(ctx, slow); err != nil {
			t.Errorf("slow update: %v", err)
		}
	}()
	<-slowStarted

	p2 := []domain.CartLine{{ProductID: "p2", Quantity: 3, UnitPrice: priced("10.00")}}
	if err := orch.UpdateCart(ctx, p2); err != nil {
		t.Fatalf("p2 update: %v", err)
	}
	close(release)
	wg.Wait()

	view := orch.Snapshot()
	if view.Analysis == nil || len(view.Analysis.AvailableMethods) != 1 || view.Analysis.AvailableMethods[0].ID != "p2-ship" {
		t.Fatalf("late analysis overwrote the newer one: %#v", view.Analysis)
	}
	if view.SelectedShippingMethodID != "p2-ship" || view.LastAnalysisVersion != 3 {
		t.Fatalf("unexpected selection %s version %d", view.SelectedShippingMethodID, view.LastAnalysisVersion)
	}
	if len(view.Cart) != 1 || view.Cart[0].ProductID != "p2" {
		t.Fatalf("unexpected cart %#v", view.Cart)
	}
	if !view.Totals.ShippingCost.Equal(dec("7")) || !view.Totals.Subtotal.Equal(dec("30")) {
		t.Fatalf("unexpected totals %#v", view.Totals)
	}
}

func TestOrchestratorRemoveCouponWinsOverSlowApply(t *testing.T) {
	release := make(chan struct{})
	applyStarted := make(chan struct{})
	gateway := &stubGateway{
		analyzeFunc:   singleMethodAnalysis(method("std", "5.00")),
		calculateFunc: pricingCalculator(map[string]string{"std": "5.00"}),
		couponFunc: func(_ context.Context, req CouponRequest) (CouponResult, error) {
			if req.Code == "SAVE2" {
				close(applyStarted)
				<-release
			}
			return CouponResult{Valid: true, DiscountAmount: priced("2"), ProductDiscount: priced("2"), ShippingDiscount: priced("0")}, nil
		},
	}
	orch, _ := newTestOrchestrator(t, gateway, nil)
	ctx := context.Background()
	if err := orch.Start(ctx, sampleCart()); err != nil {
		t.Fatalf("start: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := orch.ApplyCoupon(ctx, "save2"); err != nil {
			t.Errorf("apply: %v", err)
		}
	}()
	<-applyStarted

	if err := orch.RemoveCoupon(ctx); err != nil {
		t.Fatalf("remove: %v", err)
	}
	close(release)
	wg.Wait()

	view := orch.Snapshot()
	if view.AppliedCoupon != nil {
		t.Fatalf("superseded apply re-applied the coupon: %#v", view.AppliedCoupon)
	}
	if !view.Totals.Total.Equal(dec("25")) {
		t.Fatalf("unexpected totals %#v", view.Totals)
	}
}

func TestOrchestratorLaterCouponWinsOverSlowerEarlierOne(t *testing.T) {
	release := make(chan struct{})
	firstStarted := make(chan struct{})
	gateway := &stubGateway{
		analyzeFunc:   singleMethodAnalysis(method("std", "5.00")),
		calculateFunc: pricingCalculator(map[string]string{"std": "5.00"}),
		couponFunc: func(_ context.Context, req CouponRequest) (CouponResult, error) {
			if req.Code == "FIRST" {
				close(firstStarted)
				<-release
				return CouponResult{MinCartTotal: priced("500")}, nil
			}
			return CouponResult{Valid: true, DiscountAmount: priced("3"), ProductDiscount: priced("3"), ShippingDiscount: priced("0")}, nil
		},
	}
	orch, _ := newTestOrchestrator(t, gateway, nil)
	ctx := context.Background()
	if err := orch.Start(ctx, sampleCart()); err != nil {
		t.Fatalf("start: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := orch.ApplyCoupon(ctx, "FIRST"); KindOf(err) != KindCouponRejected {
			t.Errorf("expected the caller to still see its rejection, got %v", err)
		}
	}()
	<-firstStarted

	if err := orch.ApplyCoupon(ctx, "SECOND"); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	close(release)
	wg.Wait()

	view := orch.Snapshot()
	if view.AppliedCoupon == nil || view.AppliedCoupon.Code != "SECOND" {
		t.Fatalf("expected SECOND applied, got %#v", view.AppliedCoupon)
	}
	if view.Error != nil {
		t.Fatalf("superseded rejection surfaced: %#v", view.Error)
	}
}
