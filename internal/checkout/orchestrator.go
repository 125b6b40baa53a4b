package checkout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kroypata/checkout/internal/domain"
)

// Local failure sources recorded alongside remote operations.
const (
	opCart       Operation = "cart"
	opTransition Operation = "transition"
)

// Observer receives orchestration signals, typically for metrics.
type Observer interface {
	CalculationDispatched()
	CalculationDiscarded()
	AutoRecovered()
	ErrorSurfaced(kind Kind)
	CompletionFinished(outcome string)
}

type nopObserver struct{}

func (nopObserver) CalculationDispatched()    {}
func (nopObserver) CalculationDiscarded()     {}
func (nopObserver) AutoRecovered()            {}
func (nopObserver) ErrorSurfaced(Kind)        {}
func (nopObserver) CompletionFinished(string) {}

// OrchestratorDeps wires an Orchestrator.
type OrchestratorDeps struct {
	Gateway         Gateway
	Auth            AuthAccessor
	AnalysisCache   *AnalysisCache
	Timeout         time.Duration
	Debounce        time.Duration
	DefaultCurrency string
	Observer        Observer
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

// View is a consistent copy of the orchestrator state.
type View struct {
	Step                     domain.Step
	Cart                     []domain.CartLine
	UserInfo                 domain.UserInfo
	Analysis                 *domain.ShippingAnalysis
	SelectedShippingMethodID string
	AppliedCoupon            *domain.Coupon
	Totals                   *domain.CheckoutTotals
	Shipping                 *ShippingDetails
	LastAnalysisVersion      int64
	LastCalculationVersion   int64
	Error                    *Error
	Pending                  bool
	SplitShippingBlocked     bool
	Receipt                  *domain.OrderReceipt
}

// Orchestrator owns the checkout state of one session. Remote calls run outside the lock;
// their results are applied only when they are not older than what is already applied.
type Orchestrator struct {
	gateway    Gateway
	auth       AuthAccessor
	analyzer   *ShippingAnalyzer
	coupons    *CouponValidator
	calculator *Calculator
	debouncer  *Debouncer
	timeout    time.Duration
	observer   Observer
	logger     func(ctx context.Context, event string, fields map[string]any)

	lifetime context.Context
	cancel   context.CancelFunc

	mu                  sync.Mutex
	started             bool
	step                domain.Step
	cart                []domain.CartLine
	userInfo            domain.UserInfo
	analysis            *domain.ShippingAnalysis
	selectedMethodID    string
	appliedCoupon       *domain.Coupon
	lastCouponCode      string
	couponSeq           int64
	calculation         *Calculation
	lastAnalysisVersion int64
	lastDispatched      int64
	lastApplied         int64
	err                 *Error
	errOp               Operation
	splitBlocked        bool
	inflight            int
	debouncing          bool
	completing          bool
	receipt             *domain.OrderReceipt
}

// NewOrchestrator validates deps and builds an orchestrator in the Shipping step.
func NewOrchestrator(deps OrchestratorDeps) (*Orchestrator, error) {
	if deps.Gateway == nil {
		return nil, errors.New("checkout orchestrator: gateway is required")
	}
	auth := deps.Auth
	if auth == nil {
		auth = StaticAuth{}
	}
	observer := deps.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	lifetime, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		gateway:    deps.Gateway,
		auth:       auth,
		analyzer:   NewShippingAnalyzer(deps.Gateway, deps.AnalysisCache, timeout),
		coupons:    NewCouponValidator(deps.Gateway, timeout),
		calculator: NewCalculator(deps.Gateway, timeout, deps.DefaultCurrency, logger),
		debouncer:  NewDebouncer(deps.Debounce),
		timeout:    timeout,
		observer:   observer,
		logger:     logger,
		lifetime:   lifetime,
		cancel:     cancel,
		step:       domain.StepShipping,
	}, nil
}

// Close stops pending debounced work and cancels background calls.
func (o *Orchestrator) Close() {
	o.debouncer.Stop()
	o.cancel()
}

// Start enters the Shipping step with the given cart: analysis, auto-selection, first pricing.
func (o *Orchestrator) Start(ctx context.Context, lines []domain.CartLine) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return newError(KindInvalidTransition, "checkout already started")
	}
	o.started = true
	o.step = domain.StepShipping
	o.cart = domain.CloneCart(lines)
	o.mu.Unlock()

	return o.refreshShipping(ctx)
}

// Prefill seeds contact details before Start. It does not trigger pricing.
func (o *Orchestrator) Prefill(info domain.UserInfo) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return newError(KindInvalidTransition, "contact details can only be prefilled before start")
	}
	o.userInfo = info
	return nil
}

// UpdateCart replaces the cart snapshot, revalidates an applied coupon and re-analyzes shipping.
func (o *Orchestrator) UpdateCart(ctx context.Context, lines []domain.CartLine) error {
	o.mu.Lock()
	if err := o.requireOpenLocked(); err != nil {
		o.mu.Unlock()
		return err
	}
	o.cart = domain.CloneCart(lines)
	o.couponSeq++
	seq := o.couponSeq
	var couponCode string
	if o.appliedCoupon != nil {
		couponCode = o.appliedCoupon.Code
	}
	o.mu.Unlock()

	if couponCode != "" {
		o.revalidateCoupon(ctx, seq, couponCode)
	}
	return o.refreshShipping(ctx)
}

// SelectShippingMethod selects a method of the latest analysis and reprices immediately.
func (o *Orchestrator) SelectShippingMethod(ctx context.Context, methodID string) error {
	methodID = strings.TrimSpace(methodID)
	o.mu.Lock()
	if err := o.requireOpenLocked(); err != nil {
		o.mu.Unlock()
		return err
	}
	if o.analysis == nil {
		o.mu.Unlock()
		return newError(KindInvalidTransition, "shipping options are not loaded")
	}
	if _, ok := o.analysis.Method(methodID); !ok {
		methods := append([]domain.ShippingMethod(nil), o.analysis.AvailableMethods...)
		o.mu.Unlock()
		return &Error{Kind: KindInvalidShippingMethod, Message: "shipping method is not available", Methods: methods}
	}
	o.selectedMethodID = methodID
	o.mu.Unlock()

	return o.recalculate(ctx)
}

// UpdateUserInfo stores contact details. Address edits reprice after the debounce window.
func (o *Orchestrator) UpdateUserInfo(ctx context.Context, info domain.UserInfo) error {
	return o.PatchUserInfo(ctx, func(current *domain.UserInfo) { *current = info })
}

// PatchUserInfo edits the stored contact details in place while holding the session lock, so
// concurrent partial edits each see the other's fields.
func (o *Orchestrator) PatchUserInfo(ctx context.Context, patch func(*domain.UserInfo)) error {
	o.mu.Lock()
	if err := o.requireOpenLocked(); err != nil {
		o.mu.Unlock()
		return err
	}
	info := o.userInfo
	patch(&info)
	addressChanged := o.userInfo.Address != info.Address
	o.userInfo = info
	if o.err != nil && o.err.Kind == KindInvalidUserInfo {
		o.err, o.errOp = nil, ""
	}
	o.mu.Unlock()

	if addressChanged {
		o.scheduleRecalculation(ctx)
	}
	return nil
}

// ApplyCoupon validates and applies a coupon, then reprices. A rejected coupon leaves the
// previously applied coupon in place. A later apply, remove or cart change supersedes an
// answer still in flight, which is then dropped.
func (o *Orchestrator) ApplyCoupon(ctx context.Context, code string) error {
	o.mu.Lock()
	if err := o.requireOpenLocked(); err != nil {
		o.mu.Unlock()
		return err
	}
	cart := domain.CloneCart(o.cart)
	subtotal := o.subtotalLocked()
	o.lastCouponCode = code
	o.couponSeq++
	seq := o.couponSeq
	o.mu.Unlock()

	coupon, err := o.coupons.Apply(ctx, code, cart, subtotal, o.userID(ctx))

	o.mu.Lock()
	if seq != o.couponSeq || o.step == domain.StepComplete {
		o.mu.Unlock()
		fields := map[string]any{"code": code}
		if err != nil {
			fields["error"] = err.Error()
		}
		o.logger(ctx, "checkout.coupon_result_discarded", fields)
		if err != nil {
			return Classify(OpCoupon, err)
		}
		return nil
	}
	if err != nil {
		ce := Classify(OpCoupon, err)
		o.setErrorLocked(ctx, OpCoupon, ce)
		o.mu.Unlock()
		return ce
	}
	o.appliedCoupon = &coupon
	o.clearErrorLocked(OpCoupon)
	o.mu.Unlock()

	return o.recalculate(ctx)
}

// RemoveCoupon clears the applied coupon locally and reprices.
func (o *Orchestrator) RemoveCoupon(ctx context.Context) error {
	o.mu.Lock()
	if err := o.requireOpenLocked(); err != nil {
		o.mu.Unlock()
		return err
	}
	o.appliedCoupon = nil
	o.couponSeq++
	o.clearErrorLocked(OpCoupon)
	o.mu.Unlock()

	return o.recalculate(ctx)
}

// ProceedToReview moves Shipping -> Review once a method is selected and the contact has a
// first name and email.
func (o *Orchestrator) ProceedToReview(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.step != domain.StepShipping {
		return newError(KindInvalidTransition, "review is only reachable from the shipping step")
	}
	var refusal *Error
	switch {
	case o.splitBlocked:
		refusal = newError(KindSplitShippingRequiredHard, "this cart cannot ship as one order; please contact support")
	case o.selectedMethodID == "":
		refusal = newError(KindInvalidTransition, "select a shipping method")
	case strings.TrimSpace(o.userInfo.FirstName) == "":
		refusal = &Error{Kind: KindInvalidUserInfo, Field: FieldFirstName, Message: "first name is required"}
	case strings.TrimSpace(o.userInfo.Email) == "":
		refusal = &Error{Kind: KindInvalidUserInfo, Field: FieldEmail, Message: "email is required"}
	}
	if refusal != nil {
		o.setErrorLocked(ctx, opTransition, refusal)
		return refusal
	}
	o.step = domain.StepReview
	o.clearErrorLocked(opTransition)
	return nil
}

// BackToShipping moves Review -> Shipping keeping contact details, then analyses the cart
// again. The selected method survives when the fresh analysis still offers it.
func (o *Orchestrator) BackToShipping(ctx context.Context) error {
	o.mu.Lock()
	if o.step != domain.StepReview {
		o.mu.Unlock()
		return newError(KindInvalidTransition, "only the review step can go back")
	}
	o.step = domain.StepShipping
	o.clearErrorLocked(opTransition, OpCompletion)
	o.mu.Unlock()

	return o.refreshShipping(ctx)
}

// Complete validates everything again and creates the order. Failures keep the Review step and
// are never retried automatically.
func (o *Orchestrator) Complete(ctx context.Context) (domain.OrderReceipt, error) {
	userID := o.userID(ctx)

	o.mu.Lock()
	if o.step == domain.StepComplete && o.receipt != nil {
		receipt := *o.receipt
		o.mu.Unlock()
		return receipt, nil
	}
	if o.step != domain.StepReview {
		o.mu.Unlock()
		return domain.OrderReceipt{}, newError(KindInvalidTransition, "orders can only be completed from the review step")
	}
	if o.completing {
		o.mu.Unlock()
		return domain.OrderReceipt{}, newError(KindInvalidTransition, "order completion is already in progress")
	}
	if refusal := o.completionRefusalLocked(); refusal != nil {
		o.setErrorLocked(ctx, opTransition, refusal)
		o.mu.Unlock()
		return domain.OrderReceipt{}, refusal
	}
	o.completing = true
	req := CompletionRequest{
		Cart:             domain.CloneCart(o.cart),
		UserInfo:         o.userInfo,
		ShippingMethodID: o.selectedMethodID,
		PaymentMethod:    PaymentMethodPending,
		UserID:           userID,
	}
	if o.appliedCoupon != nil {
		req.CouponCode = o.appliedCoupon.Code
	}
	o.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	receipt, err := o.gateway.CompleteOrder(callCtx, req)
	cancel()

	o.mu.Lock()
	defer o.mu.Unlock()
	o.completing = false
	if err != nil {
		ce := Classify(OpCompletion, err)
		if ce.Kind == KindSplitShippingRequiredHard {
			o.splitBlocked = true
		}
		o.setErrorLocked(ctx, OpCompletion, ce)
		o.observer.CompletionFinished("failed")
		return domain.OrderReceipt{}, ce
	}

	if o.calculation != nil {
		if receipt.Total.IsZero() {
			receipt.Total = o.calculation.Totals.Total
		}
		if receipt.Currency == "" {
			receipt.Currency = o.calculation.Totals.Currency
		}
	}
	if receipt.Currency == "" {
		receipt.Currency = domain.DefaultCurrency
	}
	o.step = domain.StepComplete
	o.receipt = &receipt
	o.err, o.errOp = nil, ""
	o.debouncer.Cancel()
	o.debouncing = false
	o.observer.CompletionFinished("succeeded")
	return receipt, nil
}

// Retry re-invokes the step that produced the current retryable error.
func (o *Orchestrator) Retry(ctx context.Context) error {
	o.mu.Lock()
	current, op, code := o.err, o.errOp, o.lastCouponCode
	o.mu.Unlock()

	if current == nil {
		return nil
	}
	if !current.Retryable() {
		return &Error{Kind: KindInvalidTransition, Message: "the current error cannot be retried", Err: current}
	}
	switch op {
	case OpAnalysis:
		return o.refreshShipping(ctx)
	case OpCoupon:
		return o.ApplyCoupon(ctx, code)
	case OpCompletion:
		_, err := o.Complete(ctx)
		return err
	default:
		return o.recalculate(ctx)
	}
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() View {
	o.mu.Lock()
	defer o.mu.Unlock()

	view := View{
		Step:                     o.step,
		Cart:                     domain.CloneCart(o.cart),
		UserInfo:                 o.userInfo,
		SelectedShippingMethodID: o.selectedMethodID,
		LastAnalysisVersion:      o.lastAnalysisVersion,
		LastCalculationVersion:   o.lastApplied,
		Error:                    o.err,
		Pending:                  o.inflight > 0 || o.debouncing,
		SplitShippingBlocked:     o.splitBlocked,
	}
	if o.analysis != nil {
		analysis := *o.analysis
		analysis.AvailableMethods = append([]domain.ShippingMethod(nil), o.analysis.AvailableMethods...)
		view.Analysis = &analysis
	}
	if o.appliedCoupon != nil {
		coupon := *o.appliedCoupon
		view.AppliedCoupon = &coupon
	}
	if o.calculation != nil {
		totals := o.calculation.Totals
		view.Totals = &totals
		if o.calculation.Shipping != nil {
			shipping := *o.calculation.Shipping
			view.Shipping = &shipping
		}
	}
	if o.receipt != nil {
		receipt := *o.receipt
		view.Receipt = &receipt
	}
	return view
}

// refreshShipping reserves an analysis version together with the cart snapshot it analyses. An
// answer, success or failure, only lands if no later request has landed first.
func (o *Orchestrator) refreshShipping(ctx context.Context) error {
	o.mu.Lock()
	cart := domain.CloneCart(o.cart)
	version := o.analyzer.Reserve()
	o.mu.Unlock()

	analysis, err := o.analyzer.AnalyzeAt(ctx, version, cart)

	o.mu.Lock()
	if version <= o.lastAnalysisVersion || o.step == domain.StepComplete {
		latest := o.lastAnalysisVersion
		o.mu.Unlock()
		fields := map[string]any{"version": version, "latest": latest}
		if err != nil {
			fields["error"] = err.Error()
		}
		o.logger(ctx, "checkout.analysis_discarded", fields)
		return nil
	}
	o.lastAnalysisVersion = version
	if err != nil {
		ce := Classify(OpAnalysis, err)
		op := OpAnalysis
		if ce.Kind == KindEmptyCart || ce.Kind == KindInvalidLine {
			op = opCart
		}
		o.setErrorLocked(ctx, op, ce)
		o.mu.Unlock()
		return ce
	}
	o.analysis = &analysis
	o.clearErrorLocked(OpAnalysis, opCart)

	if _, ok := analysis.Method(o.selectedMethodID); !ok || o.selectedMethodID == "" {
		id, selErr := SelectMethod(analysis)
		if selErr != nil {
			ce := Classify(OpAnalysis, selErr)
			o.selectedMethodID = ""
			o.calculation = nil
			o.setErrorLocked(ctx, OpAnalysis, ce)
			o.mu.Unlock()
			return ce
		}
		o.selectedMethodID = id
	}
	o.mu.Unlock()

	return o.recalculate(ctx)
}

func (o *Orchestrator) revalidateCoupon(ctx context.Context, seq int64, code string) {
	o.mu.Lock()
	cart := domain.CloneCart(o.cart)
	subtotal := o.subtotalLocked()
	o.mu.Unlock()
	if ValidateCart(cart) != nil {
		return
	}

	coupon, err := o.coupons.Apply(ctx, code, cart, subtotal, o.userID(ctx))

	o.mu.Lock()
	defer o.mu.Unlock()
	if seq != o.couponSeq || o.appliedCoupon == nil || o.appliedCoupon.Code != NormalizeCouponCode(code) {
		return
	}
	switch {
	case err == nil:
		o.appliedCoupon = &coupon
	case KindOf(err) == KindCouponRejected:
		o.appliedCoupon = nil
		o.setErrorLocked(ctx, OpCoupon, Classify(OpCoupon, err))
	default:
		o.logger(ctx, "checkout.coupon_revalidation_failed", map[string]any{
			"code":  code,
			"error": err.Error(),
		})
	}
}

func (o *Orchestrator) scheduleRecalculation(ctx context.Context) {
	o.mu.Lock()
	o.debouncing = true
	o.mu.Unlock()

	o.debouncer.Trigger(func() {
		o.mu.Lock()
		o.debouncing = false
		o.mu.Unlock()
		if o.lifetime.Err() != nil {
			return
		}
		if err := o.recalculate(o.lifetime); err != nil {
			o.logger(ctx, "checkout.debounced_calculation_failed", map[string]any{"error": err.Error()})
		}
	})
}

// recalculate dispatches a sequence-numbered calculation. An InvalidShippingMethod answer
// switches to the first fresh method and re-issues the call exactly once.
func (o *Orchestrator) recalculate(ctx context.Context) error {
	userID := o.userID(ctx)

	o.mu.Lock()
	if !o.canPriceLocked() {
		o.mu.Unlock()
		return nil
	}
	seq, req, applied := o.dispatchLocked(userID)
	o.mu.Unlock()

	calc, err := o.calculator.Calculate(ctx, req, applied)
	if err != nil && KindOf(err) == KindInvalidShippingMethod {
		var retry, superseded bool
		seq, retry, superseded = o.recoverMethod(ctx, seq, &req, err)
		switch {
		case superseded:
			o.discard(ctx, seq)
			return nil
		case retry:
			calc, err = o.calculator.Calculate(ctx, req, applied)
		}
	}
	return o.applyCalculation(ctx, seq, calc, err)
}

func (o *Orchestrator) recoverMethod(ctx context.Context, seq int64, req *CalculationRequest, err error) (int64, bool, bool) {
	var ce *Error
	if !errors.As(err, &ce) {
		return seq, false, false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if seq != o.lastDispatched || seq <= o.lastApplied {
		return seq, false, true
	}
	if len(ce.Methods) == 0 {
		return seq, false, false
	}

	previous := o.selectedMethodID
	o.selectedMethodID = ce.Methods[0].ID
	if o.analysis != nil {
		refreshed := *o.analysis
		refreshed.AvailableMethods = append([]domain.ShippingMethod(nil), ce.Methods...)
		o.analysis = &refreshed
	}
	o.lastDispatched++
	req.ShippingMethodID = o.selectedMethodID

	o.observer.AutoRecovered()
	o.observer.CalculationDispatched()
	o.logger(ctx, "checkout.auto_recovered", map[string]any{
		"previousMethod": previous,
		"selectedMethod": o.selectedMethodID,
		"seq":            o.lastDispatched,
	})
	return o.lastDispatched, true, false
}

func (o *Orchestrator) applyCalculation(ctx context.Context, seq int64, calc Calculation, err error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.inflight--
	if seq <= o.lastApplied || o.step == domain.StepComplete {
		o.discardLocked(ctx, seq)
		return nil
	}
	o.lastApplied = seq

	if err != nil {
		ce := Classify(OpCalculation, err)
		if ce.Kind == KindSplitShippingRequiredHard {
			o.splitBlocked = true
		}
		o.setErrorLocked(ctx, OpCalculation, ce)
		return ce
	}

	o.splitBlocked = false
	o.calculation = &calc
	o.clearErrorLocked(OpCalculation)

	if details := calc.Coupon; details != nil && !details.Valid && o.appliedCoupon != nil &&
		(details.Code == "" || NormalizeCouponCode(details.Code) == o.appliedCoupon.Code) {
		message := details.Error
		if message == "" {
			message = details.Message
		}
		o.appliedCoupon = nil
		o.setErrorLocked(ctx, OpCoupon, &Error{
			Kind:      KindCouponRejected,
			Message:   message,
			Rejection: &domain.CouponRejection{Reason: domain.RejectInvalid, Message: message},
		})
	}
	return nil
}

func (o *Orchestrator) discard(ctx context.Context, seq int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inflight--
	o.discardLocked(ctx, seq)
}

func (o *Orchestrator) discardLocked(ctx context.Context, seq int64) {
	o.observer.CalculationDiscarded()
	o.logger(ctx, "checkout.calculation_discarded", map[string]any{
		"seq":         seq,
		"lastApplied": o.lastApplied,
	})
}

func (o *Orchestrator) dispatchLocked(userID string) (int64, CalculationRequest, *domain.Coupon) {
	o.lastDispatched++
	o.inflight++
	o.observer.CalculationDispatched()

	req := CalculationRequest{
		Cart:             domain.CloneCart(o.cart),
		ShippingMethodID: o.selectedMethodID,
		UserID:           userID,
	}
	var applied *domain.Coupon
	if o.appliedCoupon != nil {
		coupon := *o.appliedCoupon
		applied = &coupon
		req.CouponCode = coupon.Code
	}
	if o.userInfo != (domain.UserInfo{}) {
		info := o.userInfo
		req.UserInfo = &info
	}
	return o.lastDispatched, req, applied
}

func (o *Orchestrator) canPriceLocked() bool {
	return o.step != domain.StepComplete && o.selectedMethodID != "" && ValidateCart(o.cart) == nil
}

func (o *Orchestrator) completionRefusalLocked() *Error {
	if verr := ValidateCart(o.cart); verr != nil {
		return verr
	}
	if verr := ValidateUserInfo(o.userInfo); verr != nil {
		return verr
	}
	if o.selectedMethodID == "" {
		return newError(KindInvalidTransition, "select a shipping method")
	}
	if o.splitBlocked {
		return newError(KindSplitShippingRequiredHard, "this cart cannot ship as one order; please contact support")
	}
	return nil
}

func (o *Orchestrator) requireOpenLocked() error {
	if !o.started {
		return newError(KindInvalidTransition, "checkout has not started")
	}
	if o.step == domain.StepComplete {
		return newError(KindInvalidTransition, "checkout is already complete")
	}
	return nil
}

// subtotalLocked prefers priced cart lines, then the last calculated subtotal.
func (o *Orchestrator) subtotalLocked() decimal.Decimal {
	for _, line := range o.cart {
		if line.UnitPrice.Valid {
			return domain.CartSubtotal(o.cart)
		}
	}
	if o.calculation != nil {
		return o.calculation.Totals.Subtotal
	}
	return decimal.Zero
}

func (o *Orchestrator) userID(ctx context.Context) string {
	state := o.auth.Auth(ctx)
	if !state.Authenticated {
		return ""
	}
	return strings.TrimSpace(state.UserID)
}

func (o *Orchestrator) setErrorLocked(ctx context.Context, op Operation, ce *Error) {
	o.err = ce
	o.errOp = op
	o.observer.ErrorSurfaced(ce.Kind)
	o.logger(ctx, "checkout.error", map[string]any{
		"kind":      string(ce.Kind),
		"operation": string(op),
		"retryable": ce.Retryable(),
		"message":   ce.Message,
	})
}

func (o *Orchestrator) clearErrorLocked(ops ...Operation) {
	if o.err == nil {
		return
	}
	for _, op := range ops {
		if o.errOp == op {
			o.err, o.errOp = nil, ""
			return
		}
	}
}
