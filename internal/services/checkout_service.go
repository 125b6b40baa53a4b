package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kroypata/checkout/internal/checkout"
	"github.com/kroypata/checkout/internal/commerce"
	domain "github.com/kroypata/checkout/internal/domain"
	"github.com/kroypata/checkout/internal/repositories"
	redisrepo "github.com/kroypata/checkout/internal/repositories/redis"
)

const (
	checkoutSessionIDPrefix    = "cs_"
	defaultCheckoutSessionTTL  = 30 * time.Minute
	defaultEventPublishTimeout = 5 * time.Second
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrCheckoutSessionNotFound indicates the session does not exist, expired, or belongs to someone else.
	ErrCheckoutSessionNotFound = errors.New("checkout: session not found")
	// ErrCheckoutCartNotFound indicates the cart to check out could not be found.
	ErrCheckoutCartNotFound = errors.New("checkout: cart not found")
	// ErrCheckoutCompletionInProgress indicates another submission of the same session is running.
	ErrCheckoutCompletionInProgress = errors.New("checkout: completion in progress")
)

// CheckoutSessionServiceDeps wires the dependencies required by the checkout session service.
type CheckoutSessionServiceDeps struct {
	Gateway         checkout.Gateway
	Coupons         checkout.CouponCatalog
	Carts           repositories.CartReader
	GuestCarts      repositories.CartReader
	Contacts        repositories.ContactReader
	Lock            CompletionLock
	Events          OrderEventPublisher
	Observer        checkout.Observer
	AnalysisCache   *checkout.AnalysisCache
	Timeout         time.Duration
	Debounce        time.Duration
	SessionTTL      time.Duration
	DefaultCurrency string
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
	// SessionGauge receives the number of live sessions whenever it changes.
	SessionGauge func(n int)
}

type checkoutSession struct {
	id        string
	cartID    string
	auth      AuthState
	orch      *checkout.Orchestrator
	createdAt time.Time

	mu        sync.Mutex
	lastSeen  time.Time
	published bool
}

type checkoutSessionService struct {
	gateway         checkout.Gateway
	coupons         checkout.CouponCatalog
	carts           repositories.CartReader
	guestCarts      repositories.CartReader
	contacts        repositories.ContactReader
	lock            CompletionLock
	events          OrderEventPublisher
	observer        checkout.Observer
	analysisCache   *checkout.AnalysisCache
	timeout         time.Duration
	debounce        time.Duration
	ttl             time.Duration
	defaultCurrency string
	now             func() time.Time
	newID           func() string
	logger          func(ctx context.Context, event string, fields map[string]any)
	gauge           func(n int)

	mu       sync.Mutex
	sessions map[string]*checkoutSession
}

var _ CheckoutSessionService = (*checkoutSessionService)(nil)

// NewCheckoutSessionService constructs a CheckoutSessionService validating required dependencies.
func NewCheckoutSessionService(deps CheckoutSessionServiceDeps) (CheckoutSessionService, error) {
	if deps.Gateway == nil {
		return nil, errors.New("checkout session service: gateway is required")
	}
	if deps.Carts == nil && deps.GuestCarts == nil {
		return nil, errors.New("checkout session service: a cart reader is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return checkoutSessionIDPrefix + ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	gauge := deps.SessionGauge
	if gauge == nil {
		gauge = func(int) {}
	}
	ttl := deps.SessionTTL
	if ttl <= 0 {
		ttl = defaultCheckoutSessionTTL
	}

	return &checkoutSessionService{
		gateway:         deps.Gateway,
		coupons:         deps.Coupons,
		carts:           deps.Carts,
		guestCarts:      deps.GuestCarts,
		contacts:        deps.Contacts,
		lock:            deps.Lock,
		events:          deps.Events,
		observer:        deps.Observer,
		analysisCache:   deps.AnalysisCache,
		timeout:         deps.Timeout,
		debounce:        deps.Debounce,
		ttl:             ttl,
		defaultCurrency: deps.DefaultCurrency,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		logger:   logger,
		gauge:    gauge,
		sessions: make(map[string]*checkoutSession),
	}, nil
}

// StartSession loads the caller's cart and runs the first analysis and pricing. Cart errors that
// make checkout impossible are returned without creating a session.
func (s *checkoutSessionService) StartSession(ctx context.Context, cmd StartSessionCommand) (CheckoutSession, error) {
	auth := normaliseAuth(cmd.Auth)
	cart, err := s.loadCart(ctx, auth, strings.TrimSpace(cmd.CartID))
	if err != nil {
		return CheckoutSession{}, err
	}

	orch, err := checkout.NewOrchestrator(checkout.OrchestratorDeps{
		Gateway:         s.gateway,
		Auth:            checkout.StaticAuth(auth),
		AnalysisCache:   s.analysisCache,
		Timeout:         s.timeout,
		Debounce:        s.debounce,
		DefaultCurrency: firstNonEmpty(cart.Currency, s.defaultCurrency),
		Observer:        s.observer,
		Logger:          s.logger,
	})
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}

	if auth.Authenticated {
		if info, ok := s.prefillContact(ctx, auth.UserID); ok {
			if err := orch.Prefill(info); err != nil {
				s.logger(ctx, "checkout.contact_prefill_failed", map[string]any{
					"userId": auth.UserID,
					"error":  err.Error(),
				})
			}
		}
	}

	now := s.now()
	session := &checkoutSession{
		id:        s.newID(),
		cartID:    cart.ID,
		auth:      auth,
		orch:      orch,
		createdAt: now,
		lastSeen:  now,
	}

	startErr := orch.Start(ctx, cart.Lines)
	switch checkout.KindOf(startErr) {
	case checkout.KindEmptyCart, checkout.KindInvalidLine, checkout.KindInvalidCart:
		orch.Close()
		return CheckoutSession{}, startErr
	}

	s.mu.Lock()
	s.sessions[session.id] = session
	live := len(s.sessions)
	s.mu.Unlock()
	s.gauge(live)

	s.logger(ctx, "checkout.session_started", map[string]any{
		"sessionId": session.id,
		"cartId":    cart.ID,
		"guest":     !auth.Authenticated,
		"lines":     len(cart.Lines),
	})
	return s.view(session), startErr
}

func (s *checkoutSessionService) GetSession(ctx context.Context, ref SessionRef) (CheckoutSession, error) {
	session, err := s.lookup(ref)
	if err != nil {
		return CheckoutSession{}, err
	}
	return s.view(session), nil
}

// UpdateCart replaces the snapshot with the given lines, or reloads it from the cart store.
func (s *checkoutSessionService) UpdateCart(ctx context.Context, cmd UpdateCartCommand) (CheckoutSession, error) {
	session, err := s.lookup(cmd.SessionRef)
	if err != nil {
		return CheckoutSession{}, err
	}
	lines := cmd.Lines
	if lines == nil {
		cart, err := s.loadCart(ctx, session.auth, session.cartID)
		if err != nil {
			return s.view(session), err
		}
		lines = cart.Lines
	}
	err = session.orch.UpdateCart(ctx, lines)
	return s.view(session), err
}

func (s *checkoutSessionService) SelectShippingMethod(ctx context.Context, cmd SelectShippingMethodCommand) (CheckoutSession, error) {
	session, err := s.lookup(cmd.SessionRef)
	if err != nil {
		return CheckoutSession{}, err
	}
	if strings.TrimSpace(cmd.MethodID) == "" {
		return s.view(session), ErrCheckoutInvalidInput
	}
	err = session.orch.SelectShippingMethod(ctx, cmd.MethodID)
	return s.view(session), err
}

func (s *checkoutSessionService) UpdateUserInfo(ctx context.Context, cmd UpdateUserInfoCommand) (CheckoutSession, error) {
	session, err := s.lookup(cmd.SessionRef)
	if err != nil {
		return CheckoutSession{}, err
	}
	if cmd.Patch != nil {
		err = session.orch.PatchUserInfo(ctx, func(info *UserInfo) {
			cmd.Patch(info)
			*info = normaliseUserInfo(*info)
		})
		return s.view(session), err
	}
	err = session.orch.UpdateUserInfo(ctx, normaliseUserInfo(cmd.UserInfo))
	return s.view(session), err
}

func (s *checkoutSessionService) ApplyCoupon(ctx context.Context, cmd ApplyCouponCommand) (CheckoutSession, error) {
	session, err := s.lookup(cmd.SessionRef)
	if err != nil {
		return CheckoutSession{}, err
	}
	err = session.orch.ApplyCoupon(ctx, cmd.Code)
	return s.view(session), err
}

func (s *checkoutSessionService) RemoveCoupon(ctx context.Context, ref SessionRef) (CheckoutSession, error) {
	session, err := s.lookup(ref)
	if err != nil {
		return CheckoutSession{}, err
	}
	err = session.orch.RemoveCoupon(ctx)
	return s.view(session), err
}

func (s *checkoutSessionService) ProceedToReview(ctx context.Context, ref SessionRef) (CheckoutSession, error) {
	session, err := s.lookup(ref)
	if err != nil {
		return CheckoutSession{}, err
	}
	err = session.orch.ProceedToReview(ctx)
	return s.view(session), err
}

func (s *checkoutSessionService) BackToShipping(ctx context.Context, ref SessionRef) (CheckoutSession, error) {
	session, err := s.lookup(ref)
	if err != nil {
		return CheckoutSession{}, err
	}
	err = session.orch.BackToShipping(ctx)
	return s.view(session), err
}

func (s *checkoutSessionService) Retry(ctx context.Context, ref SessionRef) (CheckoutSession, error) {
	session, err := s.lookup(ref)
	if err != nil {
		return CheckoutSession{}, err
	}
	err = session.orch.Retry(ctx)
	return s.view(session), err
}

// Complete submits the order under the session lock and publishes the order event once.
func (s *checkoutSessionService) Complete(ctx context.Context, cmd CompleteCommand) (CheckoutSession, error) {
	session, err := s.lookup(cmd.SessionRef)
	if err != nil {
		return CheckoutSession{}, err
	}

	if s.lock != nil {
		release, err := s.lock.Acquire(ctx, session.id, ulid.Make().String())
		if err != nil {
			if errors.Is(err, redisrepo.ErrLockHeld) {
				return s.view(session), ErrCheckoutCompletionInProgress
			}
			s.logger(ctx, "checkout.lock_failed", map[string]any{
				"sessionId": session.id,
				"error":     err.Error(),
			})
			return s.view(session), fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger(ctx, "checkout.lock_release_failed", map[string]any{
					"sessionId": session.id,
					"error":     err.Error(),
				})
			}
		}()
	}

	key := strings.TrimSpace(cmd.IdempotencyKey)
	if key == "" {
		key = session.id
	}
	receipt, err := session.orch.Complete(commerce.WithIdempotencyKey(ctx, key))
	if err != nil {
		return s.view(session), err
	}

	view := s.view(session)
	s.logger(ctx, "checkout.order_completed", map[string]any{
		"sessionId":   session.id,
		"orderId":     receipt.OrderID,
		"orderNumber": receipt.OrderNumber,
		"guest":       !session.auth.Authenticated,
	})
	s.publishCompleted(ctx, session, view.State, receipt)
	return view, nil
}

// ListAvailableCoupons returns coupons that are active now. The list is for display only.
func (s *checkoutSessionService) ListAvailableCoupons(ctx context.Context) ([]AvailableCoupon, error) {
	if s.coupons == nil {
		return nil, ErrCheckoutUnavailable
	}
	coupons, err := s.coupons.ListCoupons(ctx)
	if err != nil {
		return nil, checkout.Classify(checkout.OpCouponList, err)
	}
	now := s.now()
	active := make([]AvailableCoupon, 0, len(coupons))
	for _, coupon := range coupons {
		if coupon.ActiveAt(now) {
			active = append(active, coupon)
		}
	}
	return active, nil
}

// SweepExpired closes sessions idle for longer than the session TTL.
func (s *checkoutSessionService) SweepExpired(ctx context.Context) (int, error) {
	now := s.now()
	var expired []*checkoutSession

	s.mu.Lock()
	for id, session := range s.sessions {
		if session.expiresAt(s.ttl).After(now) {
			continue
		}
		delete(s.sessions, id)
		expired = append(expired, session)
	}
	live := len(s.sessions)
	s.mu.Unlock()
	s.gauge(live)

	for _, session := range expired {
		session.orch.Close()
	}
	if len(expired) > 0 {
		s.logger(ctx, "checkout.sessions_swept", map[string]any{"count": len(expired)})
	}
	return len(expired), nil
}

func (s *checkoutSessionService) lookup(ref SessionRef) (*checkoutSession, error) {
	id := strings.TrimSpace(ref.SessionID)
	if id == "" {
		return nil, ErrCheckoutInvalidInput
	}
	now := s.now()

	s.mu.Lock()
	session, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok || !session.expiresAt(s.ttl).After(now) {
		return nil, ErrCheckoutSessionNotFound
	}
	if !session.accessibleBy(normaliseAuth(ref.Auth)) {
		return nil, ErrCheckoutSessionNotFound
	}
	session.touch(now)
	return session, nil
}

func (s *checkoutSessionService) loadCart(ctx context.Context, auth AuthState, cartID string) (domain.CartSnapshot, error) {
	var (
		reader repositories.CartReader
		key    string
	)
	switch {
	case auth.Authenticated:
		reader, key = s.carts, auth.UserID
	case cartID != "":
		reader, key = s.guestCarts, cartID
	default:
		return domain.CartSnapshot{}, ErrCheckoutInvalidInput
	}
	if reader == nil {
		return domain.CartSnapshot{}, ErrCheckoutUnavailable
	}

	cart, err := reader.LoadCart(ctx, key)
	if err != nil {
		switch {
		case repositories.IsNotFound(err):
			return domain.CartSnapshot{}, ErrCheckoutCartNotFound
		case repositories.IsUnavailable(err):
			return domain.CartSnapshot{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
		default:
			return domain.CartSnapshot{}, fmt.Errorf("checkout: load cart: %w", err)
		}
	}
	if cart.ID == "" {
		cart.ID = key
	}
	return cart, nil
}

func (s *checkoutSessionService) prefillContact(ctx context.Context, userID string) (UserInfo, bool) {
	if s.contacts == nil {
		return UserInfo{}, false
	}
	info, err := s.contacts.LoadContact(ctx, userID)
	if err != nil {
		if !repositories.IsNotFound(err) {
			s.logger(ctx, "checkout.contact_prefill_failed", map[string]any{
				"userId": userID,
				"error":  err.Error(),
			})
		}
		return UserInfo{}, false
	}
	return normaliseUserInfo(info), true
}

func (s *checkoutSessionService) publishCompleted(ctx context.Context, session *checkoutSession, state checkout.View, receipt OrderReceipt) {
	if s.events == nil {
		return
	}
	session.mu.Lock()
	if session.published {
		session.mu.Unlock()
		return
	}
	session.published = true
	session.mu.Unlock()

	event := OrderCompletedEvent{
		EventID:          ulid.Make().String(),
		Type:             EventOrderCompleted,
		SessionID:        session.id,
		OrderID:          receipt.OrderID,
		OrderNumber:      receipt.OrderNumber,
		Guest:            !session.auth.Authenticated,
		ShippingMethodID: state.SelectedShippingMethodID,
		Total:            receipt.Total,
		Currency:         receipt.Currency,
		OccurredAt:       s.now(),
	}
	if session.auth.Authenticated {
		event.UserID = session.auth.UserID
	}
	for _, line := range state.Cart {
		event.ItemCount += line.Quantity
	}
	if state.AppliedCoupon != nil {
		event.CouponCode = state.AppliedCoupon.Code
	}
	if state.Totals != nil {
		event.Subtotal = state.Totals.Subtotal
		event.ShippingCost = state.Totals.ShippingCost
		event.Discount = state.Totals.Discount
	}

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultEventPublishTimeout)
	defer cancel()
	messageID, err := s.events.PublishOrderCompleted(publishCtx, event)
	if err != nil {
		s.logger(ctx, "checkout.order_event_failed", map[string]any{
			"sessionId": session.id,
			"orderId":   receipt.OrderID,
			"error":     err.Error(),
		})
		return
	}
	s.logger(ctx, "checkout.order_event_published", map[string]any{
		"sessionId": session.id,
		"eventId":   event.EventID,
		"messageId": messageID,
	})
}

func (s *checkoutSessionService) view(session *checkoutSession) CheckoutSession {
	return CheckoutSession{
		ID:        session.id,
		CartID:    session.cartID,
		Guest:     !session.auth.Authenticated,
		CreatedAt: session.createdAt,
		ExpiresAt: session.expiresAt(s.ttl),
		State:     session.orch.Snapshot(),
	}
}

func (c *checkoutSession) touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.After(c.lastSeen) {
		c.lastSeen = now
	}
}

func (c *checkoutSession) expiresAt(ttl time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen.Add(ttl)
}

// accessibleBy allows the owner of a signed-in session. Guest sessions are bearer sessions.
func (c *checkoutSession) accessibleBy(auth AuthState) bool {
	if !c.auth.Authenticated {
		return true
	}
	return auth.Authenticated && auth.UserID == c.auth.UserID
}

func normaliseAuth(auth AuthState) AuthState {
	auth.UserID = strings.TrimSpace(auth.UserID)
	if auth.UserID == "" {
		auth.Authenticated = false
	}
	if !auth.Authenticated {
		auth.UserID = ""
	}
	return auth
}

func normaliseUserInfo(info UserInfo) UserInfo {
	info.FirstName = strings.TrimSpace(info.FirstName)
	info.LastName = strings.TrimSpace(info.LastName)
	info.Email = strings.TrimSpace(info.Email)
	info.Phone = strings.TrimSpace(info.Phone)
	info.Address.Street = strings.TrimSpace(info.Address.Street)
	info.Address.City = strings.TrimSpace(info.Address.City)
	info.Address.State = strings.TrimSpace(info.Address.State)
	info.Address.ZipCode = strings.TrimSpace(info.Address.ZipCode)
	return info
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if v := strings.TrimSpace(value); v != "" {
			return v
		}
	}
	return ""
}
