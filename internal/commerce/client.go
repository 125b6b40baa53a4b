package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/microcosm-cc/bluemonday"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kroypata/checkout/internal/checkout"
	"github.com/kroypata/checkout/internal/domain"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultListAttempts  = 3
	defaultRetryInterval = 200 * time.Millisecond

	userIDHeader      = "X-User-ID"
	idempotencyHeader = "Idempotency-Key"

	maxResponseBody = 4 << 20
	maxErrorRead    = 64 << 10
	maxErrorBody    = 256

	pathAnalyzeShipping = "api/orders/analyze-cart-shipping/"
	pathCalculate       = "api/enhanced-checkout-calculation/"
	pathValidateCoupon  = "api/orders/coupons/validate/"
	pathCoupons         = "api/orders/coupons/"
	pathOrders          = "api/orders/"
)

const (
	codeInvalidShippingMethod = "INVALID_SHIPPING_METHOD"
	codeSplitShippingRequired = "SPLIT_SHIPPING_REQUIRED"
	codeOrderCreationFailed   = "ORDER_CREATION_FAILED"
)

// Config configures the commerce backend client.
type Config struct {
	BaseURL string
	// APIKey is sent as a bearer token when set.
	APIKey  string
	Timeout time.Duration
	// ListAttempts bounds retries of the idempotent coupon listing.
	ListAttempts         uint
	RetryInitialInterval time.Duration
	// StrictSplitShipping rejects a priced selection when the backend reports split shipping.
	StrictSplitShipping bool
	// Transport is wrapped with OpenTelemetry instrumentation. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// Client talks to the commerce backend and implements checkout.Gateway and checkout.CouponCatalog.
type Client struct {
	baseURL       string
	apiKey        string
	http          *http.Client
	listAttempts  uint
	retryInterval time.Duration
	strictSplit   bool
	policy        *bluemonday.Policy
}

var (
	_ checkout.Gateway       = (*Client)(nil)
	_ checkout.CouponCatalog = (*Client)(nil)
)

// NewClient constructs a commerce client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("commerce client: base url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("commerce client: invalid base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	attempts := cfg.ListAttempts
	if attempts == 0 {
		attempts = defaultListAttempts
	}
	interval := cfg.RetryInitialInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		baseURL: base,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		http: &http.Client{
			Timeout: timeout,
			Transport: otelhttp.NewTransport(transport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "commerce " + r.Method + " " + r.URL.Path
				}),
			),
		},
		listAttempts:  attempts,
		retryInterval: interval,
		strictSplit:   cfg.StrictSplitShipping,
		policy:        bluemonday.StrictPolicy(),
	}, nil
}

type idempotencyKeyCtx struct{}

// WithIdempotencyKey attaches the key forwarded on order creation.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	key = strings.TrimSpace(key)
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// IdempotencyKeyFromContext returns the key set by WithIdempotencyKey.
func IdempotencyKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return key
}

// AnalyzeShipping classifies the cart's shipping eligibility.
func (c *Client) AnalyzeShipping(ctx context.Context, lines []domain.CartLine) (domain.ShippingAnalysis, error) {
	body := map[string]any{"cart_items": toCartItems(lines)}
	status, raw, err := c.do(ctx, request{method: http.MethodPost, path: pathAnalyzeShipping, body: body})
	if err != nil {
		return domain.ShippingAnalysis{}, err
	}
	var resp analysisResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.ShippingAnalysis{}, err
	}
	if resp.failed() {
		return domain.ShippingAnalysis{}, resp.apiError(status)
	}
	return resp.toAnalysis(), nil
}

// Calculate prices the cart with the selected method and coupon.
func (c *Client) Calculate(ctx context.Context, req checkout.CalculationRequest) (checkout.CalculationResult, error) {
	payload := calculationRequestPayload{
		CartItems:  toCartItems(req.Cart),
		CouponCode: strings.ToUpper(strings.TrimSpace(req.CouponCode)),
	}
	if id := strings.TrimSpace(req.ShippingMethodID); id != "" {
		payload.ShippingMethodID = idValue(id)
	}
	if id := strings.TrimSpace(req.UserID); id != "" {
		payload.UserID = idValue(id)
	}
	if req.UserInfo != nil {
		info := c.customerInfo(*req.UserInfo)
		payload.UserInfo = &info
	}

	status, raw, err := c.do(ctx, request{method: http.MethodPost, path: pathCalculate, userID: req.UserID, body: payload})
	if err != nil {
		return checkout.CalculationResult{}, err
	}
	var resp calculationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return checkout.CalculationResult{}, err
	}
	if resp.failed() {
		return checkout.CalculationResult{}, resp.apiError(status)
	}
	if strings.TrimSpace(req.ShippingMethodID) != "" {
		if err := c.checkSelection(resp); err != nil {
			return checkout.CalculationResult{}, err
		}
	}
	return resp.toResult(), nil
}

// checkSelection rejects a calculation that silently dropped the requested method.
func (c *Client) checkSelection(resp calculationResponse) error {
	var available []methodPayload
	if resp.Shipping != nil {
		available = resp.Shipping.AvailableMethods
	}
	if resp.Shipping == nil || resp.Shipping.SelectedMethod == nil {
		return &APIError{
			Status:  http.StatusBadRequest,
			ErrCode: codeInvalidShippingMethod,
			Message: "selected shipping method is not available",
			Methods: toMethods(available),
		}
	}
	if c.strictSplit && resp.Shipping.RequiresSplitShipping {
		return &APIError{
			Status:  http.StatusBadRequest,
			ErrCode: codeSplitShippingRequired,
			Message: "items in the cart require different shipping methods",
			Methods: toMethods(available),
		}
	}
	return nil
}

// ValidateCoupon checks a coupon against the cart. A backend refusal with a structured body
// is returned as an invalid result, not an error.
func (c *Client) ValidateCoupon(ctx context.Context, req checkout.CouponRequest) (checkout.CouponResult, error) {
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	payload := couponValidationRequestPayload{
		CouponCode: code,
		CartItems:  toCartItems(req.Cart),
		CartTotal:  req.Subtotal,
	}
	if id := strings.TrimSpace(req.UserID); id != "" {
		payload.UserID = idValue(id)
	}

	_, raw, err := c.do(ctx, request{method: http.MethodPost, path: pathValidateCoupon, userID: req.UserID, body: payload})
	if err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status >= http.StatusInternalServerError {
			return checkout.CouponResult{}, err
		}
		resp, ok := decodeCouponRefusal(raw)
		if !ok {
			return checkout.CouponResult{}, err
		}
		return resp.toResult(code), nil
	}
	var resp couponValidationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return checkout.CouponResult{}, err
	}
	return resp.toResult(code), nil
}

func decodeCouponRefusal(raw []byte) (couponValidationResponse, bool) {
	var resp couponValidationResponse
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Valid == nil {
		return couponValidationResponse{}, false
	}
	return resp, true
}

// ListCoupons returns the backend's coupon listing. Transient failures are retried.
func (c *Client) ListCoupons(ctx context.Context) ([]domain.AvailableCoupon, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxInterval = 10 * c.retryInterval

	payloads, err := backoff.Retry(ctx, func() ([]couponPayload, error) {
		_, raw, err := c.do(ctx, request{method: http.MethodGet, path: pathCoupons})
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError && apiErr.Status != http.StatusTooManyRequests {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		list, err := decodeCouponList(raw)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return list, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(c.listAttempts))
	if err != nil {
		return nil, err
	}

	coupons := make([]domain.AvailableCoupon, 0, len(payloads))
	for _, p := range payloads {
		coupon := p.toAvailableCoupon()
		if coupon.Code == "" {
			continue
		}
		coupons = append(coupons, coupon)
	}
	return coupons, nil
}

// CompleteOrder creates the order. It is never retried here.
func (c *Client) CompleteOrder(ctx context.Context, req checkout.CompletionRequest) (domain.OrderReceipt, error) {
	payload := c.orderPayload(req)
	status, raw, err := c.do(ctx, request{
		method:         http.MethodPost,
		path:           pathOrders,
		userID:         req.UserID,
		idempotencyKey: IdempotencyKeyFromContext(ctx),
		body:           payload,
	})
	if err != nil {
		return domain.OrderReceipt{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.OrderReceipt{}, err
	}
	if resp.failed() {
		return domain.OrderReceipt{}, resp.apiError(status)
	}
	receipt := resp.toReceipt()
	if receipt.OrderID == "" {
		return domain.OrderReceipt{}, &APIError{
			Status:  status,
			ErrCode: codeOrderCreationFailed,
			Message: "order response carried no identifier",
			Body:    truncate(string(raw), maxErrorBody),
		}
	}
	return receipt, nil
}

func (c *Client) orderPayload(req checkout.CompletionRequest) orderRequestPayload {
	items := make([]orderItemPayload, 0, len(req.Cart))
	for _, line := range req.Cart {
		items = append(items, orderItemPayload{
			Product:  idValue(line.ProductID),
			Quantity: line.Quantity,
			Color:    c.clean(line.ColorVariant),
			Size:     c.clean(line.SizeVariant),
		})
	}
	info := req.UserInfo
	payload := orderRequestPayload{
		Items:        items,
		CustomerInfo: c.customerInfo(info),
		ShippingAddress: addressPayload{
			StreetAddress: c.clean(info.Address.Street),
			City:          c.clean(info.Address.City),
			State:         c.clean(info.Address.State),
			ZipCode:       c.clean(info.Address.ZipCode),
		},
		ShippingMethod: idValue(req.ShippingMethodID),
		CouponCode:     strings.ToUpper(strings.TrimSpace(req.CouponCode)),
		PaymentMethod:  defaultString(req.PaymentMethod, checkout.PaymentMethodPending),
		Notes:          c.clean(info.Notes),
	}
	if id := strings.TrimSpace(req.UserID); id != "" {
		payload.UserID = idValue(id)
	}
	return payload
}

func (c *Client) customerInfo(info domain.UserInfo) customerInfoPayload {
	return customerInfoPayload{
		FirstName: c.clean(info.FirstName),
		LastName:  c.clean(info.LastName),
		Email:     strings.TrimSpace(info.Email),
		Phone:     strings.TrimSpace(info.Phone),
	}
}

// clean strips markup from free text before it leaves the service.
func (c *Client) clean(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(c.policy.Sanitize(value)))
}

type request struct {
	method         string
	path           string
	userID         string
	idempotencyKey string
	body           any
}

// do performs one call. Non-2xx responses come back as *APIError alongside the raw body.
func (c *Client) do(ctx context.Context, r request) (int, []byte, error) {
	endpoint, err := url.JoinPath(c.baseURL, r.path)
	if err != nil {
		return 0, nil, err
	}
	var reader io.Reader
	if r.body != nil {
		payload, err := json.Marshal(r.body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, r.method, endpoint, reader)
	if err != nil {
		return 0, nil, err
	}
	if reader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if id := strings.TrimSpace(r.userID); id != "" {
		httpReq.Header.Set(userIDHeader, id)
	}
	if r.idempotencyKey != "" {
		httpReq.Header.Set(idempotencyHeader, r.idempotencyKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorRead))
		return resp.StatusCode, raw, newAPIError(resp.StatusCode, raw)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, raw, nil
}
