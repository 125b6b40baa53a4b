package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/kroypata/checkout/internal/checkout"
	"github.com/kroypata/checkout/internal/platform/httpx"
	"github.com/kroypata/checkout/internal/services"
)

var kindStatus = map[checkout.Kind]int{
	checkout.KindEmptyCart:                 http.StatusUnprocessableEntity,
	checkout.KindInvalidLine:               http.StatusUnprocessableEntity,
	checkout.KindInvalidCart:               http.StatusUnprocessableEntity,
	checkout.KindInvalidUserInfo:           http.StatusUnprocessableEntity,
	checkout.KindValidationFailed:          http.StatusUnprocessableEntity,
	checkout.KindNoShippingOptions:         http.StatusUnprocessableEntity,
	checkout.KindSplitShippingRequiredHard: http.StatusUnprocessableEntity,
	checkout.KindCouponRejected:            http.StatusUnprocessableEntity,
	checkout.KindInvalidTransition:         http.StatusConflict,
	checkout.KindInvalidShippingMethod:     http.StatusConflict,
	checkout.KindAnalysisUnavailable:       http.StatusServiceUnavailable,
	checkout.KindCalculationUnavailable:    http.StatusServiceUnavailable,
	checkout.KindTimeout:                   http.StatusGatewayTimeout,
	checkout.KindOrderCreationFailed:       http.StatusBadGateway,
}

// writeCheckoutError renders err. Classified checkout errors carry the session view so the
// wizard can redraw without a second request.
func writeCheckoutError(ctx context.Context, w http.ResponseWriter, session services.CheckoutSession, err error) {
	var classified *checkout.Error
	if errors.As(err, &classified) {
		status, ok := kindStatus[classified.Kind]
		if !ok {
			status = http.StatusUnprocessableEntity
		}
		details := map[string]any{"checkout": newErrorPayload(classified)}
		if session.ID != "" {
			details["session"] = newSessionPayload(session)
		}
		message := classified.Message
		if message == "" {
			message = string(classified.Kind)
		}
		httpx.WriteError(ctx, w, httpx.NewError(string(classified.Kind), message, status).WithDetails(details))
		return
	}

	var apiErr httpx.Error
	switch {
	case errors.Is(err, services.ErrCheckoutSessionNotFound):
		apiErr = httpx.NewError("session_not_found", "checkout session not found or expired", http.StatusNotFound)
	case errors.Is(err, services.ErrCheckoutCartNotFound):
		apiErr = httpx.NewError("cart_not_found", "cart not found", http.StatusNotFound)
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		apiErr = httpx.NewError("invalid_request", "invalid checkout request", http.StatusBadRequest)
	case errors.Is(err, services.ErrCheckoutCompletionInProgress):
		apiErr = httpx.NewError("completion_in_progress", "order submission already in progress", http.StatusConflict)
	case errors.Is(err, services.ErrCheckoutUnavailable):
		apiErr = httpx.NewError("checkout_unavailable", "checkout temporarily unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		apiErr = httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout)
	default:
		apiErr = httpx.NewError("internal_error", "unexpected checkout failure", http.StatusInternalServerError)
	}
	if session.ID != "" {
		apiErr = apiErr.WithDetails(map[string]any{"session": newSessionPayload(session)})
	}
	httpx.WriteError(ctx, w, apiErr)
}
