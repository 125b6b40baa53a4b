package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/kroypata/checkout/internal/domain"
)

// Kind is the closed set of failures surfaced to the wizard.
type Kind string

const (
	KindEmptyCart                 Kind = "empty_cart"
	KindInvalidLine               Kind = "invalid_line"
	KindInvalidCart               Kind = "invalid_cart"
	KindInvalidUserInfo           Kind = "invalid_user_info"
	KindInvalidTransition         Kind = "invalid_transition"
	KindNoShippingOptions         Kind = "no_shipping_options"
	KindInvalidShippingMethod     Kind = "invalid_shipping_method"
	KindSplitShippingRequiredHard Kind = "split_shipping_required"
	KindCouponRejected            Kind = "coupon_rejected"
	KindAnalysisUnavailable       Kind = "analysis_unavailable"
	KindCalculationUnavailable    Kind = "calculation_unavailable"
	KindTimeout                   Kind = "timeout"
	KindValidationFailed          Kind = "validation_failed"
	KindOrderCreationFailed       Kind = "order_creation_failed"
)

// Retryable reports whether the user may simply try the same step again.
func (k Kind) Retryable() bool {
	switch k {
	case KindAnalysisUnavailable, KindCalculationUnavailable, KindTimeout, KindOrderCreationFailed:
		return true
	default:
		return false
	}
}

// Error is a classified checkout failure. Components never hand raw transport errors to the
// orchestrator; they return *Error.
type Error struct {
	Kind    Kind
	Message string
	// Field names the offending user info field for KindInvalidUserInfo.
	Field string
	// Index and Reason describe the offending line for KindInvalidLine.
	Index  int
	Reason string
	// Rejection is set for KindCouponRejected.
	Rejection *domain.CouponRejection
	// Methods is the fresh method list reported with KindInvalidShippingMethod.
	Methods []domain.ShippingMethod
	// Details holds per-field messages for KindValidationFailed.
	Details map[string][]string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("checkout: ")
	b.WriteString(string(e.Kind))
	switch {
	case e.Field != "":
		fmt.Fprintf(&b, " (%s)", e.Field)
	case e.Kind == KindInvalidLine:
		fmt.Fprintf(&b, " (line %d: %s)", e.Index, e.Reason)
	case e.Rejection != nil:
		fmt.Fprintf(&b, " (%s)", e.Rejection.Reason)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether the error allows a user-triggered retry.
func (e *Error) Retryable() bool {
	return e != nil && e.Kind.Retryable()
}

// Is matches another *Error by kind so errors.Is(err, &Error{Kind: KindTimeout}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the classified kind, or "" when err is not classified.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// RemoteError is implemented by gateway failures that carry a structured backend response.
type RemoteError interface {
	error
	StatusCode() int
	Code() string
	FieldErrors() map[string][]string
	AvailableMethods() []domain.ShippingMethod
}

// Operation identifies which remote call failed; classification depends on it.
type Operation string

const (
	OpAnalysis    Operation = "analysis"
	OpCalculation Operation = "calculation"
	OpCoupon      Operation = "coupon"
	OpCompletion  Operation = "completion"
	OpCouponList  Operation = "coupon_list"
)

const (
	remoteCodeInvalidShippingMethod = "INVALID_SHIPPING_METHOD"
	remoteCodeSplitShipping         = "SPLIT_SHIPPING_REQUIRED"
	remoteCodeValidationFailed      = "VALIDATION_FAILED"
	remoteCodeOrderCreationFailed   = "ORDER_CREATION_FAILED"
	remoteCodeProductNotFound       = "PRODUCT_NOT_FOUND"
)

// Classify maps any failure of op into the closed taxonomy.
func Classify(op Operation, err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	if isTimeout(err) {
		return &Error{Kind: KindTimeout, Message: "the request timed out", Err: err}
	}

	var remote RemoteError
	if errors.As(err, &remote) {
		return classifyRemote(op, remote)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &Error{Kind: unavailableKind(op), Message: "failed to parse server response", Err: err}
	}

	return &Error{Kind: unavailableKind(op), Message: "service unavailable", Err: err}
}

func classifyRemote(op Operation, remote RemoteError) *Error {
	code := strings.ToUpper(strings.TrimSpace(remote.Code()))
	status := remote.StatusCode()
	message := remote.Error()

	switch code {
	case remoteCodeInvalidShippingMethod:
		return &Error{Kind: KindInvalidShippingMethod, Message: message, Methods: remote.AvailableMethods(), Err: remote}
	case remoteCodeSplitShipping:
		return &Error{Kind: KindSplitShippingRequiredHard, Message: message, Err: remote}
	case remoteCodeValidationFailed:
		return &Error{Kind: KindValidationFailed, Message: message, Details: remote.FieldErrors(), Err: remote}
	case remoteCodeOrderCreationFailed:
		return &Error{Kind: KindOrderCreationFailed, Message: message, Err: remote}
	}

	switch op {
	case OpAnalysis:
		if status == http.StatusBadRequest || status == http.StatusNotFound || status == http.StatusUnprocessableEntity || code == remoteCodeProductNotFound {
			return &Error{Kind: KindInvalidCart, Message: message, Err: remote}
		}
		return &Error{Kind: KindAnalysisUnavailable, Message: message, Err: remote}
	case OpCalculation:
		if status == http.StatusNotFound || code == remoteCodeProductNotFound {
			return &Error{Kind: KindInvalidCart, Message: message, Err: remote}
		}
		return &Error{Kind: KindCalculationUnavailable, Message: message, Err: remote}
	case OpCoupon:
		if status >= 400 && status < 500 {
			return &Error{
				Kind:      KindCouponRejected,
				Message:   message,
				Rejection: &domain.CouponRejection{Reason: domain.RejectInvalid, Message: message},
				Err:       remote,
			}
		}
		return &Error{Kind: KindCalculationUnavailable, Message: message, Err: remote}
	case OpCompletion:
		if status == http.StatusBadRequest || status == http.StatusUnprocessableEntity {
			return &Error{Kind: KindValidationFailed, Message: message, Details: remote.FieldErrors(), Err: remote}
		}
		return &Error{Kind: KindOrderCreationFailed, Message: message, Err: remote}
	default:
		return &Error{Kind: KindCalculationUnavailable, Message: message, Err: remote}
	}
}

func unavailableKind(op Operation) Kind {
	switch op {
	case OpAnalysis:
		return KindAnalysisUnavailable
	case OpCompletion:
		return KindOrderCreationFailed
	default:
		return KindCalculationUnavailable
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
