package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error carries the gRPC classification of a Firestore failure and satisfies
// repositories.RepositoryError.
type Error struct {
	op   string
	code codes.Code
	err  error
}

func (e *Error) Error() string {
	if e.op == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// IsNotFound reports a missing document.
func (e *Error) IsNotFound() bool { return e.code == codes.NotFound }

// IsConflict reports a precondition or contention failure.
func (e *Error) IsConflict() bool {
	switch e.code {
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return true
	}
	return false
}

// IsUnavailable reports a transient backend outage.
func (e *Error) IsUnavailable() bool {
	switch e.code {
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return true
	}
	return false
}

// WrapError annotates err with op and its gRPC classification. Cancellation is passed through
// as the context error so callers can tell shopper aborts from outages.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	code := status.Code(err)
	if code == codes.Canceled {
		return context.Canceled
	}
	return &Error{op: op, code: code, err: err}
}
