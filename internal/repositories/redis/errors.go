package redis

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Error implements repositories.RepositoryError for Redis backed stores.
type Error struct {
	op       string
	err      error
	notFound bool
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsNotFound reports whether the key was missing.
func (e *Error) IsNotFound() bool { return e != nil && e.notFound }

// IsConflict is always false; these stores never write conditionally.
func (e *Error) IsConflict() bool { return false }

// IsUnavailable reports whether Redis itself failed.
func (e *Error) IsUnavailable() bool { return e != nil && !e.notFound }

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{op: op, err: err, notFound: errors.Is(err, redis.Nil)}
}
