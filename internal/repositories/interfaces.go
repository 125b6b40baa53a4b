package repositories

import (
	"context"
	"errors"

	"github.com/kroypata/checkout/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CartReader loads a cart snapshot. Missing carts are reported as a RepositoryError with IsNotFound.
type CartReader interface {
	LoadCart(ctx context.Context, cartID string) (domain.CartSnapshot, error)
}

// ContactReader returns stored contact details used to prefill checkout for signed-in users.
type ContactReader interface {
	LoadContact(ctx context.Context, userID string) (domain.UserInfo, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}

// IsNotFound reports whether err is a RepositoryError for a missing record.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsUnavailable reports whether err is a RepositoryError for a transient outage.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}
