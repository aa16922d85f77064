package services

import (
	"errors"
	"fmt"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/repositories"
)

var (
	// ErrOrderConflict indicates the order kept moving under optimistic concurrency until retries ran out.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrUnavailable indicates a backing dependency is temporarily unreachable; callers may retry.
	ErrUnavailable = errors.New("order: dependency unavailable")
	// ErrRefundFailed indicates the payment gateway rejected a refund.
	ErrRefundFailed = errors.New("order: refund failed")
)

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// mapRepositoryError translates repository failures into the domain and service error categories.
func mapRepositoryError(err error, resource, id string) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return &domain.NotFoundError{Resource: resource, ID: id}
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	return err
}
