package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/storyboard-ai/backend/internal/auth"
	"github.com/storyboard-ai/backend/internal/models"
	"github.com/storyboard-ai/backend/internal/pricing"
)

var (
	// ErrInsufficientCredits is returned when a pool is smaller than the computed cost.
	// The balance is left unchanged.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrStorageUnavailable is a transient backend failure. Callers may retry the whole request.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrConflict signals lost optimistic contention on a single account.
	// Stores return it; the service retries and never surfaces it.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrInvalidUsage is returned for negative units or an out-of-range image count.
	ErrInvalidUsage = errors.New("invalid usage")

	// ErrUnknownModel is re-exported from pricing.
	ErrUnknownModel = pricing.ErrUnknownModel
)

// Kind is the client-visible error category.
type Kind string

const (
	KindUnknownModel        Kind = "UnknownModel"
	KindInsufficientCredits Kind = "InsufficientCredits"
	KindStorageUnavailable  Kind = "StorageUnavailable"
	KindUnauthenticated     Kind = "Unauthenticated"
	KindInvalidRequest      Kind = "InvalidRequest"
)

// KindOf classifies err. Anything unrecognised is reported as StorageUnavailable
// since the only remaining failure source is the backend.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrUnknownModel):
		return KindUnknownModel
	case errors.Is(err, ErrInsufficientCredits):
		return KindInsufficientCredits
	case errors.Is(err, auth.ErrUnauthenticated):
		return KindUnauthenticated
	case errors.Is(err, ErrInvalidUsage):
		return KindInvalidRequest
	default:
		return KindStorageUnavailable
	}
}

// Retryable reports whether the caller may resubmit the same request unchanged.
func (k Kind) Retryable() bool {
	return k == KindStorageUnavailable
}

// Insufficient builds the error stores return when pool < cost.
func Insufficient(kind models.ResourceKind, balance, cost decimal.Decimal) error {
	return fmt.Errorf("%w: %s balance %s is below cost %s", ErrInsufficientCredits, kind.Pool(), balance, cost)
}
