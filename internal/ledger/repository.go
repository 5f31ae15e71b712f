package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/storyboard-ai/backend/internal/models"
)

// Seed is the allotment written when an account is first seen.
type Seed struct {
	TextCredits  decimal.Decimal
	ImageCredits decimal.Decimal
}

// DefaultSeed returns the standard starting allotment (448 text, 592 image).
func DefaultSeed() Seed {
	return Seed{
		TextCredits:  models.DefaultInitialTextCredits,
		ImageCredits: models.DefaultInitialImageCredits,
	}
}

// Debit is one conditional deduction against a single pool.
type Debit struct {
	UserID   string
	Kind     models.ResourceKind
	Cost     decimal.Decimal
	Seed     Seed
	ModelID  string
	Units    int64
	UnitCost decimal.Decimal
}

// Check rejects a debit no store may apply. A negative cost would credit
// the pool.
func (d Debit) Check() error {
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: kind %q", ErrInvalidUsage, d.Kind)
	}
	if d.Cost.IsNegative() {
		return fmt.Errorf("%w: negative cost %s", ErrInvalidUsage, d.Cost)
	}
	return nil
}

// AccountStore is the durable per-user balance record.
//
// Deduct creates the account from Seed when it does not exist, then subtracts
// Cost from the pool for Kind only if the pool holds at least Cost. The
// compare and the write are atomic with respect to other calls for the same
// UserID. It returns the pool value after the write, an error wrapping
// ErrInvalidUsage (Debit.Check failed), ErrInsufficientCredits (nothing
// written), ErrConflict (retryable contention) or ErrStorageUnavailable.
//
// History lists the audit entries written by successful deductions, newest first.
type AccountStore interface {
	GetOrCreate(ctx context.Context, userID string, seed Seed) (*models.UserCredits, error)
	Deduct(ctx context.Context, d Debit) (remaining decimal.Decimal, err error)
	History(ctx context.Context, userID string, limit int) ([]*models.CreditLedgerEntry, error)
}
