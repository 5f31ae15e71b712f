package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/storyboard-ai/backend/internal/ledger"
	"github.com/storyboard-ai/backend/internal/models"
)

// Postgres error codes that mean "try the transaction again".
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// AccountRepo is the Postgres AccountStore over user_credits.
type AccountRepo struct {
	pool    Pool
	credits *CreditRepo
}

func NewAccountRepo(pool Pool) *AccountRepo {
	return &AccountRepo{pool: pool, credits: NewCreditRepo()}
}

var _ ledger.AccountStore = (*AccountRepo)(nil)

func (r *AccountRepo) GetOrCreate(ctx context.Context, userID string, seed ledger.Seed) (*models.UserCredits, error) {
	a, err := r.get(ctx, r.pool, userID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, classify(err)
	}
	if err := r.ensure(ctx, r.pool, userID, seed); err != nil {
		return nil, classify(err)
	}
	a, err = r.get(ctx, r.pool, userID)
	if err != nil {
		return nil, classify(err)
	}
	return a, nil
}

// Deduct runs seed, conditional update and ledger insert in one transaction.
func (r *AccountRepo) Deduct(ctx context.Context, d ledger.Debit) (decimal.Decimal, error) {
	if err := d.Check(); err != nil {
		return decimal.Zero, err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, classify(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := r.ensure(ctx, tx, d.UserID, d.Seed); err != nil {
		return decimal.Zero, classify(err)
	}

	// col comes from a closed set, never from input.
	col := d.Kind.Column()
	var remaining decimal.Decimal
	err = tx.QueryRow(ctx, fmt.Sprintf(`
		UPDATE user_credits SET %[1]s = %[1]s - $1, updated_at = now()
		WHERE user_id = $2 AND %[1]s >= $1
		RETURNING %[1]s
	`, col), d.Cost, d.UserID).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		var balance decimal.Decimal
		if err := tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT %s FROM user_credits WHERE user_id = $1`, col), d.UserID,
		).Scan(&balance); err != nil {
			return decimal.Zero, classify(err)
		}
		return decimal.Zero, ledger.Insufficient(d.Kind, balance, d.Cost)
	}
	if err != nil {
		return decimal.Zero, classify(err)
	}

	if err := r.credits.CreateTx(ctx, tx, &models.CreditLedgerEntry{
		ID:           uuid.New(),
		UserID:       d.UserID,
		Kind:         d.Kind,
		ModelID:      d.ModelID,
		Units:        d.Units,
		UnitCost:     d.UnitCost,
		Amount:       d.Cost,
		BalanceAfter: remaining,
	}); err != nil {
		return decimal.Zero, classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, classify(err)
	}
	return remaining, nil
}

func (r *AccountRepo) History(ctx context.Context, userID string, limit int) ([]*models.CreditLedgerEntry, error) {
	list, err := r.credits.ListByUserID(ctx, r.pool, userID, limit)
	if err != nil {
		return nil, classify(err)
	}
	return list, nil
}

func (r *AccountRepo) ensure(ctx context.Context, q DBTX, userID string, seed ledger.Seed) error {
	_, err := q.Exec(ctx, `
		INSERT INTO user_credits (user_id, text_credits, image_credits)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, seed.TextCredits, seed.ImageCredits)
	return err
}

func (r *AccountRepo) get(ctx context.Context, q DBTX, userID string) (*models.UserCredits, error) {
	var a models.UserCredits
	err := q.QueryRow(ctx, `
		SELECT user_id, text_credits, image_credits, created_at, updated_at
		FROM user_credits WHERE user_id = $1
	`, userID).Scan(&a.UserID, &a.TextCredits, &a.ImageCredits, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// classify maps driver errors onto the ledger's store contract.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected) {
		return fmt.Errorf("%w: %w", ledger.ErrConflict, err)
	}
	return fmt.Errorf("%w: %w", ledger.ErrStorageUnavailable, err)
}
