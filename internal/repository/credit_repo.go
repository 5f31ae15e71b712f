package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/storyboard-ai/backend/internal/models"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is a DBTX that can open transactions.
type Pool interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CreditRepo appends and lists credit_ledger audit rows.
type CreditRepo struct{}

func NewCreditRepo() *CreditRepo {
	return &CreditRepo{}
}

// CreateTx inserts a ledger entry inside the given transaction.
func (r *CreditRepo) CreateTx(ctx context.Context, tx DBTX, c *models.CreditLedgerEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_ledger (id, user_id, kind, model_id, units, unit_cost, amount, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, c.ID, c.UserID, string(c.Kind), c.ModelID, c.Units, c.UnitCost, c.Amount, c.BalanceAfter).Scan(&c.CreatedAt)
}

// ListByUserID returns the newest entries first.
func (r *CreditRepo) ListByUserID(ctx context.Context, db DBTX, userID string, limit int) ([]*models.CreditLedgerEntry, error) {
	rows, err := db.Query(ctx, `
		SELECT id, user_id, kind, model_id, units, unit_cost, amount, balance_after, created_at
		FROM credit_ledger WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.CreditLedgerEntry
	for rows.Next() {
		var c models.CreditLedgerEntry
		var kind string
		if err := rows.Scan(&c.ID, &c.UserID, &kind, &c.ModelID, &c.Units, &c.UnitCost, &c.Amount, &c.BalanceAfter, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Kind = models.ResourceKind(kind)
		list = append(list, &c)
	}
	return list, rows.Err()
}
