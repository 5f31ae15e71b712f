package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/storyboard-ai/backend/internal/ledger"
	"github.com/storyboard-ai/backend/internal/models"
)

// memoryHistoryCap bounds the per-user audit trail kept in memory.
const memoryHistoryCap = 1000

// MemoryAccountRepo keeps balances in process memory. Each user has its own
// mutex, so deductions for different users never wait on each other.
// Intended for local development and tests.
type MemoryAccountRepo struct {
	accounts sync.Map // user id -> *memoryAccount
	now      func() time.Time
}

type memoryAccount struct {
	mu      sync.Mutex
	credits models.UserCredits
	history []*models.CreditLedgerEntry
}

func NewMemoryAccountRepo() *MemoryAccountRepo {
	return &MemoryAccountRepo{now: time.Now}
}

var _ ledger.AccountStore = (*MemoryAccountRepo)(nil)

func (r *MemoryAccountRepo) account(userID string, seed ledger.Seed) *memoryAccount {
	if v, ok := r.accounts.Load(userID); ok {
		return v.(*memoryAccount)
	}
	now := r.now()
	fresh := &memoryAccount{credits: models.UserCredits{
		UserID:       userID,
		TextCredits:  seed.TextCredits,
		ImageCredits: seed.ImageCredits,
		CreatedAt:    now,
		UpdatedAt:    now,
	}}
	v, _ := r.accounts.LoadOrStore(userID, fresh)
	return v.(*memoryAccount)
}

func (r *MemoryAccountRepo) GetOrCreate(ctx context.Context, userID string, seed ledger.Seed) (*models.UserCredits, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrStorageUnavailable, err)
	}
	acc := r.account(userID, seed)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	cp := acc.credits
	return &cp, nil
}

func (r *MemoryAccountRepo) Deduct(ctx context.Context, d ledger.Debit) (decimal.Decimal, error) {
	if err := d.Check(); err != nil {
		return decimal.Zero, err
	}
	acc := r.account(d.UserID, d.Seed)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	// Abandoned before the write: nothing changes.
	if err := ctx.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ledger.ErrStorageUnavailable, err)
	}

	balance := acc.credits.Balance(d.Kind)
	if balance.LessThan(d.Cost) {
		return decimal.Zero, ledger.Insufficient(d.Kind, balance, d.Cost)
	}
	remaining := balance.Sub(d.Cost)
	now := r.now()
	acc.credits.SetBalance(d.Kind, remaining)
	acc.credits.UpdatedAt = now

	acc.history = append(acc.history, &models.CreditLedgerEntry{
		ID:           uuid.New(),
		UserID:       d.UserID,
		Kind:         d.Kind,
		ModelID:      d.ModelID,
		Units:        d.Units,
		UnitCost:     d.UnitCost,
		Amount:       d.Cost,
		BalanceAfter: remaining,
		CreatedAt:    now,
	})
	if len(acc.history) > memoryHistoryCap {
		acc.history = acc.history[len(acc.history)-memoryHistoryCap:]
	}
	return remaining, nil
}

func (r *MemoryAccountRepo) History(_ context.Context, userID string, limit int) ([]*models.CreditLedgerEntry, error) {
	v, ok := r.accounts.Load(userID)
	if !ok {
		return nil, nil
	}
	acc := v.(*memoryAccount)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	out := make([]*models.CreditLedgerEntry, 0, min(limit, len(acc.history)))
	for i := len(acc.history) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *acc.history[i]
		out = append(out, &cp)
	}
	return out, nil
}
