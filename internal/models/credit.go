package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ResourceKind names the credit pool a deduction applies to.
type ResourceKind string

const (
	ResourceText  ResourceKind = "TEXT"
	ResourceImage ResourceKind = "IMAGE"
)

// Column is the user_credits column (and Redis hash field) that holds the pool.
func (k ResourceKind) Column() string {
	if k == ResourceImage {
		return "image_credits"
	}
	return "text_credits"
}

// Pool is the lower-case pool name used in user-facing messages.
func (k ResourceKind) Pool() string {
	if k == ResourceImage {
		return "image"
	}
	return "text"
}

func (k ResourceKind) Valid() bool {
	return k == ResourceText || k == ResourceImage
}

// CreditLedgerEntry is an audit row written alongside a successful deduction.
// It is never read back to compute a balance.
type CreditLedgerEntry struct {
	ID           uuid.UUID       `json:"id"`
	UserID       string          `json:"user_id"`
	Kind         ResourceKind    `json:"kind"`
	ModelID      string          `json:"model_id"`
	Units        int64           `json:"units"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}
