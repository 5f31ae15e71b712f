package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Seed allotment for accounts created on first lookup, in cents.
var (
	DefaultInitialTextCredits  = decimal.NewFromInt(448)
	DefaultInitialImageCredits = decimal.NewFromInt(592)
)

// UserCredits is the per-user balance record. Both pools are denominated in cents.
type UserCredits struct {
	UserID       string          `json:"user_id"`
	TextCredits  decimal.Decimal `json:"text_credits"`
	ImageCredits decimal.Decimal `json:"image_credits"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Balance returns the pool that backs the given resource kind.
func (u *UserCredits) Balance(kind ResourceKind) decimal.Decimal {
	if kind == ResourceImage {
		return u.ImageCredits
	}
	return u.TextCredits
}

// SetBalance replaces the pool that backs the given resource kind.
func (u *UserCredits) SetBalance(kind ResourceKind, v decimal.Decimal) {
	if kind == ResourceImage {
		u.ImageCredits = v
		return
	}
	u.TextCredits = v
}
