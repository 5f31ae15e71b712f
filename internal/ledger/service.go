package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/storyboard-ai/backend/internal/models"
	"github.com/storyboard-ai/backend/internal/pricing"
)

// Deduction describes a completed deduction.
type Deduction struct {
	Kind        models.ResourceKind
	ModelID     string
	InputUnits  int64
	OutputUnits int64
	Count       int64
	UnitCost    decimal.Decimal
	Deducted    decimal.Decimal
	Remaining   decimal.Decimal
}

type Service interface {
	GetBalance(ctx context.Context, userID string) (*models.UserCredits, error)
	DeductText(ctx context.Context, userID, modelID string, inputUnits, outputUnits int64) (*Deduction, error)
	DeductImage(ctx context.Context, userID string, count int64) (*Deduction, error)
	History(ctx context.Context, userID string, limit int) ([]*models.CreditLedgerEntry, error)
	Pricing() *pricing.Table
}

// History page bounds.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// MaxTextUnits bounds each side of a text deduction. Two bounded sides can
// never overflow int64 when summed.
const MaxTextUnits int64 = 1_000_000_000_000

// Recorder receives one observation per deduct attempt. Outcome is "ok" or an error Kind.
type Recorder interface {
	ObserveDeduction(kind models.ResourceKind, outcome string, amount decimal.Decimal)
}

type nopRecorder struct{}

func (nopRecorder) ObserveDeduction(models.ResourceKind, string, decimal.Decimal) {}

// Config tunes the service. Zero values fall back to DefaultConfig.
type Config struct {
	Seed           Seed
	MaxImageCount  int64
	MaxRetries     uint
	RetryBaseDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Seed:           DefaultSeed(),
		MaxImageCount:  100,
		MaxRetries:     5,
		RetryBaseDelay: 10 * time.Millisecond,
	}
}

type service struct {
	store  AccountStore
	prices *pricing.Table
	cfg    Config
	log    *zap.Logger
	rec    Recorder
}

// NewService wires the ledger. A nil logger or recorder disables that concern.
func NewService(store AccountStore, prices *pricing.Table, cfg Config, log *zap.Logger, rec Recorder) Service {
	def := DefaultConfig()
	if cfg.Seed == (Seed{}) {
		cfg.Seed = def.Seed
	}
	if cfg.MaxImageCount <= 0 {
		cfg.MaxImageCount = def.MaxImageCount
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if log == nil {
		log = zap.NewNop()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &service{store: store, prices: prices, cfg: cfg, log: log.Named("ledger"), rec: rec}
}

var _ Service = (*service)(nil)

func (s *service) Pricing() *pricing.Table { return s.prices }

func (s *service) GetBalance(ctx context.Context, userID string) (*models.UserCredits, error) {
	acc, err := s.store.GetOrCreate(ctx, userID, s.cfg.Seed)
	if err != nil {
		s.log.Error("get balance", zap.String("user_id", userID), zap.Error(err))
		return nil, storageErr(err)
	}
	return acc, nil
}

func (s *service) History(ctx context.Context, userID string, limit int) ([]*models.CreditLedgerEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	list, err := s.store.History(ctx, userID, limit)
	if err != nil {
		s.log.Error("list history", zap.String("user_id", userID), zap.Error(err))
		return nil, storageErr(err)
	}
	return list, nil
}

func (s *service) DeductText(ctx context.Context, userID, modelID string, inputUnits, outputUnits int64) (*Deduction, error) {
	if inputUnits < 0 || outputUnits < 0 {
		s.rec.ObserveDeduction(models.ResourceText, string(KindInvalidRequest), decimal.Zero)
		return nil, fmt.Errorf("%w: input_units and output_units must be >= 0", ErrInvalidUsage)
	}
	if inputUnits > MaxTextUnits || outputUnits > MaxTextUnits {
		s.rec.ObserveDeduction(models.ResourceText, string(KindInvalidRequest), decimal.Zero)
		return nil, fmt.Errorf("%w: input_units and output_units must be <= %d", ErrInvalidUsage, MaxTextUnits)
	}
	entry, err := s.prices.Lookup(models.ResourceText, modelID)
	if err != nil {
		s.rec.ObserveDeduction(models.ResourceText, string(KindUnknownModel), decimal.Zero)
		return nil, err
	}

	// Both sides of the call are billed.
	units := inputUnits + outputUnits
	cost := pricing.Cost(entry.UnitCost, units)

	remaining, err := s.deduct(ctx, Debit{
		UserID:   userID,
		Kind:     models.ResourceText,
		Cost:     cost,
		Seed:     s.cfg.Seed,
		ModelID:  entry.ModelID,
		Units:    units,
		UnitCost: entry.UnitCost,
	})
	if err != nil {
		return nil, err
	}
	return &Deduction{
		Kind:        models.ResourceText,
		ModelID:     entry.ModelID,
		InputUnits:  inputUnits,
		OutputUnits: outputUnits,
		UnitCost:    entry.UnitCost,
		Deducted:    cost,
		Remaining:   remaining,
	}, nil
}

func (s *service) DeductImage(ctx context.Context, userID string, count int64) (*Deduction, error) {
	if count < 1 || count > s.cfg.MaxImageCount {
		s.rec.ObserveDeduction(models.ResourceImage, string(KindInvalidRequest), decimal.Zero)
		return nil, fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidUsage, s.cfg.MaxImageCount)
	}
	entry := s.prices.ImageEntry()
	cost := pricing.Cost(entry.UnitCost, count)

	remaining, err := s.deduct(ctx, Debit{
		UserID:   userID,
		Kind:     models.ResourceImage,
		Cost:     cost,
		Seed:     s.cfg.Seed,
		ModelID:  entry.ModelID,
		Units:    count,
		UnitCost: entry.UnitCost,
	})
	if err != nil {
		return nil, err
	}
	return &Deduction{
		Kind:      models.ResourceImage,
		ModelID:   entry.ModelID,
		Count:     count,
		UnitCost:  entry.UnitCost,
		Deducted:  cost,
		Remaining: remaining,
	}, nil
}

// deduct runs the store's conditional update, retrying only on ErrConflict.
func (s *service) deduct(ctx context.Context, d Debit) (decimal.Decimal, error) {
	log := s.log.With(
		zap.String("user_id", d.UserID),
		zap.String("kind", string(d.Kind)),
		zap.String("model_id", d.ModelID),
		zap.Stringer("cost", d.Cost),
	)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryBaseDelay
	b.MaxInterval = 20 * s.cfg.RetryBaseDelay

	attempts := 0
	remaining, err := backoff.Retry(ctx, func() (decimal.Decimal, error) {
		attempts++
		rem, err := s.store.Deduct(ctx, d)
		if err == nil || errors.Is(err, ErrConflict) {
			return rem, err
		}
		return rem, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.cfg.MaxRetries+1))

	switch {
	case err == nil:
		s.rec.ObserveDeduction(d.Kind, "ok", d.Cost)
		log.Info("credits deducted", zap.Stringer("remaining", remaining), zap.Int("attempts", attempts))
		return remaining, nil
	case errors.Is(err, ErrInsufficientCredits):
		s.rec.ObserveDeduction(d.Kind, string(KindInsufficientCredits), decimal.Zero)
		log.Info("deduction rejected", zap.Error(err))
		return decimal.Zero, err
	case errors.Is(err, ErrConflict):
		err = fmt.Errorf("%w: gave up after %d conflicting attempts", ErrStorageUnavailable, attempts)
	default:
		err = storageErr(err)
	}
	s.rec.ObserveDeduction(d.Kind, string(KindStorageUnavailable), decimal.Zero)
	log.Error("deduction failed", zap.Int("attempts", attempts), zap.Error(err))
	return decimal.Zero, err
}

func storageErr(err error) error {
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}
