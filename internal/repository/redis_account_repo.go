package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/storyboard-ai/backend/internal/ledger"
	"github.com/storyboard-ai/backend/internal/models"
)

const (
	defaultRedisKeyPrefix = "credits:"
	redisHistoryCap       = 1000
	redisCreateAttempts   = 5

	fieldCreatedAt = "created_at"
	fieldUpdatedAt = "updated_at"
)

// RedisAccountRepo stores each account as a hash and deducts with an
// optimistic WATCH/MULTI/EXEC. A lost race surfaces as ledger.ErrConflict so
// the ledger can retry it.
type RedisAccountRepo struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

func NewRedisAccountRepo(client redis.UniversalClient, keyPrefix string) *RedisAccountRepo {
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	return &RedisAccountRepo{client: client, keyPrefix: keyPrefix, now: time.Now}
}

var _ ledger.AccountStore = (*RedisAccountRepo)(nil)

func (r *RedisAccountRepo) accountKey(userID string) string { return r.keyPrefix + "account:" + userID }
func (r *RedisAccountRepo) ledgerKey(userID string) string  { return r.keyPrefix + "ledger:" + userID }

func (r *RedisAccountRepo) GetOrCreate(ctx context.Context, userID string, seed ledger.Seed) (*models.UserCredits, error) {
	key := r.accountKey(userID)
	var out *models.UserCredits
	for range redisCreateAttempts {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			acc, found, err := r.load(ctx, tx, userID)
			if err != nil {
				return err
			}
			if found {
				out = acc
				return nil
			}
			acc = r.seeded(userID, seed)
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, r.fields(acc))
				return nil
			})
			if err == nil {
				out = acc
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, r.classify(err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: account %s kept changing during creation", ledger.ErrConflict, userID)
}

func (r *RedisAccountRepo) Deduct(ctx context.Context, d ledger.Debit) (decimal.Decimal, error) {
	if err := d.Check(); err != nil {
		return decimal.Zero, err
	}
	key := r.accountKey(d.UserID)
	var remaining decimal.Decimal

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		acc, found, err := r.load(ctx, tx, d.UserID)
		if err != nil {
			return err
		}
		if !found {
			acc = r.seeded(d.UserID, d.Seed)
		}
		balance := acc.Balance(d.Kind)
		if balance.LessThan(d.Cost) {
			return ledger.Insufficient(d.Kind, balance, d.Cost)
		}
		remaining = balance.Sub(d.Cost)
		now := r.now()
		acc.SetBalance(d.Kind, remaining)
		acc.UpdatedAt = now

		entry, err := json.Marshal(&models.CreditLedgerEntry{
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
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, r.fields(acc))
			pipe.LPush(ctx, r.ledgerKey(d.UserID), entry)
			pipe.LTrim(ctx, r.ledgerKey(d.UserID), 0, redisHistoryCap-1)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return remaining, nil
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return decimal.Zero, err
	case errors.Is(err, redis.TxFailedErr):
		return decimal.Zero, fmt.Errorf("%w: %w", ledger.ErrConflict, err)
	default:
		return decimal.Zero, r.classify(err)
	}
}

func (r *RedisAccountRepo) History(ctx context.Context, userID string, limit int) ([]*models.CreditLedgerEntry, error) {
	raw, err := r.client.LRange(ctx, r.ledgerKey(userID), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, r.classify(err)
	}
	out := make([]*models.CreditLedgerEntry, 0, len(raw))
	for _, s := range raw {
		var e models.CreditLedgerEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("%w: corrupt ledger entry: %w", ledger.ErrStorageUnavailable, err)
		}
		out = append(out, &e)
	}
	return out, nil
}

func (r *RedisAccountRepo) load(ctx context.Context, tx *redis.Tx, userID string) (*models.UserCredits, bool, error) {
	vals, err := tx.HMGet(ctx, r.accountKey(userID),
		models.ResourceText.Column(), models.ResourceImage.Column(), fieldCreatedAt, fieldUpdatedAt,
	).Result()
	if err != nil {
		return nil, false, err
	}
	if vals[0] == nil || vals[1] == nil {
		return nil, false, nil
	}
	acc := &models.UserCredits{UserID: userID}
	if acc.TextCredits, err = parseDecimal(vals[0]); err != nil {
		return nil, false, err
	}
	if acc.ImageCredits, err = parseDecimal(vals[1]); err != nil {
		return nil, false, err
	}
	acc.CreatedAt = parseTime(vals[2])
	acc.UpdatedAt = parseTime(vals[3])
	return acc, true, nil
}

func (r *RedisAccountRepo) seeded(userID string, seed ledger.Seed) *models.UserCredits {
	now := r.now()
	return &models.UserCredits{
		UserID:       userID,
		TextCredits:  seed.TextCredits,
		ImageCredits: seed.ImageCredits,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (r *RedisAccountRepo) fields(acc *models.UserCredits) map[string]any {
	return map[string]any{
		models.ResourceText.Column():  acc.TextCredits.String(),
		models.ResourceImage.Column(): acc.ImageCredits.String(),
		fieldCreatedAt:                acc.CreatedAt.UTC().Format(time.RFC3339Nano),
		fieldUpdatedAt:                acc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (r *RedisAccountRepo) classify(err error) error {
	if errors.Is(err, ledger.ErrStorageUnavailable) || errors.Is(err, ledger.ErrConflict) {
		return err
	}
	return fmt.Errorf("%w: %w", ledger.ErrStorageUnavailable, err)
}

func parseDecimal(v any) (decimal.Decimal, error) {
	s, ok := v.(string)
	if !ok {
		return decimal.Zero, fmt.Errorf("unexpected balance value %T", v)
	}
	return decimal.NewFromString(s)
}

func parseTime(v any) time.Time {
	s, _ := v.(string)
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
