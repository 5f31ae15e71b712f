package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/storyboard-ai/backend/internal/models"
	"github.com/storyboard-ai/backend/internal/pricing"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// stubStore is a single-user in-memory store that can inject failures.
type stubStore struct {
	mu        sync.Mutex
	accounts  map[string]*models.UserCredits
	conflicts int   // Deduct returns ErrConflict this many times first
	failWith  error // returned by every call when set
	deducts   int
	last      Debit
}

func newStubStore() *stubStore {
	return &stubStore{accounts: map[string]*models.UserCredits{}}
}

func (s *stubStore) getLocked(userID string, seed Seed) *models.UserCredits {
	acc, ok := s.accounts[userID]
	if !ok {
		acc = &models.UserCredits{UserID: userID, TextCredits: seed.TextCredits, ImageCredits: seed.ImageCredits}
		s.accounts[userID] = acc
	}
	return acc
}

func (s *stubStore) GetOrCreate(_ context.Context, userID string, seed Seed) (*models.UserCredits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	cp := *s.getLocked(userID, seed)
	return &cp, nil
}

func (s *stubStore) Deduct(_ context.Context, d Debit) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deducts++
	s.last = d
	if s.failWith != nil {
		return decimal.Zero, s.failWith
	}
	if s.conflicts > 0 {
		s.conflicts--
		return decimal.Zero, ErrConflict
	}
	acc := s.getLocked(d.UserID, d.Seed)
	bal := acc.Balance(d.Kind)
	if bal.LessThan(d.Cost) {
		return decimal.Zero, Insufficient(d.Kind, bal, d.Cost)
	}
	acc.SetBalance(d.Kind, bal.Sub(d.Cost))
	return acc.Balance(d.Kind), nil
}

func (s *stubStore) History(_ context.Context, _ string, limit int) ([]*models.CreditLedgerEntry, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	return make([]*models.CreditLedgerEntry, 0, limit), nil
}

type recorded struct {
	kind    models.ResourceKind
	outcome string
	amount  decimal.Decimal
}

type fakeRecorder struct {
	mu  sync.Mutex
	obs []recorded
}

func (f *fakeRecorder) ObserveDeduction(kind models.ResourceKind, outcome string, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = append(f.obs, recorded{kind, outcome, amount})
}

func newTestService(t *testing.T, store AccountStore, rec Recorder) Service {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	return NewService(store, pricing.Default(), cfg, zaptest.NewLogger(t), rec)
}

func TestGetBalance_SeedsOnFirstRead(t *testing.T) {
	svc := newTestService(t, newStubStore(), nil)

	first, err := svc.GetBalance(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, first.TextCredits.Equal(dec("448")))
	assert.True(t, first.ImageCredits.Equal(dec("592")))

	second, err := svc.GetBalance(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDeductText_WorkedExample(t *testing.T) {
	rec := &fakeRecorder{}
	svc := newTestService(t, newStubStore(), rec)

	d, err := svc.DeductText(context.Background(), "alice", "sonar_small_online", 1000, 500)
	require.NoError(t, err)
	assert.True(t, d.Deducted.Equal(dec("0.3")), "deducted %s", d.Deducted)
	assert.True(t, d.Remaining.Equal(dec("447.7")), "remaining %s", d.Remaining)
	assert.Equal(t, "sonar_small_online", d.ModelID)
	assert.Equal(t, int64(1000), d.InputUnits)
	assert.Equal(t, int64(500), d.OutputUnits)

	bal, err := svc.GetBalance(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, bal.TextCredits.Equal(dec("447.7")))
	assert.True(t, bal.ImageCredits.Equal(dec("592")))

	require.Len(t, rec.obs, 1)
	assert.Equal(t, "ok", rec.obs[0].outcome)
	assert.True(t, rec.obs[0].amount.Equal(dec("0.3")))
}

func TestDeductText_CaseInsensitiveModel(t *testing.T) {
	store := newStubStore()
	svc := newTestService(t, store, nil)

	d, err := svc.DeductText(context.Background(), "bob", " SONAR_HUGE_ONLINE ", 10, 0)
	require.NoError(t, err)
	assert.True(t, d.Deducted.Equal(dec("0.01")))
	assert.Equal(t, "sonar_huge_online", store.last.ModelID)
	assert.Equal(t, int64(10), store.last.Units)
}

func TestDeductImage_WorkedExample(t *testing.T) {
	svc := newTestService(t, newStubStore(), nil)

	d, err := svc.DeductImage(context.Background(), "carol", 5)
	require.NoError(t, err)
	assert.True(t, d.Deducted.Equal(dec("0.005")))
	assert.True(t, d.Remaining.Equal(dec("591.995")))
	assert.Equal(t, int64(5), d.Count)
	assert.Equal(t, models.ResourceImage, d.Kind)
}

func TestDeductText_Insufficient(t *testing.T) {
	store := newStubStore()
	store.accounts["dave"] = &models.UserCredits{UserID: "dave", TextCredits: dec("0.1"), ImageCredits: dec("592")}
	rec := &fakeRecorder{}
	svc := newTestService(t, store, rec)

	_, err := svc.DeductText(context.Background(), "dave", "sonar_small_online", 1000, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.Equal(t, KindInsufficientCredits, KindOf(err))
	assert.Contains(t, err.Error(), "text")

	bal, err := svc.GetBalance(context.Background(), "dave")
	require.NoError(t, err)
	assert.True(t, bal.TextCredits.Equal(dec("0.1")))
	assert.Equal(t, 1, store.deducts, "insufficient credits is not retried")
	require.Len(t, rec.obs, 1)
	assert.Equal(t, string(KindInsufficientCredits), rec.obs[0].outcome)
}

func TestDeductText_UnknownModel(t *testing.T) {
	store := newStubStore()
	svc := newTestService(t, store, nil)

	_, err := svc.DeductText(context.Background(), "erin", "gpt-unknown", 10, 10)
	assert.ErrorIs(t, err, ErrUnknownModel)
	assert.Equal(t, KindUnknownModel, KindOf(err))
	assert.Equal(t, 0, store.deducts)

	_, err = svc.DeductText(context.Background(), "erin", pricing.FluxSchnell, 10, 10)
	assert.ErrorIs(t, err, ErrUnknownModel, "image model is not a text model")
}

func TestDeductText_InvalidUnits(t *testing.T) {
	store := newStubStore()
	svc := newTestService(t, store, nil)

	_, err := svc.DeductText(context.Background(), "frank", "sonar_small_online", -1, 10)
	assert.ErrorIs(t, err, ErrInvalidUsage)
	assert.Equal(t, KindInvalidRequest, KindOf(err))
	assert.Equal(t, 0, store.deducts)
}

func TestDeductText_UnitBounds(t *testing.T) {
	tests := []struct {
		name          string
		input, output int64
	}{
		{"max int64 input", math.MaxInt64, 1},
		{"max int64 output", 1, math.MaxInt64},
		{"max int64 both", math.MaxInt64, math.MaxInt64},
		{"input past bound", MaxTextUnits + 1, 0},
		{"output past bound", 0, MaxTextUnits + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStubStore()
			svc := newTestService(t, store, nil)

			_, err := svc.DeductText(context.Background(), "olga", "sonar_small_online", tt.input, tt.output)
			assert.ErrorIs(t, err, ErrInvalidUsage)
			assert.Equal(t, 0, store.deducts)

			bal, err := svc.GetBalance(context.Background(), "olga")
			require.NoError(t, err)
			assert.True(t, bal.TextCredits.Equal(dec("448")), "text %s", bal.TextCredits)
		})
	}
}

func TestDeductText_UnitsAtBoundReachStore(t *testing.T) {
	store := newStubStore()
	svc := newTestService(t, store, nil)

	_, err := svc.DeductText(context.Background(), "pete", "sonar_small_online", MaxTextUnits, MaxTextUnits)
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.Equal(t, 1, store.deducts)
	assert.True(t, store.last.Cost.Equal(dec("400000000")), "cost %s", store.last.Cost)
	assert.Equal(t, 2*MaxTextUnits, store.last.Units)
}

func TestDebit_Check(t *testing.T) {
	ok := Debit{UserID: "u", Kind: models.ResourceText, Cost: dec("0.3")}
	assert.NoError(t, ok.Check())

	zero := ok
	zero.Cost = decimal.Zero
	assert.NoError(t, zero.Check())

	negative := ok
	negative.Cost = dec("-1")
	assert.ErrorIs(t, negative.Check(), ErrInvalidUsage)

	badKind := ok
	badKind.Kind = "AUDIO"
	assert.ErrorIs(t, badKind.Check(), ErrInvalidUsage)
}

func TestDeductText_ZeroUnits(t *testing.T) {
	svc := newTestService(t, newStubStore(), nil)

	d, err := svc.DeductText(context.Background(), "gina", "sonar_small_online", 0, 0)
	require.NoError(t, err)
	assert.True(t, d.Deducted.IsZero())
	assert.True(t, d.Remaining.Equal(dec("448")))
}

func TestDeductImage_CountBounds(t *testing.T) {
	store := newStubStore()
	svc := newTestService(t, store, nil)

	for _, count := range []int64{0, -3, 101} {
		_, err := svc.DeductImage(context.Background(), "hank", count)
		assert.ErrorIs(t, err, ErrInvalidUsage, "count %d", count)
	}
	assert.Equal(t, 0, store.deducts)

	_, err := svc.DeductImage(context.Background(), "hank", 100)
	assert.NoError(t, err)
}

func TestDeduct_RetriesConflicts(t *testing.T) {
	store := newStubStore()
	store.conflicts = 3
	svc := newTestService(t, store, nil)

	d, err := svc.DeductImage(context.Background(), "ivy", 1)
	require.NoError(t, err)
	assert.True(t, d.Remaining.Equal(dec("591.999")))
	assert.Equal(t, 4, store.deducts)
}

func TestDeduct_ConflictsExhausted(t *testing.T) {
	store := newStubStore()
	store.conflicts = 1000
	rec := &fakeRecorder{}
	svc := newTestService(t, store, rec)

	_, err := svc.DeductImage(context.Background(), "jane", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.NotErrorIs(t, err, ErrConflict)
	assert.Equal(t, KindStorageUnavailable, KindOf(err))
	assert.Equal(t, int(DefaultConfig().MaxRetries)+1, store.deducts)
	require.Len(t, rec.obs, 1)
	assert.Equal(t, string(KindStorageUnavailable), rec.obs[0].outcome)
}

func TestDeduct_StorageFailureNotRetried(t *testing.T) {
	store := newStubStore()
	store.failWith = fmt.Errorf("%w: connection reset", ErrStorageUnavailable)
	svc := newTestService(t, store, nil)

	_, err := svc.DeductText(context.Background(), "kyle", "sonar_small_online", 1, 1)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, 1, store.deducts)

	_, err = svc.GetBalance(context.Background(), "kyle")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestDeduct_UnclassifiedStoreErrorIsStorageUnavailable(t *testing.T) {
	store := newStubStore()
	store.failWith = errors.New("boom")
	svc := newTestService(t, store, nil)

	_, err := svc.DeductImage(context.Background(), "liam", 1)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestHistory_LimitBounds(t *testing.T) {
	svc := newTestService(t, newStubStore(), nil)

	tests := []struct {
		limit int
		want  int
	}{
		{0, DefaultHistoryLimit},
		{-5, DefaultHistoryLimit},
		{10, 10},
		{MaxHistoryLimit + 1, MaxHistoryLimit},
	}
	for _, tt := range tests {
		list, err := svc.History(context.Background(), "mia", tt.limit)
		require.NoError(t, err)
		assert.Equal(t, tt.want, cap(list), "limit %d", tt.limit)
	}
}

func TestNewService_DefaultsZeroConfig(t *testing.T) {
	svc := NewService(newStubStore(), pricing.Default(), Config{}, nil, nil)

	bal, err := svc.GetBalance(context.Background(), "nora")
	require.NoError(t, err)
	assert.True(t, bal.TextCredits.Equal(dec("448")))
	_, err = svc.DeductImage(context.Background(), "nora", 100)
	assert.NoError(t, err)
}
