package repository

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyboard-ai/backend/internal/ledger"
	"github.com/storyboard-ai/backend/internal/models"
)

func newRedisRepo(t *testing.T) (*RedisAccountRepo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisAccountRepo(client, "test:"), mr
}

func TestRedisAccountRepo_LazyCreate(t *testing.T) {
	repo, mr := newRedisRepo(t)
	ctx := context.Background()

	acc, err := repo.GetOrCreate(ctx, "alice", ledger.DefaultSeed())
	require.NoError(t, err)
	assert.True(t, acc.TextCredits.Equal(dec("448")))
	assert.True(t, acc.ImageCredits.Equal(dec("592")))
	assert.Equal(t, "448", mr.HGet("test:account:alice", "text_credits"))

	again, err := repo.GetOrCreate(ctx, "alice", ledger.Seed{TextCredits: dec("1"), ImageCredits: dec("1")})
	require.NoError(t, err)
	assert.True(t, again.TextCredits.Equal(dec("448")))
}

func TestRedisAccountRepo_Deduct(t *testing.T) {
	repo, _ := newRedisRepo(t)
	ctx := context.Background()

	remaining, err := repo.Deduct(ctx, ledger.Debit{
		UserID:   "bob",
		Kind:     models.ResourceImage,
		Cost:     dec("0.005"),
		Seed:     ledger.DefaultSeed(),
		ModelID:  "flux_schnell",
		Units:    5,
		UnitCost: dec("0.001"),
	})
	require.NoError(t, err)
	assert.True(t, remaining.Equal(dec("591.995")), "got %s", remaining)

	acc, err := repo.GetOrCreate(ctx, "bob", ledger.DefaultSeed())
	require.NoError(t, err)
	assert.True(t, acc.ImageCredits.Equal(dec("591.995")))
	assert.True(t, acc.TextCredits.Equal(dec("448")))

	hist, err := repo.History(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, models.ResourceImage, hist[0].Kind)
	assert.Equal(t, int64(5), hist[0].Units)
	assert.True(t, hist[0].BalanceAfter.Equal(dec("591.995")))
}

func TestRedisAccountRepo_Insufficient(t *testing.T) {
	repo, mr := newRedisRepo(t)
	ctx := context.Background()

	mr.HSet("test:account:carol", "text_credits", "0.1", "image_credits", "592")

	_, err := repo.Deduct(ctx, textDebit("carol", "0.2"))
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)
	assert.Equal(t, "0.1", mr.HGet("test:account:carol", "text_credits"))
}

func TestRedisAccountRepo_NegativeCostRejected(t *testing.T) {
	repo, mr := newRedisRepo(t)
	mr.HSet("test:account:kate", "text_credits", "448", "image_credits", "592")

	_, err := repo.Deduct(context.Background(), textDebit("kate", "-5"))
	assert.ErrorIs(t, err, ledger.ErrInvalidUsage)
	assert.Equal(t, "448", mr.HGet("test:account:kate", "text_credits"))
	assert.False(t, mr.Exists("test:ledger:kate"))
}

func TestRedisAccountRepo_Unavailable(t *testing.T) {
	repo, mr := newRedisRepo(t)
	mr.Close()

	_, err := repo.Deduct(context.Background(), textDebit("dave", "1"))
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)

	_, err = repo.GetOrCreate(context.Background(), "dave", ledger.DefaultSeed())
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)
}

func TestRedisAccountRepo_ConcurrentDeductionsNeverOverspend(t *testing.T) {
	repo, _ := newRedisRepo(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Conflicts are retried by the ledger; here each worker loops itself.
			for {
				_, err := repo.Deduct(ctx, textDebit("erin", "20"))
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
					return
				}
				if !assert.NotErrorIs(t, err, ledger.ErrStorageUnavailable) {
					return
				}
				if ledger.KindOf(err) == ledger.KindInsufficientCredits {
					return
				}
			}
		}()
	}
	wg.Wait()

	// 448 / 20 = 22 successes.
	assert.Equal(t, 22, succeeded)
	acc, err := repo.GetOrCreate(ctx, "erin", ledger.DefaultSeed())
	require.NoError(t, err)
	assert.True(t, acc.TextCredits.Equal(dec("8")), "got %s", acc.TextCredits)
}
