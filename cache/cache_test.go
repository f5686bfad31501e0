package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnandSundar/go-plantid/model"
	"github.com/AnandSundar/go-plantid/store"
)

func setupRedisStore(t *testing.T) (*store.RedisStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return store.NewRedisStore(client), mr
}

// countingCompute returns a compute function that counts its executions
func countingCompute(fp model.Fingerprint, delay time.Duration, calls *atomic.Int32) ComputeFunc {
	return func(ctx context.Context) (*model.AggregatedResult, error) {
		calls.Add(1)
		time.Sleep(delay)
		return &model.AggregatedResult{
			Fingerprint:     fp,
			Suggestions:     []model.Suggestion{{Name: "Monstera", ScientificName: "Monstera deliciosa", Confidence: 0.92}},
			SourceProviders: []string{"plantnet"},
		}, nil
	}
}

func TestGetOrCompute_CachesResult(t *testing.T) {
	s, _ := setupRedisStore(t)
	c := New(s, Config{})
	ctx := context.Background()
	var calls atomic.Int32

	first, err := c.GetOrCompute(ctx, "abc123", countingCompute("abc123", 0, &calls), time.Hour)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := c.GetOrCompute(ctx, "abc123", countingCompute("abc123", 0, &calls), time.Hour)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Suggestions, second.Suggestions)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrCompute_ExpiredEntryIsMiss(t *testing.T) {
	s, mr := setupRedisStore(t)
	c := New(s, Config{})
	ctx := context.Background()
	var calls atomic.Int32

	_, err := c.GetOrCompute(ctx, "abc123", countingCompute("abc123", 0, &calls), time.Minute)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	result, err := c.GetOrCompute(ctx, "abc123", countingCompute("abc123", 0, &calls), time.Minute)
	require.NoError(t, err)
	assert.False(t, result.Cached)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetOrCompute_ConcurrentSameProcess(t *testing.T) {
	c := New(store.NewMemoryStore(), Config{})
	ctx := context.Background()
	var calls atomic.Int32

	const callers = 10
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := c.GetOrCompute(ctx, "abc123", countingCompute("abc123", 50*time.Millisecond, &calls), time.Hour)
			assert.NoError(t, err)
			assert.NotNil(t, result)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrCompute_FollowerSurvivesLeaderTimeout(t *testing.T) {
	c := New(store.NewMemoryStore(), Config{})
	var calls atomic.Int32
	compute := countingCompute("abc123", 150*time.Millisecond, &calls)

	leaderCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(leaderCtx, "abc123", compute, time.Hour)
		leaderErr <- err
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	result, err := c.GetOrCompute(context.Background(), "abc123", compute, time.Hour)
	require.NoError(t, err, "a follower is not bound by the leader's deadline")
	require.NotNil(t, result)
	assert.Equal(t, model.Fingerprint("abc123"), result.Fingerprint)

	assert.ErrorIs(t, <-leaderErr, context.DeadlineExceeded)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrCompute_CallerStopsWaiting(t *testing.T) {
	s, _ := setupRedisStore(t)
	c := New(s, Config{})
	var calls atomic.Int32

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.GetOrCompute(ctx, "abc123", countingCompute("abc123", 100*time.Millisecond, &calls), time.Hour)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned run still completes and fills the cache
	require.Eventually(t, func() bool {
		entry, err := c.Get(context.Background(), "abc123")
		return err == nil && entry.Result != nil
	}, time.Second, 10*time.Millisecond)
}

func TestGetOrCompute_ConcurrentAcrossProcesses(t *testing.T) {
	s, _ := setupRedisStore(t)
	ctx := context.Background()
	var calls atomic.Int32

	// Two caches over one store stand in for two worker processes
	first := New(s, Config{PollInterval: 10 * time.Millisecond, LockGrace: 2 * time.Second})
	second := New(s, Config{PollInterval: 10 * time.Millisecond, LockGrace: 2 * time.Second})

	var wg sync.WaitGroup
	results := make([]*model.AggregatedResult, 2)
	for i, c := range []*Cache{first, second} {
		wg.Add(1)
		go func(i int, c *Cache) {
			defer wg.Done()
			result, err := c.GetOrCompute(ctx, "abc123", countingCompute("abc123", 100*time.Millisecond, &calls), time.Hour)
			assert.NoError(t, err)
			results[i] = result
		}(i, c)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.Equal(t, results[0].Suggestions, results[1].Suggestions)
}

func TestGetOrCompute_GraceExpiryComputesIndependently(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	c := New(s, Config{PollInterval: 10 * time.Millisecond, LockGrace: 50 * time.Millisecond})

	// A stuck holder keeps the lock without ever storing a result
	held, err := store.AcquireLock(ctx, s, c.lockKey("abc123"), time.Minute)
	require.NoError(t, err)
	defer held.Release(ctx)

	var calls atomic.Int32
	result, err := c.GetOrCompute(ctx, "abc123", countingCompute("abc123", 0, &calls), time.Hour)
	require.NoError(t, err)
	assert.False(t, result.Cached)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrCompute_ErrorsAreNotCached(t *testing.T) {
	c := New(store.NewMemoryStore(), Config{})
	ctx := context.Background()
	boom := errors.New("all providers down")

	_, err := c.GetOrCompute(ctx, "abc123", func(context.Context) (*model.AggregatedResult, error) {
		return nil, boom
	}, time.Hour)
	assert.ErrorIs(t, err, boom)

	_, err = c.Get(ctx, "abc123")
	assert.ErrorIs(t, err, store.ErrNotFound)

	var calls atomic.Int32
	_, err = c.GetOrCompute(ctx, "abc123", countingCompute("abc123", 0, &calls), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrCompute_LockReleased(t *testing.T) {
	s := store.NewMemoryStore()
	c := New(s, Config{})
	ctx := context.Background()
	var calls atomic.Int32

	_, err := c.GetOrCompute(ctx, "abc123", countingCompute("abc123", 0, &calls), time.Hour)
	require.NoError(t, err)

	lock, err := store.AcquireLock(ctx, s, c.lockKey("abc123"), time.Minute)
	require.NoError(t, err, "lock must be released after compute")
	require.NoError(t, lock.Release(ctx))
}

// downStore fails every operation like an unreachable Redis
type downStore struct {
	*store.MemoryStore
}

func (*downStore) Get(context.Context, string) ([]byte, error) {
	return nil, store.ErrUnavailable
}

func TestGetOrCompute_StoreUnavailableDegrades(t *testing.T) {
	c := New(&downStore{MemoryStore: store.NewMemoryStore()}, Config{})
	var calls atomic.Int32

	for i := 0; i < 2; i++ {
		result, err := c.GetOrCompute(context.Background(), "abc123", countingCompute("abc123", 0, &calls), time.Hour)
		require.NoError(t, err)
		assert.False(t, result.Cached)
	}
	assert.Equal(t, int32(2), calls.Load(), "without a store every request computes")
}

func TestGet(t *testing.T) {
	s := store.NewMemoryStore()
	c := New(s, Config{})
	ctx := context.Background()

	_, err := c.Get(ctx, "abc123")
	assert.ErrorIs(t, err, store.ErrNotFound)

	var calls atomic.Int32
	_, err = c.GetOrCompute(ctx, "abc123", countingCompute("abc123", 0, &calls), time.Hour)
	require.NoError(t, err)

	entry, err := c.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, model.Fingerprint("abc123"), entry.Fingerprint)
	assert.Equal(t, time.Hour, entry.TTL)
	assert.False(t, entry.Result.Cached, "stored results are never marked cached")
}
