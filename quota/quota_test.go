package quota

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnandSundar/go-plantid/internal/logging"
	"github.com/AnandSundar/go-plantid/store"
)

func setupRedisTracker(t *testing.T, opts ...Option) (*Tracker, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return NewTracker(store.NewRedisStore(client), opts...), mr
}

func mustWindow(t *testing.T, spec string) Window {
	w, err := ParseWindow(spec)
	require.NoError(t, err)
	return w
}

func TestParseWindow(t *testing.T) {
	tests := []struct {
		spec     string
		label    string
		limit    int64
		duration time.Duration
	}{
		{"100 per 30 days", "30d", 100, 30 * 24 * time.Hour},
		{"20 per hour", "1h", 20, time.Hour},
		{"500/day", "1d", 500, 24 * time.Hour},
		{"10 per 15 minutes", "15m", 10, 15 * time.Minute},
		{"1000 per month", "30d", 1000, 30 * 24 * time.Hour},
		{"  50 PER WEEK ", "1w", 50, 7 * 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			w, err := ParseWindow(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.label, w.Label)
			assert.Equal(t, tt.limit, w.Limit)
			assert.Equal(t, tt.duration, w.Duration)
		})
	}
}

func TestParseWindow_Invalid(t *testing.T) {
	for _, spec := range []string{"", "100", "zero per day", "0 per day", "5 per fortnight", "5 per -2 days", "5 per 1 2 days"} {
		_, err := ParseWindow(spec)
		assert.Error(t, err, spec)
	}
}

func TestTracker_ExactlyLimitCallsAllowed(t *testing.T) {
	tracker, mr := setupRedisTracker(t)
	ctx := context.Background()
	tracker.Register("plant_id", mustWindow(t, "5 per hour"))

	for i := 0; i < 5; i++ {
		require.True(t, tracker.TryConsume(ctx, "plant_id"), "call %d", i+1)
		tracker.Consume(ctx, "plant_id")
	}
	assert.False(t, tracker.TryConsume(ctx, "plant_id"), "the 6th call exceeds the window")

	// After the window elapses consumption resets
	mr.FastForward(time.Hour)
	assert.True(t, tracker.TryConsume(ctx, "plant_id"))

	statuses, err := tracker.Status(ctx, "plant_id")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, int64(0), statuses[0].Used)
}

func TestTracker_TryConsumeIsCheckOnly(t *testing.T) {
	tracker, _ := setupRedisTracker(t)
	ctx := context.Background()
	tracker.Register("plant_id", mustWindow(t, "1 per day"))

	for i := 0; i < 10; i++ {
		assert.True(t, tracker.TryConsume(ctx, "plant_id"))
	}

	statuses, err := tracker.Status(ctx, "plant_id")
	require.NoError(t, err)
	assert.Equal(t, int64(0), statuses[0].Used)
}

func TestTracker_AllWindowsMustHaveCapacity(t *testing.T) {
	tracker, mr := setupRedisTracker(t)
	ctx := context.Background()
	tracker.Register("plant_id", mustWindow(t, "2 per hour"), mustWindow(t, "3 per day"))

	tracker.Consume(ctx, "plant_id")
	tracker.Consume(ctx, "plant_id")
	assert.False(t, tracker.TryConsume(ctx, "plant_id"), "hourly window exhausted")

	mr.FastForward(time.Hour)
	assert.True(t, tracker.TryConsume(ctx, "plant_id"), "hourly reset, daily has one left")

	tracker.Consume(ctx, "plant_id")
	assert.False(t, tracker.TryConsume(ctx, "plant_id"), "daily window exhausted")
}

func TestTracker_ProvidersAreIndependent(t *testing.T) {
	tracker, _ := setupRedisTracker(t)
	ctx := context.Background()
	tracker.Register("plant_id", mustWindow(t, "1 per day"))
	tracker.Register("plantnet", mustWindow(t, "1 per day"))

	tracker.Consume(ctx, "plant_id")

	assert.False(t, tracker.TryConsume(ctx, "plant_id"))
	assert.True(t, tracker.TryConsume(ctx, "plantnet"))
}

func TestTracker_SharedAcrossInstances(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	w := mustWindow(t, "2 per hour")

	first := NewTracker(s)
	second := NewTracker(s)
	first.Register("plantnet", w)
	second.Register("plantnet", w)

	first.Consume(ctx, "plantnet")
	second.Consume(ctx, "plantnet")

	assert.False(t, first.TryConsume(ctx, "plantnet"))
	assert.False(t, second.TryConsume(ctx, "plantnet"))
}

func TestTracker_Status(t *testing.T) {
	tracker, mr := setupRedisTracker(t)
	ctx := context.Background()
	tracker.Register("plant_id", mustWindow(t, "100 per 30 days"), mustWindow(t, "10 per day"))

	tracker.Consume(ctx, "plant_id")
	mr.FastForward(time.Hour)
	tracker.Consume(ctx, "plant_id")

	statuses, err := tracker.Status(ctx, "plant_id")
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	assert.Equal(t, "30d", statuses[0].Window.Label)
	assert.Equal(t, int64(2), statuses[0].Used)
	assert.Equal(t, int64(100), statuses[0].Limit)
	assert.Equal(t, int64(98), statuses[0].Remaining())

	// The expiry was set by the first increment, an hour ago
	untilReset := time.Until(statuses[1].ResetAt)
	assert.InDelta(t, (23 * time.Hour).Seconds(), untilReset.Seconds(), 5)
}

// unavailableStore fails every operation
type unavailableStore struct {
	*store.MemoryStore
}

func (*unavailableStore) Get(context.Context, string) ([]byte, error) {
	return nil, store.ErrUnavailable
}

func (*unavailableStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.Join(store.ErrUnavailable, errors.New("dial tcp: connection refused"))
}

func TestTracker_FailsOpen(t *testing.T) {
	var buf bytes.Buffer
	logging.Init(logging.Config{Level: "warn", Output: &buf})
	t.Cleanup(func() { logging.Init(logging.Config{}) })

	tracker := NewTracker(&unavailableStore{MemoryStore: store.NewMemoryStore()})
	tracker.Register("plant_id", Window{Label: "1d", Limit: 1, Duration: 24 * time.Hour})

	assert.True(t, tracker.TryConsume(context.Background(), "plant_id"))
	tracker.Consume(context.Background(), "plant_id")
	assert.Contains(t, buf.String(), "failing open")
}

func TestTracker_FailClosedWhenDegradedModeDisabled(t *testing.T) {
	tracker := NewTracker(&unavailableStore{MemoryStore: store.NewMemoryStore()}, WithFailOpen(false))
	tracker.Register("plant_id", Window{Label: "1d", Limit: 1, Duration: 24 * time.Hour})

	assert.False(t, tracker.TryConsume(context.Background(), "plant_id"))
}

func TestTracker_WarnsAtEightyPercent(t *testing.T) {
	var buf bytes.Buffer
	logging.Init(logging.Config{Level: "warn", Output: &buf})
	t.Cleanup(func() { logging.Init(logging.Config{}) })

	tracker := NewTracker(store.NewMemoryStore())
	tracker.Register("plantnet", mustWindow(t, "10 per day"))
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		tracker.Consume(ctx, "plantnet")
	}
	assert.NotContains(t, buf.String(), "warning threshold")

	tracker.Consume(ctx, "plantnet")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("warning threshold")))

	// Crossing is signalled once, not on every later call
	tracker.Consume(ctx, "plantnet")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("warning threshold")))
}

func TestTracker_UnregisteredProviderIsUnlimited(t *testing.T) {
	tracker := NewTracker(store.NewMemoryStore())
	assert.True(t, tracker.TryConsume(context.Background(), "unknown"))
}
