package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/AnandSundar/go-plantid/internal/logging"
	"github.com/AnandSundar/go-plantid/internal/metrics"
)

// GuardOptions configures the breaker that protects a backing store
type GuardOptions struct {
	// Name labels logs and metrics
	Name string
	// Failures is the number of consecutive failures that opens the breaker
	Failures uint32
	// Cooldown is how long the breaker stays open before probing again
	Cooldown time.Duration
}

// Guarded wraps a Store with a circuit breaker. When the backend is
// unreachable, calls fail fast with ErrUnavailable instead of each waiting
// for a network timeout, which keeps the fail-open paths of quota, breaker
// and cache cheap.
type Guarded struct {
	next Store
	cb   *gobreaker.CircuitBreaker[any]
}

// NewGuarded wraps next with a circuit breaker
func NewGuarded(next Store, opts GuardOptions) *Guarded {
	if opts.Name == "" {
		opts.Name = "kv-store"
	}
	if opts.Failures == 0 {
		opts.Failures = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 10 * time.Second
	}

	log := logging.WithComponent("store")
	metrics.CircuitBreakerState.WithLabelValues(opts.Name).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 1,
		Timeout:     opts.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.Failures
		},
		// Misses and lost races are answers, not backend failures
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrLocked)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("name", name).Str("from", stateName(from)).Str("to", stateName(to)).Msg("store circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(stateName(to)))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, stateName(from), stateName(to)).Inc()
		},
	})

	return &Guarded{next: next, cb: cb}
}

func stateName(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half_open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// execute runs fn through the breaker and converts rejections to ErrUnavailable
func execute[T any](g *Guarded, fn func() (T, error)) (T, error) {
	result, err := g.cb.Execute(func() (any, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	typed, _ := result.(T)
	return typed, err
}

// Get retrieves a value through the breaker
func (g *Guarded) Get(ctx context.Context, key string) ([]byte, error) {
	return execute(g, func() ([]byte, error) { return g.next.Get(ctx, key) })
}

// Set stores a value through the breaker
func (g *Guarded) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := execute(g, func() (struct{}, error) { return struct{}{}, g.next.Set(ctx, key, value, ttl) })
	return err
}

// SetNX stores the value if absent, through the breaker
func (g *Guarded) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return execute(g, func() (bool, error) { return g.next.SetNX(ctx, key, value, ttl) })
}

// CompareAndSwap swaps the value through the breaker
func (g *Guarded) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	return execute(g, func() (bool, error) { return g.next.CompareAndSwap(ctx, key, old, value, ttl) })
}

// CompareAndDelete deletes the key through the breaker
func (g *Guarded) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	return execute(g, func() (bool, error) { return g.next.CompareAndDelete(ctx, key, value) })
}

// Incr increments a counter through the breaker
func (g *Guarded) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return execute(g, func() (int64, error) { return g.next.Incr(ctx, key, ttl) })
}

// TTL reads the remaining lifetime through the breaker
func (g *Guarded) TTL(ctx context.Context, key string) (time.Duration, error) {
	return execute(g, func() (time.Duration, error) { return g.next.TTL(ctx, key) })
}
