// Package cache stores aggregated identification results by fingerprint and
// protects the identification pipeline from cache stampedes.
//
// Concurrent misses for the same fingerprint are collapsed in-process with
// singleflight and across processes with an expiring lock in the shared
// store, so at most one pipeline run per fingerprint is in flight.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/AnandSundar/go-plantid/internal/logging"
	"github.com/AnandSundar/go-plantid/internal/metrics"
	"github.com/AnandSundar/go-plantid/model"
	"github.com/AnandSundar/go-plantid/store"
)

const (
	DefaultTTL            = 6 * time.Hour
	DefaultLockTTL        = 15 * time.Second
	DefaultLockGrace      = 5 * time.Second
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultComputeTimeout = 30 * time.Second
	DefaultKeyPrefix      = "plantid"
)

// ComputeFunc runs the uncached identification pipeline
type ComputeFunc func(ctx context.Context) (*model.AggregatedResult, error)

// Config holds cache configuration
type Config struct {
	// LockTTL is the stampede lock expiry; the lock is renewed while held
	LockTTL time.Duration
	// LockGrace bounds how long a contended request waits for the lock
	// holder's result before computing on its own
	LockGrace time.Duration
	// PollInterval is how often a waiting request re-reads the cache
	PollInterval time.Duration
	// ComputeTimeout bounds a shared computation, which outlives any single
	// caller that gives up on it
	ComputeTimeout time.Duration
	// KeyPrefix namespaces cache and lock keys
	KeyPrefix string
	Now       func() time.Time
}

// Cache is a content-addressed result cache
type Cache struct {
	store  store.Store
	config Config
	group  singleflight.Group
	log    zerolog.Logger
}

// New creates a cache over s. Zero config fields take their defaults.
func New(s store.Store, cfg Config) *Cache {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.LockGrace <= 0 {
		cfg.LockGrace = DefaultLockGrace
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ComputeTimeout <= 0 {
		cfg.ComputeTimeout = DefaultComputeTimeout
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Cache{
		store:  s,
		config: cfg,
		log:    logging.WithComponent("cache"),
	}
}

func (c *Cache) resultKey(fp model.Fingerprint) string {
	return c.config.KeyPrefix + ":result:" + fp.String()
}

func (c *Cache) lockKey(fp model.Fingerprint) string {
	return c.config.KeyPrefix + ":lock:" + fp.String()
}

// Get returns the cached entry for fp, or store.ErrNotFound
func (c *Cache) Get(ctx context.Context, fp model.Fingerprint) (*model.CacheEntry, error) {
	raw, err := c.store.Get(ctx, c.resultKey(fp))
	if err != nil {
		return nil, err
	}

	var entry model.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}
	if entry.Result == nil || entry.Expired(c.config.Now()) {
		return nil, store.ErrNotFound
	}
	return &entry, nil
}

// lookup reads the cache and reports a hit. Errors other than a miss are
// logged and treated as a miss.
func (c *Cache) lookup(ctx context.Context, fp model.Fingerprint) (*model.AggregatedResult, bool, error) {
	entry, err := c.Get(ctx, fp)
	switch {
	case err == nil:
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		result := *entry.Result
		result.Cached = true
		return &result, true, nil
	case errors.Is(err, store.ErrNotFound):
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false, nil
	default:
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return nil, false, err
	}
}

// put stores a freshly computed result; failures only cost deduplication
func (c *Cache) put(ctx context.Context, fp model.Fingerprint, result *model.AggregatedResult, ttl time.Duration) {
	entry := model.CacheEntry{
		Fingerprint: fp,
		Result:      result,
		CreatedAt:   c.config.Now(),
		TTL:         ttl,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		c.log.Error().Err(err).Str("fingerprint", fp.String()).Msg("failed to encode cache entry")
		return
	}
	if err := c.store.Set(ctx, c.resultKey(fp), data, ttl); err != nil {
		c.log.Warn().Err(err).Str("fingerprint", fp.String()).Msg("failed to store cache entry")
	}
}

// GetOrCompute returns the cached result for fp, or computes, stores and
// returns it. The returned result is marked Cached when it came from the store.
func (c *Cache) GetOrCompute(ctx context.Context, fp model.Fingerprint, compute ComputeFunc, ttl time.Duration) (*model.AggregatedResult, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	result, hit, err := c.lookup(ctx, fp)
	if err != nil {
		c.log.Warn().Err(err).Str("fingerprint", fp.String()).Msg("cache unavailable, computing directly")
		metrics.CacheComputations.WithLabelValues("degraded").Inc()
		return compute(ctx)
	}
	if hit {
		c.log.Debug().Str("fingerprint", fp.String()).Msg("cache hit")
		return result, nil
	}

	// The shared run outlives any caller that stops waiting for it
	ch := c.group.DoChan(fp.String(), func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.ComputeTimeout)
		defer cancel()
		return c.computeLocked(shared, fp, compute, ttl)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.AggregatedResult), nil
	}
}

// computeLocked runs compute under the distributed stampede lock
func (c *Cache) computeLocked(ctx context.Context, fp model.Fingerprint, compute ComputeFunc, ttl time.Duration) (*model.AggregatedResult, error) {
	lock, err := store.AcquireLock(ctx, c.store, c.lockKey(fp), c.config.LockTTL)
	switch {
	case errors.Is(err, store.ErrLocked):
		return c.awaitHolder(ctx, fp, compute, ttl)
	case err != nil:
		c.log.Warn().Err(err).Str("fingerprint", fp.String()).Msg("stampede lock unavailable, computing directly")
		metrics.CacheComputations.WithLabelValues("degraded").Inc()
		return compute(ctx)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			c.log.Warn().Err(err).Str("fingerprint", fp.String()).Msg("failed to release stampede lock")
		}
	}()

	// Another process may have stored the result between our miss and the lock
	if result, hit, err := c.lookup(ctx, fp); err == nil && hit {
		return result, nil
	}

	metrics.CacheComputations.WithLabelValues("locked").Inc()
	result, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	c.put(context.WithoutCancel(ctx), fp, result, ttl)
	return result, nil
}

// awaitHolder polls for the lock holder's result and falls back to computing
// independently once the grace period is over
func (c *Cache) awaitHolder(ctx context.Context, fp model.Fingerprint, compute ComputeFunc, ttl time.Duration) (*model.AggregatedResult, error) {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()
	grace := time.NewTimer(c.config.LockGrace)
	defer grace.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-grace.C:
			c.log.Debug().Str("fingerprint", fp.String()).Msg("stampede lock grace expired, computing independently")
			metrics.CacheComputations.WithLabelValues("contended").Inc()
			result, err := compute(ctx)
			if err != nil {
				return nil, err
			}
			c.put(context.WithoutCancel(ctx), fp, result, ttl)
			return result, nil
		case <-ticker.C:
			if result, hit, err := c.lookup(ctx, fp); err == nil && hit {
				return result, nil
			}
		}
	}
}
