// Package quota tracks how much of each provider's call budget is left.
//
// Every window is an independent counter in the shared store, keyed by
// provider and window label. The first increment of a window sets its expiry;
// the window resets when that key expires.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AnandSundar/go-plantid/internal/logging"
	"github.com/AnandSundar/go-plantid/internal/metrics"
	"github.com/AnandSundar/go-plantid/store"
)

const (
	// DefaultKeyPrefix namespaces quota counters in the shared store
	DefaultKeyPrefix = "plantid:quota"
	// DefaultWarnRatio is the utilization that triggers a warning
	DefaultWarnRatio = 0.8
)

// WindowStatus reports the usage of one window
type WindowStatus struct {
	Window  Window    `json:"window"`
	Used    int64     `json:"used"`
	Limit   int64     `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
}

// Remaining returns how many calls are left in the window
func (s WindowStatus) Remaining() int64 {
	if s.Used >= s.Limit {
		return 0
	}
	return s.Limit - s.Used
}

// Tracker enforces per-provider quota windows
type Tracker struct {
	store     store.Store
	prefix    string
	failOpen  bool
	warnRatio float64
	now       func() time.Time
	log       zerolog.Logger

	mu      sync.RWMutex
	windows map[string][]Window
}

// Option configures a Tracker
type Option func(*Tracker)

// WithFailOpen controls the degraded mode. When true (the default) an
// unreachable store allows calls; when false it denies them.
func WithFailOpen(failOpen bool) Option {
	return func(t *Tracker) {
		t.failOpen = failOpen
	}
}

// WithWarnRatio sets the utilization that triggers the warning signal
func WithWarnRatio(ratio float64) Option {
	return func(t *Tracker) {
		t.warnRatio = ratio
	}
}

// WithKeyPrefix sets the store key namespace
func WithKeyPrefix(prefix string) Option {
	return func(t *Tracker) {
		t.prefix = prefix
	}
}

// WithClock sets the time source used to compute reset times
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a tracker backed by s
func NewTracker(s store.Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:     s,
		prefix:    DefaultKeyPrefix,
		failOpen:  true,
		warnRatio: DefaultWarnRatio,
		now:       time.Now,
		log:       logging.WithComponent("quota"),
		windows:   make(map[string][]Window),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register sets the windows for a provider, replacing any previous ones
func (t *Tracker) Register(provider string, windows ...Window) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.windows[provider] = append([]Window(nil), windows...)
}

// Windows returns the windows registered for a provider
func (t *Tracker) Windows(provider string) []Window {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Window(nil), t.windows[provider]...)
}

func (t *Tracker) key(provider string, w Window) string {
	return fmt.Sprintf("%s:%s:%s", t.prefix, provider, w.Label)
}

// used reads the current count of a window; a missing key means a fresh window
func (t *Tracker) used(ctx context.Context, provider string, w Window) (int64, error) {
	raw, err := t.store.Get(ctx, t.key(provider, w))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("quota counter %s: %w", t.key(provider, w), err)
	}
	return n, nil
}

// TryConsume reports whether every window of the provider still has
// capacity. It does not consume anything; a false result means the provider
// must be skipped for this request.
func (t *Tracker) TryConsume(ctx context.Context, provider string) bool {
	for _, w := range t.Windows(provider) {
		used, err := t.used(ctx, provider, w)
		if err != nil {
			return t.degraded(provider, err)
		}
		if used >= w.Limit {
			metrics.QuotaRejections.WithLabelValues(provider, w.Label).Inc()
			t.log.Debug().Str("provider", provider).Str("window", w.Label).Int64("used", used).Int64("limit", w.Limit).Msg("quota window exhausted")
			return false
		}
	}
	return true
}

// Consume records one call against every window of the provider
func (t *Tracker) Consume(ctx context.Context, provider string) {
	for _, w := range t.Windows(provider) {
		n, err := t.store.Incr(ctx, t.key(provider, w), w.Duration)
		if err != nil {
			t.log.Warn().Err(err).Str("provider", provider).Str("window", w.Label).Msg("quota counter unavailable, call not recorded")
			continue
		}
		metrics.QuotaUsed.WithLabelValues(provider, w.Label).Set(float64(n))
		t.checkUtilization(provider, w, n)
	}
}

// checkUtilization warns once, on the increment that crosses the warn ratio
func (t *Tracker) checkUtilization(provider string, w Window, n int64) {
	if t.warnRatio <= 0 {
		return
	}
	threshold := float64(w.Limit) * t.warnRatio
	if float64(n) >= threshold && float64(n-1) < threshold {
		t.log.Warn().
			Str("provider", provider).
			Str("window", w.Label).
			Int64("used", n).
			Int64("limit", w.Limit).
			Msg("quota window above warning threshold")
	}
}

// degraded applies the fail-open policy when the store cannot be read
func (t *Tracker) degraded(provider string, err error) bool {
	if t.failOpen {
		metrics.QuotaFailOpen.WithLabelValues(provider).Inc()
		t.log.Warn().Err(err).Str("provider", provider).Msg("quota store unavailable, failing open")
		return true
	}
	t.log.Error().Err(err).Str("provider", provider).Msg("quota store unavailable, denying call")
	return false
}

// Status reports usage and reset time of every window of a provider
func (t *Tracker) Status(ctx context.Context, provider string) ([]WindowStatus, error) {
	windows := t.Windows(provider)
	statuses := make([]WindowStatus, 0, len(windows))
	now := t.now()

	for _, w := range windows {
		used, err := t.used(ctx, provider, w)
		if err != nil {
			return nil, fmt.Errorf("quota status %s: %w", provider, err)
		}

		resetAt := now.Add(w.Duration)
		ttl, err := t.store.TTL(ctx, t.key(provider, w))
		switch {
		case err == nil && ttl > 0:
			resetAt = now.Add(ttl)
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("quota status %s: %w", provider, err)
		}

		statuses = append(statuses, WindowStatus{
			Window:  w,
			Used:    used,
			Limit:   w.Limit,
			ResetAt: resetAt,
		})
	}
	return statuses, nil
}
