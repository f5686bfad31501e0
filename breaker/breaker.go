// Package breaker implements a per-provider circuit breaker whose state lives
// in the shared store, so every process instance sees the same circuit.
//
// State changes are applied with compare-and-swap. Only the caller that wins
// the OPEN to HALF_OPEN swap is granted the trial call; everyone else is
// rejected until the trial reports back or its probe lease expires.
package breaker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/AnandSundar/go-plantid/internal/logging"
	"github.com/AnandSundar/go-plantid/internal/metrics"
	"github.com/AnandSundar/go-plantid/store"
)

// Status is the state of a circuit
type Status string

const (
	StatusClosed   Status = "closed"
	StatusOpen     Status = "open"
	StatusHalfOpen Status = "half_open"
)

const (
	DefaultThreshold    = 5
	DefaultCooldown     = 30 * time.Second
	DefaultProbeTimeout = 30 * time.Second
	DefaultKeyPrefix    = "plantid:breaker"

	maxSwapAttempts = 16
)

// ErrContention is returned when the state could not be swapped after
// repeated concurrent modifications
var ErrContention = errors.New("circuit breaker state contention")

// Snapshot is the persisted state of one provider's circuit
type Snapshot struct {
	Provider            string    `json:"provider"`
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	NextProbeAt         time.Time `json:"next_probe_at,omitempty"`
	// ProbeDeadline bounds the lease of the single HALF_OPEN trial call
	ProbeDeadline time.Time `json:"probe_deadline,omitempty"`
}

// Settings configures a Breaker
type Settings struct {
	// Threshold is the number of consecutive failures that opens the circuit
	Threshold int
	// Cooldown is how long an open circuit rejects calls
	Cooldown time.Duration
	// ProbeTimeout releases a trial call that never reported back
	ProbeTimeout time.Duration
	// FailOpen allows calls when the state store is unreachable
	FailOpen bool
	// KeyPrefix namespaces breaker state in the store
	KeyPrefix string
	// Now is the time source; defaults to time.Now
	Now func() time.Time
}

// DefaultSettings returns the production defaults
func DefaultSettings() Settings {
	return Settings{
		Threshold:    DefaultThreshold,
		Cooldown:     DefaultCooldown,
		ProbeTimeout: DefaultProbeTimeout,
		FailOpen:     true,
		KeyPrefix:    DefaultKeyPrefix,
	}
}

// Breaker guards calls to external providers
type Breaker struct {
	store    store.Store
	settings Settings
	log      zerolog.Logger
}

// New creates a breaker backed by s. Zero numeric and string fields take
// their defaults; FailOpen is used as given.
func New(s store.Store, settings Settings) *Breaker {
	def := DefaultSettings()
	if settings.Threshold <= 0 {
		settings.Threshold = def.Threshold
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = def.Cooldown
	}
	if settings.ProbeTimeout <= 0 {
		settings.ProbeTimeout = def.ProbeTimeout
	}
	if settings.KeyPrefix == "" {
		settings.KeyPrefix = def.KeyPrefix
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}

	return &Breaker{
		store:    s,
		settings: settings,
		log:      logging.WithComponent("breaker"),
	}
}

func (b *Breaker) key(provider string) string {
	return b.settings.KeyPrefix + ":" + provider
}

// load returns the current snapshot and its raw encoding (nil when absent)
func (b *Breaker) load(ctx context.Context, provider string) (Snapshot, []byte, error) {
	raw, err := b.store.Get(ctx, b.key(provider))
	if errors.Is(err, store.ErrNotFound) {
		return Snapshot{Provider: provider, Status: StatusClosed}, nil, nil
	}
	if err != nil {
		return Snapshot{}, nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, nil, fmt.Errorf("decode breaker state %s: %w", provider, err)
	}
	return snap, raw, nil
}

// mutate applies fn to the current state and swaps it in. fn reports whether
// it changed the state and what the caller should get back.
func (b *Breaker) mutate(ctx context.Context, provider string, fn func(s *Snapshot, now time.Time) (changed, result bool)) (bool, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		snap, raw, err := b.load(ctx, provider)
		if err != nil {
			return false, err
		}

		before := snap.Status
		changed, result := fn(&snap, b.settings.Now())
		if !changed {
			return result, nil
		}

		encoded, err := json.Marshal(snap)
		if err != nil {
			return false, err
		}
		if raw != nil && bytes.Equal(raw, encoded) {
			return result, nil
		}

		swapped, err := b.store.CompareAndSwap(ctx, b.key(provider), raw, encoded, 0)
		if err != nil {
			return false, err
		}
		if swapped {
			if before != snap.Status {
				b.transitioned(provider, before, snap)
			}
			return result, nil
		}
	}
	return false, ErrContention
}

func (b *Breaker) transitioned(provider string, from Status, to Snapshot) {
	b.log.Info().
		Str("provider", provider).
		Str("from", string(from)).
		Str("to", string(to.Status)).
		Int("consecutive_failures", to.ConsecutiveFailures).
		Msg("circuit breaker state transition")

	metrics.CircuitBreakerState.WithLabelValues(provider).Set(metrics.BreakerStateValue(string(to.Status)))
	metrics.CircuitBreakerTransitions.WithLabelValues(provider, string(from), string(to.Status)).Inc()
}

// Admission is a granted call. Trial is set when the call holds the single
// half-open trial lease.
type Admission struct {
	Trial bool
	lease time.Time
}

// Allow reports whether a call to provider may proceed
func (b *Breaker) Allow(ctx context.Context, provider string) bool {
	_, ok := b.Admit(ctx, provider)
	return ok
}

// Admit reports whether a call to provider may proceed and, for a half-open
// trial, returns the lease so it can be handed back with Release.
func (b *Breaker) Admit(ctx context.Context, provider string) (Admission, bool) {
	var adm Admission
	allowed, err := b.mutate(ctx, provider, func(s *Snapshot, now time.Time) (bool, bool) {
		adm = Admission{}
		switch s.Status {
		case StatusOpen:
			if now.Before(s.NextProbeAt) {
				return false, false
			}
			s.Status = StatusHalfOpen
		case StatusHalfOpen:
			if now.Before(s.ProbeDeadline) {
				return false, false
			}
			// The previous trial never reported back; take over its lease
		default:
			return false, true
		}
		s.ProbeDeadline = now.Add(b.settings.ProbeTimeout)
		adm = Admission{Trial: true, lease: s.ProbeDeadline}
		return true, true
	})
	if errors.Is(err, ErrContention) {
		return Admission{}, false
	}
	if err != nil {
		return Admission{}, b.degraded(provider, err)
	}
	return adm, allowed
}

// Release hands back a trial lease whose call was never made, so the next
// Admit may start a trial at once. It is a no-op for non-trial admissions
// and for a lease another caller has since taken over.
func (b *Breaker) Release(ctx context.Context, provider string, adm Admission) {
	if !adm.Trial {
		return
	}
	_, err := b.mutate(ctx, provider, func(s *Snapshot, _ time.Time) (bool, bool) {
		if s.Status != StatusHalfOpen || !s.ProbeDeadline.Equal(adm.lease) {
			return false, true
		}
		s.ProbeDeadline = time.Time{}
		return true, true
	})
	if err != nil {
		b.log.Warn().Err(err).Str("provider", provider).Msg("failed to release circuit breaker trial")
	}
}

// RecordSuccess closes a half-open circuit and resets the failure count
func (b *Breaker) RecordSuccess(ctx context.Context, provider string) {
	_, err := b.mutate(ctx, provider, func(s *Snapshot, _ time.Time) (bool, bool) {
		switch s.Status {
		case StatusHalfOpen:
			s.Status = StatusClosed
			s.ConsecutiveFailures = 0
			s.ProbeDeadline = time.Time{}
			s.NextProbeAt = time.Time{}
			return true, true
		case StatusClosed:
			if s.ConsecutiveFailures == 0 {
				return false, true
			}
			s.ConsecutiveFailures = 0
			return true, true
		default:
			// A late success of an abandoned call does not close an open circuit
			return false, true
		}
	})
	if err != nil {
		b.log.Warn().Err(err).Str("provider", provider).Msg("failed to record circuit breaker success")
	}
}

// RecordFailure counts a failure and opens the circuit at the threshold
func (b *Breaker) RecordFailure(ctx context.Context, provider string) {
	_, err := b.mutate(ctx, provider, func(s *Snapshot, now time.Time) (bool, bool) {
		s.ConsecutiveFailures++
		s.LastFailureAt = now

		switch s.Status {
		case StatusHalfOpen:
			// Any failure reopens a half-open circuit, including a late one
			// from an abandoned call that was admitted before the trip
			s.Status = StatusOpen
			s.NextProbeAt = now.Add(b.settings.Cooldown)
			s.ProbeDeadline = time.Time{}
		case StatusClosed:
			if s.ConsecutiveFailures >= b.settings.Threshold {
				s.Status = StatusOpen
				s.NextProbeAt = now.Add(b.settings.Cooldown)
			}
		}
		return true, true
	})
	if err != nil {
		b.log.Warn().Err(err).Str("provider", provider).Msg("failed to record circuit breaker failure")
	}
}

// State returns the current snapshot of a provider's circuit
func (b *Breaker) State(ctx context.Context, provider string) (Snapshot, error) {
	snap, _, err := b.load(ctx, provider)
	return snap, err
}

// degraded applies the fail-open policy when the state store fails
func (b *Breaker) degraded(provider string, err error) bool {
	if b.settings.FailOpen {
		metrics.CircuitBreakerFailOpen.WithLabelValues(provider).Inc()
		b.log.Warn().Err(err).Str("provider", provider).Msg("circuit breaker store unavailable, failing open")
		return true
	}
	b.log.Error().Err(err).Str("provider", provider).Msg("circuit breaker store unavailable, rejecting call")
	return false
}
