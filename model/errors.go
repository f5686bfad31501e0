package model

import (
	"errors"
	"fmt"
)

var (
	// ErrAllProvidersUnavailable is returned when no provider produced a result.
	// Callers should treat it as retryable.
	ErrAllProvidersUnavailable = errors.New("no identification provider could be reached")

	// ErrQuotaExceeded is returned when a provider's call budget is exhausted
	ErrQuotaExceeded = errors.New("provider quota exceeded")

	// ErrInvalidInput is returned for empty or oversized images
	ErrInvalidInput = errors.New("invalid identification input")

	// ErrProviderUnavailable is the cause of a result rejected by an open circuit
	ErrProviderUnavailable = errors.New("provider circuit is open")
)

// ErrorKind classifies a provider failure
type ErrorKind string

const (
	KindCircuitOpen   ErrorKind = "circuit_open"
	KindQuotaExceeded ErrorKind = "quota_exceeded"
	KindTimeout       ErrorKind = "timeout"
	KindNetwork       ErrorKind = "network"
	KindMalformed     ErrorKind = "malformed_response"
	KindAuth          ErrorKind = "auth"
	KindUpstream      ErrorKind = "upstream"
)

// CountsAsFailure reports whether this kind of error is evidence that the
// provider is unhealthy and must be recorded against its circuit breaker.
func (k ErrorKind) CountsAsFailure() bool {
	switch k {
	case KindCircuitOpen, KindQuotaExceeded:
		return false
	default:
		return true
	}
}

// ProviderError describes why a single provider call failed
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match provider errors against the public sentinels
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrQuotaExceeded:
		return e.Kind == KindQuotaExceeded
	case ErrProviderUnavailable:
		return e.Kind == KindCircuitOpen
	}
	return false
}
