// Package model holds the types shared by every stage of the identification
// pipeline: requests, provider results and the aggregated response.
package model

import "time"

// Fingerprint identifies a unique identification request. It is used as the
// cache key and as the stampede lock key.
type Fingerprint string

// String returns the fingerprint as a plain string
func (f Fingerprint) String() string {
	return string(f)
}

// Image is a validated image payload handed over by the web layer
type Image struct {
	Data        []byte `json:"-"`
	ContentType string `json:"content_type,omitempty"`
	Filename    string `json:"filename,omitempty"`
}

// User identifies the caller. Anonymous requests carry an empty ID.
type User struct {
	ID        string `json:"id,omitempty"`
	Anonymous bool   `json:"anonymous"`
}

// Request is a single identification request
type Request struct {
	Image Image
	// Organs hints which plant part is pictured (leaf, flower, fruit, bark...)
	Organs []string
	// Language selects the language of common names
	Language string
	User     User
}

// Suggestion is one candidate species
type Suggestion struct {
	Name           string            `json:"name"`
	ScientificName string            `json:"scientific_name"`
	Confidence     float64           `json:"confidence"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	// Sources lists the providers that reported this species
	Sources []string `json:"sources,omitempty"`
}

// ProviderResult is the outcome of one provider call
type ProviderResult struct {
	Provider    string
	Suggestions []Suggestion
	Succeeded   bool
	Err         *ProviderError
	Duration    time.Duration
}

// Skipped reports whether the provider was never called because a guard
// (circuit breaker or quota) rejected the request.
func (r ProviderResult) Skipped() bool {
	if r.Err == nil {
		return false
	}
	return r.Err.Kind == KindCircuitOpen || r.Err.Kind == KindQuotaExceeded
}

// AggregatedResult is the externally visible response
type AggregatedResult struct {
	Fingerprint     Fingerprint  `json:"fingerprint"`
	Suggestions     []Suggestion `json:"suggestions"`
	SourceProviders []string     `json:"source_providers"`
	Cached          bool         `json:"cached"`
}

// CacheEntry is an aggregated result as persisted in the cache
type CacheEntry struct {
	Fingerprint Fingerprint       `json:"fingerprint"`
	Result      *AggregatedResult `json:"result"`
	CreatedAt   time.Time         `json:"created_at"`
	TTL         time.Duration     `json:"ttl"`
}

// Expired reports whether the entry has outlived its TTL at the given time
func (e *CacheEntry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return !now.Before(e.CreatedAt.Add(e.TTL))
}
