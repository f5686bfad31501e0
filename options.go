package plantid

import (
	"time"

	"github.com/AnandSundar/go-plantid/model"
)

// Config holds service configuration
type Config struct {
	Cache           Cache
	TTL             time.Duration
	MaxImageBytes   int
	FingerprintFunc FingerprintFunc
}

// FingerprintFunc derives the cache key of a request
type FingerprintFunc func(req model.Request) model.Fingerprint

// Option is a functional option for configuring the service
type Option func(*Config)

// WithCache enables result caching and stampede protection
func WithCache(c Cache) Option {
	return func(cfg *Config) {
		cfg.Cache = c
	}
}

// WithTTL sets the time-to-live for cached results
func WithTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.TTL = ttl
	}
}

// WithMaxImageBytes sets the largest accepted image. Zero disables the check.
func WithMaxImageBytes(n int) Option {
	return func(c *Config) {
		c.MaxImageBytes = n
	}
}

// WithFingerprintFunc sets a custom fingerprint function
func WithFingerprintFunc(fn FingerprintFunc) Option {
	return func(c *Config) {
		c.FingerprintFunc = fn
	}
}
