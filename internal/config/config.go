// Package config loads plantid configuration from defaults, an optional
// YAML file and PLANTID_* environment variables.
package config

import (
	"time"
)

// Config is the complete runtime configuration
type Config struct {
	Store        StoreConfig        `koanf:"store"`
	Cache        CacheConfig        `koanf:"cache"`
	Pool         PoolConfig         `koanf:"pool"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Breaker      BreakerConfig      `koanf:"breaker"`
	Quota        QuotaConfig        `koanf:"quota"`
	Providers    ProvidersConfig    `koanf:"providers"`
	Logging      LoggingConfig      `koanf:"logging"`
}

// StoreConfig selects the shared state backend
type StoreConfig struct {
	// Backend is memory (single process) or redis (shared across workers)
	Backend string      `koanf:"backend" validate:"oneof=memory redis"`
	Redis   RedisConfig `koanf:"redis"`
	// GuardFailures opens the backend breaker after this many consecutive errors
	GuardFailures uint32        `koanf:"guard_failures"`
	GuardCooldown time.Duration `koanf:"guard_cooldown"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `koanf:"addr" validate:"required_if=Enabled true"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"gte=0"`
	// Enabled is derived from Store.Backend
	Enabled bool `koanf:"-"`
}

// CacheConfig configures the result cache
type CacheConfig struct {
	Enabled      bool          `koanf:"enabled"`
	TTL          time.Duration `koanf:"ttl" validate:"gt=0"`
	LockTTL      time.Duration `koanf:"lock_ttl" validate:"gt=0"`
	LockGrace    time.Duration `koanf:"lock_grace" validate:"gt=0"`
	PollInterval time.Duration `koanf:"poll_interval" validate:"gt=0"`
}

// PoolConfig sizes the process-wide provider worker pool
type PoolConfig struct {
	Workers int `koanf:"workers" validate:"gte=1,lte=64"`
	Queue   int `koanf:"queue" validate:"gte=0"`
}

// OrchestratorConfig configures the provider fan-out
type OrchestratorConfig struct {
	Deadline time.Duration `koanf:"deadline" validate:"gt=0"`
}

// BreakerConfig configures provider circuit breakers
type BreakerConfig struct {
	Threshold    int           `koanf:"threshold" validate:"gte=1"`
	Cooldown     time.Duration `koanf:"cooldown" validate:"gt=0"`
	ProbeTimeout time.Duration `koanf:"probe_timeout" validate:"gt=0"`
	FailOpen     bool          `koanf:"fail_open"`
}

// QuotaConfig configures provider quota tracking
type QuotaConfig struct {
	FailOpen  bool    `koanf:"fail_open"`
	WarnRatio float64 `koanf:"warn_ratio" validate:"gt=0,lte=1"`
}

// ProvidersConfig lists the identification providers
type ProvidersConfig struct {
	// Priority orders providers for ranking ties, highest first
	Priority []string       `koanf:"priority" validate:"min=1,dive,oneof=plant_id plantnet"`
	PlantID  ProviderConfig `koanf:"plant_id"`
	PlantNet ProviderConfig `koanf:"plantnet"`
}

// ProviderConfig configures one provider
type ProviderConfig struct {
	Enabled bool          `koanf:"enabled"`
	URL     string        `koanf:"url" validate:"omitempty,url"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
	// Quotas are window specs such as "100 per 30 days" or "500/day"
	Quotas []string `koanf:"quotas"`
}

// LoggingConfig configures the global logger
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

func defaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
			GuardFailures: 3,
			GuardCooldown: 5 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:      true,
			TTL:          6 * time.Hour,
			LockTTL:      15 * time.Second,
			LockGrace:    5 * time.Second,
			PollInterval: 100 * time.Millisecond,
		},
		Pool: PoolConfig{
			Workers: 4,
			Queue:   16,
		},
		Orchestrator: OrchestratorConfig{
			Deadline: 15 * time.Second,
		},
		Breaker: BreakerConfig{
			Threshold:    5,
			Cooldown:     30 * time.Second,
			ProbeTimeout: 30 * time.Second,
			FailOpen:     true,
		},
		Quota: QuotaConfig{
			FailOpen:  true,
			WarnRatio: 0.8,
		},
		Providers: ProvidersConfig{
			Priority: []string{"plant_id", "plantnet"},
			PlantID: ProviderConfig{
				Enabled: true,
				Timeout: 10 * time.Second,
				Quotas:  []string{"100 per 30 days", "10 per day"},
			},
			PlantNet: ProviderConfig{
				Enabled: true,
				Timeout: 10 * time.Second,
				Quotas:  []string{"500 per day", "50 per hour"},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
