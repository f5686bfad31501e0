package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"

	plantid "github.com/AnandSundar/go-plantid"
	"github.com/AnandSundar/go-plantid/aggregate"
	"github.com/AnandSundar/go-plantid/breaker"
	"github.com/AnandSundar/go-plantid/cache"
	"github.com/AnandSundar/go-plantid/internal/config"
	"github.com/AnandSundar/go-plantid/internal/logging"
	"github.com/AnandSundar/go-plantid/orchestrator"
	"github.com/AnandSundar/go-plantid/provider"
	plantidapi "github.com/AnandSundar/go-plantid/provider/plantid"
	"github.com/AnandSundar/go-plantid/provider/plantnet"
	"github.com/AnandSundar/go-plantid/quota"
	"github.com/AnandSundar/go-plantid/store"
)

// app holds the wired components
type app struct {
	config    *config.Config
	store     store.Store
	tracker   *quota.Tracker
	breaker   *breaker.Breaker
	pool      *orchestrator.Pool
	service   *plantid.Service
	providers []string
	closers   []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logging.Warn().Err(err).Msg("shutdown")
		}
	}
}

// newApp loads configuration and builds the store, guards, provider
// clients, pool, orchestrator, cache and service
func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	a := &app{config: cfg}

	s, err := a.newStore(cfg.Store)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = s

	a.tracker = quota.NewTracker(s,
		quota.WithFailOpen(cfg.Quota.FailOpen),
		quota.WithWarnRatio(cfg.Quota.WarnRatio),
	)
	a.breaker = breaker.New(s, breaker.Settings{
		Threshold:    cfg.Breaker.Threshold,
		Cooldown:     cfg.Breaker.Cooldown,
		ProbeTimeout: cfg.Breaker.ProbeTimeout,
		FailOpen:     cfg.Breaker.FailOpen,
	})

	var clients []orchestrator.Identifier
	for _, p := range []struct {
		name string
		cfg  config.ProviderConfig
		api  func(config.ProviderConfig) provider.API
	}{
		{plantidapi.Name, cfg.Providers.PlantID, func(pc config.ProviderConfig) provider.API {
			return plantidapi.New(plantidapi.Config{BaseURL: pc.URL, APIKey: pc.APIKey, HTTPClient: &http.Client{}})
		}},
		{plantnet.Name, cfg.Providers.PlantNet, func(pc config.ProviderConfig) provider.API {
			return plantnet.New(plantnet.Config{BaseURL: pc.URL, APIKey: pc.APIKey, HTTPClient: &http.Client{}})
		}},
	} {
		if !p.cfg.Enabled {
			continue
		}
		windows, err := quota.ParseWindows(p.cfg.Quotas)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("%s quotas: %w", p.name, err)
		}
		a.tracker.Register(p.name, windows...)
		if p.cfg.APIKey == "" {
			logging.Warn().Str("provider", p.name).Msg("no API key configured")
		}

		clients = append(clients, provider.NewClient(p.api(p.cfg), a.breaker, a.tracker, provider.WithTimeout(p.cfg.Timeout)))
		a.providers = append(a.providers, p.name)
	}

	a.pool = orchestrator.NewPool(cfg.Pool.Workers, cfg.Pool.Queue)
	a.closers = append(a.closers, func() error {
		a.pool.Close()
		return nil
	})

	orch := orchestrator.New(a.pool, aggregate.New(cfg.Providers.Priority...), clients,
		orchestrator.WithDeadline(cfg.Orchestrator.Deadline))

	opts := []plantid.Option{plantid.WithTTL(cfg.Cache.TTL)}
	if cfg.Cache.Enabled {
		opts = append(opts, plantid.WithCache(cache.New(s, cache.Config{
			LockTTL:        cfg.Cache.LockTTL,
			LockGrace:      cfg.Cache.LockGrace,
			PollInterval:   cfg.Cache.PollInterval,
			ComputeTimeout: cfg.Orchestrator.Deadline + cfg.Cache.LockGrace,
		})))
	}
	a.service = plantid.New(orch, opts...)

	return a, nil
}

func (a *app) newStore(cfg config.StoreConfig) (store.Store, error) {
	if cfg.Backend != "redis" {
		return store.NewMemoryStore(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, client.Close)

	if err := client.Ping(context.Background()).Err(); err != nil {
		// Breaker and quota fail open; the guard keeps every call fast
		logging.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable at startup")
	}

	return store.NewGuarded(store.NewRedisStore(client), store.GuardOptions{
		Name:     "redis",
		Failures: cfg.GuardFailures,
		Cooldown: cfg.GuardCooldown,
	}), nil
}
