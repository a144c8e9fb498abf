package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/logging"

	"github.com/chorusrelay/chorus/internal/catalog"
	"github.com/chorusrelay/chorus/internal/config"
	"github.com/chorusrelay/chorus/internal/core"
	"github.com/chorusrelay/chorus/internal/core/engine"
	"github.com/chorusrelay/chorus/internal/core/store"
)

// counterBackend is what the quota commands and the tiered limiter need from
// any of the counter stores.
type counterBackend interface {
	engine.CounterStore
	ListCounters(ctx context.Context, q store.CounterQuery) ([]core.CounterRecord, error)
	ResetCounters(ctx context.Context, q store.CounterQuery) (int64, error)
}

// relayRuntime is the wired set of components behind `serve` and `ask`.
type relayRuntime struct {
	cfg          *config.Config
	catalog      *catalog.Catalog
	registry     *catalog.Registry
	provider     *engine.MultiModelProvider
	counters     counterBackend
	limiter      *engine.TieredLimiter
	fingerprints *store.FileStore
	gate         *engine.FingerprintLimiter

	closers []func() error
}

// buildRuntime wires the catalog, the fan-out provider and both limiters from
// cfg. The tiered limiter is nil when quota.enabled is false and the gate is
// nil when fingerprint.enabled is false.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*relayRuntime, error) {
	rt := &relayRuntime{cfg: cfg}

	models, err := catalog.New(cfg.Models)
	if err != nil {
		return nil, err
	}
	rt.catalog = models
	rt.registry = catalog.NewRegistry(&http.Client{})

	provider, err := newProvider(cfg.MultiModel, models, rt.registry, logger)
	if err != nil {
		return nil, err
	}
	rt.provider = provider

	if cfg.Quota.Enabled {
		counters, closeCounters, err := openCounterStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		rt.counters = counters
		rt.closers = append(rt.closers, closeCounters)
		rt.limiter = newTieredLimiter(cfg.Quota, counters, logger)
	}

	if cfg.Fingerprint.Enabled {
		files, err := openFingerprintDir(cfg)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.fingerprints = files
		rt.gate = newFingerprintLimiter(cfg.Fingerprint, files, logger)
	}

	return rt, nil
}

// Close releases store connections.
func (rt *relayRuntime) Close() error {
	if rt == nil {
		return nil
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func newProvider(cfg config.MultiModelConfig, models *catalog.Catalog, adapters engine.AdapterResolver, logger *logging.Logger) (*engine.MultiModelProvider, error) {
	scorer, err := engine.ScorerByName(cfg.Scorer)
	if err != nil {
		return nil, err
	}
	return &engine.MultiModelProvider{
		Catalog:     models,
		Coordinator: &engine.Coordinator{Adapters: adapters, Logger: logger},
		Aggregator: &engine.Aggregator{
			MinSuccessfulResponses: cfg.MinSuccessfulResponses,
			Scorer:                 scorer,
		},
		Defaults: engine.FanoutOptions{
			MaxConcurrency: cfg.MaxConcurrency,
			Timeout:        cfg.Timeout,
		},
		DefaultStrategy: core.Strategy(strings.TrimSpace(cfg.DefaultStrategy)),
		Logger:          logger,
	}, nil
}

func newTieredLimiter(cfg config.QuotaConfig, counters engine.CounterStore, logger *logging.Logger) *engine.TieredLimiter {
	limiter := &engine.TieredLimiter{
		Store:                  counters,
		UnknownOperationPolicy: strings.ToLower(strings.TrimSpace(cfg.UnknownOperationPolicy)),
		SweepProbability:       cfg.SweepProbability,
		Retention:              cfg.Retention,
		Logger:                 logger,
	}
	limiter.ApplyOverrides(cfg.Tiers)
	return limiter
}

func newFingerprintLimiter(cfg config.FingerprintConfig, files engine.FingerprintStore, logger *logging.Logger) *engine.FingerprintLimiter {
	var policies map[string]engine.ActionPolicy
	if len(cfg.Actions) > 0 {
		policies = make(map[string]engine.ActionPolicy, len(cfg.Actions))
		for action, p := range cfg.Actions {
			policies[strings.ToLower(strings.TrimSpace(action))] = engine.ActionPolicy{
				MaxAttempts:   p.MaxAttempts,
				Window:        p.Window,
				BlockDuration: p.BlockDuration,
			}
		}
	}
	return &engine.FingerprintLimiter{
		Store:            files,
		Policies:         policies,
		SweepProbability: cfg.SweepProbability,
		Retention:        cfg.Retention,
		Logger:           logger,
	}
}

// openCounterStore opens the backend selected by store.driver.
func openCounterStore(ctx context.Context, cfg *config.Config) (counterBackend, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case "memory":
		return store.NewMemoryStore(), func() error { return nil }, nil
	case "redis":
		rs, err := store.OpenRedis(ctx, cfg.Redis, cfg.Quota.Retention)
		if err != nil {
			return nil, nil, err
		}
		return rs, rs.Close, nil
	default:
		db, err := store.Open(ctx, cfg.Store)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return db, db.Close, nil
	}
}

// storeLocation describes where counters live, for log lines and envinfo.
func storeLocation(cfg *config.Config) string {
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case "memory":
		return "memory"
	case "redis":
		return "redis://" + cfg.Redis.Addr
	}
	if url := strings.TrimSpace(cfg.Store.URL); url != "" {
		return url
	}
	return cfg.Store.Path
}

// counterStoreChecker probes the counter backend with a read.
type counterStoreChecker struct {
	counters counterBackend
}

func (c counterStoreChecker) CheckHealth(ctx context.Context) error {
	_, err := c.counters.ReadCounter(ctx, "health-probe")
	return err
}

// fingerprintDirChecker verifies the fingerprint directory still exists.
type fingerprintDirChecker struct {
	dir string
}

func (c fingerprintDirChecker) CheckHealth(ctx context.Context) error {
	info, err := os.Stat(c.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", c.dir)
	}
	return nil
}

// catalogChecker fails when no model is enabled.
type catalogChecker struct {
	catalog *catalog.Catalog
}

func (c catalogChecker) CheckHealth(ctx context.Context) error {
	if c.catalog.Len() == 0 {
		return errors.New("no models enabled")
	}
	return nil
}
