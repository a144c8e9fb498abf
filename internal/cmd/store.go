package cmd

import (
	"context"
	"fmt"

	"github.com/chorusrelay/chorus/internal/config"
	"github.com/chorusrelay/chorus/internal/core/store"
)

// openCounters loads the config and opens the counter store it selects.
// Note that the memory driver always starts empty.
func openCounters(ctx context.Context) (counterBackend, func() error, *config.Config, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	counters, closeFn, err := openCounterStore(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return counters, closeFn, cfg, nil
}

// openFingerprints loads the config and opens the fingerprint directory.
func openFingerprints(ctx context.Context) (*store.FileStore, *config.Config, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	files, err := openFingerprintDir(cfg)
	if err != nil {
		return nil, nil, err
	}
	return files, cfg, nil
}

func openFingerprintDir(cfg *config.Config) (*store.FileStore, error) {
	files, err := store.NewFileStore(cfg.Fingerprint.Dir)
	if err != nil {
		return nil, fmt.Errorf("open fingerprint store: %w", err)
	}
	return files, nil
}
