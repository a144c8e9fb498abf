package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chorusrelay/chorus/internal/catalog"
	"github.com/chorusrelay/chorus/internal/config"
	"github.com/chorusrelay/chorus/internal/core/engine"
	"github.com/chorusrelay/chorus/internal/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Verify that the configuration loads, the model catalog builds and the configured stores open.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		logger.Info("Running health check...")

		if versionInfo.Version == "" {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Version information missing", nil)
			return
		}
		logger.Debug("Version check passed", zap.String("version", versionInfo.Version))
		logger.Info("✅ Version information available")

		cfg, err := config.Load(cmd.Context())
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Configuration invalid", err)
			return
		}
		logger.Info("✅ Configuration loaded")

		models, err := catalog.New(cfg.Models)
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Model catalog invalid", err)
			return
		}
		if models.Len() == 0 {
			logger.Warn("⚠️  No models enabled; /v1/chat/completions will reject every request")
		} else {
			logger.Info("✅ Model catalog ready", zap.Strings("models", models.Names()))
		}

		if _, err := engine.ScorerByName(cfg.MultiModel.Scorer); err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Unknown scorer", err)
			return
		}

		if cfg.Quota.Enabled {
			counters, closeFn, err := openCounterStore(cmd.Context(), cfg)
			if err != nil {
				ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Counter store unavailable", err)
				return
			}
			probeErr := counterStoreChecker{counters: counters}.CheckHealth(cmd.Context())
			_ = closeFn()
			if probeErr != nil {
				ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Counter store probe failed", probeErr)
				return
			}
			logger.Info("✅ Counter store reachable", zap.String("store", storeLocation(cfg)))
		}

		if cfg.Fingerprint.Enabled {
			if _, err := openFingerprintDir(cfg); err != nil {
				ExitWithCode(logger, foundry.ExitFailure, "Fingerprint directory unavailable", err)
				return
			}
			logger.Info("✅ Fingerprint directory ready", zap.String("dir", cfg.Fingerprint.Dir))
		}

		logger.Info("")
		logger.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
