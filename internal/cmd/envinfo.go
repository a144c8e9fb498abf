package cmd

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chorusrelay/chorus/internal/config"
	"github.com/chorusrelay/chorus/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display environment, configuration, and version information.",
	Run: func(cmd *cobra.Command, args []string) {
		version := crucible.GetVersion()
		log := observability.CLILogger
		identity := GetAppIdentity()

		log.Info("=== chorus Environment Information ===")
		log.Info("")

		log.Info("Application:")
		log.Info("  Name:       " + identity.BinaryName)
		log.Info("  Version:    " + versionInfo.Version)
		log.Info("  Commit:     " + versionInfo.Commit)
		log.Info("  Built:      " + versionInfo.BuildDate)
		log.Info("  Env Prefix: " + identity.Prefix())
		log.Info("")

		log.Info("SSOT:")
		log.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		log.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		log.Info("")

		log.Info("Runtime:")
		log.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		log.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		log.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		log.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		log.Info("")

		cfg, err := config.Load(cmd.Context())
		if err != nil {
			log.Warn("Config load failed", zap.Error(err))
			return
		}

		log.Info("Configuration:")
		log.Info("  Server:         "+fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), zap.String("host", cfg.Server.Host), zap.Int("port", cfg.Server.Port))
		log.Info("  Log Level:      "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		log.Info("  Log Profile:    "+cfg.Logging.Profile, zap.String("log_profile", cfg.Logging.Profile))
		log.Info(fmt.Sprintf("  Metrics:        %t (port %d)", cfg.Metrics.Enabled, cfg.Metrics.Port), zap.Int("metrics_port", cfg.Metrics.Port))
		log.Info("  Config File:    "+config.DefaultConfigPath(), zap.String("config_file", config.DefaultConfigPath()))
		log.Info("")

		log.Info("Auth:")
		log.Info(fmt.Sprintf("  Disabled:       %t", cfg.Auth.Disabled))
		if strings.TrimSpace(cfg.Auth.JWTSecret) != "" {
			log.Info("  JWT Secret:     (set)")
		} else {
			log.Info("  JWT Secret:     (not set)")
		}
		log.Info("  Tier Claim:     " + cfg.Auth.TierClaim)
		log.Info("  Default Tier:   " + cfg.Auth.DefaultTier)
		log.Info("")

		log.Info("Multi-Model:")
		log.Info("  Strategy:       " + cfg.MultiModel.DefaultStrategy)
		log.Info(fmt.Sprintf("  Concurrency:    %d", cfg.MultiModel.MaxConcurrency))
		log.Info("  Timeout:        " + cfg.MultiModel.Timeout.String())
		log.Info(fmt.Sprintf("  Min Successful: %d", cfg.MultiModel.MinSuccessfulResponses))
		log.Info("  Scorer:         " + cfg.MultiModel.Scorer)
		log.Info("")

		log.Info("Quota:")
		log.Info(fmt.Sprintf("  Enabled:        %t", cfg.Quota.Enabled), zap.Bool("quota_enabled", cfg.Quota.Enabled))
		log.Info("  Store Driver:   "+cfg.Store.Driver, zap.String("store_driver", cfg.Store.Driver))
		log.Info("  Store:          " + storeLocation(cfg))
		log.Info("  Unknown Ops:    " + cfg.Quota.UnknownOperationPolicy)
		log.Info(fmt.Sprintf("  Tier Overrides: %d", len(cfg.Quota.Tiers)))
		log.Info("")

		log.Info("Fingerprint:")
		log.Info(fmt.Sprintf("  Enabled:        %t", cfg.Fingerprint.Enabled), zap.Bool("fingerprint_enabled", cfg.Fingerprint.Enabled))
		log.Info("  Dir:            " + cfg.Fingerprint.Dir)
		actions := make([]string, 0, len(cfg.Fingerprint.Actions))
		for name := range cfg.Fingerprint.Actions {
			actions = append(actions, name)
		}
		sort.Strings(actions)
		for _, name := range actions {
			p := cfg.Fingerprint.Actions[name]
			log.Info(fmt.Sprintf("  %-14s  %d per %s, block %s", name+":", p.MaxAttempts, p.Window, p.BlockDuration))
		}
		log.Info("")

		names := make([]string, 0, len(cfg.Models))
		for name := range cfg.Models {
			names = append(names, name)
		}
		sort.Strings(names)
		log.Info("Models:")
		if len(names) == 0 {
			log.Info("  (none configured)")
		}
		for _, name := range names {
			m := cfg.Models[name]
			keys := 0
			for _, c := range m.Credentials {
				if strings.TrimSpace(c.APIKey) != "" {
					keys++
				}
			}
			log.Info(fmt.Sprintf("  %s: provider=%s model=%s enabled=%t api_keys=%d", name, m.Provider, m.Model, m.Enabled, keys))
		}
		log.Info("")

		log.Info("=== End Environment Information ===")
	},
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
