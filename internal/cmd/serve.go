package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/chorusrelay/chorus/internal/config"
	"github.com/chorusrelay/chorus/internal/observability"
	"github.com/chorusrelay/chorus/internal/server"
	"github.com/chorusrelay/chorus/internal/server/handlers"
)

var (
	serverPort int
	serverHost string
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errors.New("telemetry system not initialized")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay HTTP server",
	Long: `Start the relay HTTP server with graceful shutdown support.

Routes:
  POST /v1/chat/completions   multi-model chat completion
  POST /v1/embeddings         (not supported, returns 400)
  GET  /v1/quota/{operation}  quota status for the caller
  GET  /v1/models             configured models

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Re-read the config file (limits apply on restart)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		identity := GetAppIdentity()
		namespace := identity.TelemetryNamespace()

		cfg, err := config.Load(cmd.Context())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		observability.InitServerLogger(identity.BinaryName, observability.ServerLogOptions{
			Level:     cfg.Logging.Level,
			Profile:   cfg.Logging.Profile,
			Namespace: namespace,
		})
		logger := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(namespace, cfg.Metrics.Port); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return fmt.Errorf("metrics initialization failed: %w", err)
			}
		}

		rt, err := buildRuntime(cmd.Context(), cfg, logger)
		if err != nil {
			logger.Error("Failed to build relay runtime", zap.Error(err))
			return err
		}

		logger.Info("Initializing server",
			zap.String("service", identity.BinaryName),
			zap.String("namespace", namespace),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Int("metrics_port", observability.GetMetricsPort()),
			zap.Strings("models", rt.catalog.Names()),
			zap.Bool("quota_enabled", rt.limiter != nil),
			zap.Bool("fingerprint_enabled", rt.gate != nil),
			zap.String("counter_store", storeLocation(cfg)))

		hm := handlers.NewHealthManager(versionInfo.Version)
		hm.RegisterChecker("model_catalog", catalogChecker{catalog: rt.catalog})
		if rt.counters != nil {
			hm.RegisterChecker("counter_store", counterStoreChecker{counters: rt.counters})
		}
		if rt.fingerprints != nil {
			hm.RegisterChecker("fingerprint_store", fingerprintDirChecker{dir: cfg.Fingerprint.Dir})
		}
		if cfg.Metrics.Enabled {
			hm.RegisterChecker("telemetry", telemetryHealthChecker{})
		}

		deps, err := serverDependencies(rt, cfg, hm)
		if err != nil {
			_ = rt.Close()
			logger.Error("Invalid auth configuration", zap.Error(err))
			return err
		}
		srv := server.New(cfg.Server, deps)

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 10 * time.Second
		}

		// Shutdown handlers run LIFO: HTTP server, then stores, then the logger.
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				// Sync errors are often benign (stdout/stderr already closed)
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			if err := rt.Close(); err != nil {
				logger.Warn("Closing stores returned error", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: re-reading config file")

			if err := viper.ReadInConfig(); err != nil {
				if _, ok := err.(viper.ConfigFileNotFoundError); ok {
					logger.Info("No config file found - using defaults and environment variables")
					return nil
				}
				logger.Error("Failed to reload config file",
					zap.String("file", viper.ConfigFileUsed()),
					zap.Error(err))
				return fmt.Errorf("config reload failed: %w", err)
			}
			if _, err := config.Load(ctx); err != nil {
				logger.Error("Reloaded config is invalid", zap.Error(err))
				return err
			}

			logger.Info("Configuration re-read; quota and model changes apply on restart",
				zap.String("file", viper.ConfigFileUsed()))
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		errChan := make(chan error, 1)
		go func() {
			logger.Info("Starting HTTP server...", zap.String("addr", srv.Addr()))
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(cmd.Context()); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	},
}

// serverDependencies assembles the HTTP dependencies. Disabled limiters are
// left as nil interfaces so the server skips them.
func serverDependencies(rt *relayRuntime, cfg *config.Config, hm *handlers.HealthManager) (server.Dependencies, error) {
	auth, err := server.NewAuthenticator(cfg.Auth)
	if err != nil {
		return server.Dependencies{}, err
	}

	relay := &handlers.Relay{
		Provider: rt.provider,
		Models:   rt.catalog,
	}
	if rt.limiter != nil {
		relay.Quota = rt.limiter
	}

	deps := server.Dependencies{
		Relay:  relay,
		Auth:   auth,
		Health: hm,
	}
	if rt.gate != nil {
		deps.Gate = rt.gate
	}
	return deps, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}
