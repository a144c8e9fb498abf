package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestViper(t *testing.T) *viper.Viper {
	t.Helper()
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	// Test basic config loading with defaults
	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := LoadFrom(ctx, newTestViper(t))
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify server defaults
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		// Verify store defaults
		assert.Equal(t, "libsql", cfg.Store.Driver)
		expectedStorePath := filepath.Join(gfconfig.GetAppDataDir("chorus"), "chorus.db")
		assert.Equal(t, expectedStorePath, cfg.Store.Path)
		assert.Equal(t, "", cfg.Store.URL)

		assert.Equal(t, "combine_all", cfg.MultiModel.DefaultStrategy)
		assert.Equal(t, 3, cfg.MultiModel.MaxConcurrency)
		assert.Equal(t, 30*time.Second, cfg.MultiModel.Timeout)
		assert.Equal(t, 1, cfg.MultiModel.MinSuccessfulResponses)

		assert.True(t, cfg.Quota.Enabled)
		assert.Equal(t, "allow", cfg.Quota.UnknownOperationPolicy)
		assert.Equal(t, 0.01, cfg.Quota.SweepProbability)
		assert.Equal(t, 48*time.Hour, cfg.Quota.Retention)

		require.Contains(t, cfg.Fingerprint.Actions, "signup")
		assert.Equal(t, 5, cfg.Fingerprint.Actions["signup"].MaxAttempts)
		assert.Equal(t, time.Hour, cfg.Fingerprint.Actions["signup"].Window)
		assert.Equal(t, 30*time.Minute, cfg.Fingerprint.Actions["login"].BlockDuration)
		assert.Equal(t, 100, cfg.Fingerprint.Actions["global"].MaxAttempts)
		assert.Equal(t, time.Minute, cfg.Fingerprint.Actions["global"].Window)
		assert.NotEmpty(t, cfg.Fingerprint.Dir)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9090, cfg.Metrics.Port)
		assert.True(t, cfg.Health.Enabled)
		assert.False(t, cfg.Debug.PprofEnabled)
		assert.Equal(t, "tier", cfg.Auth.TierClaim)
	})

	// Test runtime overrides
	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := LoadFrom(ctx, newTestViper(t), overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)

		// Verify non-overridden values remain default
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 9090, cfg.Metrics.Port)
	})

	// Test environment variable overrides
	t.Run("EnvOverrides", func(t *testing.T) {
		v := newTestViper(t)
		t.Setenv("CHORUS_PORT", "3000")
		t.Setenv("CHORUS_LOG_LEVEL", "warn")
		t.Setenv("CHORUS_METRICS_ENABLED", "false")
		t.Setenv("CHORUS_MULTI_MODEL_TIMEOUT", "12s")
		t.Setenv("CHORUS_QUOTA_UNKNOWN_OPERATION_POLICY", "deny")

		cfg, err := LoadFrom(ctx, v)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Metrics.Enabled)
		assert.Equal(t, 12*time.Second, cfg.MultiModel.Timeout)
		assert.Equal(t, "deny", cfg.Quota.UnknownOperationPolicy)
	})

	// Test config precedence: runtime > env > defaults
	t.Run("ConfigPrecedence", func(t *testing.T) {
		v := newTestViper(t)
		t.Setenv("CHORUS_PORT", "4000")

		cfg, err := LoadFrom(ctx, v, map[string]any{
			"server": map[string]any{"port": 5000},
		})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("PartialActionOverrideKeepsDefaults", func(t *testing.T) {
		cfg, err := LoadFrom(ctx, newTestViper(t), map[string]any{
			"fingerprint": map[string]any{
				"actions": map[string]any{
					"login": map[string]any{"max_attempts": 3},
				},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.Fingerprint.Actions["login"].MaxAttempts)
		assert.Equal(t, 15*time.Minute, cfg.Fingerprint.Actions["login"].Window)
		assert.Equal(t, 5, cfg.Fingerprint.Actions["signup"].MaxAttempts)
	})
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	ctx := context.Background()

	cases := map[string]map[string]any{
		"unknown policy":   {"quota": map[string]any{"unknown_operation_policy": "maybe"}},
		"unknown strategy": {"multi_model": map[string]any{"default_strategy": "vote"}},
		"unknown driver":   {"store": map[string]any{"driver": "postgres"}},
		"bad probability":  {"quota": map[string]any{"sweep_probability": 2}},
		"zero attempts": {"fingerprint": map[string]any{"actions": map[string]any{
			"login": map[string]any{"max_attempts": 0},
		}}},
		"attempts above stored history": {"fingerprint": map[string]any{"actions": map[string]any{
			"global": map[string]any{"max_attempts": 300},
		}}},
	}

	for name, overrides := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFrom(ctx, newTestViper(t), overrides)
			require.Error(t, err)
		})
	}
}

func TestModelEnvOverrides(t *testing.T) {
	ctx := context.Background()
	v := newTestViper(t)

	t.Setenv("CHORUS_MODELS_GPT_4O_PROVIDER", "OpenAI")
	t.Setenv("CHORUS_MODELS_GPT_4O_API_KEY", "sk-test")
	t.Setenv("CHORUS_MODELS_GPT_4O_BASE_URL", "https://api.example.test/v1")
	t.Setenv("CHORUS_MODELS_GPT_4O_MAX_TOKENS", "512")
	t.Setenv("CHORUS_MODELS_GROK_CREDENTIALS_1_API_KEY", "xai-secondary")
	t.Setenv("CHORUS_MODELS_GROK_CREDENTIALS_1_PRIORITY", "7")

	cfg, err := LoadFrom(ctx, v)
	require.NoError(t, err)

	gpt, ok := cfg.Models["gpt-4o"]
	require.True(t, ok)
	assert.Equal(t, "openai", gpt.Provider)
	assert.Equal(t, "https://api.example.test/v1", gpt.BaseURL)
	assert.Equal(t, 512, gpt.MaxTokens)
	require.Len(t, gpt.Credentials, 1)
	assert.Equal(t, "sk-test", gpt.Credentials[0].APIKey)
	assert.True(t, gpt.Credentials[0].Enabled)

	grok, ok := cfg.Models["grok"]
	require.True(t, ok)
	require.Len(t, grok.Credentials, 2)
	assert.Equal(t, "xai-secondary", grok.Credentials[1].APIKey)
	assert.Equal(t, 7, grok.Credentials[1].Priority)
}

func TestGetConfig(t *testing.T) {
	ctx := context.Background()

	cfg, err := LoadFrom(ctx, newTestViper(t))
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
	assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
}

func TestEnvSpecs(t *testing.T) {
	specs := getEnvSpecs("CHORUS_")
	assert.NotEmpty(t, specs)

	envVarNames := make(map[string]bool)
	for _, spec := range specs {
		envVarNames[spec.Name] = true
	}

	assert.True(t, envVarNames["CHORUS_LOG_LEVEL"], "LOG_LEVEL env var must be mapped")
	assert.True(t, envVarNames["CHORUS_PORT"], "PORT env var must be mapped")
	assert.True(t, envVarNames["CHORUS_JWT_SECRET"], "JWT_SECRET env var must be mapped")
	assert.True(t, envVarNames["CHORUS_DB_PATH"], "DB_PATH env var must be mapped")
	assert.True(t, envVarNames["CHORUS_REDIS_ADDR"], "REDIS_ADDR env var must be mapped")
}

func TestDurationParsing(t *testing.T) {
	ctx := context.Background()
	v := newTestViper(t)

	t.Setenv("CHORUS_READ_TIMEOUT", "45s")
	t.Setenv("CHORUS_SHUTDOWN_TIMEOUT", "5m")

	cfg, err := LoadFrom(ctx, v)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
}

func TestConfigReload(t *testing.T) {
	ctx := context.Background()
	v := newTestViper(t)

	cfg1, err := LoadFrom(ctx, v)
	require.NoError(t, err)
	initialPort := cfg1.Server.Port

	cfg2, err := LoadFrom(ctx, v, map[string]any{
		"server": map[string]any{"port": initialPort + 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, initialPort+1000, cfg2.Server.Port)

	current := GetConfig()
	assert.Equal(t, cfg2.Server.Port, current.Server.Port)
}
