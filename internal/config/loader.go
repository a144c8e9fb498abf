// Package config provides centralized configuration management for chorus.
// Settings are layered in this order:
// Layer 1: built-in defaults registered by SetDefaults
// Layer 2: the YAML config file read by viper
// Layer 3: environment variables ({PREFIX}{NAME} and dynamic model overrides)
// Layer 4: runtime overrides supplied by the caller
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/chorusrelay/chorus/internal/appid"
	"github.com/chorusrelay/chorus/internal/core"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// EnvVarSpec defines environment variable mappings for config fields
// following the pattern: {PREFIX}{NAME} maps to config path
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

var knownStrategies = map[string]bool{
	"combine_all":        true,
	"prioritize_fastest": true,
	"prioritize_best":    true,
}

// SetDefaults registers default configuration values on v.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	// Store defaults
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "chorus")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Health check defaults
	v.SetDefault("health.enabled", true)

	// Debug defaults
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("auth.disabled", false)
	v.SetDefault("auth.tier_claim", "tier")
	v.SetDefault("auth.default_tier", "free")
	v.SetDefault("auth.anonymous_subject", "anonymous")

	v.SetDefault("multi_model.default_strategy", "combine_all")
	v.SetDefault("multi_model.max_concurrency", 3)
	v.SetDefault("multi_model.timeout", "30s")
	v.SetDefault("multi_model.min_successful_responses", 1)
	v.SetDefault("multi_model.scorer", "first_success")

	v.SetDefault("quota.enabled", true)
	v.SetDefault("quota.unknown_operation_policy", "allow")
	v.SetDefault("quota.sweep_probability", 0.01)
	v.SetDefault("quota.retention", "48h")

	v.SetDefault("fingerprint.enabled", true)
	v.SetDefault("fingerprint.dir", DefaultFingerprintDir())
	v.SetDefault("fingerprint.sweep_probability", 0.01)
	v.SetDefault("fingerprint.retention", "24h")
	v.SetDefault("fingerprint.actions.global.max_attempts", 100)
	v.SetDefault("fingerprint.actions.global.window", "1m")
	v.SetDefault("fingerprint.actions.global.block_duration", "5m")
	v.SetDefault("fingerprint.actions.login.max_attempts", 10)
	v.SetDefault("fingerprint.actions.login.window", "15m")
	v.SetDefault("fingerprint.actions.login.block_duration", "30m")
	v.SetDefault("fingerprint.actions.signup.max_attempts", 5)
	v.SetDefault("fingerprint.actions.signup.window", "1h")
	v.SetDefault("fingerprint.actions.signup.block_duration", "1h")
}

// Load builds the configuration from the global viper instance.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(ctx context.Context, runtimeOverrides ...map[string]any) (*Config, error) {
	return LoadFrom(ctx, viper.GetViper(), runtimeOverrides...)
}

// LoadFrom builds the configuration from v, environment variables and
// runtimeOverrides, stores it as the current config and returns it.
func LoadFrom(ctx context.Context, v *viper.Viper, runtimeOverrides ...map[string]any) (*Config, error) {
	if v == nil {
		v = viper.New()
		SetDefaults(v)
	}

	prefix := appid.Get().Prefix()

	// Load environment variable overrides
	envOverrides, err := gfconfig.LoadEnvOverrides(getEnvSpecs(prefix))
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}
	if envOverrides == nil {
		envOverrides = map[string]any{}
	}
	applyModelDynamicEnvOverrides(prefix, envOverrides)

	merged := v.AllSettings()
	mergeSettings(merged, envOverrides)
	for _, override := range runtimeOverrides {
		mergeSettings(merged, override)
	}

	cfg, err := Decode(merged)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}
	if strings.TrimSpace(cfg.Fingerprint.Dir) == "" {
		cfg.Fingerprint.Dir = DefaultFingerprintDir()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Store the loaded config
	setConfig(cfg)

	return cfg, nil
}

// Decode converts a raw settings map into a typed Config.
func Decode(settings map[string]any) (*Config, error) {
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings the runtime cannot honour.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "", "libsql", "redis", "memory":
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}

	switch strings.ToLower(strings.TrimSpace(c.Quota.UnknownOperationPolicy)) {
	case "", "allow", "deny":
	default:
		return fmt.Errorf("quota.unknown_operation_policy must be allow or deny, got %q", c.Quota.UnknownOperationPolicy)
	}

	if strategy := strings.TrimSpace(c.MultiModel.DefaultStrategy); strategy != "" && !knownStrategies[strategy] {
		return fmt.Errorf("unknown multi_model.default_strategy %q", strategy)
	}
	if c.MultiModel.MinSuccessfulResponses < 0 {
		return fmt.Errorf("multi_model.min_successful_responses must not be negative")
	}
	if c.Quota.SweepProbability < 0 || c.Quota.SweepProbability > 1 {
		return fmt.Errorf("quota.sweep_probability must be between 0 and 1")
	}
	if c.Fingerprint.SweepProbability < 0 || c.Fingerprint.SweepProbability > 1 {
		return fmt.Errorf("fingerprint.sweep_probability must be between 0 and 1")
	}

	for name, policy := range c.Fingerprint.Actions {
		if policy.MaxAttempts <= 0 {
			return fmt.Errorf("fingerprint.actions.%s.max_attempts must be positive", name)
		}
		// Records keep at most core.MaxStoredAttempts timestamps.
		if policy.MaxAttempts > core.MaxStoredAttempts {
			return fmt.Errorf("fingerprint.actions.%s.max_attempts must be at most %d, got %d", name, core.MaxStoredAttempts, policy.MaxAttempts)
		}
		if policy.Window <= 0 {
			return fmt.Errorf("fingerprint.actions.%s.window must be positive", name)
		}
	}

	return nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// getEnvSpecs returns environment variable specifications for config mapping
// Maps {PREFIX}{NAME} environment variables to config paths
func getEnvSpecs(prefix string) []EnvVarSpec {
	return []EnvVarSpec{
		// Server config
		{Name: prefix + "HOST", Path: []string{"server", "host"}, Type: EnvString},
		{Name: prefix + "PORT", Path: []string{"server", "port"}, Type: EnvInt},
		// Duration fields are parsed as strings and converted by mapstructure decode hook
		{Name: prefix + "READ_TIMEOUT", Path: []string{"server", "read_timeout"}, Type: EnvString},
		{Name: prefix + "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}, Type: EnvString},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}, Type: EnvString},

		// Logging config
		{Name: prefix + "LOG_LEVEL", Path: []string{"logging", "level"}, Type: EnvString},
		{Name: prefix + "LOG_PROFILE", Path: []string{"logging", "profile"}, Type: EnvString},

		// Store config
		{Name: prefix + "DB_DRIVER", Path: []string{"store", "driver"}, Type: EnvString},
		{Name: prefix + "DB_PATH", Path: []string{"store", "path"}, Type: EnvString},
		{Name: prefix + "DB_URL", Path: []string{"store", "url"}, Type: EnvString},
		{Name: prefix + "DB_AUTH_TOKEN", Path: []string{"store", "auth_token"}, Type: EnvString},

		{Name: prefix + "REDIS_ADDR", Path: []string{"redis", "addr"}, Type: EnvString},
		{Name: prefix + "REDIS_USERNAME", Path: []string{"redis", "username"}, Type: EnvString},
		{Name: prefix + "REDIS_PASSWORD", Path: []string{"redis", "password"}, Type: EnvString},
		{Name: prefix + "REDIS_DB", Path: []string{"redis", "db"}, Type: EnvInt},

		// Auth config
		{Name: prefix + "AUTH_DISABLED", Path: []string{"auth", "disabled"}, Type: EnvBool},
		{Name: prefix + "JWT_SECRET", Path: []string{"auth", "jwt_secret"}, Type: EnvString},
		{Name: prefix + "JWT_ISSUER", Path: []string{"auth", "issuer"}, Type: EnvString},
		{Name: prefix + "JWT_AUDIENCE", Path: []string{"auth", "audience"}, Type: EnvString},

		// Fan-out config
		{Name: prefix + "MULTI_MODEL_STRATEGY", Path: []string{"multi_model", "default_strategy"}, Type: EnvString},
		{Name: prefix + "MULTI_MODEL_MAX_CONCURRENCY", Path: []string{"multi_model", "max_concurrency"}, Type: EnvInt},
		{Name: prefix + "MULTI_MODEL_TIMEOUT", Path: []string{"multi_model", "timeout"}, Type: EnvString},
		{Name: prefix + "MULTI_MODEL_MIN_SUCCESSFUL", Path: []string{"multi_model", "min_successful_responses"}, Type: EnvInt},

		// Quota config
		{Name: prefix + "QUOTA_ENABLED", Path: []string{"quota", "enabled"}, Type: EnvBool},
		{Name: prefix + "QUOTA_UNKNOWN_OPERATION_POLICY", Path: []string{"quota", "unknown_operation_policy"}, Type: EnvString},
		{Name: prefix + "FINGERPRINT_ENABLED", Path: []string{"fingerprint", "enabled"}, Type: EnvBool},
		{Name: prefix + "FINGERPRINT_DIR", Path: []string{"fingerprint", "dir"}, Type: EnvString},

		// Metrics config
		{Name: prefix + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: EnvBool},
		{Name: prefix + "METRICS_PORT", Path: []string{"metrics", "port"}, Type: EnvInt},

		// Health config
		{Name: prefix + "HEALTH_ENABLED", Path: []string{"health", "enabled"}, Type: EnvBool},

		// Debug config
		{Name: prefix + "DEBUG_ENABLED", Path: []string{"debug", "enabled"}, Type: EnvBool},
	}
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(appid.Get().ConfigName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	return gfconfig.GetAppDataDir(appid.Get().ConfigName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	identity := appid.Get()
	dataDir := DefaultDataDir()
	if strings.TrimSpace(dataDir) == "" {
		return "./" + identity.BinaryName + ".db"
	}
	return filepath.Join(dataDir, identity.BinaryName+".db")
}

// DefaultFingerprintDir returns the directory holding fingerprint records.
func DefaultFingerprintDir() string {
	dataDir := DefaultDataDir()
	if strings.TrimSpace(dataDir) == "" {
		return "./fingerprints"
	}
	return filepath.Join(dataDir, "fingerprints")
}

// applyModelDynamicEnvOverrides maps {PREFIX}MODELS_<ID>_<FIELD> variables onto
// the models subtree, e.g. CHORUS_MODELS_GPT_4O_API_KEY=... configures the
// first credential of model "gpt-4o".
func applyModelDynamicEnvOverrides(prefix string, envOverrides map[string]any) {
	modelPrefix := prefix + "MODELS_"

	for _, item := range os.Environ() {
		key, value, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(value) == "" {
			continue
		}
		if strings.HasPrefix(key, modelPrefix) {
			applyModelOverride(envOverrides, key[len(modelPrefix):], value)
		}
	}
}

func applyModelOverride(envOverrides map[string]any, raw string, value string) {
	parts := strings.Split(strings.TrimSpace(raw), "_")
	if len(parts) < 2 {
		return
	}

	section := -1
	for i, part := range parts {
		if i == 0 {
			continue
		}
		switch part {
		case "ENABLED", "PROVIDER", "MODEL", "BASE", "API", "TIMEOUT", "MAX", "LATENCY", "CREDENTIALS", "SELECTION":
			section = i
		}
		if section != -1 {
			break
		}
	}
	if section <= 0 {
		return
	}

	modelID := strings.ToLower(strings.Join(parts[:section], "-"))
	if modelID == "" {
		return
	}

	models := ensureMap(envOverrides, "models")
	entry := ensureMap(models, modelID)
	value = strings.TrimSpace(value)

	rest := parts[section:]
	switch {
	case len(rest) == 1 && rest[0] == "ENABLED":
		entry["enabled"] = strings.EqualFold(value, "true")
	case len(rest) == 1 && rest[0] == "PROVIDER":
		entry["provider"] = strings.ToLower(value)
	case len(rest) == 1 && rest[0] == "MODEL":
		entry["model"] = value
	case len(rest) == 1 && rest[0] == "TIMEOUT":
		entry["timeout"] = value
	case len(rest) == 1 && rest[0] == "LATENCY":
		entry["latency"] = value
	case len(rest) == 2 && rest[0] == "BASE" && rest[1] == "URL":
		entry["base_url"] = value
	case len(rest) == 2 && rest[0] == "MAX" && rest[1] == "TOKENS":
		if parsed, err := strconv.Atoi(value); err == nil {
			entry["max_tokens"] = parsed
		}
	case len(rest) == 2 && rest[0] == "SELECTION" && rest[1] == "POLICY":
		entry["selection_policy"] = strings.ToLower(value)
	case len(rest) == 2 && rest[0] == "API" && rest[1] == "KEY":
		creds := ensureSlice(entry, "credentials", 1)
		cred := ensureSliceMap(creds, 0)
		cred["api_key"] = value
		cred["enabled"] = true
	case len(rest) >= 3 && rest[0] == "CREDENTIALS":
		idx, err := strconv.Atoi(rest[1])
		if err != nil || idx < 0 {
			return
		}
		field := strings.ToLower(strings.Join(rest[2:], "_"))
		if field == "" {
			return
		}

		creds := ensureSlice(entry, "credentials", idx+1)
		cred := ensureSliceMap(creds, idx)
		switch field {
		case "priority":
			if parsed, err := strconv.Atoi(value); err == nil {
				cred[field] = parsed
			}
		case "enabled":
			cred[field] = strings.EqualFold(value, "true")
		default:
			cred[field] = value
		}
	}
}

// mergeSettings deep-merges src into dst; nested maps merge key by key and
// everything else in src replaces the value in dst.
func mergeSettings(dst, src map[string]any) {
	if dst == nil {
		return
	}
	for key, value := range src {
		key = strings.ToLower(key)
		srcMap, srcIsMap := value.(map[string]any)
		if srcIsMap {
			if dstMap, ok := dst[key].(map[string]any); ok {
				mergeSettings(dstMap, srcMap)
				continue
			}
			fresh := map[string]any{}
			mergeSettings(fresh, srcMap)
			dst[key] = fresh
			continue
		}
		dst[key] = value
	}
}

func ensureMap(parent map[string]any, key string) map[string]any {
	if parent == nil {
		return map[string]any{}
	}
	if existing, ok := parent[key]; ok {
		if typed, ok := existing.(map[string]any); ok {
			return typed
		}
	}
	next := map[string]any{}
	parent[key] = next
	return next
}

func ensureSlice(parent map[string]any, key string, length int) []any {
	var existing []any
	if raw, ok := parent[key]; ok {
		existing, _ = raw.([]any)
	}
	for len(existing) < length {
		existing = append(existing, map[string]any{})
	}
	parent[key] = existing
	return existing
}

func ensureSliceMap(slice []any, idx int) map[string]any {
	if idx < 0 || idx >= len(slice) {
		return map[string]any{}
	}
	if typed, ok := slice[idx].(map[string]any); ok {
		return typed
	}
	m := map[string]any{}
	slice[idx] = m
	return m
}
