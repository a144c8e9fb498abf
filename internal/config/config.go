package config

import "time"

// Config represents the complete application configuration. Values are
// layered: built-in defaults, the config file, environment variables and
// finally runtime overrides.
type Config struct {
	Server      ServerConfig           `mapstructure:"server"`
	Store       StoreConfig            `mapstructure:"store"`
	Redis       RedisConfig            `mapstructure:"redis"`
	Logging     LoggingConfig          `mapstructure:"logging"`
	Metrics     MetricsConfig          `mapstructure:"metrics"`
	Health      HealthConfig           `mapstructure:"health"`
	Debug       DebugConfig            `mapstructure:"debug"`
	Auth        AuthConfig             `mapstructure:"auth"`
	MultiModel  MultiModelConfig       `mapstructure:"multi_model"`
	Quota       QuotaConfig            `mapstructure:"quota"`
	Fingerprint FingerprintConfig      `mapstructure:"fingerprint"`
	Models      map[string]ModelConfig `mapstructure:"models"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects the counter store backing the tiered limiter.
// Driver is one of "libsql" (default), "redis" or "memory".
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// RedisConfig is used when store.driver is "redis".
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	Prefix       string        `mapstructure:"prefix"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: simple, structured
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether metrics are exposed
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig contains debug and profiling configuration
type DebugConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// WARNING: Only enable in development/staging environments
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// AuthConfig controls bearer-token verification on /v1 routes.
type AuthConfig struct {
	// Disabled skips token verification; every caller becomes AnonymousSubject.
	Disabled bool `mapstructure:"disabled"`

	// JWTSecret is the HS256 signing secret.
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`

	// TierClaim names the claim carrying the subscription tier.
	TierClaim string `mapstructure:"tier_claim"`

	DefaultTier      string `mapstructure:"default_tier"`
	AnonymousSubject string `mapstructure:"anonymous_subject"`
}

// MultiModelConfig holds fan-out and aggregation defaults.
type MultiModelConfig struct {
	DefaultStrategy        string        `mapstructure:"default_strategy"`
	MaxConcurrency         int           `mapstructure:"max_concurrency"`
	Timeout                time.Duration `mapstructure:"timeout"`
	MinSuccessfulResponses int           `mapstructure:"min_successful_responses"`
	Scorer                 string        `mapstructure:"scorer"`
}

// QuotaConfig configures the tiered limiter.
type QuotaConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Tiers overrides entries of the built-in tier x operation table.
	Tiers map[string]map[string]int `mapstructure:"tiers"`

	// UnknownOperationPolicy is "allow" (default) or "deny".
	UnknownOperationPolicy string `mapstructure:"unknown_operation_policy"`

	SweepProbability float64       `mapstructure:"sweep_probability"`
	Retention        time.Duration `mapstructure:"retention"`
}

// FingerprintConfig configures the pre-authentication limiter.
type FingerprintConfig struct {
	Enabled          bool                    `mapstructure:"enabled"`
	Dir              string                  `mapstructure:"dir"`
	Actions          map[string]ActionPolicy `mapstructure:"actions"`
	SweepProbability float64                 `mapstructure:"sweep_probability"`
	Retention        time.Duration           `mapstructure:"retention"`
}

// ActionPolicy is one fingerprint limit: at most MaxAttempts inside Window,
// then a block lasting BlockDuration.
type ActionPolicy struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	Window        time.Duration `mapstructure:"window"`
	BlockDuration time.Duration `mapstructure:"block_duration"`
}

// ModelConfig describes one configured backend model. The map key under
// `models` is the name callers use in requests.
type ModelConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Provider selects the adapter family: "openai", "xai", "local" or "echo".
	Provider string `mapstructure:"provider"`

	// Model is the upstream model id; defaults to the config key.
	Model string `mapstructure:"model"`

	BaseURL      string        `mapstructure:"base_url"`
	Capabilities []string      `mapstructure:"capabilities"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Timeout      time.Duration `mapstructure:"timeout"`

	// SelectionPolicy controls which credential is chosen.
	// Supported values: "priority" (default), "round_robin".
	SelectionPolicy string             `mapstructure:"selection_policy"`
	Credentials     []CredentialConfig `mapstructure:"credentials"`

	// Latency is an artificial delay applied by the echo adapter.
	Latency time.Duration `mapstructure:"latency"`
}

// CredentialConfig is a single credential for a model backend.
type CredentialConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Label    string `mapstructure:"label"`
	APIKey   string `mapstructure:"api_key"`
	Priority int    `mapstructure:"priority"`
}
