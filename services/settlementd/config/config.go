package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"settlecore/crypto"
	"settlecore/observability/logging"
	"settlecore/services/settlement/middleware"
)

const defaultListen = ":8480"

// Config captures the runtime settings for the settlement daemon.
type Config struct {
	ListenAddress   string                          `yaml:"listen"`
	Environment     string                          `yaml:"environment"`
	ProtocolConfig  string                          `yaml:"protocol_config"`
	DevFaucet       bool                            `yaml:"dev_faucet"`
	ShutdownTimeout time.Duration                   `yaml:"shutdown_timeout"`
	TLS             TLSConfig                       `yaml:"tls"`
	Storage         StorageConfig                   `yaml:"storage"`
	Auth            AuthConfig                      `yaml:"auth"`
	RateLimits      map[string]middleware.RateLimit `yaml:"rate_limits"`
	History         HistoryConfig                   `yaml:"history"`
	Logging         logging.Options                 `yaml:"logging"`
	Telemetry       TelemetryConfig                 `yaml:"telemetry"`
	Keeper          KeeperConfig                    `yaml:"keeper"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// StorageConfig selects the key-value backend holding settlement state.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
	// HMACSecretEnv names the environment variable holding the signing secret.
	HMACSecretEnv string        `yaml:"hmac_secret_env"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	ScopeClaim    string        `yaml:"scope_claim"`
	ClockSkew     time.Duration `yaml:"clock_skew"`
}

// HistoryConfig controls the event archive.
type HistoryConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// Buffer is the size of the in-memory event ring served without an archive.
	Buffer int `yaml:"buffer"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	Traces      bool              `yaml:"traces"`
	Metrics     bool              `yaml:"metrics"`
	SampleRatio float64           `yaml:"sample_ratio"`
}

// KeeperConfig enables the built-in fill and clear loop.
type KeeperConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Operator    string        `yaml:"operator"`
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{ListenAddress: defaultListen}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	cfg.ProtocolConfig = strings.TrimSpace(cfg.ProtocolConfig)
	if cfg.ProtocolConfig == "" {
		cfg.ProtocolConfig = "settlement.toml"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)

	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "leveldb"
	}
	cfg.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	if cfg.Storage.Path == "" && cfg.Storage.Backend != "memory" {
		cfg.Storage.Path = "data/settlement"
	}

	cfg.Auth.HMACSecretEnv = strings.TrimSpace(cfg.Auth.HMACSecretEnv)
	if cfg.Auth.HMACSecretEnv == "" {
		cfg.Auth.HMACSecretEnv = "SETTLE_JWT_SECRET"
	}
	cfg.Auth.Issuer = strings.TrimSpace(cfg.Auth.Issuer)
	cfg.Auth.Audience = strings.TrimSpace(cfg.Auth.Audience)
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = 30 * time.Second
	}

	normalized := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for key, limit := range cfg.RateLimits {
		if key = strings.ToLower(strings.TrimSpace(key)); key != "" {
			normalized[key] = limit
		}
	}
	cfg.RateLimits = normalized

	cfg.History.Driver = strings.ToLower(strings.TrimSpace(cfg.History.Driver))
	cfg.History.DSN = strings.TrimSpace(cfg.History.DSN)
	if cfg.History.Buffer <= 0 {
		cfg.History.Buffer = 1024
	}

	cfg.Logging.File = strings.TrimSpace(cfg.Logging.File)
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)

	cfg.Keeper.Operator = strings.TrimSpace(cfg.Keeper.Operator)
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	hasCert := cfg.TLS.CertPath != ""
	if hasCert != (cfg.TLS.KeyPath != "") {
		return fmt.Errorf("tls: cert and key must either both be provided or both be empty")
	}
	if !hasCert && !cfg.TLS.AllowInsecure {
		return fmt.Errorf("tls: cert and key are required unless allow_insecure=true")
	}
	switch cfg.Storage.Backend {
	case "memory", "leveldb", "bolt", "bbolt":
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
	if cfg.Auth.Enabled && cfg.Auth.Issuer == "" {
		return fmt.Errorf("auth: issuer required when auth is enabled")
	}
	if !cfg.Auth.Enabled && cfg.Environment != "dev" {
		return fmt.Errorf("auth: may only be disabled with environment=dev")
	}
	if cfg.DevFaucet && cfg.Environment != "dev" {
		return fmt.Errorf("dev_faucet requires environment=dev")
	}
	for key, limit := range cfg.RateLimits {
		if limit.RequestsPerMinute < 0 || limit.Burst < 0 {
			return fmt.Errorf("rate_limits.%s: values must be non-negative", key)
		}
	}
	switch cfg.History.Driver {
	case "":
	case "sqlite", "postgres":
		if cfg.History.DSN == "" {
			return fmt.Errorf("history: dsn required for driver %q", cfg.History.Driver)
		}
	default:
		return fmt.Errorf("history: unknown driver %q", cfg.History.Driver)
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0,1]")
	}
	if cfg.Keeper.Enabled {
		if _, err := cfg.KeeperOperator(); err != nil {
			return fmt.Errorf("keeper: %w", err)
		}
	}
	return nil
}

// KeeperOperator decodes the keeper's bech32 operator address.
func (cfg Config) KeeperOperator() (crypto.Address, error) {
	if cfg.Keeper.Operator == "" {
		return crypto.Address{}, fmt.Errorf("operator address required")
	}
	addr, err := crypto.DecodeAddress(cfg.Keeper.Operator)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("operator: %w", err)
	}
	return addr, nil
}

// AuthenticatorConfig resolves the signing secret from the environment.
func (cfg Config) AuthenticatorConfig(lookup func(string) (string, bool)) (middleware.AuthConfig, error) {
	out := middleware.AuthConfig{
		Enabled:    cfg.Auth.Enabled,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ScopeClaim: cfg.Auth.ScopeClaim,
		ClockSkew:  cfg.Auth.ClockSkew,
	}
	if !cfg.Auth.Enabled {
		return out, nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	secret, ok := lookup(cfg.Auth.HMACSecretEnv)
	if !ok || strings.TrimSpace(secret) == "" {
		return out, fmt.Errorf("auth: %s is not set", cfg.Auth.HMACSecretEnv)
	}
	out.HMACSecret = strings.TrimSpace(secret)
	return out, nil
}
