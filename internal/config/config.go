// Package config provides configuration loading for the agent factory daemon.
//
// Configuration is loaded from a YAML file, then overridden by environment
// variables. The resulting Config is immutable for the lifetime of the
// process; runtime tuning of the workflow engine goes through the engine's
// own config-patch mechanism, fed by the file watcher.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete factoryd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Factory       FactoryConfig       `koanf:"factory"`
	Generative    GenerativeConfig    `koanf:"generative"`
	Store         StoreConfig         `koanf:"store"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// FactoryConfig holds workflow-engine configuration.
//
// These values replace the env-driven feature flags of earlier revisions:
// they are read once at startup and handed to the engine as an explicit
// struct. Debug and audit are plain booleans here, not globals.
type FactoryConfig struct {
	// AutoApprovalThreshold is the confidence score at or above which a
	// phase advances without human review. Range 0-100.
	AutoApprovalThreshold float64 `koanf:"auto_approval_threshold"`

	// PhaseTimeout bounds a single phase execution, including the
	// parallel fan-out phase as a whole.
	PhaseTimeout Duration `koanf:"phase_timeout"`

	// MaxRetries bounds caller-driven re-execution of a failed
	// specification. The engine itself never retries; it only reports
	// whether a failure is recoverable given this budget.
	MaxRetries int `koanf:"max_retries"`

	// AutoRetry enables the retry driver that re-invokes CreateAgent on
	// recoverable failure. Off by default; retries stay caller-driven.
	AutoRetry bool `koanf:"auto_retry"`

	// ApprovalTTL is how long an approval request stays resolvable
	// before it is reported as expired.
	ApprovalTTL Duration `koanf:"approval_ttl"`

	// Debug enables verbose phase logging.
	Debug bool `koanf:"debug"`

	// AuditEnabled controls audit event emission.
	AuditEnabled bool `koanf:"audit_enabled"`
}

// GenerativeConfig holds generation-endpoint configuration.
type GenerativeConfig struct {
	BaseURL string `koanf:"base_url"`
	APIKey  Secret `koanf:"api_key"`
	Model   string `koanf:"model"`

	// MaxTokens caps a single completion.
	MaxTokens int `koanf:"max_tokens"`

	// Timeout bounds a single HTTP round trip, not the whole phase.
	Timeout Duration `koanf:"timeout"`

	// RateLimit is requests per second against the endpoint.
	RateLimit float64 `koanf:"rate_limit"`

	// CostPerKiloToken is the estimated cost rate used for resource
	// accounting. An approximation, never billing-grade.
	CostPerKiloToken float64 `koanf:"cost_per_kilo_token"`
}

// StoreConfig holds document-store configuration.
type StoreConfig struct {
	// Provider selects the store backend: "memory" or "nats".
	Provider string `koanf:"provider"`

	// URL is the NATS server URL when provider is "nats".
	URL string `koanf:"url"`

	// BucketPrefix namespaces the JetStream key-value buckets.
	BucketPrefix string `koanf:"bucket_prefix"`
}

// LoggingConfig holds the subset of logging settings that come from the
// main config file. The logging package expands these into its own Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
	Endpoint    string `koanf:"endpoint"`
	Insecure    bool   `koanf:"insecure"`
}

// Default values applied by applyDefaults.
const (
	DefaultAutoApprovalThreshold = 85.0
	DefaultPhaseTimeout          = 60 * time.Minute
	DefaultMaxRetries            = 3
	DefaultApprovalTTL           = 24 * time.Hour
)

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9820
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Factory.AutoApprovalThreshold == 0 {
		cfg.Factory.AutoApprovalThreshold = DefaultAutoApprovalThreshold
	}
	if cfg.Factory.PhaseTimeout == 0 {
		cfg.Factory.PhaseTimeout = Duration(DefaultPhaseTimeout)
	}
	if cfg.Factory.MaxRetries == 0 {
		cfg.Factory.MaxRetries = DefaultMaxRetries
	}
	if cfg.Factory.ApprovalTTL == 0 {
		cfg.Factory.ApprovalTTL = Duration(DefaultApprovalTTL)
	}

	if cfg.Generative.BaseURL == "" {
		cfg.Generative.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Generative.Model == "" {
		cfg.Generative.Model = "claude-sonnet-4-5-20250929"
	}
	if cfg.Generative.MaxTokens == 0 {
		cfg.Generative.MaxTokens = 4096
	}
	if cfg.Generative.Timeout == 0 {
		cfg.Generative.Timeout = Duration(2 * time.Minute)
	}
	if cfg.Generative.RateLimit == 0 {
		cfg.Generative.RateLimit = 2
	}
	if cfg.Generative.CostPerKiloToken == 0 {
		cfg.Generative.CostPerKiloToken = 0.003
	}

	if cfg.Store.Provider == "" {
		cfg.Store.Provider = "memory"
	}
	if cfg.Store.URL == "" {
		cfg.Store.URL = "nats://localhost:4222"
	}
	if cfg.Store.BucketPrefix == "" {
		cfg.Store.BucketPrefix = "agentfactory"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "factoryd"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Factory.AutoApprovalThreshold < 0 || c.Factory.AutoApprovalThreshold > 100 {
		return fmt.Errorf("auto approval threshold must be in [0,100], got %v", c.Factory.AutoApprovalThreshold)
	}
	if c.Factory.PhaseTimeout.Duration() <= 0 {
		return errors.New("phase timeout must be positive")
	}
	if c.Factory.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative: %d", c.Factory.MaxRetries)
	}
	if c.Factory.ApprovalTTL.Duration() <= 0 {
		return errors.New("approval TTL must be positive")
	}

	if c.Generative.BaseURL == "" {
		return errors.New("generative base URL is required")
	}
	if c.Generative.MaxTokens <= 0 {
		return fmt.Errorf("generative max tokens must be positive: %d", c.Generative.MaxTokens)
	}
	if c.Generative.RateLimit <= 0 {
		return fmt.Errorf("generative rate limit must be positive: %v", c.Generative.RateLimit)
	}

	switch c.Store.Provider {
	case "memory", "nats":
	default:
		return fmt.Errorf("unknown store provider: %q (must be memory or nats)", c.Store.Provider)
	}
	if c.Store.Provider == "nats" && c.Store.URL == "" {
		return errors.New("store URL required for nats provider")
	}

	if c.Observability.Enabled && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	return nil
}
