package engine

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/agentfactory/internal/config"
)

// Config is the engine's runtime tuning. The engine holds it behind an
// atomic pointer so UpdateConfig can swap it mid-flight; a running
// phase keeps the snapshot it started with.
type Config struct {
	// AutoApprovalThreshold is the confidence score at or above which a
	// phase advances without review. Range 0-100.
	AutoApprovalThreshold float64

	// PhaseTimeout bounds one phase execution, fan-out included.
	PhaseTimeout time.Duration

	// MaxRetries is the retry budget handed to the retry driver.
	MaxRetries int

	// AutoRetry enables automatic re-runs of recoverable failures.
	AutoRetry bool

	// ApprovalTTL is passed through to the approval gate.
	ApprovalTTL time.Duration

	// AuditEnabled controls audit event emission.
	AuditEnabled bool
}

// FromFactoryConfig converts the loaded file configuration.
func FromFactoryConfig(fc config.FactoryConfig) *Config {
	return &Config{
		AutoApprovalThreshold: fc.AutoApprovalThreshold,
		PhaseTimeout:          fc.PhaseTimeout.Duration(),
		MaxRetries:            fc.MaxRetries,
		AutoRetry:             fc.AutoRetry,
		ApprovalTTL:           fc.ApprovalTTL.Duration(),
		AuditEnabled:          fc.AuditEnabled,
	}
}

// DefaultConfig mirrors the file-level defaults.
func DefaultConfig() *Config {
	return &Config{
		AutoApprovalThreshold: config.DefaultAutoApprovalThreshold,
		PhaseTimeout:          config.DefaultPhaseTimeout,
		MaxRetries:            config.DefaultMaxRetries,
		ApprovalTTL:           config.DefaultApprovalTTL,
		AuditEnabled:          true,
	}
}

// Validate checks the tunable ranges.
func (c *Config) Validate() error {
	if c.AutoApprovalThreshold < 0 || c.AutoApprovalThreshold > 100 {
		return fmt.Errorf("auto approval threshold must be in [0,100], got %v", c.AutoApprovalThreshold)
	}
	if c.PhaseTimeout <= 0 {
		return fmt.Errorf("phase timeout must be positive, got %v", c.PhaseTimeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative: %d", c.MaxRetries)
	}
	if c.ApprovalTTL <= 0 {
		return fmt.Errorf("approval TTL must be positive, got %v", c.ApprovalTTL)
	}
	return nil
}

// Patch is a partial config update; nil fields keep their current
// value.
type Patch struct {
	AutoApprovalThreshold *float64       `json:"auto_approval_threshold,omitempty"`
	PhaseTimeout          *time.Duration `json:"phase_timeout,omitempty"`
	MaxRetries            *int           `json:"max_retries,omitempty"`
	AutoRetry             *bool          `json:"auto_retry,omitempty"`
	ApprovalTTL           *time.Duration `json:"approval_ttl,omitempty"`
	AuditEnabled          *bool          `json:"audit_enabled,omitempty"`
}

// apply merges the patch into a copy of base.
func (p *Patch) apply(base *Config) *Config {
	next := *base
	if p.AutoApprovalThreshold != nil {
		next.AutoApprovalThreshold = *p.AutoApprovalThreshold
	}
	if p.PhaseTimeout != nil {
		next.PhaseTimeout = *p.PhaseTimeout
	}
	if p.MaxRetries != nil {
		next.MaxRetries = *p.MaxRetries
	}
	if p.AutoRetry != nil {
		next.AutoRetry = *p.AutoRetry
	}
	if p.ApprovalTTL != nil {
		next.ApprovalTTL = *p.ApprovalTTL
	}
	if p.AuditEnabled != nil {
		next.AuditEnabled = *p.AuditEnabled
	}
	return &next
}
