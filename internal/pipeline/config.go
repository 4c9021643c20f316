package pipeline

import (
	"fmt"
	"time"
)

// Config holds orchestration limits
type Config struct {
	// LedgerTimeout bounds every ledger call made while creating a transaction
	LedgerTimeout time.Duration `json:"ledger_timeout" mapstructure:"ledger_timeout"`
	// LockTTL is the lease on the per-fingerprint lock. It must outlast the
	// resolver and ledger calls made while the lock is held.
	LockTTL time.Duration `json:"lock_ttl" mapstructure:"lock_ttl"`
	// LockWait bounds how long an email waits for another worker holding its fingerprint
	LockWait time.Duration `json:"lock_wait" mapstructure:"lock_wait"`
	// Concurrency is the number of emails processed at once by ProcessBatch
	Concurrency int `json:"concurrency" mapstructure:"concurrency"`
}

// DefaultConfig returns the default orchestration limits
func DefaultConfig() *Config {
	return &Config{
		LedgerTimeout: 10 * time.Second,
		LockTTL:       time.Minute,
		LockWait:      30 * time.Second,
		Concurrency:   4,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.LedgerTimeout <= 0 {
		return fmt.Errorf("ledger timeout must be positive, got %s", c.LedgerTimeout)
	}
	if c.LockTTL <= c.LedgerTimeout {
		return fmt.Errorf("lock TTL %s must exceed the ledger timeout %s", c.LockTTL, c.LedgerTimeout)
	}
	if c.LockWait <= 0 {
		return fmt.Errorf("lock wait must be positive, got %s", c.LockWait)
	}
	if c.Concurrency < 1 || c.Concurrency > 64 {
		return fmt.Errorf("concurrency must be between 1 and 64, got %d", c.Concurrency)
	}
	return nil
}

// ProcessOptions are per-call options for ProcessEmail
type ProcessOptions struct {
	// ConfigID selects the installation whose auto-insert setting applies
	ConfigID string `json:"config_id,omitempty"`
	// PortfolioIDHint skips portfolio mapping when set
	PortfolioIDHint string `json:"portfolio_id_hint,omitempty"`
	// Reprocess retries an email whose earlier ledger write was never
	// confirmed instead of routing it to review.
	Reprocess bool `json:"reprocess,omitempty"`
}
