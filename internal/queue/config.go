// Package queue holds emails that need a human decision before anything is
// written to the ledger.
//
// The queue is keyed by email fingerprint: enqueuing the same email twice
// updates the pending item instead of adding a second one, and a rejected
// email is never queued again. Reviewer actions are serialized per item
// with a lock and an optimistic version check, so a stale client cannot
// approve an item someone else already rejected.
//
// Example usage:
//
//	q, err := queue.New(queue.DefaultConfig(), store, locker, log)
//	item, err := q.Enqueue(ctx, queue.Request{Candidate: c, Identification: ident})
//
//	_, err = q.ApplyAction(ctx, item.ID, queue.Action{
//		Type:            queue.ActionApprove,
//		Reviewer:        "ops@example.com",
//		ExpectedVersion: item.Version,
//	}, committer)
package queue

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"golang-email-ingestion-service/internal/models"
)

// AmountTier raises priority for candidates at or above Threshold
type AmountTier struct {
	Threshold decimal.Decimal `json:"threshold" mapstructure:"threshold"`
	Boost     int             `json:"boost" mapstructure:"boost"`
}

// Config holds review queue behaviour
type Config struct {
	// ReviewSLA is how long a pending item may wait before each escalation
	ReviewSLA time.Duration `json:"review_sla" mapstructure:"review_sla"`

	// ExpireAfter is how long a pending item lives before the sweep expires it
	ExpireAfter time.Duration `json:"expire_after" mapstructure:"expire_after"`

	// MaxEscalation caps the escalation level
	MaxEscalation int `json:"max_escalation" mapstructure:"max_escalation"`

	// EscalationBoost is the priority added per escalation level
	EscalationBoost int `json:"escalation_boost" mapstructure:"escalation_boost"`

	// HighPriority is the priority counted as high in statistics
	HighPriority int `json:"high_priority" mapstructure:"high_priority"`

	// LockTTL bounds how long a reviewer action may hold an item lock
	LockTTL time.Duration `json:"lock_ttl" mapstructure:"lock_ttl"`

	// AmountTiers raise priority for large amounts; the largest boost reached applies
	AmountTiers []AmountTier `json:"amount_tiers" mapstructure:"amount_tiers"`

	// TagBoosts raise priority for explanatory tags
	TagBoosts map[string]int `json:"tag_boosts" mapstructure:"tag_boosts"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		ReviewSLA:       24 * time.Hour,
		ExpireAfter:     30 * 24 * time.Hour,
		MaxEscalation:   3,
		EscalationBoost: 10,
		HighPriority:    70,
		LockTTL:         30 * time.Second,
		AmountTiers: []AmountTier{
			{Threshold: decimal.NewFromInt(50000), Boost: 20},
			{Threshold: decimal.NewFromInt(10000), Boost: 10},
		},
		TagBoosts: map[string]int{
			models.TagDuplicateUnderReview:      15,
			models.TagSplitOrder:                15,
			models.TagFillExceedsOrder:          20,
			models.TagDuplicateCheckUnavailable: 15,
			models.TagLedgerWriteUnconfirmed:    20,
			models.TagPortfolioUnresolved:       5,
			models.TagParseFailed:               10,
		},
	}
}

// Validate checks if the queue configuration is valid
func (c *Config) Validate() error {
	if c.ReviewSLA <= 0 {
		return fmt.Errorf("review SLA must be positive: %s", c.ReviewSLA)
	}
	if c.ExpireAfter <= c.ReviewSLA {
		return fmt.Errorf("expire-after (%s) must be longer than the review SLA (%s)", c.ExpireAfter, c.ReviewSLA)
	}
	if c.MaxEscalation < 0 {
		return fmt.Errorf("max escalation cannot be negative: %d", c.MaxEscalation)
	}
	if c.EscalationBoost < 0 {
		return fmt.Errorf("escalation boost cannot be negative: %d", c.EscalationBoost)
	}
	if c.HighPriority < 0 || c.HighPriority > MaxPriority {
		return fmt.Errorf("high priority must be between 0 and %d: %d", MaxPriority, c.HighPriority)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock TTL must be positive: %s", c.LockTTL)
	}
	for i, tier := range c.AmountTiers {
		if !tier.Threshold.IsPositive() {
			return fmt.Errorf("amount tier %d threshold must be positive: %s", i, tier.Threshold)
		}
		if tier.Boost < 0 {
			return fmt.Errorf("amount tier %d boost cannot be negative: %d", i, tier.Boost)
		}
	}
	for tag, boost := range c.TagBoosts {
		if boost < 0 {
			return fmt.Errorf("boost for tag %q cannot be negative: %d", tag, boost)
		}
	}
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.AmountTiers = append([]AmountTier(nil), c.AmountTiers...)
	clone.TagBoosts = make(map[string]int, len(c.TagBoosts))
	for k, v := range c.TagBoosts {
		clone.TagBoosts[k] = v
	}
	return &clone
}
