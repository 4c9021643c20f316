package queue

import (
	"math"

	"github.com/shopspring/decimal"

	"golang-email-ingestion-service/internal/models"
)

// MaxPriority is the highest priority an item can have
const MaxPriority = 100

// Scorer derives priority and risk for queue items
type Scorer struct {
	config *Config
}

// NewScorer creates a scorer with the given configuration
func NewScorer(config *Config) *Scorer {
	if config == nil {
		config = DefaultConfig()
	}
	return &Scorer{config: config}
}

// Priority is 0..100. Low confidence, review flags, large amounts and missed
// SLAs all push an item up.
func (s *Scorer) Priority(item *models.ReviewQueueItem) int {
	confidence := 0.0
	if item.Candidate != nil {
		confidence = item.Candidate.Confidence
	}

	priority := int(math.Round((1 - confidence) * 50))
	priority += s.tagBoost(item.Tags)
	priority += s.amountBoost(item.Candidate)
	priority += item.EscalationLevel * s.config.EscalationBoost

	if priority < 0 {
		return 0
	}
	if priority > MaxPriority {
		return MaxPriority
	}
	return priority
}

// RiskScore is 0..1 and weighs the same factors as Priority, without escalation
func (s *Scorer) RiskScore(item *models.ReviewQueueItem) float64 {
	confidence := 0.0
	if item.Candidate != nil {
		confidence = item.Candidate.Confidence
	}

	flags := math.Min(1, float64(s.tagBoost(item.Tags))/40)
	amount := 0.0
	if top := s.topTier(); top.IsPositive() && item.Candidate != nil {
		amount, _ = item.Candidate.TotalAmount.Abs().Div(top).Float64()
		amount = math.Min(1, amount)
	}

	risk := 0.5*(1-confidence) + 0.3*flags + 0.2*amount
	return math.Max(0, math.Min(1, risk))
}

func (s *Scorer) tagBoost(tags []string) int {
	boost := 0
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		if seen[tag] {
			continue
		}
		seen[tag] = true
		boost += s.config.TagBoosts[tag]
	}
	return boost
}

func (s *Scorer) amountBoost(c *models.Candidate) int {
	if c == nil {
		return 0
	}
	amount := c.TotalAmount.Abs()
	best := 0
	for _, tier := range s.config.AmountTiers {
		if amount.GreaterThanOrEqual(tier.Threshold) && tier.Boost > best {
			best = tier.Boost
		}
	}
	return best
}

func (s *Scorer) topTier() decimal.Decimal {
	top := decimal.Zero
	for _, tier := range s.config.AmountTiers {
		top = decimal.Max(top, tier.Threshold)
	}
	return top
}
