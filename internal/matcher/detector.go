package matcher

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"golang-email-ingestion-service/internal/models"
	"golang-email-ingestion-service/pkg/errors"
	"golang-email-ingestion-service/pkg/logger"
)

// FingerprintLookup reports whether an email fingerprint was already handled.
// ref is the transaction or review item recorded for it.
type FingerprintLookup interface {
	LookupFingerprint(ctx context.Context, fingerprint string) (ref string, found bool, err error)
}

// FingerprintLookupFunc adapts a function to FingerprintLookup
type FingerprintLookupFunc func(ctx context.Context, fingerprint string) (string, bool, error)

// LookupFingerprint implements FingerprintLookup
func (f FingerprintLookupFunc) LookupFingerprint(ctx context.Context, fingerprint string) (string, bool, error) {
	return f(ctx, fingerprint)
}

// HistorySource returns recorded transactions for one symbol. An empty
// portfolioID searches every portfolio.
type HistorySource interface {
	RecentTransactions(ctx context.Context, portfolioID, symbol string, from, to time.Time, limit int) ([]*models.LedgerTransaction, error)
}

// Detector runs multi-level duplicate detection. It holds no state between
// calls and is safe for concurrent use.
type Detector struct {
	config   *DetectionConfig
	history  HistorySource
	lookups  []FingerprintLookup
	analyzer *WindowAnalyzer
	logger   logger.Logger
}

// NewDetector creates a detector. Lookups are consulted in order by the
// exact fingerprint level.
func NewDetector(config *DetectionConfig, history HistorySource, log logger.Logger, lookups ...FingerprintLookup) *Detector {
	if config == nil {
		config = DefaultDetectionConfig()
	}
	return &Detector{
		config:   config,
		history:  history,
		lookups:  lookups,
		analyzer: NewWindowAnalyzer(config),
		logger:   logger.OrNop(log).WithComponent("detector"),
	}
}

// Config returns the detection configuration
func (d *Detector) Config() *DetectionConfig {
	return d.config
}

// CheckFingerprint is the exact level: any lookup that knows the fingerprint
// makes the candidate a duplicate to skip.
func (d *Detector) CheckFingerprint(ctx context.Context, fingerprint string) (*models.DuplicateResult, bool, error) {
	if fingerprint == "" {
		return nil, false, nil
	}

	for _, lookup := range d.lookups {
		ref, found, err := lookup.LookupFingerprint(ctx, fingerprint)
		if err != nil {
			return nil, false, errors.DuplicateCheckError("fingerprint lookup", err)
		}
		if found {
			return exactResult(ref, "email fingerprint already processed"), true, nil
		}
	}
	return nil, false, nil
}

// Detect classifies a candidate against everything already recorded.
// Storage failures are returned as duplicate-check errors; the caller must
// not auto-insert in that case.
func (d *Detector) Detect(ctx context.Context, c *models.Candidate, ident models.EmailIdentification, portfolioID string) (*models.DuplicateResult, error) {
	if result, found, err := d.CheckFingerprint(ctx, ident.FingerprintHash); err != nil || found {
		return result, err
	}

	index, err := d.loadHistory(ctx, c, portfolioID)
	if err != nil {
		return nil, err
	}

	if tx, ok := index.GetByFingerprint(ident.FingerprintHash); ok && ident.FingerprintHash != "" {
		return exactResult(tx.ID, "ledger transaction carries the same fingerprint"), nil
	}

	analysis := d.analyzer.Analyze(c, index)
	switch analysis.Pattern {
	case models.PatternPartialFill:
		return d.partialFillResult(analysis), nil
	case models.PatternSplitOrder:
		return d.splitOrderResult(analysis), nil
	}

	if result := d.contentMatch(c, index); result != nil {
		result.WindowPattern = analysis.Pattern
		if analysis.Pattern == models.PatternRapidTrading {
			result.AddTag(models.TagRapidTrading)
		}
		return result, nil
	}

	result := models.NewDuplicateResult()
	result.WindowPattern = analysis.Pattern
	if analysis.Pattern == models.PatternRapidTrading {
		result.MatchLevel = models.MatchLevelTimeWindow
		result.AddTag(models.TagRapidTrading)
		result.AddReason("%s", analysis.Reason)
	}

	if c.Confidence >= d.config.AutoInsertThreshold {
		result.Recommendation = models.RecommendAutoSkipCheckPassed
	} else {
		result.Recommendation = models.RecommendReview
		result.AddTag(models.TagLowConfidence)
		result.AddReason("confidence %.2f below auto-insert threshold %.2f", c.Confidence, d.config.AutoInsertThreshold)
	}

	return result, nil
}

func (d *Detector) loadHistory(ctx context.Context, c *models.Candidate, portfolioID string) (*HistoryIndex, error) {
	if d.history == nil {
		return NewHistoryIndex(nil), nil
	}

	span := time.Duration(d.config.DateToleranceDays+1) * 24 * time.Hour
	if d.config.Window > span {
		span = d.config.Window
	}

	history, err := d.history.RecentTransactions(ctx, portfolioID, c.Symbol(),
		c.TransactionDate.Add(-span), c.TransactionDate.Add(span), d.config.MaxHistory)
	if err != nil {
		return nil, errors.DuplicateCheckError("history lookup", err)
	}

	index := NewHistoryIndex(history)
	d.logger.WithFields(logger.Fields{
		"symbol":       c.Symbol(),
		"portfolio_id": portfolioID,
		"history":      len(history),
	}).Debug("Loaded duplicate-check history")
	return index, nil
}

func (d *Detector) partialFillResult(analysis WindowAnalysis) *models.DuplicateResult {
	result := models.NewDuplicateResult()
	result.MatchLevel = models.MatchLevelTimeWindow
	result.WindowPattern = models.PatternPartialFill
	result.FilledQuantity = analysis.FilledQuantity
	if analysis.Anchor != nil {
		result.MatchedTransactionID = analysis.Anchor.ID
	}
	result.AddTag(models.TagPartialFill)
	result.AddReason("%s", analysis.Reason)

	if analysis.Exceeds {
		result.Recommendation = models.RecommendReview
		result.AddTag(models.TagFillExceedsOrder)
		return result
	}
	result.Recommendation = models.RecommendAutoMerge
	return result
}

func (d *Detector) splitOrderResult(analysis WindowAnalysis) *models.DuplicateResult {
	result := models.NewDuplicateResult()
	result.MatchLevel = models.MatchLevelTimeWindow
	result.WindowPattern = models.PatternSplitOrder
	result.Recommendation = models.RecommendReview
	result.MatchedTransactionID = analysis.Anchor.ID
	result.AddTag(models.TagSplitOrder)
	result.AddReason("%s", analysis.Reason)
	return result
}

// contentMatch is the similarity level: same symbol and type, quantity and
// price (or amount, for dividends) within tolerance, dates within tolerance.
// Differing order references rule a match out; equal ones make it exact.
func (d *Detector) contentMatch(c *models.Candidate, index *HistoryIndex) *models.DuplicateResult {
	var best *models.LedgerTransaction
	bestSimilarity := -1.0

	for _, tx := range index.GetBySymbol(c.Symbol()) {
		similarity, ok := d.similarity(c, tx)
		if ok && similarity > bestSimilarity {
			best, bestSimilarity = tx, similarity
		}
	}
	if best == nil {
		return nil
	}

	result := models.NewDuplicateResult()
	result.IsDuplicate = true
	result.MatchLevel = models.MatchLevelContentSimilarity
	result.MatchedTransactionID = best.ID
	result.Similarity = bestSimilarity

	nearExact := 1 - d.config.NearExactTolerancePercent/100
	if bestSimilarity >= nearExact {
		result.Recommendation = models.RecommendAutoMerge
		result.AddReason("matches transaction %s (similarity %.4f)", best.ID, bestSimilarity)
	} else {
		result.Recommendation = models.RecommendReview
		result.AddTag(models.TagDuplicateUnderReview)
		result.AddReason("resembles transaction %s (similarity %.4f)", best.ID, bestSimilarity)
	}
	return result
}

func (d *Detector) similarity(c *models.Candidate, tx *models.LedgerTransaction) (float64, bool) {
	if tx.Type != c.TransactionType {
		return 0, false
	}
	if !d.config.IsWithinDateTolerance(c.TransactionDate, tx.Date) {
		return 0, false
	}

	ref := tx.OrderReference()
	if c.OrderReference != "" && ref != "" && c.OrderReference != ref {
		return 0, false
	}

	tol := d.config.AmountTolerancePercent
	var diffs []decimal.Decimal
	if c.TransactionType.IsTrade() {
		if !d.config.WithinTolerance(c.Quantity, tx.Quantity, tol) || !d.config.WithinTolerance(c.Price, tx.Price, tol) {
			return 0, false
		}
		diffs = append(diffs, models.RelativeDifferencePercent(c.Quantity, tx.Quantity),
			models.RelativeDifferencePercent(c.Price, tx.Price))
	} else {
		if !d.config.WithinTolerance(c.TotalAmount, tx.TotalAmount, tol) || !d.config.WithinTolerance(c.Quantity, tx.Quantity, tol) {
			return 0, false
		}
		diffs = append(diffs, models.RelativeDifferencePercent(c.TotalAmount, tx.TotalAmount))
	}

	if c.OrderReference != "" && c.OrderReference == ref {
		return 1, true
	}

	worst := decimal.Zero
	for _, diff := range diffs {
		worst = decimal.Max(worst, diff)
	}
	similarity, _ := decimal.NewFromInt(1).Sub(worst.Div(decimal.NewFromInt(100))).Float64()
	return similarity, true
}

func exactResult(ref, reason string) *models.DuplicateResult {
	result := models.NewDuplicateResult()
	result.IsDuplicate = true
	result.MatchedTransactionID = ref
	result.MatchLevel = models.MatchLevelExactFingerprint
	result.Recommendation = models.RecommendAutoSkip
	result.Similarity = 1
	result.AddReason("%s", reason)
	return result
}

// Describe returns a one-line description of a detection result
func Describe(r *models.DuplicateResult) string {
	if r == nil {
		return "no result"
	}
	return fmt.Sprintf("%s/%s (pattern %s, similarity %.4f, matched %q)",
		r.MatchLevel, r.Recommendation, r.WindowPattern, r.Similarity, r.MatchedTransactionID)
}
