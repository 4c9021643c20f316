package matcher

import (
	"fmt"

	"github.com/shopspring/decimal"

	"golang-email-ingestion-service/internal/models"
)

// WindowAnalysis describes how a candidate relates to nearby trades in the
// same symbol.
type WindowAnalysis struct {
	Pattern models.WindowPattern
	// Related are the recorded trades the pattern was derived from, oldest first
	Related []*models.LedgerTransaction
	// Anchor is the first fill of the order or the first leg of a split order
	Anchor *models.LedgerTransaction
	// OrderQuantity is the full order size for partial fills
	OrderQuantity decimal.Decimal
	// FilledQuantity is the running fill count including the candidate
	FilledQuantity decimal.Decimal
	// Exceeds is set when the fills add up to more than the order
	Exceeds bool
	Reason  string
}

// WindowAnalyzer classifies bursts of related trades. It never creates or
// mutates transactions.
type WindowAnalyzer struct {
	config *DetectionConfig
}

// NewWindowAnalyzer creates an analyzer with the given configuration
func NewWindowAnalyzer(config *DetectionConfig) *WindowAnalyzer {
	if config == nil {
		config = DefaultDetectionConfig()
	}
	return &WindowAnalyzer{config: config}
}

// Analyze classifies the candidate against recorded history. Only buys and
// sells are classified.
func (wa *WindowAnalyzer) Analyze(c *models.Candidate, index *HistoryIndex) WindowAnalysis {
	analysis := WindowAnalysis{Pattern: models.PatternNone}
	if c == nil || index == nil || !c.TransactionType.IsTrade() {
		return analysis
	}

	symbol := c.Symbol()
	nearby := index.GetInWindow(symbol, c.TransactionDate, wa.config.Window)

	if fills, ok := wa.orderFills(c, index, nearby); ok {
		return wa.partialFill(c, fills)
	}

	if !c.HasOrderQuantity() {
		if legs := wa.splitLegs(c, nearby); len(legs) > 0 {
			analysis.Pattern = models.PatternSplitOrder
			analysis.Related = legs
			analysis.Anchor = legs[0]
			analysis.Reason = fmt.Sprintf("%d other %s order(s) for %s at a consistent price within %s",
				len(legs), c.TransactionType, symbol, wa.config.Window)
			return analysis
		}
	}

	if len(nearby) > 0 {
		analysis.Pattern = models.PatternRapidTrading
		analysis.Related = nearby
		analysis.Reason = fmt.Sprintf("%d other trade(s) in %s within %s", len(nearby), symbol, wa.config.Window)
	}

	return analysis
}

// orderFills returns recorded fills of the candidate's order. Fills sharing
// the order reference count wherever they fall in the loaded history; without
// a reference, same-direction trades in the window recorded with the same
// order size are taken as fills.
func (wa *WindowAnalyzer) orderFills(c *models.Candidate, index *HistoryIndex, nearby []*models.LedgerTransaction) ([]*models.LedgerTransaction, bool) {
	var fills []*models.LedgerTransaction

	if c.OrderReference != "" {
		for _, tx := range index.GetByOrder(c.Symbol(), c.OrderReference) {
			if tx.Type == c.TransactionType {
				fills = append(fills, tx)
			}
		}
	} else if c.HasOrderQuantity() {
		for _, tx := range nearby {
			if tx.Type == c.TransactionType && tx.OrderReference() == "" && tx.OrderQuantity().Equal(c.OrderQuantity) {
				fills = append(fills, tx)
			}
		}
	}

	if len(fills) > 0 {
		return fills, true
	}
	// a lone fill larger than its own order is still suspicious
	if c.HasOrderQuantity() && c.Quantity.GreaterThan(c.OrderQuantity) {
		return nil, true
	}
	return nil, false
}

func (wa *WindowAnalyzer) partialFill(c *models.Candidate, fills []*models.LedgerTransaction) WindowAnalysis {
	analysis := WindowAnalysis{
		Pattern:       models.PatternPartialFill,
		Related:       fills,
		OrderQuantity: c.OrderQuantity,
	}

	filled := c.Quantity
	for _, f := range fills {
		filled = filled.Add(f.Quantity)
		if !c.HasOrderQuantity() && f.OrderQuantity().GreaterThan(analysis.OrderQuantity) {
			analysis.OrderQuantity = f.OrderQuantity()
		}
	}
	analysis.FilledQuantity = filled
	if len(fills) > 0 {
		analysis.Anchor = fills[0]
	}

	if !analysis.OrderQuantity.IsPositive() {
		// fills share a reference but nobody printed the order size
		analysis.Pattern = models.PatternNone
		analysis.Related = nil
		analysis.Anchor = nil
		return analysis
	}

	analysis.Exceeds = filled.GreaterThan(analysis.OrderQuantity)
	if analysis.Exceeds {
		analysis.Reason = fmt.Sprintf("fills total %s but the order was for %s",
			filled.String(), analysis.OrderQuantity.String())
	} else {
		analysis.Reason = fmt.Sprintf("fill %d of order: %s of %s filled",
			len(fills)+1, filled.String(), analysis.OrderQuantity.String())
	}
	return analysis
}

// splitLegs returns same-direction trades at a consistent price whose size
// differs from the candidate. Identical size and price is content
// similarity, not a split.
func (wa *WindowAnalyzer) splitLegs(c *models.Candidate, nearby []*models.LedgerTransaction) []*models.LedgerTransaction {
	var legs []*models.LedgerTransaction
	for _, tx := range nearby {
		if tx.Type != c.TransactionType || tx.OrderQuantity().IsPositive() {
			continue
		}
		if c.OrderReference != "" && tx.OrderReference() == c.OrderReference {
			continue
		}
		if !wa.config.WithinTolerance(tx.Price, c.Price, wa.config.SplitPriceTolerancePercent) {
			continue
		}
		if wa.config.WithinTolerance(tx.Quantity, c.Quantity, wa.config.AmountTolerancePercent) {
			continue
		}
		legs = append(legs, tx)
	}
	return legs
}
