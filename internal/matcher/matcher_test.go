package matcher

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"golang-email-ingestion-service/internal/models"
	"golang-email-ingestion-service/pkg/errors"
)

var tradeTime = time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)

type memoryHistory struct {
	transactions []*models.LedgerTransaction
	err          error
}

func (m *memoryHistory) RecentTransactions(ctx context.Context, portfolioID, symbol string, from, to time.Time, limit int) ([]*models.LedgerTransaction, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*models.LedgerTransaction
	for _, tx := range m.transactions {
		if tx.Symbol != symbol || tx.Date.Before(from) || tx.Date.After(to) {
			continue
		}
		if portfolioID != "" && tx.PortfolioID != portfolioID {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

func ledgerTx(id string, txType models.TransactionType, qty, price string, at time.Time, meta map[string]string) *models.LedgerTransaction {
	return &models.LedgerTransaction{
		ID:          id,
		PortfolioID: "p1",
		Symbol:      "AAPL",
		Type:        txType,
		Quantity:    decimal.RequireFromString(qty),
		Price:       decimal.RequireFromString(price),
		TotalAmount: decimal.RequireFromString(qty).Mul(decimal.RequireFromString(price)),
		Currency:    "USD",
		Date:        at,
		Meta:        meta,
	}
}

func candidate(txType models.TransactionType, qty, price string, at time.Time) *models.Candidate {
	c := models.NewCandidate("test")
	symbol := "AAPL"
	c.SymbolRaw = symbol
	c.SymbolResolved = &symbol
	c.TransactionType = txType
	c.Quantity = decimal.RequireFromString(qty)
	c.Price = decimal.RequireFromString(price)
	c.TotalAmount = c.Gross()
	c.TransactionDate = at
	return c
}

func TestDetectionConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  *DetectionConfig
		modify  func(*DetectionConfig)
		wantErr bool
	}{
		{name: "default", config: DefaultDetectionConfig()},
		{name: "strict", config: StrictDetectionConfig()},
		{name: "relaxed", config: RelaxedDetectionConfig()},
		{name: "negative days", config: DefaultDetectionConfig(), modify: func(c *DetectionConfig) { c.DateToleranceDays = -1 }, wantErr: true},
		{name: "near exact above tolerance", config: DefaultDetectionConfig(), modify: func(c *DetectionConfig) { c.NearExactTolerancePercent = 1 }, wantErr: true},
		{name: "zero window", config: DefaultDetectionConfig(), modify: func(c *DetectionConfig) { c.Window = 0 }, wantErr: true},
		{name: "bad timezone", config: DefaultDetectionConfig(), modify: func(c *DetectionConfig) { c.BusinessTimezone = "Mars/Olympus" }, wantErr: true},
		{name: "threshold above one", config: DefaultDetectionConfig(), modify: func(c *DetectionConfig) { c.AutoInsertThreshold = 1.1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.modify != nil {
				tt.modify(tt.config)
			}
			if err := tt.config.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDetectionConfigClone(t *testing.T) {
	original := DefaultDetectionConfig()
	clone := original.Clone()
	clone.Window = time.Minute
	if original.Window != time.Hour {
		t.Error("modifying the clone changed the original")
	}
	if (*DetectionConfig)(nil).Clone() != nil {
		t.Error("expected nil clone of nil config")
	}
}

func TestWithinTolerance(t *testing.T) {
	config := DefaultDetectionConfig()
	d := decimal.RequireFromString

	tests := []struct {
		a, b    string
		percent float64
		want    bool
	}{
		{"100", "100.49", 0.5, true},
		{"100", "100.60", 0.5, false},
		{"100.001", "100.004", 0, true},
		{"100.00", "100.01", 0, false},
		{"0", "0", 0.5, true},
	}

	for _, tt := range tests {
		if got := config.WithinTolerance(d(tt.a), d(tt.b), tt.percent); got != tt.want {
			t.Errorf("WithinTolerance(%s, %s, %v) = %v, want %v", tt.a, tt.b, tt.percent, got, tt.want)
		}
	}
}

func TestIsWithinDateTolerance(t *testing.T) {
	config := DefaultDetectionConfig()

	// 23:30 UTC on March 1 and 03:00 UTC on March 2 are both March 1 in Toronto.
	evening := time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)
	if !config.IsWithinDateTolerance(tradeTime, evening) {
		t.Error("expected same trading day in business timezone")
	}
	if !config.IsWithinDateTolerance(tradeTime, time.Date(2024, 3, 2, 3, 0, 0, 0, time.UTC)) {
		t.Error("expected 22:00 Toronto on March 1 to be the same trading day")
	}
	if config.IsWithinDateTolerance(tradeTime, time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC)) {
		t.Error("expected next day to fall outside zero-day tolerance")
	}

	config.DateToleranceDays = 1
	if !config.IsWithinDateTolerance(tradeTime, time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC)) {
		t.Error("expected next day within one-day tolerance")
	}
}

func TestHistoryIndex(t *testing.T) {
	index := NewHistoryIndex([]*models.LedgerTransaction{
		ledgerTx("t3", models.TransactionTypeBuy, "10", "150", tradeTime.Add(2*time.Hour), nil),
		ledgerTx("t1", models.TransactionTypeBuy, "10", "150", tradeTime.Add(-30*time.Minute), map[string]string{
			models.MetaFingerprint:    "n1:abc",
			models.MetaOrderReference: "ord-1",
		}),
		ledgerTx("t2", models.TransactionTypeSell, "5", "151", tradeTime.Add(10*time.Minute), map[string]string{
			models.MetaOrderReference: "ORD-1",
		}),
	})

	inWindow := index.GetInWindow("aapl", tradeTime, time.Hour)
	if len(inWindow) != 2 || inWindow[0].ID != "t1" || inWindow[1].ID != "t2" {
		t.Errorf("unexpected window result %v", inWindow)
	}

	if tx, ok := index.GetByFingerprint("n1:abc"); !ok || tx.ID != "t1" {
		t.Errorf("expected fingerprint lookup to find t1, got %v", tx)
	}
	if got := index.GetByOrder("AAPL", "Ord-1"); len(got) != 2 {
		t.Errorf("expected order references to compare case-insensitively, got %d", len(got))
	}
	if got := index.GetByOrder("AAPL", ""); got != nil {
		t.Errorf("expected no fills for empty reference, got %v", got)
	}

	stats := index.GetIndexStats()
	if stats.TotalTransactions != 3 || stats.UniqueSymbols != 1 || stats.Fingerprints != 1 || stats.Orders != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestDetectExactFingerprint(t *testing.T) {
	registry := FingerprintLookupFunc(func(ctx context.Context, fp string) (string, bool, error) {
		return "tx-42", fp == "n1:seen", nil
	})
	detector := NewDetector(nil, &memoryHistory{}, nil, registry)

	result, err := detector.Detect(context.Background(), candidate(models.TransactionTypeBuy, "1", "1", tradeTime),
		models.EmailIdentification{FingerprintHash: "n1:seen"}, "p1")
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if !result.IsDuplicate || result.MatchLevel != models.MatchLevelExactFingerprint ||
		result.Recommendation != models.RecommendAutoSkip || result.MatchedTransactionID != "tx-42" {
		t.Errorf("unexpected result %s", Describe(result))
	}

	// ledger meta fingerprint
	history := &memoryHistory{transactions: []*models.LedgerTransaction{
		ledgerTx("tx-7", models.TransactionTypeBuy, "3", "10", tradeTime, map[string]string{models.MetaFingerprint: "n1:ledger"}),
	}}
	detector = NewDetector(nil, history, nil)
	result, err = detector.Detect(context.Background(), candidate(models.TransactionTypeBuy, "99", "1", tradeTime),
		models.EmailIdentification{FingerprintHash: "n1:ledger"}, "p1")
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if result.MatchLevel != models.MatchLevelExactFingerprint || result.MatchedTransactionID != "tx-7" {
		t.Errorf("expected ledger fingerprint match, got %s", Describe(result))
	}
}

func TestDetectContentSimilarity(t *testing.T) {
	tests := []struct {
		name           string
		history        *models.LedgerTransaction
		candidate      *models.Candidate
		wantDuplicate  bool
		wantRecommend  models.Recommendation
		wantSimilarity float64
	}{
		{
			name:           "identical trade merges",
			history:        ledgerTx("t1", models.TransactionTypeBuy, "100", "150.50", tradeTime, nil),
			candidate:      candidate(models.TransactionTypeBuy, "100", "150.50", tradeTime.Add(3*time.Hour)),
			wantDuplicate:  true,
			wantRecommend:  models.RecommendAutoMerge,
			wantSimilarity: 1,
		},
		{
			name:          "price within tolerance goes to review",
			history:       ledgerTx("t1", models.TransactionTypeBuy, "100", "150.00", tradeTime, nil),
			candidate:     candidate(models.TransactionTypeBuy, "100", "150.50", tradeTime.Add(3*time.Hour)),
			wantDuplicate: true,
			wantRecommend: models.RecommendReview,
		},
		{
			name:          "different day is unique",
			history:       ledgerTx("t1", models.TransactionTypeBuy, "100", "150.50", tradeTime.Add(-24*time.Hour), nil),
			candidate:     candidate(models.TransactionTypeBuy, "100", "150.50", tradeTime),
			wantRecommend: models.RecommendAutoSkipCheckPassed,
		},
		{
			name:          "opposite direction is unique",
			history:       ledgerTx("t1", models.TransactionTypeSell, "100", "150.50", tradeTime.Add(-3*time.Hour), nil),
			candidate:     candidate(models.TransactionTypeBuy, "100", "150.50", tradeTime),
			wantRecommend: models.RecommendAutoSkipCheckPassed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detector := NewDetector(nil, &memoryHistory{transactions: []*models.LedgerTransaction{tt.history}}, nil)
			result, err := detector.Detect(context.Background(), tt.candidate, models.EmailIdentification{FingerprintHash: "n1:new"}, "p1")
			if err != nil {
				t.Fatalf("Detect() error = %v", err)
			}
			if result.IsDuplicate != tt.wantDuplicate || result.Recommendation != tt.wantRecommend {
				t.Errorf("unexpected result %s", Describe(result))
			}
			if tt.wantDuplicate && result.MatchLevel != models.MatchLevelContentSimilarity {
				t.Errorf("expected content similarity, got %s", result.MatchLevel)
			}
			if tt.wantSimilarity > 0 && result.Similarity != tt.wantSimilarity {
				t.Errorf("expected similarity %v, got %v", tt.wantSimilarity, result.Similarity)
			}
		})
	}
}

func TestDetectOrderReferences(t *testing.T) {
	recorded := ledgerTx("t1", models.TransactionTypeBuy, "100", "150.00", tradeTime.Add(-3*time.Hour),
		map[string]string{models.MetaOrderReference: "A-1"})
	detector := NewDetector(nil, &memoryHistory{transactions: []*models.LedgerTransaction{recorded}}, nil)

	other := candidate(models.TransactionTypeBuy, "100", "150.00", tradeTime)
	other.OrderReference = "B-2"
	result, err := detector.Detect(context.Background(), other, models.EmailIdentification{FingerprintHash: "n1:x"}, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if result.IsDuplicate {
		t.Errorf("expected differing order references to rule out a match, got %s", Describe(result))
	}

	same := candidate(models.TransactionTypeBuy, "100", "150.40", tradeTime)
	same.OrderReference = "A-1"
	result, err = detector.Detect(context.Background(), same, models.EmailIdentification{FingerprintHash: "n1:y"}, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsDuplicate || result.Similarity != 1 || result.Recommendation != models.RecommendAutoMerge {
		t.Errorf("expected equal order references to be exact, got %s", Describe(result))
	}
}

func TestDetectPartialFills(t *testing.T) {
	first := ledgerTx("fill-1", models.TransactionTypeBuy, "40", "80", tradeTime.Add(-10*time.Minute), map[string]string{
		models.MetaOrderReference: "WS-1",
		models.MetaOrderQuantity:  "100",
	})
	second := ledgerTx("fill-2", models.TransactionTypeBuy, "30", "80.05", tradeTime.Add(-5*time.Minute), map[string]string{
		models.MetaOrderReference: "WS-1",
		models.MetaOrderQuantity:  "100",
	})
	detector := NewDetector(nil, &memoryHistory{transactions: []*models.LedgerTransaction{first, second}}, nil)

	tests := []struct {
		name          string
		qty           string
		wantRecommend models.Recommendation
		wantFilled    string
		wantTag       string
	}{
		{"completes the order", "30", models.RecommendAutoMerge, "100", models.TagPartialFill},
		{"still partial", "10", models.RecommendAutoMerge, "80", models.TagPartialFill},
		{"exceeds the order", "40", models.RecommendReview, "110", models.TagFillExceedsOrder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := candidate(models.TransactionTypeBuy, tt.qty, "80", tradeTime)
			c.OrderReference = "WS-1"
			c.OrderQuantity = decimal.NewFromInt(100)

			result, err := detector.Detect(context.Background(), c, models.EmailIdentification{FingerprintHash: "n1:" + tt.name}, "p1")
			if err != nil {
				t.Fatalf("Detect() error = %v", err)
			}
			if result.WindowPattern != models.PatternPartialFill || result.MatchLevel != models.MatchLevelTimeWindow {
				t.Fatalf("expected partial fill, got %s", Describe(result))
			}
			if result.Recommendation != tt.wantRecommend {
				t.Errorf("expected %s, got %s", tt.wantRecommend, result.Recommendation)
			}
			if !result.FilledQuantity.Equal(decimal.RequireFromString(tt.wantFilled)) {
				t.Errorf("expected filled %s, got %s", tt.wantFilled, result.FilledQuantity)
			}
			if result.MatchedTransactionID != "fill-1" {
				t.Errorf("expected first fill as anchor, got %s", result.MatchedTransactionID)
			}
			if !result.HasTag(tt.wantTag) {
				t.Errorf("expected tag %s, got %v", tt.wantTag, result.Tags)
			}
			if result.IsDuplicate {
				t.Error("a partial fill is not a duplicate")
			}
		})
	}
}

func TestDetectFirstFillPassesThrough(t *testing.T) {
	detector := NewDetector(nil, &memoryHistory{}, nil)
	c := candidate(models.TransactionTypeBuy, "40", "80", tradeTime)
	c.OrderQuantity = decimal.NewFromInt(100)

	result, err := detector.Detect(context.Background(), c, models.EmailIdentification{FingerprintHash: "n1:first"}, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if result.WindowPattern != models.PatternNone || result.Recommendation != models.RecommendAutoSkipCheckPassed {
		t.Errorf("expected the first fill to pass, got %s", Describe(result))
	}

	c.Quantity = decimal.NewFromInt(150)
	result, err = detector.Detect(context.Background(), c, models.EmailIdentification{FingerprintHash: "n1:big"}, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if !result.HasTag(models.TagFillExceedsOrder) || result.Recommendation != models.RecommendReview {
		t.Errorf("expected a fill larger than its order to need review, got %s", Describe(result))
	}
}

func TestDetectSplitOrder(t *testing.T) {
	leg := ledgerTx("leg-1", models.TransactionTypeBuy, "50", "150.00", tradeTime.Add(-20*time.Minute), nil)
	detector := NewDetector(nil, &memoryHistory{transactions: []*models.LedgerTransaction{leg}}, nil)

	result, err := detector.Detect(context.Background(), candidate(models.TransactionTypeBuy, "25", "150.20", tradeTime),
		models.EmailIdentification{FingerprintHash: "n1:split"}, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if result.WindowPattern != models.PatternSplitOrder || result.Recommendation != models.RecommendReview ||
		!result.HasTag(models.TagSplitOrder) || result.MatchedTransactionID != "leg-1" {
		t.Errorf("expected split order review, got %s", Describe(result))
	}
}

func TestDetectRapidTrading(t *testing.T) {
	sell := ledgerTx("s1", models.TransactionTypeSell, "100", "149.00", tradeTime.Add(-15*time.Minute), nil)
	detector := NewDetector(nil, &memoryHistory{transactions: []*models.LedgerTransaction{sell}}, nil)

	result, err := detector.Detect(context.Background(), candidate(models.TransactionTypeBuy, "100", "150.00", tradeTime),
		models.EmailIdentification{FingerprintHash: "n1:rapid"}, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if result.IsDuplicate || result.WindowPattern != models.PatternRapidTrading || !result.HasTag(models.TagRapidTrading) {
		t.Errorf("expected rapid trading tag, got %s", Describe(result))
	}
	if result.Recommendation != models.RecommendAutoSkipCheckPassed {
		t.Errorf("expected rapid trading to pass through, got %s", result.Recommendation)
	}
}

func TestDetectLowConfidenceNeedsReview(t *testing.T) {
	detector := NewDetector(nil, &memoryHistory{}, nil)
	c := candidate(models.TransactionTypeBuy, "1", "1", tradeTime)
	c.Contribute(models.SourceResolver, 0.5)

	result, err := detector.Detect(context.Background(), c, models.EmailIdentification{FingerprintHash: "n1:low"}, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if result.Recommendation != models.RecommendReview || !result.HasTag(models.TagLowConfidence) {
		t.Errorf("expected review for low confidence, got %s", Describe(result))
	}
}

func TestDetectStorageFailure(t *testing.T) {
	failing := FingerprintLookupFunc(func(ctx context.Context, fp string) (string, bool, error) {
		return "", false, stderrors.New("database is locked")
	})

	tests := []struct {
		name     string
		detector *Detector
	}{
		{"fingerprint lookup", NewDetector(nil, &memoryHistory{}, nil, failing)},
		{"history", NewDetector(nil, &memoryHistory{err: stderrors.New("disk I/O error")}, nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.detector.Detect(context.Background(), candidate(models.TransactionTypeBuy, "1", "1", tradeTime),
				models.EmailIdentification{FingerprintHash: "n1:z"}, "p1")
			pe, ok := errors.AsPipelineError(err)
			if !ok || pe.Category != errors.CategoryDuplicateCheck {
				t.Errorf("expected duplicate-check error, got %v", err)
			}
		})
	}
}
