package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestTransactionType_IsValid(t *testing.T) {
	tests := []struct {
		txType TransactionType
		valid  bool
	}{
		{TransactionTypeBuy, true},
		{TransactionTypeSell, true},
		{TransactionTypeDividend, true},
		{TransactionTypeOptionExpired, true},
		{"transfer", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.txType), func(t *testing.T) {
			if got := tt.txType.IsValid(); got != tt.valid {
				t.Errorf("TransactionType.IsValid() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestParseTransactionType(t *testing.T) {
	tests := []struct {
		input    string
		expected TransactionType
		wantErr  bool
	}{
		{"bought", TransactionTypeBuy, false},
		{" SOLD ", TransactionTypeSell, false},
		{"Dividend", TransactionTypeDividend, false},
		{"expired", TransactionTypeOptionExpired, false},
		{"gifted", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTransactionType(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTransactionType() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.expected {
				t.Errorf("ParseTransactionType() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestCandidate_ContributeOnlyLowers(t *testing.T) {
	c := NewCandidate("wealthsimple")

	c.Contribute(SourceTemplate, 0.9)
	c.Contribute(SourceSymbol, 1.0)
	if c.Confidence != 0.9 {
		t.Fatalf("expected confidence 0.9, got %v", c.Confidence)
	}

	c.Contribute(SourceResolver, 0.5)
	c.Contribute(SourceResolver, 0.95)
	if c.Confidence != 0.5 {
		t.Errorf("expected confidence to stay at 0.5, got %v", c.Confidence)
	}
	if c.ConfidenceSources[SourceResolver] != 0.5 {
		t.Errorf("expected the lower resolver contribution to be kept, got %v", c.ConfidenceSources[SourceResolver])
	}

	c.Contribute(SourceDate, -3)
	if c.Confidence != 0 {
		t.Errorf("expected negative contributions to clamp at 0, got %v", c.Confidence)
	}
}

func TestCandidate_Symbol(t *testing.T) {
	c := NewCandidate("questrade")
	c.SymbolRaw = " aapl "
	if c.Symbol() != "AAPL" {
		t.Errorf("expected raw symbol to be upper-cased, got %q", c.Symbol())
	}
	if c.IsResolved() {
		t.Error("expected unresolved candidate")
	}

	resolved := "MSFT"
	c.SymbolResolved = &resolved
	if c.Symbol() != "MSFT" || !c.IsResolved() {
		t.Errorf("expected resolved symbol MSFT, got %q", c.Symbol())
	}
}

func TestCandidate_Validate(t *testing.T) {
	valid := func() *Candidate {
		c := NewCandidate("wealthsimple")
		c.SymbolRaw = "AAPL"
		c.TransactionType = TransactionTypeBuy
		c.Quantity = decimal.NewFromInt(100)
		c.Price = decimal.RequireFromString("150.50")
		c.TransactionDate = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		return c
	}

	tests := []struct {
		name      string
		mutate    func(*Candidate)
		wantError bool
	}{
		{name: "valid", mutate: func(*Candidate) {}},
		{name: "bad type", mutate: func(c *Candidate) { c.TransactionType = "swap" }, wantError: true},
		{name: "no symbol", mutate: func(c *Candidate) { c.SymbolRaw = "" }, wantError: true},
		{name: "zero quantity trade", mutate: func(c *Candidate) { c.Quantity = decimal.Zero }, wantError: true},
		{name: "dividend without quantity", mutate: func(c *Candidate) {
			c.TransactionType = TransactionTypeDividend
			c.Quantity = decimal.Zero
		}},
		{name: "negative price", mutate: func(c *Candidate) { c.Price = decimal.NewFromInt(-1) }, wantError: true},
		{name: "zero date", mutate: func(c *Candidate) { c.TransactionDate = time.Time{} }, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			if err := c.Validate(); (err != nil) != tt.wantError {
				t.Errorf("Validate() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestCandidate_CloneIsDeep(t *testing.T) {
	c := NewCandidate("wealthsimple")
	sym := "AAPL"
	c.SymbolResolved = &sym
	c.Contribute(SourceTemplate, 0.8)
	c.AddNote("first")

	clone := c.Clone()
	*clone.SymbolResolved = "MSFT"
	clone.ConfidenceSources[SourceTemplate] = 0.1
	clone.Notes[0] = "changed"

	if *c.SymbolResolved != "AAPL" || c.ConfidenceSources[SourceTemplate] != 0.8 || c.Notes[0] != "first" {
		t.Error("expected clone to be independent of the original")
	}
}

func TestDuplicateResult_Tags(t *testing.T) {
	d := NewDuplicateResult()
	d.AddTag(TagSplitOrder)
	d.AddTag(TagSplitOrder)

	if len(d.Tags) != 1 || !d.HasTag(TagSplitOrder) {
		t.Errorf("expected a single split-order tag, got %v", d.Tags)
	}
	if d.MatchLevel != MatchLevelNone || d.WindowPattern != PatternNone {
		t.Errorf("unexpected defaults %+v", d)
	}
}

func TestParseDecimalFromString(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		wantErr  bool
	}{
		{"$15,050.00", "15050", false},
		{"CAD 1,234.5", "1234.5", false},
		{"US$9.99", "9.99", false},
		{"(4.95)", "-4.95", false},
		{"", "", true},
		{"12.3.4", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDecimalFromString(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDecimalFromString() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(decimal.RequireFromString(tt.expected)) {
				t.Errorf("ParseDecimalFromString() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestParseTimeWithFormats(t *testing.T) {
	for _, input := range []string{"2024-03-01", "March 1, 2024", "Mar 1, 2024", "03/01/2024", "2024-03-01 09:31"} {
		t.Run(input, func(t *testing.T) {
			got, err := ParseTimeWithFormats(input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Year() != 2024 || got.Month() != time.March || got.Day() != 1 {
				t.Errorf("unexpected date %v", got)
			}
		})
	}

	if _, err := ParseTimeWithFormats("yesterday"); err == nil {
		t.Error("expected error for unparseable date")
	}
}

func TestWithinPercent(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		tol  string
		want bool
	}{
		{"equal", "150.50", "150.50", "0.01", true},
		{"within half percent", "100", "100.4", "0.5", true},
		{"outside half percent", "100", "101", "0.5", false},
		{"both zero", "0", "0", "0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WithinPercent(decimal.RequireFromString(tt.a), decimal.RequireFromString(tt.b), decimal.RequireFromString(tt.tol))
			if got != tt.want {
				t.Errorf("WithinPercent(%s, %s, %s) = %v, want %v", tt.a, tt.b, tt.tol, got, tt.want)
			}
		})
	}
}

func TestCompareDatesWithTolerance(t *testing.T) {
	morning := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	evening := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)
	nextDay := time.Date(2024, 3, 2, 0, 1, 0, 0, time.UTC)

	if !CompareDatesWithTolerance(morning, evening, 0) {
		t.Error("expected same calendar day to match with zero tolerance")
	}
	if CompareDatesWithTolerance(evening, nextDay, 0) {
		t.Error("expected next calendar day not to match with zero tolerance")
	}
	if !CompareDatesWithTolerance(evening, nextDay, 1) {
		t.Error("expected next calendar day to match with one day tolerance")
	}
}

func TestSummarizeResults(t *testing.T) {
	results := []*ProcessingResult{
		{Success: true, TransactionCreated: true, Outcome: OutcomeCreated},
		{Success: true, QueuedForReview: true, Outcome: OutcomeQueued},
		{Success: true, Outcome: OutcomeSkipped},
		{Success: false, Outcome: OutcomeFailed},
		nil,
	}

	summary := SummarizeResults(results)
	if summary.Total != 4 || summary.Created != 1 || summary.Queued != 1 || summary.Skipped != 1 || summary.Failed != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if !results[2].IsNoOp() || results[0].IsNoOp() {
		t.Error("expected only the skipped result to be a no-op")
	}
}

func TestReviewQueueItem_Clone(t *testing.T) {
	item := &ReviewQueueItem{
		ID:              "item-1",
		Candidate:       NewCandidate("questrade"),
		DuplicateResult: NewDuplicateResult(),
		Tags:            []string{TagLowConfidence},
		Status:          StatusPending,
	}

	clone := item.Clone()
	clone.Tags[0] = "changed"
	clone.Candidate.Template = "changed"

	if item.Tags[0] != TagLowConfidence || item.Candidate.Template != "questrade" {
		t.Error("expected clone to be independent of the original")
	}
	if StatusPending.IsTerminal() || !StatusRejected.IsTerminal() {
		t.Error("unexpected terminal status classification")
	}
}

func TestQueueFilterAndSort(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	items := []*ReviewQueueItem{
		{ID: "a", Priority: 40, QueuedAt: base.Add(time.Hour), Status: StatusPending},
		{ID: "b", Priority: 80, QueuedAt: base.Add(2 * time.Hour), Status: StatusPending, Tags: []string{TagSplitOrder}},
		{ID: "c", Priority: 40, QueuedAt: base, Status: StatusPending},
		{ID: "d", Priority: 90, QueuedAt: base, Status: StatusRejected},
	}

	SortQueueItems(items)
	var order string
	for _, item := range items {
		order += item.ID
	}
	if order != "dbca" {
		t.Errorf("sorted order = %s, want dbca", order)
	}

	tests := []struct {
		name   string
		filter QueueFilter
		want   int
	}{
		{"empty matches all", QueueFilter{}, 4},
		{"pending", QueueFilter{Statuses: []ReviewStatus{StatusPending}}, 3},
		{"min priority", QueueFilter{MinPriority: 50}, 2},
		{"tag", QueueFilter{Tag: TagSplitOrder}, 1},
		{"portfolio", QueueFilter{PortfolioID: "p1"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := 0
			for _, item := range items {
				if tt.filter.Matches(item) {
					got++
				}
			}
			if got != tt.want {
				t.Errorf("matched %d items, want %d", got, tt.want)
			}
		})
	}
}
