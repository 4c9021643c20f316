package models

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType represents the kind of brokerage transaction
type TransactionType string

const (
	// TransactionTypeBuy represents a purchase of a security
	TransactionTypeBuy TransactionType = "buy"
	// TransactionTypeSell represents a sale of a security
	TransactionTypeSell TransactionType = "sell"
	// TransactionTypeDividend represents a dividend payment
	TransactionTypeDividend TransactionType = "dividend"
	// TransactionTypeOptionExpired represents an option contract expiring worthless
	TransactionTypeOptionExpired TransactionType = "option_expired"
)

// String returns the string representation of TransactionType
func (t TransactionType) String() string {
	return string(t)
}

// IsValid checks if the transaction type is valid
func (t TransactionType) IsValid() bool {
	switch t {
	case TransactionTypeBuy, TransactionTypeSell, TransactionTypeDividend, TransactionTypeOptionExpired:
		return true
	}
	return false
}

// IsTrade reports whether the transaction moves shares at a price
func (t TransactionType) IsTrade() bool {
	return t == TransactionTypeBuy || t == TransactionTypeSell
}

// ParseTransactionType parses a transaction type from broker wording
func ParseTransactionType(s string) (TransactionType, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	switch s {
	case "buy", "bought", "purchase", "purchased":
		return TransactionTypeBuy, nil
	case "sell", "sold", "sale":
		return TransactionTypeSell, nil
	case "dividend", "div", "distribution":
		return TransactionTypeDividend, nil
	case "option_expired", "expired", "expiration", "expiry":
		return TransactionTypeOptionExpired, nil
	default:
		return "", fmt.Errorf("invalid transaction type '%s'", s)
	}
}

// AssetType is a guess at the kind of security a candidate refers to
type AssetType string

const (
	AssetTypeStock      AssetType = "stock"
	AssetTypeETF        AssetType = "etf"
	AssetTypeOption     AssetType = "option"
	AssetTypeMutualFund AssetType = "mutual_fund"
	AssetTypeCrypto     AssetType = "crypto"
	AssetTypeUnknown    AssetType = "unknown"
)

// ParseAssetType maps free text onto a known asset type, falling back to unknown
func ParseAssetType(s string) AssetType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stock", "equity", "share", "shares":
		return AssetTypeStock
	case "etf", "fund":
		return AssetTypeETF
	case "option", "options", "call", "put":
		return AssetTypeOption
	case "mutual_fund", "mutual fund":
		return AssetTypeMutualFund
	case "crypto", "cryptocurrency":
		return AssetTypeCrypto
	default:
		return AssetTypeUnknown
	}
}

// RawEmail is a single message as supplied by the mailbox transport
type RawEmail struct {
	MessageID  string    `json:"message_id,omitempty"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	HTMLBody   string    `json:"html_body,omitempty"`
	TextBody   string    `json:"text_body,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	Source     string    `json:"source,omitempty"`
}

// EmailIdentification is derived once per email and keys every idempotency check
type EmailIdentification struct {
	FingerprintHash   string    `json:"fingerprint_hash"`
	SourceEmailID     string    `json:"source_email_id,omitempty"`
	ReceivedAt        time.Time `json:"received_at"`
	FromAddress       string    `json:"from_address"`
	SubjectNormalized string    `json:"subject_normalized"`
	// DeclaredTotal is the canonical decimal string of the total printed in the email, if any.
	DeclaredTotal string `json:"declared_total,omitempty"`
	// Degraded is set when the fingerprint was computed over raw bytes.
	Degraded bool `json:"degraded,omitempty"`
}

// Named confidence sources contributing to a candidate
const (
	SourceTemplate   = "template"
	SourceSymbol     = "symbol"
	SourceResolver   = "resolver"
	SourceTotal      = "total_reconciliation"
	SourceDate       = "date"
	SourceParseError = "parse_error"
)

// Candidate is a tentative transaction extracted from one email.
// Confidence is always the minimum of ConfidenceSources.
type Candidate struct {
	SymbolRaw         string             `json:"symbol_raw"`
	SymbolResolved    *string            `json:"symbol_resolved"`
	AssetTypeGuess    AssetType          `json:"asset_type_guess"`
	TransactionType   TransactionType    `json:"transaction_type"`
	Quantity          decimal.Decimal    `json:"quantity"`
	Price             decimal.Decimal    `json:"price"`
	TotalAmount       decimal.Decimal    `json:"total_amount"`
	Fees              decimal.Decimal    `json:"fees"`
	Currency          string             `json:"currency"`
	TransactionDate   time.Time          `json:"transaction_date"`
	AccountTypeRaw    string             `json:"account_type_raw"`
	OrderReference    string             `json:"order_reference,omitempty"`
	OrderQuantity     decimal.Decimal    `json:"order_quantity"`
	Template          string             `json:"template"`
	Confidence        float64            `json:"confidence"`
	ConfidenceSources map[string]float64 `json:"confidence_sources"`
	Notes             []string           `json:"notes,omitempty"`
}

// NewCandidate creates an empty candidate for the given template with full confidence
func NewCandidate(template string) *Candidate {
	return &Candidate{
		Template:          template,
		AssetTypeGuess:    AssetTypeUnknown,
		Confidence:        1,
		ConfidenceSources: make(map[string]float64),
	}
}

// Contribute records a sub-confidence. The candidate confidence can only go down.
func (c *Candidate) Contribute(source string, confidence float64) {
	if math.IsNaN(confidence) {
		confidence = 0
	}
	confidence = math.Max(0, math.Min(1, confidence))

	if c.ConfidenceSources == nil {
		c.ConfidenceSources = make(map[string]float64)
	}
	if prev, ok := c.ConfidenceSources[source]; !ok || confidence < prev {
		c.ConfidenceSources[source] = confidence
	}
	if confidence < c.Confidence {
		c.Confidence = confidence
	}
}

// AddNote appends an explanatory note for reviewers
func (c *Candidate) AddNote(format string, args ...interface{}) {
	c.Notes = append(c.Notes, fmt.Sprintf(format, args...))
}

// Symbol returns the resolved symbol, or the upper-cased raw symbol when unresolved
func (c *Candidate) Symbol() string {
	if c.SymbolResolved != nil && *c.SymbolResolved != "" {
		return *c.SymbolResolved
	}
	return strings.ToUpper(strings.TrimSpace(c.SymbolRaw))
}

// IsResolved reports whether a ticker symbol is known for the candidate
func (c *Candidate) IsResolved() bool {
	return c.SymbolResolved != nil && *c.SymbolResolved != ""
}

// HasOrderQuantity reports whether the broker printed the full order size
func (c *Candidate) HasOrderQuantity() bool {
	return c.OrderQuantity.IsPositive()
}

// Gross returns quantity times price
func (c *Candidate) Gross() decimal.Decimal {
	return c.Quantity.Mul(c.Price)
}

// Validate performs basic validation on the Candidate
func (c *Candidate) Validate() error {
	if !c.TransactionType.IsValid() {
		return fmt.Errorf("invalid transaction type: %s", c.TransactionType)
	}

	if c.Symbol() == "" {
		return fmt.Errorf("candidate symbol cannot be empty")
	}

	if c.TransactionType.IsTrade() && !c.Quantity.IsPositive() {
		return fmt.Errorf("trade quantity must be positive, got %s", c.Quantity)
	}

	if c.Price.IsNegative() {
		return fmt.Errorf("price cannot be negative, got %s", c.Price)
	}

	if c.TransactionDate.IsZero() {
		return fmt.Errorf("transaction date cannot be zero")
	}

	return nil
}

// Clone returns a deep copy of the candidate
func (c *Candidate) Clone() *Candidate {
	if c == nil {
		return nil
	}
	clone := *c
	if c.SymbolResolved != nil {
		s := *c.SymbolResolved
		clone.SymbolResolved = &s
	}
	clone.ConfidenceSources = make(map[string]float64, len(c.ConfidenceSources))
	for k, v := range c.ConfidenceSources {
		clone.ConfidenceSources[k] = v
	}
	clone.Notes = append([]string(nil), c.Notes...)
	return &clone
}

// String returns a string representation of the Candidate
func (c *Candidate) String() string {
	return fmt.Sprintf("Candidate{%s %s %s @ %s, total %s, date %s, confidence %.2f}",
		c.TransactionType, c.Quantity.String(), c.Symbol(), c.Price.String(),
		c.TotalAmount.String(), c.TransactionDate.Format("2006-01-02"), c.Confidence)
}

// MatchLevel is the duplicate-detection stage that produced a result
type MatchLevel string

const (
	MatchLevelExactFingerprint  MatchLevel = "exact-fingerprint"
	MatchLevelContentSimilarity MatchLevel = "content-similarity"
	MatchLevelTimeWindow        MatchLevel = "time-window-heuristic"
	MatchLevelNone              MatchLevel = "none"
)

// Recommendation is the disposition the duplicate detector suggests
type Recommendation string

const (
	RecommendAutoSkip            Recommendation = "auto-skip"
	RecommendAutoMerge           Recommendation = "auto-merge"
	RecommendReview              Recommendation = "review"
	RecommendAutoSkipCheckPassed Recommendation = "auto-skip-check-passed"
)

// WindowPattern classifies activity around a candidate inside the time window
type WindowPattern string

const (
	PatternNone         WindowPattern = "none"
	PatternRapidTrading WindowPattern = "rapid-trading"
	PatternPartialFill  WindowPattern = "partial-fill"
	PatternSplitOrder   WindowPattern = "split-order"
)

// Explanatory tags attached to duplicate results and queue items
const (
	TagDuplicateUnderReview      = "duplicate-under-review"
	TagSplitOrder                = "split-order"
	TagPartialFill               = "partial-fill"
	TagFillExceedsOrder          = "fill-exceeds-order"
	TagRapidTrading              = "rapid-trading"
	TagDuplicateCheckUnavailable = "duplicate-check-unavailable"
	TagPortfolioUnresolved       = "portfolio-unresolved"
	TagLedgerWriteUnconfirmed    = "ledger-write-unconfirmed"
	TagParseFailed               = "parse-failed"
	TagSymbolUnresolved          = "symbol-unresolved"
	TagTotalMismatch             = "total-mismatch"
	TagLowConfidence             = "low-confidence"
	TagAutoInsertDisabled        = "auto-insert-disabled"
	TagDegradedFingerprint       = "degraded-fingerprint"
)

// DuplicateResult is produced fresh for every candidate and never stored on its own
type DuplicateResult struct {
	IsDuplicate          bool            `json:"is_duplicate"`
	MatchedTransactionID string          `json:"matched_transaction_id,omitempty"`
	MatchLevel           MatchLevel      `json:"match_level"`
	Recommendation       Recommendation  `json:"recommendation"`
	Similarity           float64         `json:"similarity"`
	WindowPattern        WindowPattern   `json:"window_pattern"`
	FilledQuantity       decimal.Decimal `json:"filled_quantity"`
	Tags                 []string        `json:"tags,omitempty"`
	Reasons              []string        `json:"reasons,omitempty"`
}

// NewDuplicateResult returns a result with no match
func NewDuplicateResult() *DuplicateResult {
	return &DuplicateResult{
		MatchLevel:     MatchLevelNone,
		Recommendation: RecommendReview,
		WindowPattern:  PatternNone,
	}
}

// AddTag adds a tag once
func (d *DuplicateResult) AddTag(tag string) {
	if !d.HasTag(tag) {
		d.Tags = append(d.Tags, tag)
	}
}

// HasTag reports whether the tag is present
func (d *DuplicateResult) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddReason appends a human-readable reason
func (d *DuplicateResult) AddReason(format string, args ...interface{}) {
	d.Reasons = append(d.Reasons, fmt.Sprintf(format, args...))
}

// Clone returns a deep copy of the result
func (d *DuplicateResult) Clone() *DuplicateResult {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Tags = append([]string(nil), d.Tags...)
	clone.Reasons = append([]string(nil), d.Reasons...)
	return &clone
}

// Keys for LedgerTransaction.Meta
const (
	MetaFingerprint    = "fingerprint"
	MetaOrderReference = "order_reference"
	MetaOrderQuantity  = "order_quantity"
	MetaFillOf         = "fill_of"
	MetaSourceEmailID  = "source_email_id"
	MetaReviewItemID   = "review_item_id"
	MetaTemplate       = "template"
)

// LedgerTransaction is a transaction as recorded by the ledger
type LedgerTransaction struct {
	ID          string            `json:"id"`
	PortfolioID string            `json:"portfolio_id"`
	AssetID     string            `json:"asset_id"`
	Symbol      string            `json:"symbol"`
	Type        TransactionType   `json:"type"`
	Quantity    decimal.Decimal   `json:"quantity"`
	Price       decimal.Decimal   `json:"price"`
	Fees        decimal.Decimal   `json:"fees"`
	TotalAmount decimal.Decimal   `json:"total_amount"`
	Currency    string            `json:"currency"`
	Date        time.Time         `json:"date"`
	Meta        map[string]string `json:"meta,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Fingerprint returns the email fingerprint recorded with the transaction, if any
func (t *LedgerTransaction) Fingerprint() string {
	return t.Meta[MetaFingerprint]
}

// OrderReference returns the broker order reference recorded with the transaction, if any
func (t *LedgerTransaction) OrderReference() string {
	return t.Meta[MetaOrderReference]
}

// OrderQuantity returns the recorded order size, or zero
func (t *LedgerTransaction) OrderQuantity() decimal.Decimal {
	q, err := decimal.NewFromString(t.Meta[MetaOrderQuantity])
	if err != nil {
		return decimal.Zero
	}
	return q
}

// String returns a string representation of the LedgerTransaction
func (t *LedgerTransaction) String() string {
	return fmt.Sprintf("LedgerTransaction{ID: %s, %s %s %s @ %s, Date: %s}",
		t.ID, t.Type, t.Quantity.String(), t.Symbol, t.Price.String(), t.Date.Format(time.RFC3339))
}

// Asset is a security known to the ledger
type Asset struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	AssetType AssetType `json:"asset_type"`
}

// Utility functions for type conversion and validation

// ParseDecimalFromString parses an amount as printed in a broker email
func ParseDecimalFromString(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount string cannot be empty")
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.Trim(s, "()")
	}

	// Remove currency markers and thousand separators
	for _, marker := range []string{"US$", "C$", "CA$", "CAD", "USD", "$"} {
		s = strings.ReplaceAll(s, marker, "")
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal format '%s': %w", s, err)
	}

	if negative {
		d = d.Neg()
	}
	return d, nil
}

// ParseTimeWithFormats attempts to parse a date using the formats brokers print
func ParseTimeWithFormats(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("time string cannot be empty")
	}

	formats := []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006-01-02",
		"January 2, 2006 3:04 PM",
		"January 2, 2006",
		"Jan 2, 2006 3:04 PM",
		"Jan 2, 2006",
		"02-Jan-2006",
		"01/02/2006 15:04:05",
		"01/02/2006",
		"2006/01/02",
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("unable to parse time '%s': %w", s, lastErr)
}

// RelativeDifferencePercent returns |a-b| / max(|a|,|b|) * 100
func RelativeDifferencePercent(a, b decimal.Decimal) decimal.Decimal {
	base := decimal.Max(a.Abs(), b.Abs())
	if base.IsZero() {
		return decimal.Zero
	}
	return a.Sub(b).Abs().Div(base).Mul(decimal.NewFromInt(100))
}

// WithinPercent reports whether a and b differ by at most tolerancePercent
func WithinPercent(a, b decimal.Decimal, tolerancePercent decimal.Decimal) bool {
	return RelativeDifferencePercent(a, b).LessThanOrEqual(tolerancePercent)
}

// CompareDatesWithTolerance compares two dates by calendar day within a day tolerance
func CompareDatesWithTolerance(a, b time.Time, toleranceDays int) bool {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)

	diff := da.Sub(db)
	if diff < 0 {
		diff = -diff
	}

	return diff <= time.Duration(toleranceDays)*24*time.Hour
}

// SortedTags returns a sorted, de-duplicated copy of tags
func SortedTags(tags ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, group := range tags {
		for _, t := range group {
			if _, ok := seen[t]; ok || t == "" {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
