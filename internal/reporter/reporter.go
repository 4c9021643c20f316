// Package reporter renders pipeline output for people and for other tools.
//
// Three kinds of report are produced, each in three formats:
//   - Processing reports: outcome of every email in a run plus a summary
//   - Queue reports: review queue items awaiting or past a decision
//   - Stats reports: review queue counters
//
// Supported output formats:
//   - Console: colored, human-readable output for terminal display
//   - JSON: structured data for programmatic consumption
//   - CSV: one row per email or queue item for spreadsheets
//
// Example usage:
//
//	generator, err := reporter.NewReportGenerator(&reporter.ReportConfig{
//		Format:     reporter.FormatCSV,
//		CSVHeaders: true,
//	})
//	err = generator.GenerateProcessingReport(reporter.NewProcessingReport(results), os.Stdout)
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/fatih/color"
	"github.com/shopspring/decimal"

	"golang-email-ingestion-service/internal/models"
	"golang-email-ingestion-service/internal/queue"
)

// OutputFormat represents the supported report output formats
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is supported
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// ReportConfig holds configuration options for report generation
type ReportConfig struct {
	Format OutputFormat `json:"format" mapstructure:"format"`

	// IncludeSkipped lists skipped and merged emails, which are no-ops
	IncludeSkipped bool `json:"include_skipped" mapstructure:"include_skipped"`
	IncludeErrors  bool `json:"include_errors" mapstructure:"include_errors"`

	// Console formatting options
	UseColors bool `json:"use_colors" mapstructure:"use_colors"`
	MaxItems  int  `json:"max_items" mapstructure:"max_items"`

	// CSV options
	CSVDelimiter rune `json:"csv_delimiter" mapstructure:"csv_delimiter"`
	CSVHeaders   bool `json:"csv_headers" mapstructure:"csv_headers"`
}

// DefaultReportConfig returns a default report configuration
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:         FormatConsole,
		IncludeSkipped: true,
		IncludeErrors:  true,
		UseColors:      true,
		MaxItems:       50,
		CSVDelimiter:   ',',
		CSVHeaders:     true,
	}
}

// Validate validates the report configuration
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid output format: %s", c.Format)
	}
	if c.MaxItems < 0 {
		return fmt.Errorf("max items cannot be negative, got %d", c.MaxItems)
	}
	if c.Format == FormatCSV && (c.CSVDelimiter == 0 || c.CSVDelimiter == '"' || c.CSVDelimiter == '\n') {
		return fmt.Errorf("invalid CSV delimiter %q", c.CSVDelimiter)
	}
	return nil
}

// ProcessingReport is the input of a processing report
type ProcessingReport struct {
	GeneratedAt time.Time
	Summary     *models.BatchSummary
	Results     []*models.ProcessingResult
	// InputErrors are messages that never reached the pipeline
	InputErrors []InputError
}

// InputError is a message that could not be read
type InputError struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

// NewProcessingReport builds a report over results
func NewProcessingReport(results []*models.ProcessingResult) *ProcessingReport {
	return &ProcessingReport{
		GeneratedAt: time.Now().UTC(),
		Summary:     models.SummarizeResults(results),
		Results:     results,
	}
}

// ReportGenerator generates reports in various formats
type ReportGenerator struct {
	config  *ReportConfig
	palette palette
}

type palette struct {
	header, ok, queued, muted, failed *color.Color
}

// NewReportGenerator creates a new report generator with the specified configuration
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report configuration: %w", err)
	}

	p := palette{
		header: color.New(color.Bold, color.FgCyan),
		ok:     color.New(color.FgGreen),
		queued: color.New(color.FgYellow),
		muted:  color.New(color.FgHiBlack),
		failed: color.New(color.FgRed, color.Bold),
	}
	if !config.UseColors {
		for _, c := range []*color.Color{p.header, p.ok, p.queued, p.muted, p.failed} {
			c.DisableColor()
		}
	}
	return &ReportGenerator{config: config, palette: p}, nil
}

// GetConfiguration returns the current configuration
func (rg *ReportGenerator) GetConfiguration() *ReportConfig {
	return rg.config
}

// GenerateProcessingReport writes the outcome of a pipeline run
func (rg *ReportGenerator) GenerateProcessingReport(report *ProcessingReport, writer io.Writer) error {
	if report == nil {
		return fmt.Errorf("processing report cannot be nil")
	}
	if report.Summary == nil {
		report.Summary = models.SummarizeResults(report.Results)
	}

	records := make([]resultRecord, 0, len(report.Results))
	for _, r := range report.Results {
		if r == nil || (!rg.config.IncludeSkipped && r.IsNoOp()) {
			continue
		}
		records = append(records, newResultRecord(r))
	}

	switch rg.config.Format {
	case FormatConsole:
		ew := &errWriter{w: writer}
		rg.processingConsole(report, records, ew)
		return ew.err
	case FormatJSON:
		out := struct {
			GeneratedAt time.Time            `json:"generated_at"`
			Summary     *models.BatchSummary `json:"summary"`
			Results     []resultRecord       `json:"results"`
			InputErrors []InputError         `json:"input_errors,omitempty"`
		}{report.GeneratedAt, report.Summary, records, report.InputErrors}
		return writeJSON(writer, out)
	case FormatCSV:
		return rg.writeCSV(writer, resultHeaders, len(records), func(i int) []string { return records[i].row() })
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

// GenerateQueueReport writes a listing of review queue items
func (rg *ReportGenerator) GenerateQueueReport(items []*models.ReviewQueueItem, writer io.Writer) error {
	switch rg.config.Format {
	case FormatConsole:
		ew := &errWriter{w: writer}
		rg.queueConsole(items, ew)
		return ew.err
	case FormatJSON:
		if items == nil {
			items = []*models.ReviewQueueItem{}
		}
		return writeJSON(writer, items)
	case FormatCSV:
		return rg.writeCSV(writer, itemHeaders, len(items), func(i int) []string { return itemRow(items[i]) })
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

// GenerateStatsReport writes review queue counters
func (rg *ReportGenerator) GenerateStatsReport(stats *queue.Stats, writer io.Writer) error {
	if stats == nil {
		return fmt.Errorf("queue stats cannot be nil")
	}

	switch rg.config.Format {
	case FormatConsole:
		ew := &errWriter{w: writer}
		rg.statsConsole(stats, ew)
		return ew.err
	case FormatJSON:
		return writeJSON(writer, stats)
	case FormatCSV:
		rows := [][]string{
			{"total", fmt.Sprint(stats.Total)},
			{"escalated", fmt.Sprint(stats.Escalated)},
			{"high_priority", fmt.Sprint(stats.HighPriority)},
			{"oldest_pending_age", stats.OldestPendingAge.String()},
			{"pending_amount", stats.PendingAmount.StringFixed(2)},
		}
		for _, status := range statuses {
			rows = append(rows, []string{"status_" + string(status), fmt.Sprint(stats.ByStatus[status])})
		}
		return rg.writeCSV(writer, []string{"Metric", "Value"}, len(rows), func(i int) []string { return rows[i] })
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

var statuses = []models.ReviewStatus{models.StatusPending, models.StatusApproved, models.StatusRejected, models.StatusExpired}

// resultRecord is the flat form of a processing result shared by JSON and CSV
type resultRecord struct {
	Source         string   `json:"source,omitempty"`
	Outcome        string   `json:"outcome"`
	Fingerprint    string   `json:"fingerprint,omitempty"`
	Symbol         string   `json:"symbol,omitempty"`
	Type           string   `json:"type,omitempty"`
	Quantity       string   `json:"quantity,omitempty"`
	Price          string   `json:"price,omitempty"`
	Total          string   `json:"total,omitempty"`
	Currency       string   `json:"currency,omitempty"`
	Date           string   `json:"date,omitempty"`
	Confidence     float64  `json:"confidence"`
	MatchLevel     string   `json:"match_level,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
	TransactionID  string   `json:"transaction_id,omitempty"`
	ReviewItemID   string   `json:"review_item_id,omitempty"`
	PortfolioID    string   `json:"portfolio_id,omitempty"`
	Errors         []string `json:"errors,omitempty"`

	total decimal.Decimal
}

var resultHeaders = []string{
	"Source", "Outcome", "Fingerprint", "Symbol", "Type", "Quantity", "Price", "Total", "Currency",
	"Date", "Confidence", "Match_Level", "Recommendation", "Transaction_ID", "Review_Item_ID", "Portfolio_ID", "Errors",
}

func newResultRecord(r *models.ProcessingResult) resultRecord {
	rec := resultRecord{
		Source:       r.Source,
		Outcome:      string(r.Outcome),
		ReviewItemID: r.ReviewQueueID,
		PortfolioID:  r.PortfolioID,
	}
	if r.Identification != nil {
		rec.Fingerprint = r.Identification.FingerprintHash
	}
	if c := r.Candidate; c != nil {
		rec.Symbol = c.Symbol()
		rec.Type = string(c.TransactionType)
		rec.Quantity = c.Quantity.String()
		rec.Price = c.Price.String()
		rec.Total = c.TotalAmount.StringFixed(2)
		rec.Currency = c.Currency
		rec.Confidence = c.Confidence
		rec.total = c.TotalAmount
		if !c.TransactionDate.IsZero() {
			rec.Date = c.TransactionDate.Format("2006-01-02")
		}
	}
	if d := r.DuplicateResult; d != nil {
		rec.MatchLevel = string(d.MatchLevel)
		rec.Recommendation = string(d.Recommendation)
		rec.TransactionID = d.MatchedTransactionID
	}
	if r.Transaction != nil {
		rec.TransactionID = r.Transaction.ID
	}
	for _, err := range r.Errors {
		rec.Errors = append(rec.Errors, fmt.Sprintf("%s/%s: %s", err.Category, err.Code, err.Message))
	}
	return rec
}

func (rec resultRecord) row() []string {
	return []string{
		rec.Source, rec.Outcome, rec.Fingerprint, rec.Symbol, rec.Type, rec.Quantity, rec.Price, rec.Total,
		rec.Currency, rec.Date, fmt.Sprintf("%.2f", rec.Confidence), rec.MatchLevel, rec.Recommendation,
		rec.TransactionID, rec.ReviewItemID, rec.PortfolioID, strings.Join(rec.Errors, "; "),
	}
}

var itemHeaders = []string{
	"ID", "Status", "Priority", "Risk_Score", "Escalation", "Symbol", "Type", "Quantity", "Total", "Currency",
	"Confidence", "Queued_At", "Tags", "Reason", "Reviewed_By", "Transaction_ID",
}

func itemRow(item *models.ReviewQueueItem) []string {
	var symbol, txType, qty, total, currency, confidence string
	if c := item.Candidate; c != nil {
		symbol, txType, currency = c.Symbol(), string(c.TransactionType), c.Currency
		qty, total = c.Quantity.String(), c.TotalAmount.StringFixed(2)
		confidence = fmt.Sprintf("%.2f", c.Confidence)
	}
	return []string{
		item.ID, string(item.Status), fmt.Sprint(item.Priority), fmt.Sprintf("%.2f", item.RiskScore),
		fmt.Sprint(item.EscalationLevel), symbol, txType, qty, total, currency, confidence,
		item.QueuedAt.Format(time.RFC3339), strings.Join(item.Tags, ","), item.Reason, item.ReviewedBy, item.TransactionID,
	}
}

func (rg *ReportGenerator) processingConsole(report *ProcessingReport, records []resultRecord, w io.Writer) {
	p, s := rg.palette, report.Summary

	p.header.Fprintf(w, "PROCESSING REPORT\n")
	fmt.Fprintf(w, "Generated: %s\n\n", report.GeneratedAt.Format(time.RFC3339))

	p.header.Fprintf(w, "=== SUMMARY ===\n")
	fmt.Fprintf(w, "Emails:    %d\n", s.Total)
	p.ok.Fprintf(w, "  Created: %d (%.1f%%)\n", s.Created, percentage(s.Created, s.Total))
	p.queued.Fprintf(w, "  Queued:  %d (%.1f%%)\n", s.Queued, percentage(s.Queued, s.Total))
	p.muted.Fprintf(w, "  Skipped: %d (%.1f%%)\n", s.Skipped, percentage(s.Skipped, s.Total))
	p.muted.Fprintf(w, "  Merged:  %d (%.1f%%)\n", s.Merged, percentage(s.Merged, s.Total))
	p.failed.Fprintf(w, "  Failed:  %d (%.1f%%)\n", s.Failed, percentage(s.Failed, s.Total))
	if len(report.InputErrors) > 0 {
		p.failed.Fprintf(w, "Unreadable: %d\n", len(report.InputErrors))
	}

	if len(records) > 0 {
		p.header.Fprintf(w, "\n=== RESULTS ===\n")
		for i, rec := range records {
			if rg.limitReached(w, i, len(records)) {
				break
			}
			rg.outcomeColor(rec.Outcome).Fprintf(w, "  %d. [%-7s]", i+1, strings.ToUpper(rec.Outcome))
			fmt.Fprintf(w, " %s", describeRecord(rec))
			switch {
			case rec.Outcome == string(models.OutcomeQueued):
				fmt.Fprintf(w, " -> review %s", rec.ReviewItemID)
			case rec.TransactionID != "":
				fmt.Fprintf(w, " -> transaction %s", rec.TransactionID)
			}
			fmt.Fprintf(w, "\n")
			if rec.Source != "" {
				p.muted.Fprintf(w, "     %s\n", rec.Source)
			}
		}
	}

	if rg.config.IncludeErrors {
		var lines []string
		for _, rec := range records {
			for _, e := range rec.Errors {
				lines = append(lines, fmt.Sprintf("%s: %s", sourceOrFingerprint(rec), e))
			}
		}
		for _, e := range report.InputErrors {
			lines = append(lines, fmt.Sprintf("%s: %s", e.Source, e.Error))
		}
		if len(lines) > 0 {
			p.header.Fprintf(w, "\n=== ERRORS ===\n")
			for _, line := range lines {
				p.failed.Fprintf(w, "  - %s\n", line)
			}
		}
	}
}

func (rg *ReportGenerator) queueConsole(items []*models.ReviewQueueItem, w io.Writer) {
	p := rg.palette
	p.header.Fprintf(w, "REVIEW QUEUE (%d items)\n", len(items))
	if len(items) == 0 {
		p.muted.Fprintf(w, "  nothing to review\n")
		return
	}

	for i, item := range items {
		if rg.limitReached(w, i, len(items)) {
			break
		}
		c := rg.priorityColor(item.Priority)
		c.Fprintf(w, "  %s  P%-3d", shortID(item.ID), item.Priority)
		fmt.Fprintf(w, " %-8s", item.Status)
		if cand := item.Candidate; cand != nil {
			fmt.Fprintf(w, " %s", describeCandidate(cand))
		}
		if item.EscalationLevel > 0 {
			p.failed.Fprintf(w, " escalated x%d", item.EscalationLevel)
		}
		fmt.Fprintf(w, "\n")
		if len(item.Tags) > 0 {
			p.muted.Fprintf(w, "        tags: %s\n", strings.Join(item.Tags, ", "))
		}
		if item.Reason != "" {
			p.muted.Fprintf(w, "        reason: %s\n", item.Reason)
		}
	}
}

func (rg *ReportGenerator) statsConsole(stats *queue.Stats, w io.Writer) {
	p := rg.palette
	p.header.Fprintf(w, "=== REVIEW QUEUE ===\n")
	fmt.Fprintf(w, "Total items:        %d\n", stats.Total)
	for _, status := range statuses {
		fmt.Fprintf(w, "  %-17s %d\n", string(status)+":", stats.ByStatus[status])
	}
	fmt.Fprintf(w, "Escalated:          %d\n", stats.Escalated)
	if stats.HighPriority > 0 {
		p.failed.Fprintf(w, "High priority:      %d\n", stats.HighPriority)
	} else {
		fmt.Fprintf(w, "High priority:      0\n")
	}
	fmt.Fprintf(w, "Oldest pending:     %s\n", stats.OldestPendingAge.Round(time.Minute))
	fmt.Fprintf(w, "Pending amount:     %s\n", FormatMoney(stats.PendingAmount, "CAD"))
}

func (rg *ReportGenerator) limitReached(w io.Writer, i, total int) bool {
	if rg.config.MaxItems > 0 && i >= rg.config.MaxItems {
		rg.palette.muted.Fprintf(w, "  ... and %d more\n", total-i)
		return true
	}
	return false
}

func (rg *ReportGenerator) outcomeColor(outcome string) *color.Color {
	switch models.Outcome(outcome) {
	case models.OutcomeCreated:
		return rg.palette.ok
	case models.OutcomeQueued:
		return rg.palette.queued
	case models.OutcomeFailed:
		return rg.palette.failed
	default:
		return rg.palette.muted
	}
}

func (rg *ReportGenerator) priorityColor(priority int) *color.Color {
	switch {
	case priority >= 70:
		return rg.palette.failed
	case priority >= 40:
		return rg.palette.queued
	default:
		return rg.palette.ok
	}
}

// FormatMoney formats an amount in its currency, falling back to a plain
// decimal for unknown currency codes
func FormatMoney(amount decimal.Decimal, currency string) string {
	if currency == "" {
		currency = "CAD"
	}
	cur := money.GetCurrency(strings.ToUpper(currency))
	if cur == nil {
		return amount.StringFixed(2) + " " + currency
	}
	factor := decimal.New(1, int32(cur.Fraction))
	return money.New(amount.Mul(factor).Round(0).IntPart(), cur.Code).Display()
}

func describeRecord(rec resultRecord) string {
	if rec.Symbol == "" && rec.Type == "" {
		return "(no transaction)"
	}
	s := fmt.Sprintf("%s %s %s", rec.Type, rec.Quantity, rec.Symbol)
	if rec.Total != "" {
		s += " total " + FormatMoney(rec.total, rec.Currency)
	}
	return s + fmt.Sprintf(" (confidence %.2f)", rec.Confidence)
}

func describeCandidate(c *models.Candidate) string {
	symbol := c.Symbol()
	if symbol == "" {
		symbol = "?"
	}
	return fmt.Sprintf("%s %s %s total %s (confidence %.2f)",
		c.TransactionType, c.Quantity.String(), symbol, FormatMoney(c.TotalAmount, c.Currency), c.Confidence)
}

func sourceOrFingerprint(rec resultRecord) string {
	if rec.Source != "" {
		return rec.Source
	}
	return shortID(rec.Fingerprint)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func percentage(part, total int) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(part) / float64(total) * 100.0
}

// errWriter keeps the first write error so console rendering can ignore
// the results of individual prints
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) Write(p []byte) (int, error) {
	if ew.err != nil {
		return 0, ew.err
	}
	n, err := ew.w.Write(p)
	ew.err = err
	return n, err
}

func writeJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func (rg *ReportGenerator) writeCSV(w io.Writer, headers []string, n int, row func(i int) []string) error {
	csvWriter := csv.NewWriter(w)
	csvWriter.Comma = rg.config.CSVDelimiter

	if rg.config.CSVHeaders {
		if err := csvWriter.Write(headers); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}
	for i := 0; i < n; i++ {
		if err := csvWriter.Write(row(i)); err != nil {
			return fmt.Errorf("failed to write CSV record %d: %w", i+1, err)
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}
