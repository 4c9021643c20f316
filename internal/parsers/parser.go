// Package parsers extracts candidate transactions from broker confirmation emails.
//
// Each supported broker has a template: a fixed set of patterns for the way
// that broker words its order fills, dividends and option expiries. The
// sender address selects the template, and the template pulls the raw field
// text out of the email body. Fields are then parsed with decimal
// arithmetic and cross-checked against the printed total.
//
// Every candidate carries a confidence in [0, 1] that is the minimum of the
// named sub-confidences recorded while building it:
//   - template: how reliable the broker template is
//   - symbol / resolver: whether the ticker was printed or had to be resolved
//   - total_reconciliation: whether quantity × price ± fees matched the total
//   - date: whether the trade date was printed
//
// Templates:
//   - wealthsimple: sentence-style notifications ("You bought 10 shares of ...",
//     or the short "bought 100 AAPL @ $150.50" form)
//   - questrade: "Label: value" confirmations
//   - interactive_brokers: "BOUGHT 100 AAPL @ 150.50" executions
//
// Example usage:
//
//	parser, err := NewParser(DefaultParserConfig(), DefaultTemplateRegistry(), res, log)
//	result, err := parser.Parse(ctx, email, ident)
//	if err != nil {
//		// parse errors route the email to manual review
//	}
//
// Parse errors are never fatal to a batch: the caller queues the email for
// review with zero confidence.
package parsers

import (
	"context"
	stderrors "errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"golang-email-ingestion-service/internal/identity"
	"golang-email-ingestion-service/internal/models"
	"golang-email-ingestion-service/internal/resolver"
	"golang-email-ingestion-service/pkg/errors"
	"golang-email-ingestion-service/pkg/logger"
)

var tickerShape = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,5}([.\-][A-Z0-9]{1,3})?$`)

var errNoResolver = stderrors.New("no symbol resolver configured")

// Result is a successfully extracted candidate plus the non-fatal problems
// found while building it.
type Result struct {
	Candidate *models.Candidate
	Kind      TemplateKind
	// Warnings are resolver failures that lowered confidence
	Warnings []*errors.PipelineError
	// Tags describe why confidence was lowered
	Tags []string
}

// ParseStats counts parse outcomes per template
type ParseStats struct {
	Parsed      int64                  `json:"parsed"`
	Failed      int64                  `json:"failed"`
	Unresolved  int64                  `json:"unresolved"`
	Mismatched  int64                  `json:"mismatched"`
	PerTemplate map[TemplateKind]int64 `json:"per_template"`
}

// Parser turns raw emails into candidates. It is safe for concurrent use.
type Parser struct {
	config   *ParserConfig
	registry *TemplateRegistry
	resolver resolver.Resolver
	logger   logger.Logger
	now      func() time.Time

	mu    sync.Mutex
	stats ParseStats
}

// NewParser creates a parser. A nil resolver leaves every security name
// unresolved.
func NewParser(config *ParserConfig, registry *TemplateRegistry, res resolver.Resolver, log logger.Logger) (*Parser, error) {
	if config == nil {
		config = DefaultParserConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "parser", nil, err)
	}
	if registry == nil {
		registry = DefaultTemplateRegistry()
	}

	return &Parser{
		config:   config,
		registry: registry,
		resolver: res,
		logger:   logger.OrNop(log).WithComponent("parser"),
		now:      time.Now,
		stats:    ParseStats{PerTemplate: make(map[TemplateKind]int64)},
	}, nil
}

// Parse extracts a candidate from email. Errors are parse PipelineErrors
// (or ExtractionErrors wrapping one) and mean no usable candidate exists.
func (p *Parser) Parse(ctx context.Context, email *models.RawEmail, ident models.EmailIdentification) (*Result, error) {
	sender := ident.FromAddress
	if sender == "" {
		sender = identity.NormalizeSender(email.From)
	}

	result, err := p.parse(ctx, email, ident, sender)
	p.record(result, err)

	if err != nil {
		p.logger.WithFields(logger.Fields{
			"sender":      sender,
			"fingerprint": ident.FingerprintHash,
		}).WithError(err).Warn("Failed to extract transaction")
		return nil, err
	}

	p.logger.WithFields(logger.Fields{
		"template":   result.Kind,
		"candidate":  result.Candidate.String(),
		"confidence": result.Candidate.Confidence,
		"tags":       result.Tags,
	}).Debug("Extracted candidate")

	return result, nil
}

func (p *Parser) parse(ctx context.Context, email *models.RawEmail, ident models.EmailIdentification, sender string) (*Result, error) {
	kind, tmpl := p.registry.Lookup(sender)
	if kind == KindUnknown {
		return nil, errors.ParseError(errors.CodeUnknownTemplate, sender, "", nil)
	}
	if !tmpl.Enabled {
		return nil, errors.ParseError(errors.CodeTemplateDisabled, sender, kind.String(), nil)
	}

	text := unquote(identity.PlainText(email))
	if strings.TrimSpace(text) == "" {
		return nil, errors.ParseError(errors.CodeUnreadableMessage, sender, "empty body", nil)
	}

	ex, ok := extract(kind, text)
	if !ok {
		return nil, errors.ParseError(errors.CodeNoTradeFound, sender, kind.String(), nil).
			WithContext("template", kind.String())
	}

	return p.build(ctx, kind, tmpl, sender, email, ident, ex)
}

func (p *Parser) build(ctx context.Context, kind TemplateKind, tmpl *TemplateConfig, sender string,
	email *models.RawEmail, ident models.EmailIdentification, ex *extraction) (*Result, error) {

	txType, err := models.ParseTransactionType(ex.action)
	if err != nil {
		return nil, errors.MissingFieldError(sender, kind.String(), "action", ex.line)
	}

	c := models.NewCandidate(kind.String())
	c.TransactionType = txType
	c.Contribute(models.SourceTemplate, tmpl.Confidence)
	if txType == models.TransactionTypeOptionExpired {
		c.AssetTypeGuess = models.AssetTypeOption
	}

	result := &Result{Candidate: c, Kind: kind}

	numbers := []struct {
		field    string
		raw      string
		dst      *decimal.Decimal
		required bool
	}{
		{"quantity", ex.quantity, &c.Quantity, txType.IsTrade() || txType == models.TransactionTypeOptionExpired},
		{"price", ex.price, &c.Price, txType.IsTrade()},
		{"fees", ex.fees, &c.Fees, false},
		{"order_quantity", ex.orderQty, &c.OrderQuantity, false},
	}
	for _, n := range numbers {
		if n.raw == "" {
			if n.required {
				return nil, errors.MissingFieldError(sender, kind.String(), n.field, ex.line)
			}
			continue
		}
		v, err := models.ParseDecimalFromString(n.raw)
		if err != nil {
			return nil, errors.InvalidNumberError(sender, kind.String(), n.field, n.raw)
		}
		*n.dst = v.Abs()
	}

	var printedTotal *decimal.Decimal
	if ex.total != "" {
		v, err := models.ParseDecimalFromString(ex.total)
		if err != nil {
			return nil, errors.InvalidNumberError(sender, kind.String(), "total", ex.total)
		}
		printedTotal = &v
	}

	c.Currency = strings.ToUpper(ex.currency)
	if c.Currency == "" {
		c.Currency = tmpl.DefaultCurrency
	}
	c.AccountTypeRaw = normalizeAccount(ex.account)
	c.OrderReference = strings.TrimSpace(ex.orderRef)

	switch {
	case txType.IsTrade():
		if !reconcileTotal(c, printedTotal, ex.fees != "", p.config) {
			result.Tags = append(result.Tags, models.TagTotalMismatch)
		}
	case txType == models.TransactionTypeDividend:
		if printedTotal == nil {
			return nil, errors.MissingFieldError(sender, kind.String(), "total", ex.line)
		}
		c.TotalAmount = printedTotal.Abs()
	}

	p.applyDate(c, ex, email, ident)

	if warning := p.resolveSymbol(ctx, c, ex, email.Subject); warning != nil {
		result.Warnings = append(result.Warnings, warning)
		result.Tags = append(result.Tags, models.TagSymbolUnresolved)
	}

	if err := c.Validate(); err != nil {
		return nil, errors.NewExtractionError(errors.CodeMissingField, &errors.ExtractionContext{
			Sender:   sender,
			Template: kind.String(),
			Field:    "candidate",
			Snippet:  ex.line,
		}, err)
	}

	return result, nil
}

func (p *Parser) applyDate(c *models.Candidate, ex *extraction, email *models.RawEmail, ident models.EmailIdentification) {
	if ex.date != "" {
		if t, err := models.ParseTimeWithFormats(ex.date); err == nil {
			c.TransactionDate = t
			return
		}
		c.AddNote("unparseable trade date %q", ex.date)
	}

	fallback := ident.ReceivedAt
	if fallback.IsZero() {
		fallback = email.ReceivedAt
	}
	if fallback.IsZero() {
		fallback = p.now()
	}
	c.TransactionDate = fallback
	c.Contribute(models.SourceDate, p.config.DateFallbackConfidence)
	c.AddNote("trade date not printed; using received date %s", fallback.Format("2006-01-02"))
}

// resolveSymbol accepts a ticker-shaped symbol as printed and otherwise makes
// one bounded resolver call. On failure the symbol stays unresolved and
// confidence is capped.
func (p *Parser) resolveSymbol(ctx context.Context, c *models.Candidate, ex *extraction, subject string) *errors.PipelineError {
	raw := strings.TrimSpace(ex.security)
	c.SymbolRaw = raw

	if tickerShape.MatchString(raw) {
		symbol := raw
		c.SymbolResolved = &symbol
		c.Contribute(models.SourceSymbol, 1)
		return nil
	}

	text := raw
	if text == "" {
		text = subject
	}

	var warning *errors.PipelineError
	if p.resolver == nil {
		warning = errors.ResolverTimeoutError(errors.CodeResolverUnavailable, text, errNoResolver)
	} else {
		rctx, cancel := context.WithTimeout(ctx, p.config.ResolverTimeout)
		defer cancel()

		res, err := p.resolver.Resolve(rctx, text)
		if err == nil && res != nil && res.Symbol != "" {
			symbol := res.Symbol
			c.SymbolResolved = &symbol
			if res.AssetType != "" && res.AssetType != models.AssetTypeUnknown {
				c.AssetTypeGuess = res.AssetType
			}
			c.Contribute(models.SourceResolver, res.Confidence)
			c.AddNote("symbol %s resolved from %q by %s", symbol, text, res.Source)
			return nil
		}
		warning = classifyResolverError(rctx, text, err)
	}

	c.Contribute(models.SourceResolver, p.config.ResolverFailureConfidenceCap)
	c.AddNote("symbol unresolved: %s", warning.Message)
	return warning
}

func classifyResolverError(ctx context.Context, text string, err error) *errors.PipelineError {
	if err == nil {
		return errors.ResolverTimeoutError(errors.CodeSymbolNotFound, text, resolver.ErrNoMatch)
	}
	if pe, ok := errors.AsPipelineError(err); ok {
		return pe
	}
	switch {
	case ctx.Err() != nil || stderrors.Is(err, context.DeadlineExceeded):
		return errors.ResolverTimeoutError(errors.CodeResolverTimeout, text, err)
	case stderrors.Is(err, resolver.ErrNoMatch):
		return errors.ResolverTimeoutError(errors.CodeSymbolNotFound, text, err)
	case stderrors.Is(err, resolver.ErrBadResponse):
		return errors.ResolverTimeoutError(errors.CodeResolverBadResponse, text, err)
	default:
		return errors.ResolverTimeoutError(errors.CodeResolverUnavailable, text, err)
	}
}

func (p *Parser) record(result *Result, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		p.stats.Failed++
		return
	}
	p.stats.Parsed++
	p.stats.PerTemplate[result.Kind]++
	for _, tag := range result.Tags {
		switch tag {
		case models.TagSymbolUnresolved:
			p.stats.Unresolved++
		case models.TagTotalMismatch:
			p.stats.Mismatched++
		}
	}
}

// Stats returns a snapshot of the parse counters
func (p *Parser) Stats() ParseStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	stats.PerTemplate = make(map[TemplateKind]int64, len(p.stats.PerTemplate))
	for k, v := range p.stats.PerTemplate {
		stats.PerTemplate[k] = v
	}
	return stats
}

// String returns a one-line summary of the parse counters
func (s ParseStats) String() string {
	return fmt.Sprintf("parsed=%d failed=%d unresolved=%d mismatched=%d",
		s.Parsed, s.Failed, s.Unresolved, s.Mismatched)
}
