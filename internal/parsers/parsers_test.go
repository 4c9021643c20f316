package parsers

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"golang-email-ingestion-service/internal/models"
	"golang-email-ingestion-service/internal/resolver"
	"golang-email-ingestion-service/pkg/errors"
)

type stubResolver struct {
	calls int32
	delay time.Duration
	res   *resolver.Resolution
	err   error
}

func (s *stubResolver) Resolve(ctx context.Context, text string) (*resolver.Resolution, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	res := *s.res
	return &res, nil
}

var received = time.Date(2024, 3, 1, 15, 30, 0, 0, time.UTC)

func newTestParser(t *testing.T, res resolver.Resolver) *Parser {
	t.Helper()
	config := DefaultParserConfig()
	config.ResolverTimeout = 50 * time.Millisecond
	p, err := NewParser(config, nil, res, nil)
	if err != nil {
		t.Fatalf("NewParser() error = %v", err)
	}
	return p
}

func email(from, body string) (*models.RawEmail, models.EmailIdentification) {
	e := &models.RawEmail{
		From:       from,
		Subject:    "Trade confirmation",
		TextBody:   body,
		ReceivedAt: received,
	}
	return e, models.EmailIdentification{
		FingerprintHash: "n1:test",
		ReceivedAt:      received,
	}
}

func TestParseWealthsimpleBuy(t *testing.T) {
	p := newTestParser(t, nil)
	e, ident := email("Wealthsimple <notifications@wealthsimple.com>",
		"Your order has been filled.\nYou bought 100 shares of AAPL at $150.50 in your TFSA.\nTotal $15,050.00\n")

	result, err := p.Parse(context.Background(), e, ident)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	c := result.Candidate
	if result.Kind != KindWealthsimple {
		t.Errorf("expected wealthsimple template, got %s", result.Kind)
	}
	if c.TransactionType != models.TransactionTypeBuy {
		t.Errorf("expected buy, got %s", c.TransactionType)
	}
	if !c.Quantity.Equal(decimal.NewFromInt(100)) || !c.Price.Equal(decimal.RequireFromString("150.50")) {
		t.Errorf("unexpected quantity/price %s @ %s", c.Quantity, c.Price)
	}
	if !c.TotalAmount.Equal(decimal.RequireFromString("15050")) {
		t.Errorf("expected total 15050.00, got %s", c.TotalAmount)
	}
	if !c.IsResolved() || c.Symbol() != "AAPL" {
		t.Errorf("expected AAPL to be accepted directly, got %v", c.SymbolResolved)
	}
	if c.AccountTypeRaw != "TFSA" || c.Currency != "CAD" {
		t.Errorf("unexpected account %q currency %q", c.AccountTypeRaw, c.Currency)
	}
	if !c.TransactionDate.Equal(received) {
		t.Errorf("expected received date fallback, got %s", c.TransactionDate)
	}
	if c.Confidence < 0.6 {
		t.Errorf("expected an auto-insertable confidence, got %v (%v)", c.Confidence, c.ConfidenceSources)
	}
	if len(result.Warnings) != 0 || len(result.Tags) != 0 {
		t.Errorf("unexpected warnings %v tags %v", result.Warnings, result.Tags)
	}
}

func TestParseTemplates(t *testing.T) {
	tests := []struct {
		name      string
		from      string
		body      string
		wantType  models.TransactionType
		wantQty   string
		wantPrice string
		wantTotal string
		wantFees  string
		symbol    string
		account   string
		currency  string
		orderRef  string
		orderQty  string
		date      time.Time
	}{
		{
			name: "questrade key value",
			from: "trade.confirmations@questrade.com",
			body: "Trade confirmation\nAction: Buy\nSymbol: SHOP.TO\nQuantity: 10\nPrice: 101.25\n" +
				"Commission: 4.95\nNet amount: 1,017.45\nAccount: TFSA 51234567\nOrder #: 88412001\nTrade date: 2024-02-28\n",
			wantType: models.TransactionTypeBuy, wantQty: "10", wantPrice: "101.25",
			wantTotal: "1017.45", wantFees: "4.95", symbol: "SHOP.TO", account: "TFSA",
			currency: "CAD", orderRef: "88412001", date: time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "interactive brokers execution",
			from: "donotreply@interactivebrokers.com",
			body: "SOLD 50 MSFT @ 410.00 on NASDAQ\nAccount: U1234567 (Margin)\nCommission: USD 1.00\n" +
				"Order ID: 4471\nTotal Quantity: 200\nExecution time: 2024-03-01 10:15:32\n",
			wantType: models.TransactionTypeSell, wantQty: "50", wantPrice: "410",
			wantTotal: "20499", wantFees: "1", symbol: "MSFT", account: "MARGIN",
			currency: "USD", orderRef: "4471", orderQty: "200",
			date: time.Date(2024, 3, 1, 10, 15, 32, 0, time.UTC),
		},
		{
			name: "wealthsimple partial fill",
			from: "notifications@wealthsimple.com",
			body: "Your order was partially filled: filled 40 of 100 shares.\n" +
				"You bought 40 shares of TD at $80.00 in your RRSP.\nOrder ID: WS-77812\nTotal $3,200.00\nDate: March 1, 2024",
			wantType: models.TransactionTypeBuy, wantQty: "40", wantPrice: "80",
			wantTotal: "3200", wantFees: "0", symbol: "TD", account: "RRSP",
			currency: "CAD", orderRef: "WS-77812", orderQty: "100",
			date: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "wealthsimple short form",
			from: "notifications@wealthsimple.com",
			body: "Wealthsimple: bought 100 AAPL @ $150.50, total $15,050.00",
			wantType: models.TransactionTypeBuy, wantQty: "100", wantPrice: "150.50",
			wantTotal: "15050", wantFees: "0", symbol: "AAPL",
			currency: "CAD", date: received,
		},
		{
			name: "forwarded quote markers",
			from: "notifications@wealthsimple.com",
			body: "> You sold 5 shares of NVDA at US$900.00 in your margin account.\n> Total US$4,500.00",
			wantType: models.TransactionTypeSell, wantQty: "5", wantPrice: "900",
			wantTotal: "4500", wantFees: "0", symbol: "NVDA", account: "MARGIN",
			currency: "USD", date: received,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestParser(t, nil)
			e, ident := email(tt.from, tt.body)

			result, err := p.Parse(context.Background(), e, ident)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			c := result.Candidate

			if c.TransactionType != tt.wantType {
				t.Errorf("type: expected %s, got %s", tt.wantType, c.TransactionType)
			}
			for field, pair := range map[string][2]decimal.Decimal{
				"quantity": {decimal.RequireFromString(tt.wantQty), c.Quantity},
				"price":    {decimal.RequireFromString(tt.wantPrice), c.Price},
				"total":    {decimal.RequireFromString(tt.wantTotal), c.TotalAmount},
				"fees":     {decimal.RequireFromString(tt.wantFees), c.Fees},
			} {
				if !pair[0].Equal(pair[1]) {
					t.Errorf("%s: expected %s, got %s", field, pair[0], pair[1])
				}
			}
			if c.Symbol() != tt.symbol {
				t.Errorf("symbol: expected %s, got %s", tt.symbol, c.Symbol())
			}
			if c.AccountTypeRaw != tt.account {
				t.Errorf("account: expected %q, got %q", tt.account, c.AccountTypeRaw)
			}
			if c.Currency != tt.currency {
				t.Errorf("currency: expected %s, got %s", tt.currency, c.Currency)
			}
			if c.OrderReference != tt.orderRef {
				t.Errorf("order ref: expected %q, got %q", tt.orderRef, c.OrderReference)
			}
			if tt.orderQty != "" && !c.OrderQuantity.Equal(decimal.RequireFromString(tt.orderQty)) {
				t.Errorf("order quantity: expected %s, got %s", tt.orderQty, c.OrderQuantity)
			}
			if !c.TransactionDate.Equal(tt.date) {
				t.Errorf("date: expected %s, got %s", tt.date, c.TransactionDate)
			}
			if len(result.Tags) != 0 {
				t.Errorf("unexpected tags %v (notes %v)", result.Tags, c.Notes)
			}
		})
	}
}

func TestParseDividend(t *testing.T) {
	p := newTestParser(t, &stubResolver{res: &resolver.Resolution{
		Symbol: "ENB", AssetType: models.AssetTypeStock, Confidence: 0.95, Source: resolver.BackendLocal,
	}})
	e, ident := email("notifications@wealthsimple.com", "You received a $42.18 dividend from Enbridge in your TFSA.")

	result, err := p.Parse(context.Background(), e, ident)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	c := result.Candidate
	if c.TransactionType != models.TransactionTypeDividend || c.Symbol() != "ENB" {
		t.Errorf("unexpected candidate %s", c)
	}
	if !c.TotalAmount.Equal(decimal.RequireFromString("42.18")) {
		t.Errorf("expected dividend amount 42.18, got %s", c.TotalAmount)
	}
	if c.ConfidenceSources[models.SourceResolver] != 0.95 {
		t.Errorf("expected resolver confidence to contribute, got %v", c.ConfidenceSources)
	}
}

func TestParseResolvesNames(t *testing.T) {
	stub := &stubResolver{res: &resolver.Resolution{
		Symbol: "AAPL", AssetType: models.AssetTypeStock, Confidence: 0.95, Source: resolver.BackendLocal,
	}}
	p := newTestParser(t, stub)
	e, ident := email("notifications@wealthsimple.com", "You bought 10 shares of Apple at $150.00.\nTotal $1,500.00")

	result, err := p.Parse(context.Background(), e, ident)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if stub.calls != 1 {
		t.Errorf("expected exactly one resolver call, got %d", stub.calls)
	}
	c := result.Candidate
	if c.Symbol() != "AAPL" || c.SymbolRaw != "Apple" {
		t.Errorf("expected Apple resolved to AAPL, got raw %q resolved %q", c.SymbolRaw, c.Symbol())
	}
	if c.AssetTypeGuess != models.AssetTypeStock {
		t.Errorf("expected asset type from resolver, got %s", c.AssetTypeGuess)
	}
}

func TestParseResolverFailureCapsConfidence(t *testing.T) {
	tests := []struct {
		name     string
		resolver resolver.Resolver
		code     errors.ErrorCode
	}{
		{
			name:     "timeout",
			resolver: &stubResolver{delay: time.Second, res: &resolver.Resolution{Symbol: "AAPL", Confidence: 1}},
			code:     errors.CodeResolverTimeout,
		},
		{
			name:     "no match",
			resolver: &stubResolver{err: resolver.ErrNoMatch},
			code:     errors.CodeSymbolNotFound,
		},
		{
			name:     "no resolver",
			resolver: nil,
			code:     errors.CodeResolverUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestParser(t, tt.resolver)
			e, ident := email("notifications@wealthsimple.com", "You bought 10 shares of Apple at $150.00.\nTotal $1,500.00")

			start := time.Now()
			result, err := p.Parse(context.Background(), e, ident)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if time.Since(start) > 500*time.Millisecond {
				t.Errorf("resolver call was not bounded, took %s", time.Since(start))
			}

			c := result.Candidate
			if c.IsResolved() {
				t.Errorf("expected symbol to stay unresolved, got %s", *c.SymbolResolved)
			}
			if c.Confidence > DefaultParserConfig().ResolverFailureConfidenceCap {
				t.Errorf("expected confidence capped, got %v", c.Confidence)
			}
			if len(result.Warnings) != 1 || result.Warnings[0].Code != tt.code {
				t.Errorf("expected warning %s, got %v", tt.code, result.Warnings)
			}
			if !containsTag(result.Tags, models.TagSymbolUnresolved) {
				t.Errorf("expected symbol-unresolved tag, got %v", result.Tags)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		from string
		body string
		code errors.ErrorCode
	}{
		{"unknown sender", "friend@example.com", "You bought 1 shares of AAPL at $1.00", errors.CodeUnknownTemplate},
		{"no trade", "notifications@wealthsimple.com", "Your monthly statement is ready.", errors.CodeNoTradeFound},
		{"empty body", "notifications@wealthsimple.com", "  ", errors.CodeUnreadableMessage},
		{"questrade missing quantity", "notifications@questrade.com", "Action: Buy\nSymbol: AAPL\nPrice: 10.00", errors.CodeMissingField},
		{"questrade bad number", "notifications@questrade.com", "Action: Buy\nSymbol: AAPL\nQuantity: ten\nPrice: 10.00", errors.CodeInvalidNumber},
		{"questrade unknown action", "notifications@questrade.com", "Action: Transfer\nSymbol: AAPL\nQuantity: 1\nPrice: 10.00", errors.CodeMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestParser(t, nil)
			e, ident := email(tt.from, tt.body)

			_, err := p.Parse(context.Background(), e, ident)
			pe, ok := errors.AsPipelineError(err)
			if !ok {
				t.Fatalf("expected a PipelineError, got %v", err)
			}
			if pe.Category != errors.CategoryParse || pe.Code != tt.code {
				t.Errorf("expected parse/%s, got %s/%s", tt.code, pe.Category, pe.Code)
			}
		})
	}

	p := newTestParser(t, nil)
	for _, tt := range tests {
		e, ident := email(tt.from, tt.body)
		_, _ = p.Parse(context.Background(), e, ident)
	}
	if stats := p.Stats(); stats.Failed != int64(len(tests)) || stats.Parsed != 0 {
		t.Errorf("unexpected stats %s", stats)
	}
}

func TestReconcileTotal(t *testing.T) {
	d := decimal.RequireFromString

	tests := []struct {
		name        string
		txType      models.TransactionType
		qty, price  string
		fees        string
		printed     string
		wantOK      bool
		wantFees    string
		wantTotal   string
		wantConfMax float64
	}{
		{name: "buy exact", txType: models.TransactionTypeBuy, qty: "100", price: "150.50", printed: "15050.00",
			wantOK: true, wantFees: "0", wantTotal: "15050", wantConfMax: 1},
		{name: "buy with fees", txType: models.TransactionTypeBuy, qty: "10", price: "101.25", fees: "4.95", printed: "1017.45",
			wantOK: true, wantFees: "4.95", wantTotal: "1017.45", wantConfMax: 1},
		{name: "sell subtracts fees", txType: models.TransactionTypeSell, qty: "50", price: "410", fees: "1", printed: "20499",
			wantOK: true, wantFees: "1", wantTotal: "20499", wantConfMax: 1},
		{name: "implied buy fee", txType: models.TransactionTypeBuy, qty: "10", price: "100", printed: "1009.99",
			wantOK: true, wantFees: "9.99", wantTotal: "1009.99", wantConfMax: 0.9},
		{name: "implied sell fee", txType: models.TransactionTypeSell, qty: "10", price: "100", printed: "995.05",
			wantOK: true, wantFees: "4.95", wantTotal: "995.05", wantConfMax: 0.9},
		{name: "total excludes printed fee", txType: models.TransactionTypeBuy, qty: "10", price: "100", fees: "4.95", printed: "1000",
			wantOK: true, wantFees: "4.95", wantTotal: "1004.95", wantConfMax: 1},
		{name: "implied fee too large", txType: models.TransactionTypeBuy, qty: "10", price: "100", printed: "1100",
			wantOK: false, wantFees: "0", wantTotal: "1100", wantConfMax: 0.4},
		{name: "printed fee mismatch", txType: models.TransactionTypeBuy, qty: "10", price: "100", fees: "5", printed: "1001",
			wantOK: false, wantFees: "5", wantTotal: "1001", wantConfMax: 0.4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := models.NewCandidate("test")
			c.TransactionType = tt.txType
			c.Quantity = d(tt.qty)
			c.Price = d(tt.price)
			if tt.fees != "" {
				c.Fees = d(tt.fees)
			}
			printed := d(tt.printed)

			ok := reconcileTotal(c, &printed, tt.fees != "", DefaultParserConfig())
			if ok != tt.wantOK {
				t.Errorf("expected ok=%v, got %v (notes %v)", tt.wantOK, ok, c.Notes)
			}
			if !c.Fees.Equal(d(tt.wantFees)) {
				t.Errorf("expected fees %s, got %s", tt.wantFees, c.Fees)
			}
			if !c.TotalAmount.Equal(d(tt.wantTotal)) {
				t.Errorf("expected total %s, got %s", tt.wantTotal, c.TotalAmount)
			}
			if c.Confidence > tt.wantConfMax {
				t.Errorf("expected confidence <= %v, got %v", tt.wantConfMax, c.Confidence)
			}
		})
	}
}

func TestReconcileWithoutPrintedTotal(t *testing.T) {
	c := models.NewCandidate("test")
	c.TransactionType = models.TransactionTypeBuy
	c.Quantity = decimal.NewFromInt(3)
	c.Price = decimal.RequireFromString("33.333")
	c.Fees = decimal.RequireFromString("1")

	if !reconcileTotal(c, nil, true, DefaultParserConfig()) {
		t.Fatal("expected success without a printed total")
	}
	if !c.TotalAmount.Equal(decimal.RequireFromString("101")) {
		t.Errorf("expected computed total 101.00, got %s", c.TotalAmount)
	}
	if c.Confidence != 1 {
		t.Errorf("expected confidence untouched, got %v", c.Confidence)
	}
}

func TestTemplateRegistryLookup(t *testing.T) {
	registry := DefaultTemplateRegistry()

	tests := []struct {
		sender string
		want   TemplateKind
	}{
		{"notifications@wealthsimple.com", KindWealthsimple},
		{"Notifications@Wealthsimple.com", KindWealthsimple},
		{"alerts@mail.questrade.com", KindQuestrade},
		{"noreply@ibkr.com", KindInteractiveBrokers},
		{"someone@notwealthsimple.com", KindUnknown},
		{"not-an-address", KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.sender, func(t *testing.T) {
			kind, config := registry.Lookup(tt.sender)
			if kind != tt.want {
				t.Errorf("expected %s, got %s", tt.want, kind)
			}
			if (config == nil) != (tt.want == KindUnknown) {
				t.Errorf("unexpected config %+v", config)
			}
		})
	}
}

func TestLoadTemplatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	content := `templates:
  - kind: questrade
    senders: ["confirms@myforwarder.net"]
  - kind: interactive_brokers
    enabled: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	registry, err := LoadTemplatesFile(path)
	if err != nil {
		t.Fatalf("LoadTemplatesFile() error = %v", err)
	}

	if kind, _ := registry.Lookup("confirms@myforwarder.net"); kind != KindQuestrade {
		t.Errorf("expected added sender to map to questrade, got %s", kind)
	}
	if kind, _ := registry.Lookup("notifications@questrade.com"); kind != KindQuestrade {
		t.Errorf("expected built-in sender to survive, got %s", kind)
	}

	p, err := NewParser(nil, registry, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	e, ident := email("donotreply@interactivebrokers.com", "BOUGHT 1 AAPL @ 1.00")
	if _, err := p.Parse(context.Background(), e, ident); !errors.HasCode(err, errors.CodeTemplateDisabled) {
		t.Errorf("expected disabled template error, got %v", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("templates:\n  - kind: robinhood\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTemplatesFile(bad); !errors.HasCode(err, errors.CodeInvalidConfig) {
		t.Errorf("expected invalid config for unknown kind, got %v", err)
	}
}

func TestParserConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*ParserConfig)
		wantErr bool
	}{
		{"defaults", func(*ParserConfig) {}, false},
		{"zero timeout", func(c *ParserConfig) { c.ResolverTimeout = 0 }, true},
		{"cap above one", func(c *ParserConfig) { c.ResolverFailureConfidenceCap = 1.5 }, true},
		{"negative fee", func(c *ParserConfig) { c.MaxImpliedFee = decimal.NewFromInt(-1) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultParserConfig()
			tt.modify(config)
			if err := config.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
