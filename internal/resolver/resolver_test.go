package resolver

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"golang-email-ingestion-service/internal/models"
	"golang-email-ingestion-service/pkg/errors"
)

type fakeResolver struct {
	calls int32
	delay time.Duration
	res   *Resolution
	err   error
}

func (f *fakeResolver) Resolve(ctx context.Context, text string) (*Resolution, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	res := *f.res
	return &res, nil
}

func testConfig() *Config {
	config := DefaultConfig()
	config.Timeout = 50 * time.Millisecond
	config.RequestsPerSecond = 0
	return config
}

func TestLocalResolve(t *testing.T) {
	local, err := NewLocal(DefaultSecurities())
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}

	tests := []struct {
		name          string
		text          string
		wantSymbol    string
		minConfidence float64
		wantErr       error
	}{
		{name: "exact ticker", text: "shop", wantSymbol: "SHOP", minConfidence: 1},
		{name: "company name", text: "Apple", wantSymbol: "AAPL", minConfidence: 0.95},
		{name: "full name with suffix", text: "Royal Bank of Canada", wantSymbol: "RY", minConfidence: 0.95},
		{name: "alias", text: "Google", wantSymbol: "GOOGL", minConfidence: 0.95},
		{name: "partial name through classifier", text: "Toronto Dominion", wantSymbol: "TD", minConfidence: classifierMinConfidence},
		{name: "unknown", text: "Acme Widgets", wantErr: ErrNoMatch},
		{name: "only stop words", text: "the common shares", wantErr: ErrNoMatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := local.Resolve(context.Background(), tt.text)
			if tt.wantErr != nil {
				if !stderrors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v (%+v)", tt.wantErr, err, res)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Symbol != tt.wantSymbol {
				t.Errorf("expected %s, got %s", tt.wantSymbol, res.Symbol)
			}
			if res.Confidence < tt.minConfidence || res.Confidence > 1 {
				t.Errorf("confidence %v outside [%v, 1]", res.Confidence, tt.minConfidence)
			}
			if res.Source != BackendLocal {
				t.Errorf("expected local source, got %s", res.Source)
			}
		})
	}
}

func TestNewLocalRequiresTwoSecurities(t *testing.T) {
	if _, err := NewLocal([]Security{{Symbol: "AAPL", Name: "Apple"}}); err == nil {
		t.Error("expected an error for a single security")
	}
	if _, err := NewLocal([]Security{{Symbol: "AAPL"}, {Symbol: "aapl"}}); err == nil {
		t.Error("expected an error for duplicate symbols")
	}
}

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		name       string
		reply      string
		wantSymbol string
		wantType   models.AssetType
		wantErr    error
	}{
		{
			name:       "plain json",
			reply:      `{"symbol": "aapl", "asset_type": "stock", "confidence": 0.9}`,
			wantSymbol: "AAPL",
			wantType:   models.AssetTypeStock,
		},
		{
			name:       "fenced json",
			reply:      "```json\n{\"symbol\": \"XEQT\", \"asset_type\": \"etf\", \"confidence\": 0.8}\n```",
			wantSymbol: "XEQT",
			wantType:   models.AssetTypeETF,
		},
		{name: "empty symbol", reply: `{"symbol": "", "confidence": 0.1}`, wantErr: ErrNoMatch},
		{name: "not json", reply: "I think it's Apple", wantErr: ErrBadResponse},
		{name: "sentence as symbol", reply: `{"symbol": "APPLE INC COMMON", "confidence": 0.5}`, wantErr: ErrBadResponse},
		{name: "confidence out of range", reply: `{"symbol": "AAPL", "confidence": 7}`, wantErr: ErrBadResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := parseAnswer(tt.reply, BackendAnthropic)
			if tt.wantErr != nil {
				if !stderrors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Symbol != tt.wantSymbol || res.AssetType != tt.wantType {
				t.Errorf("unexpected resolution %+v", res)
			}
		})
	}
}

func TestGuardTimeout(t *testing.T) {
	slow := &fakeResolver{delay: time.Second, res: &Resolution{Symbol: "AAPL", Confidence: 0.9}}
	guard := NewGuard(slow, testConfig(), nil)

	start := time.Now()
	_, err := guard.Resolve(context.Background(), "Apple")
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("expected the guard to return near its timeout, took %s", time.Since(start))
	}
	if !errors.HasCode(err, errors.CodeResolverTimeout) {
		t.Fatalf("expected resolver timeout, got %v", err)
	}
}

func TestGuardCachesAnswersAndMisses(t *testing.T) {
	backend := &fakeResolver{res: &Resolution{Symbol: "AAPL", Confidence: 0.9}}
	guard := NewGuard(backend, testConfig(), nil)

	for i := 0; i < 3; i++ {
		res, err := guard.Resolve(context.Background(), "  Apple ")
		if err != nil || res.Symbol != "AAPL" {
			t.Fatalf("unexpected result %+v, %v", res, err)
		}
	}
	if backend.calls != 1 {
		t.Errorf("expected one backend call, got %d", backend.calls)
	}

	missing := &fakeResolver{err: ErrNoMatch}
	guard = NewGuard(missing, testConfig(), nil)
	for i := 0; i < 2; i++ {
		_, err := guard.Resolve(context.Background(), "Acme")
		if !errors.HasCode(err, errors.CodeSymbolNotFound) {
			t.Fatalf("expected symbol not found, got %v", err)
		}
	}
	if missing.calls != 1 {
		t.Errorf("expected misses to be cached, got %d calls", missing.calls)
	}
}

func TestGuardClassifiesFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code errors.ErrorCode
	}{
		{"bad response", ErrBadResponse, errors.CodeResolverBadResponse},
		{"unavailable", stderrors.New("connection refused"), errors.CodeResolverUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guard := NewGuard(&fakeResolver{err: tt.err}, testConfig(), nil)
			_, err := guard.Resolve(context.Background(), "Apple")
			pe, ok := errors.AsPipelineError(err)
			if !ok || pe.Code != tt.code || pe.Category != errors.CategoryResolver {
				t.Errorf("expected resolver error %s, got %v", tt.code, err)
			}
		})
	}
}

func TestChainFallsThrough(t *testing.T) {
	first := &fakeResolver{err: ErrNoMatch}
	second := &fakeResolver{res: &Resolution{Symbol: "SHOP", Confidence: 0.7}}

	res, err := Chain{first, second}.Resolve(context.Background(), "Shopify")
	if err != nil || res.Symbol != "SHOP" {
		t.Fatalf("unexpected result %+v, %v", res, err)
	}

	_, err = Chain{first, &fakeResolver{err: ErrBadResponse}}.Resolve(context.Background(), "x")
	if !stderrors.Is(err, ErrBadResponse) {
		t.Errorf("expected the non-miss error to surface, got %v", err)
	}
}

func TestLoadSecurities(t *testing.T) {
	path := filepath.Join(t.TempDir(), "securities.yaml")
	content := `securities:
  - symbol: cnr
    name: Canadian National Railway
    aliases: ["CN Rail"]
    asset_type: stock
  - symbol: ZAG
    name: BMO Aggregate Bond Index ETF
    asset_type: etf
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	securities, err := LoadSecurities(path)
	if err != nil {
		t.Fatalf("LoadSecurities() error = %v", err)
	}
	if len(securities) != 2 || securities[0].Symbol != "CNR" || securities[0].Aliases[0] != "CN Rail" {
		t.Errorf("unexpected securities %+v", securities)
	}

	if _, err := LoadSecurities(filepath.Join(t.TempDir(), "missing.yaml")); !errors.HasCode(err, errors.CodeMissingConfig) {
		t.Errorf("expected missing config error, got %v", err)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	none := DefaultConfig()
	none.Backend = BackendNone
	r, err := New(context.Background(), none, nil, nil)
	if err != nil || r != nil {
		t.Errorf("expected nil resolver for backend none, got %v, %v", r, err)
	}

	r, err = New(context.Background(), DefaultConfig(), nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	res, err := r.Resolve(context.Background(), "Apple")
	if err != nil || res.Symbol != "AAPL" {
		t.Errorf("unexpected local resolution %+v, %v", res, err)
	}

	remote := DefaultConfig()
	remote.Backend = BackendAnthropic
	if _, err := New(context.Background(), remote, nil, nil); !errors.HasCode(err, errors.CodeInvalidConfig) {
		t.Errorf("expected missing API key to be rejected, got %v", err)
	}
}
