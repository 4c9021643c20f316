// Package resolver maps free-text security names ("10 shares of Apple") onto
// ticker symbols. Backends are interchangeable behind Resolver; Guard bounds
// every call with a timeout, a rate limit and a result cache.
package resolver

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"golang-email-ingestion-service/internal/models"
	"golang-email-ingestion-service/pkg/errors"
	"golang-email-ingestion-service/pkg/logger"
)

var (
	// ErrNoMatch is returned when a backend finds no security for the text
	ErrNoMatch = stderrors.New("no matching security")
	// ErrBadResponse is returned when a backend answer cannot be interpreted
	ErrBadResponse = stderrors.New("unusable resolver response")
)

// Resolver resolves a security name or description to a ticker symbol
type Resolver interface {
	Resolve(ctx context.Context, text string) (*Resolution, error)
}

// Resolution is a resolver answer
type Resolution struct {
	Symbol     string           `json:"symbol"`
	AssetType  models.AssetType `json:"asset_type"`
	Confidence float64          `json:"confidence"`
	Source     string           `json:"source"`
}

// Backend names accepted by New
const (
	BackendNone      = "none"
	BackendLocal     = "local"
	BackendAnthropic = "anthropic"
	BackendGemini    = "gemini"
)

// Config holds resolver configuration
type Config struct {
	Backend           string        `json:"backend" mapstructure:"backend"`
	Model             string        `json:"model" mapstructure:"model"`
	APIKey            string        `json:"-" mapstructure:"api_key"`
	Timeout           time.Duration `json:"timeout" mapstructure:"timeout"`
	CacheTTL          time.Duration `json:"cache_ttl" mapstructure:"cache_ttl"`
	NegativeCacheTTL  time.Duration `json:"negative_cache_ttl" mapstructure:"negative_cache_ttl"`
	RequestsPerSecond float64       `json:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int           `json:"burst" mapstructure:"burst"`
	SecuritiesFile    string        `json:"securities_file" mapstructure:"securities_file"`
	// LocalFallback puts the local classifier in front of a remote backend
	LocalFallback bool `json:"local_fallback" mapstructure:"local_fallback"`
}

// DefaultConfig returns the default resolver configuration
func DefaultConfig() *Config {
	return &Config{
		Backend:           BackendLocal,
		Timeout:           3 * time.Second,
		CacheTTL:          24 * time.Hour,
		NegativeCacheTTL:  10 * time.Minute,
		RequestsPerSecond: 2,
		Burst:             4,
		LocalFallback:     true,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendNone, BackendLocal:
	case BackendAnthropic, BackendGemini:
		if strings.TrimSpace(c.APIKey) == "" {
			return fmt.Errorf("resolver backend %s requires an API key", c.Backend)
		}
	default:
		return fmt.Errorf("unknown resolver backend: %s", c.Backend)
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("resolver timeout must be positive, got %s", c.Timeout)
	}
	if c.CacheTTL < 0 || c.NegativeCacheTTL < 0 {
		return fmt.Errorf("resolver cache TTLs cannot be negative")
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second cannot be negative")
	}
	if c.RequestsPerSecond > 0 && c.Burst < 1 {
		return fmt.Errorf("burst must be at least 1 when rate limiting is enabled")
	}
	return nil
}

// Security is one entry of the securities reference list
type Security struct {
	Symbol    string   `yaml:"symbol"`
	Name      string   `yaml:"name"`
	Aliases   []string `yaml:"aliases"`
	AssetType string   `yaml:"asset_type"`
}

type securitiesFile struct {
	Securities []Security `yaml:"securities"`
}

// LoadSecurities reads a YAML securities list
func LoadSecurities(path string) ([]Security, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "resolver.securities_file", path, err)
	}

	var file securitiesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "resolver.securities_file", path, err)
	}

	for i, s := range file.Securities {
		if strings.TrimSpace(s.Symbol) == "" {
			return nil, errors.ConfigurationError(errors.CodeInvalidConfig,
				fmt.Sprintf("securities[%d].symbol", i), s.Symbol, nil)
		}
		file.Securities[i].Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	}
	return file.Securities, nil
}

// DefaultSecurities is the built-in reference list used when no file is configured
func DefaultSecurities() []Security {
	return []Security{
		{Symbol: "AAPL", Name: "Apple Inc.", AssetType: "stock"},
		{Symbol: "MSFT", Name: "Microsoft Corporation", AssetType: "stock"},
		{Symbol: "GOOGL", Name: "Alphabet Inc.", Aliases: []string{"Google"}, AssetType: "stock"},
		{Symbol: "AMZN", Name: "Amazon.com Inc.", Aliases: []string{"Amazon"}, AssetType: "stock"},
		{Symbol: "TSLA", Name: "Tesla Inc.", AssetType: "stock"},
		{Symbol: "NVDA", Name: "NVIDIA Corporation", AssetType: "stock"},
		{Symbol: "SHOP", Name: "Shopify Inc.", AssetType: "stock"},
		{Symbol: "TD", Name: "Toronto-Dominion Bank", Aliases: []string{"TD Bank"}, AssetType: "stock"},
		{Symbol: "RY", Name: "Royal Bank of Canada", Aliases: []string{"RBC"}, AssetType: "stock"},
		{Symbol: "ENB", Name: "Enbridge Inc.", AssetType: "stock"},
		{Symbol: "VFV", Name: "Vanguard S&P 500 Index ETF", AssetType: "etf"},
		{Symbol: "XEQT", Name: "iShares Core Equity ETF Portfolio", AssetType: "etf"},
	}
}

// New builds the resolver selected by config, wrapped in a Guard.
// BackendNone returns nil: the parser then treats every name as unresolved.
func New(ctx context.Context, config *Config, securities []Security, log logger.Logger) (Resolver, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "resolver", config.Backend, err)
	}
	if config.Backend == BackendNone {
		return nil, nil
	}
	if len(securities) == 0 {
		securities = DefaultSecurities()
	}

	var chain Chain
	if config.Backend == BackendLocal || config.LocalFallback {
		local, err := NewLocal(securities)
		if err != nil {
			return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "resolver.securities", len(securities), err)
		}
		chain = append(chain, local)
	}

	switch config.Backend {
	case BackendAnthropic:
		chain = append(chain, NewAnthropic(config.APIKey, config.Model, securities))
	case BackendGemini:
		gemini, err := NewGemini(ctx, config.APIKey, config.Model, securities)
		if err != nil {
			return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "resolver.backend", config.Backend, err)
		}
		chain = append(chain, gemini)
	}

	var next Resolver = chain
	if len(chain) == 1 {
		next = chain[0]
	}
	return NewGuard(next, config, log), nil
}

// Chain tries each resolver in order and returns the first answer
type Chain []Resolver

// Resolve implements Resolver
func (c Chain) Resolve(ctx context.Context, text string) (*Resolution, error) {
	lastErr := ErrNoMatch
	for _, r := range c {
		res, err := r.Resolve(ctx, text)
		if err == nil && res != nil {
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil && !stderrors.Is(err, ErrNoMatch) {
			lastErr = err
		}
	}
	return nil, lastErr
}
