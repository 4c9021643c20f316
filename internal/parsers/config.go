package parsers

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"golang-email-ingestion-service/pkg/errors"
)

// TemplateKind identifies a known broker confirmation format
type TemplateKind string

const (
	KindWealthsimple       TemplateKind = "wealthsimple"
	KindQuestrade          TemplateKind = "questrade"
	KindInteractiveBrokers TemplateKind = "interactive_brokers"
	KindUnknown            TemplateKind = "unknown"
)

// String returns the string representation of TemplateKind
func (k TemplateKind) String() string {
	return string(k)
}

// IsKnown reports whether the kind has an extractor
func (k TemplateKind) IsKnown() bool {
	switch k {
	case KindWealthsimple, KindQuestrade, KindInteractiveBrokers:
		return true
	}
	return false
}

// TemplateConfig describes which senders use a broker format
type TemplateConfig struct {
	Kind            TemplateKind `json:"kind" yaml:"kind"`
	Name            string       `json:"name" yaml:"name"`
	Senders         []string     `json:"senders" yaml:"senders"`
	Domains         []string     `json:"domains" yaml:"domains"`
	Enabled         bool         `json:"enabled" yaml:"enabled"`
	Confidence      float64      `json:"confidence" yaml:"confidence"`
	DefaultCurrency string       `json:"default_currency" yaml:"default_currency"`
	Description     string       `json:"description,omitempty" yaml:"description"`
}

// Validate checks if the template configuration is valid
func (tc *TemplateConfig) Validate() error {
	if !tc.Kind.IsKnown() {
		return fmt.Errorf("unknown template kind: %s", tc.Kind)
	}

	if len(tc.Senders) == 0 && len(tc.Domains) == 0 {
		return fmt.Errorf("template %s needs at least one sender or domain", tc.Kind)
	}

	if tc.Confidence <= 0 || tc.Confidence > 1 {
		return fmt.Errorf("template %s confidence must be in (0, 1], got %v", tc.Kind, tc.Confidence)
	}

	return nil
}

// Clone returns a deep copy of the template configuration
func (tc *TemplateConfig) Clone() *TemplateConfig {
	clone := *tc
	clone.Senders = append([]string(nil), tc.Senders...)
	clone.Domains = append([]string(nil), tc.Domains...)
	return &clone
}

// Predefined broker templates
var (
	WealthsimpleTemplate = &TemplateConfig{
		Kind:            KindWealthsimple,
		Name:            "Wealthsimple",
		Senders:         []string{"notifications@wealthsimple.com", "support@wealthsimple.com"},
		Domains:         []string{"wealthsimple.com"},
		Enabled:         true,
		Confidence:      0.95,
		DefaultCurrency: "CAD",
		Description:     "Sentence-style order fill and dividend notifications",
	}

	QuestradeTemplate = &TemplateConfig{
		Kind:            KindQuestrade,
		Name:            "Questrade",
		Senders:         []string{"notifications@questrade.com", "trade.confirmations@questrade.com"},
		Domains:         []string{"questrade.com"},
		Enabled:         true,
		Confidence:      0.95,
		DefaultCurrency: "CAD",
		Description:     "Key/value trade confirmations",
	}

	InteractiveBrokersTemplate = &TemplateConfig{
		Kind:            KindInteractiveBrokers,
		Name:            "Interactive Brokers",
		Senders:         []string{"donotreply@interactivebrokers.com"},
		Domains:         []string{"interactivebrokers.com", "ibkr.com"},
		Enabled:         true,
		Confidence:      0.9,
		DefaultCurrency: "USD",
		Description:     "BOUGHT/SOLD execution notifications",
	}
)

// ListAvailableTemplates returns all predefined broker templates
func ListAvailableTemplates() []*TemplateConfig {
	return []*TemplateConfig{
		WealthsimpleTemplate,
		QuestradeTemplate,
		InteractiveBrokersTemplate,
	}
}

// TemplateRegistry maps senders onto template kinds
type TemplateRegistry struct {
	templates map[TemplateKind]*TemplateConfig
	bySender  map[string]TemplateKind
	domains   []domainEntry
}

type domainEntry struct {
	domain string
	kind   TemplateKind
}

// NewTemplateRegistry builds a registry from template configurations.
// Later configurations for the same kind replace earlier ones.
func NewTemplateRegistry(configs ...*TemplateConfig) (*TemplateRegistry, error) {
	r := &TemplateRegistry{
		templates: make(map[TemplateKind]*TemplateConfig),
		bySender:  make(map[string]TemplateKind),
	}

	for _, config := range configs {
		if err := config.Validate(); err != nil {
			return nil, err
		}
		r.templates[config.Kind] = config.Clone()
	}

	for _, kind := range []TemplateKind{KindWealthsimple, KindQuestrade, KindInteractiveBrokers} {
		config, ok := r.templates[kind]
		if !ok {
			continue
		}
		for _, s := range config.Senders {
			r.bySender[strings.ToLower(strings.TrimSpace(s))] = kind
		}
		for _, d := range config.Domains {
			r.domains = append(r.domains, domainEntry{domain: strings.ToLower(strings.TrimSpace(d)), kind: kind})
		}
	}

	return r, nil
}

// DefaultTemplateRegistry returns a registry with the predefined templates
func DefaultTemplateRegistry() *TemplateRegistry {
	r, err := NewTemplateRegistry(ListAvailableTemplates()...)
	if err != nil {
		panic(fmt.Sprintf("predefined templates are invalid: %v", err))
	}
	return r
}

// Lookup returns the template for a normalized sender address. Exact
// addresses win over domains; unknown senders return KindUnknown.
func (r *TemplateRegistry) Lookup(sender string) (TemplateKind, *TemplateConfig) {
	sender = strings.ToLower(strings.TrimSpace(sender))

	if kind, ok := r.bySender[sender]; ok {
		return kind, r.templates[kind]
	}

	at := strings.LastIndex(sender, "@")
	if at == -1 {
		return KindUnknown, nil
	}
	host := sender[at+1:]
	for _, entry := range r.domains {
		if host == entry.domain || strings.HasSuffix(host, "."+entry.domain) {
			return entry.kind, r.templates[entry.kind]
		}
	}

	return KindUnknown, nil
}

// Templates returns the registered template configurations
func (r *TemplateRegistry) Templates() []*TemplateConfig {
	var out []*TemplateConfig
	for _, kind := range []TemplateKind{KindWealthsimple, KindQuestrade, KindInteractiveBrokers} {
		if config, ok := r.templates[kind]; ok {
			out = append(out, config)
		}
	}
	return out
}

type templateOverride struct {
	Kind            TemplateKind `yaml:"kind"`
	Senders         []string     `yaml:"senders"`
	Domains         []string     `yaml:"domains"`
	Enabled         *bool        `yaml:"enabled"`
	Confidence      float64      `yaml:"confidence"`
	DefaultCurrency string       `yaml:"default_currency"`
}

type templatesFile struct {
	Templates []templateOverride `yaml:"templates"`
}

// LoadTemplatesFile extends the predefined templates with a YAML file that
// may add senders and domains, disable a kind or change its confidence.
func LoadTemplatesFile(path string) (*TemplateRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "parser.templates_file", path, err)
	}

	var file templatesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "parser.templates_file", path, err)
	}

	merged := make(map[TemplateKind]*TemplateConfig)
	for _, t := range ListAvailableTemplates() {
		merged[t.Kind] = t.Clone()
	}

	for i, o := range file.Templates {
		base, ok := merged[o.Kind]
		if !ok {
			return nil, errors.ConfigurationError(errors.CodeInvalidConfig,
				fmt.Sprintf("templates[%d].kind", i), o.Kind, nil)
		}
		base.Senders = append(base.Senders, o.Senders...)
		base.Domains = append(base.Domains, o.Domains...)
		if o.Enabled != nil {
			base.Enabled = *o.Enabled
		}
		if o.Confidence != 0 {
			base.Confidence = o.Confidence
		}
		if o.DefaultCurrency != "" {
			base.DefaultCurrency = strings.ToUpper(o.DefaultCurrency)
		}
	}

	configs := make([]*TemplateConfig, 0, len(merged))
	for _, kind := range []TemplateKind{KindWealthsimple, KindQuestrade, KindInteractiveBrokers} {
		configs = append(configs, merged[kind])
	}

	registry, err := NewTemplateRegistry(configs...)
	if err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "parser.templates_file", path, err)
	}
	return registry, nil
}

// ParserConfig holds extraction and reconciliation policy
type ParserConfig struct {
	// ResolverTimeout bounds the single symbol-resolution call per email
	ResolverTimeout time.Duration `json:"resolver_timeout" mapstructure:"resolver_timeout"`
	// ResolverFailureConfidenceCap caps confidence when the symbol stays unresolved.
	// It must stay below the auto-insert threshold.
	ResolverFailureConfidenceCap float64 `json:"resolver_failure_confidence_cap" mapstructure:"resolver_failure_confidence_cap"`
	// TotalMismatchConfidence is applied when quantity × price ± fees disagrees with the printed total
	TotalMismatchConfidence float64 `json:"total_mismatch_confidence" mapstructure:"total_mismatch_confidence"`
	// ImpliedFeeConfidence is applied when an unprinted fee is inferred from the total
	ImpliedFeeConfidence float64 `json:"implied_fee_confidence" mapstructure:"implied_fee_confidence"`
	// MaxImpliedFee is the largest fee inferred from the total difference
	MaxImpliedFee decimal.Decimal `json:"max_implied_fee" mapstructure:"max_implied_fee"`
	// DateFallbackConfidence is applied when the received date stands in for the trade date
	DateFallbackConfidence float64 `json:"date_fallback_confidence" mapstructure:"date_fallback_confidence"`
}

// DefaultParserConfig returns the default parser policy
func DefaultParserConfig() *ParserConfig {
	return &ParserConfig{
		ResolverTimeout:              3 * time.Second,
		ResolverFailureConfidenceCap: 0.5,
		TotalMismatchConfidence:      0.4,
		ImpliedFeeConfidence:         0.9,
		MaxImpliedFee:                decimal.NewFromInt(25),
		DateFallbackConfidence:       0.85,
	}
}

// Validate checks if the parser configuration is valid
func (pc *ParserConfig) Validate() error {
	if pc.ResolverTimeout <= 0 {
		return fmt.Errorf("resolver timeout must be positive, got %s", pc.ResolverTimeout)
	}

	for name, v := range map[string]float64{
		"resolver failure confidence cap": pc.ResolverFailureConfidenceCap,
		"total mismatch confidence":       pc.TotalMismatchConfidence,
		"implied fee confidence":          pc.ImpliedFeeConfidence,
		"date fallback confidence":        pc.DateFallbackConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %v", name, v)
		}
	}

	if pc.MaxImpliedFee.IsNegative() {
		return fmt.Errorf("max implied fee cannot be negative, got %s", pc.MaxImpliedFee)
	}

	return nil
}
