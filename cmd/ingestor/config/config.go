// Package config maps viper settings onto the component configurations.
//
// Settings come from an optional config file, INGESTOR_* environment
// variables and command flags. Nested keys use dots in files and
// underscores in the environment:
//
//	storage.backend        INGESTOR_STORAGE_BACKEND
//	pipeline.concurrency   INGESTOR_PIPELINE_CONCURRENCY
//	resolver.api_key       INGESTOR_RESOLVER_API_KEY
//
// Unset keys keep each component's defaults.
package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"golang-email-ingestion-service/internal/identity"
	"golang-email-ingestion-service/internal/matcher"
	"golang-email-ingestion-service/internal/parsers"
	"golang-email-ingestion-service/internal/pipeline"
	"golang-email-ingestion-service/internal/queue"
	"golang-email-ingestion-service/internal/reporter"
	"golang-email-ingestion-service/internal/resolver"
	"golang-email-ingestion-service/pkg/errors"
	"golang-email-ingestion-service/pkg/logger"
)

// EnvPrefix is the prefix of environment variables read by viper
const EnvPrefix = "INGESTOR"

// Storage backends
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// StorageConfig selects where the review queue and fingerprint registry live
type StorageConfig struct {
	Backend string `json:"backend" mapstructure:"backend"`
	Path    string `json:"path" mapstructure:"path"`
	// LedgerPath is the SQLite ledger database. Empty shares Path when the
	// backend is SQLite.
	LedgerPath string `json:"ledger_path" mapstructure:"ledger_path"`
}

// Config is the complete ingestor configuration
type Config struct {
	Storage   StorageConfig
	Pipeline  *pipeline.Config
	Queue     *queue.Config
	Detection *matcher.DetectionConfig
	Parser    *parsers.ParserConfig
	Identity  *identity.Config
	Resolver  *resolver.Config
	Log       *logger.Config

	// TemplatesFile replaces the built-in broker templates
	TemplatesFile string
	// ConfigID selects the auto-insert setting applied to processed emails
	ConfigID string
	// AutoInsert maps configuration ids to their auto-insert setting
	AutoInsert map[string]bool
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Storage:   StorageConfig{Backend: BackendSQLite, Path: "ingestor.db"},
		Pipeline:  pipeline.DefaultConfig(),
		Queue:     queue.DefaultConfig(),
		Detection: matcher.DefaultDetectionConfig(),
		Parser:    parsers.DefaultParserConfig(),
		Identity:  identity.DefaultConfig(),
		Resolver:  resolver.DefaultConfig(),
		Log:       logger.DefaultConfig(),
		ConfigID:  "default",
	}
}

// NewViper returns a viper instance reading INGESTOR_* environment variables
func NewViper() *viper.Viper {
	v := viper.New()
	Bind(v)
	return v
}

// Bind sets up environment lookup on v
func Bind(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// Load builds the configuration from v and validates it
func Load(v *viper.Viper) (*Config, error) {
	c := Default()
	s := settings{v: v}

	s.str("storage.backend", &c.Storage.Backend)
	s.str("storage.path", &c.Storage.Path)
	s.str("storage.ledger_path", &c.Storage.LedgerPath)

	s.duration("pipeline.ledger_timeout", &c.Pipeline.LedgerTimeout)
	s.duration("pipeline.lock_ttl", &c.Pipeline.LockTTL)
	s.duration("pipeline.lock_wait", &c.Pipeline.LockWait)
	s.integer("pipeline.concurrency", &c.Pipeline.Concurrency)
	s.str("pipeline.config_id", &c.ConfigID)

	s.duration("queue.review_sla", &c.Queue.ReviewSLA)
	s.duration("queue.expire_after", &c.Queue.ExpireAfter)
	s.integer("queue.max_escalation", &c.Queue.MaxEscalation)
	s.integer("queue.escalation_boost", &c.Queue.EscalationBoost)
	s.integer("queue.high_priority", &c.Queue.HighPriority)
	s.duration("queue.lock_ttl", &c.Queue.LockTTL)

	s.integer("detection.date_tolerance_days", &c.Detection.DateToleranceDays)
	s.float("detection.amount_tolerance_percent", &c.Detection.AmountTolerancePercent)
	s.float("detection.near_exact_tolerance_percent", &c.Detection.NearExactTolerancePercent)
	s.float("detection.auto_insert_threshold", &c.Detection.AutoInsertThreshold)
	s.float("detection.split_price_tolerance_percent", &c.Detection.SplitPriceTolerancePercent)
	s.duration("detection.window", &c.Detection.Window)
	s.integer("detection.max_history", &c.Detection.MaxHistory)
	s.str("detection.business_timezone", &c.Detection.BusinessTimezone)
	if v.IsSet("detection.timezone_handling") {
		mode, err := ParseTimezoneMode(v.GetString("detection.timezone_handling"))
		if err != nil {
			s.fail("detection.timezone_handling", v.GetString("detection.timezone_handling"), err)
		}
		c.Detection.TimezoneHandling = mode
	}

	s.duration("parser.resolver_timeout", &c.Parser.ResolverTimeout)
	s.float("parser.resolver_failure_confidence_cap", &c.Parser.ResolverFailureConfidenceCap)
	s.float("parser.total_mismatch_confidence", &c.Parser.TotalMismatchConfidence)
	s.decimal("parser.max_implied_fee", &c.Parser.MaxImpliedFee)
	s.str("parser.templates_file", &c.TemplatesFile)

	s.integer("identity.opaque_token_min_length", &c.Identity.OpaqueTokenMinLength)
	if v.IsSet("identity.footer_markers") {
		c.Identity.FooterMarkers = v.GetStringSlice("identity.footer_markers")
	}

	s.str("resolver.backend", &c.Resolver.Backend)
	s.str("resolver.model", &c.Resolver.Model)
	s.str("resolver.api_key", &c.Resolver.APIKey)
	s.str("resolver.securities_file", &c.Resolver.SecuritiesFile)
	s.duration("resolver.timeout", &c.Resolver.Timeout)
	s.duration("resolver.cache_ttl", &c.Resolver.CacheTTL)
	s.duration("resolver.negative_cache_ttl", &c.Resolver.NegativeCacheTTL)
	s.float("resolver.requests_per_second", &c.Resolver.RequestsPerSecond)
	s.integer("resolver.burst", &c.Resolver.Burst)
	if v.IsSet("resolver.local_fallback") {
		c.Resolver.LocalFallback = v.GetBool("resolver.local_fallback")
	}

	if v.IsSet("log.level") {
		c.Log.Level = logger.Level(strings.ToLower(v.GetString("log.level")))
	}
	if v.IsSet("log.format") {
		c.Log.Format = logger.Format(strings.ToLower(v.GetString("log.format")))
	}
	if v.IsSet("log.output") {
		c.Log.Output = logger.Output(strings.ToLower(v.GetString("log.output")))
	}
	s.str("log.file", &c.Log.File)
	if v.GetBool("verbose") {
		c.Log.Level = logger.DebugLevel
	}

	if v.IsSet("auto_insert") {
		c.AutoInsert = make(map[string]bool)
		for id, raw := range v.GetStringMap("auto_insert") {
			enabled, err := strconv.ParseBool(fmt.Sprint(raw))
			if err != nil {
				s.fail("auto_insert."+id, raw, err)
				continue
			}
			c.AutoInsert[id] = enabled
		}
	}

	if s.err != nil {
		return nil, s.err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks every component configuration
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendBolt:
	default:
		return errors.ConfigurationError(errors.CodeInvalidConfig, "storage.backend", c.Storage.Backend,
			fmt.Errorf("unknown storage backend")).WithSuggestion("Use sqlite or bolt")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.ConfigurationError(errors.CodeMissingConfig, "storage.path", c.Storage.Path, nil)
	}

	checks := []struct {
		setting  string
		validate func() error
	}{
		{"pipeline", c.Pipeline.Validate},
		{"queue", c.Queue.Validate},
		{"detection", c.Detection.Validate},
		{"parser", c.Parser.Validate},
		{"resolver", c.Resolver.Validate},
		{"log", c.Log.Validate},
	}
	for _, check := range checks {
		if err := check.validate(); err != nil {
			return errors.ConfigurationError(errors.CodeInvalidConfig, check.setting, nil, err)
		}
	}

	// The fingerprint lease is held across the resolver call and the ledger write
	if held := c.Parser.ResolverTimeout + c.Pipeline.LedgerTimeout; c.Pipeline.LockTTL <= held {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "pipeline.lock_ttl", c.Pipeline.LockTTL.String(),
			fmt.Errorf("lock TTL must exceed resolver timeout plus ledger timeout (%s)", held)).
			WithSuggestion("Raise pipeline.lock_ttl or lower parser.resolver_timeout")
	}
	return nil
}

// LedgerPath returns the ledger database path
func (c *Config) LedgerPath() string {
	if c.Storage.LedgerPath != "" {
		return c.Storage.LedgerPath
	}
	if c.Storage.Backend == BackendSQLite {
		return c.Storage.Path
	}
	return filepath.Join(filepath.Dir(c.Storage.Path), "ledger.db")
}

// ReportConfig creates a report configuration for the specified output format
func ReportConfig(format string, noColor bool, limit int) (*reporter.ReportConfig, error) {
	config := reporter.DefaultReportConfig()
	config.Format = reporter.OutputFormat(strings.ToLower(format))
	config.UseColors = !noColor && config.Format == reporter.FormatConsole
	config.MaxItems = limit

	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "output-format", format, err).
			WithSuggestion("Valid formats: console, json, csv")
	}
	return config, nil
}

// ParseTimezoneMode parses the name of a timezone handling mode
func ParseTimezoneMode(s string) (matcher.TimezoneMode, error) {
	for _, mode := range []matcher.TimezoneMode{matcher.TimezoneUTC, matcher.TimezoneLocal, matcher.TimezoneIgnore, matcher.TimezoneBusiness} {
		if strings.EqualFold(mode.String(), strings.TrimSpace(s)) {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("unknown timezone handling %q", s)
}

// settings reads typed keys that are set, keeping the first error
type settings struct {
	v   *viper.Viper
	err error
}

func (s *settings) fail(key string, value interface{}, err error) {
	if s.err == nil {
		s.err = errors.ConfigurationError(errors.CodeInvalidConfig, key, value, err)
	}
}

func (s *settings) str(key string, dst *string) {
	if s.v.IsSet(key) {
		*dst = s.v.GetString(key)
	}
}

func (s *settings) integer(key string, dst *int) {
	if !s.v.IsSet(key) {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(s.v.GetString(key)))
	if err != nil {
		s.fail(key, s.v.Get(key), err)
		return
	}
	*dst = n
}

func (s *settings) float(key string, dst *float64) {
	if !s.v.IsSet(key) {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s.v.GetString(key)), 64)
	if err != nil {
		s.fail(key, s.v.Get(key), err)
		return
	}
	*dst = f
}

func (s *settings) duration(key string, dst *time.Duration) {
	if !s.v.IsSet(key) {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(s.v.GetString(key)))
	if err != nil {
		s.fail(key, s.v.Get(key), err)
		return
	}
	*dst = d
}

func (s *settings) decimal(key string, dst *decimal.Decimal) {
	if !s.v.IsSet(key) {
		return
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s.v.GetString(key)))
	if err != nil {
		s.fail(key, s.v.Get(key), err)
		return
	}
	*dst = d
}
