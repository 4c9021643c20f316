// Package matcher decides whether a candidate transaction has already been
// recorded, and classifies bursts of related trades.
//
// Detection runs in three levels, strongest first:
//  1. Exact fingerprint: the same email was already handled
//  2. Time-window heuristics: partial fills of one order and split orders
//  3. Content similarity: same symbol, type, quantity and price on the same day
//
// The window classification of partial fills and split orders is
// authoritative over content similarity, because legs of one order look
// alike by construction.
//
// Example usage:
//
//	config := matcher.DefaultDetectionConfig()
//	config.AmountTolerancePercent = 0.25
//
//	detector := matcher.NewDetector(config, history, log, registry, queue)
//	result, err := detector.Detect(ctx, candidate, ident, portfolioID)
package matcher

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
)

// TimezoneMode defines how timestamps are normalized before comparing dates.
type TimezoneMode int

const (
	// TimezoneUTC normalizes all times to UTC before comparison.
	TimezoneUTC TimezoneMode = iota

	// TimezoneLocal uses the local system timezone for time normalization.
	TimezoneLocal

	// TimezoneIgnore compares calendar dates only.
	TimezoneIgnore

	// TimezoneBusiness uses BusinessTimezone, typically the exchange's zone.
	// A trade filled at 23:30 UTC belongs to the same trading day in Toronto.
	TimezoneBusiness
)

// String returns the string representation of TimezoneMode
func (tm TimezoneMode) String() string {
	switch tm {
	case TimezoneUTC:
		return "UTC"
	case TimezoneLocal:
		return "Local"
	case TimezoneIgnore:
		return "Ignore"
	case TimezoneBusiness:
		return "Business"
	default:
		return "Unknown"
	}
}

// ParseTimezoneMode parses a timezone mode name as written in configuration
func ParseTimezoneMode(s string) (TimezoneMode, error) {
	switch s {
	case "utc", "UTC":
		return TimezoneUTC, nil
	case "local", "Local":
		return TimezoneLocal, nil
	case "ignore", "Ignore", "":
		return TimezoneIgnore, nil
	case "business", "Business":
		return TimezoneBusiness, nil
	default:
		return TimezoneIgnore, fmt.Errorf("unknown timezone mode '%s'", s)
	}
}

// DetectionConfig holds the tolerances used by duplicate detection and the
// time-window analyzer.
//
// Use the provided factory functions for common scenarios:
//   - DefaultDetectionConfig(): balanced approach for most mailboxes
//   - StrictDetectionConfig(): only near-identical records count as duplicates
//   - RelaxedDetectionConfig(): wider tolerances for brokers that round prices
type DetectionConfig struct {
	// DateToleranceDays is the calendar-day distance allowed for content matches (0 = same day)
	DateToleranceDays int `json:"date_tolerance_days" mapstructure:"date_tolerance_days"`

	// AmountTolerancePercent bounds quantity and price differences for a content match
	AmountTolerancePercent float64 `json:"amount_tolerance_percent" mapstructure:"amount_tolerance_percent"`

	// NearExactTolerancePercent bounds differences that are merged without review
	NearExactTolerancePercent float64 `json:"near_exact_tolerance_percent" mapstructure:"near_exact_tolerance_percent"`

	// AmountPrecision is the number of decimal places compared
	AmountPrecision int `json:"amount_precision" mapstructure:"amount_precision"`

	// AutoInsertThreshold is the confidence a unique candidate needs to skip review
	AutoInsertThreshold float64 `json:"auto_insert_threshold" mapstructure:"auto_insert_threshold"`

	// Window is the span around the candidate searched for related trades
	Window time.Duration `json:"window" mapstructure:"window"`

	// SplitPriceTolerancePercent bounds price differences between legs of a split order
	SplitPriceTolerancePercent float64 `json:"split_price_tolerance_percent" mapstructure:"split_price_tolerance_percent"`

	// TimezoneHandling defines how timestamps are normalized before date comparison
	TimezoneHandling TimezoneMode `json:"timezone_handling" mapstructure:"timezone_handling"`

	// BusinessTimezone is used with TimezoneBusiness
	BusinessTimezone string `json:"business_timezone" mapstructure:"business_timezone"`

	// MaxHistory limits the ledger transactions compared per candidate
	MaxHistory int `json:"max_history" mapstructure:"max_history"`
}

// DefaultDetectionConfig returns a configuration with sensible defaults
func DefaultDetectionConfig() *DetectionConfig {
	return &DetectionConfig{
		DateToleranceDays:          0,
		AmountTolerancePercent:     0.5,
		NearExactTolerancePercent:  0.01,
		AmountPrecision:            2,
		AutoInsertThreshold:        0.6,
		Window:                     time.Hour,
		SplitPriceTolerancePercent: 0.5,
		TimezoneHandling:           TimezoneBusiness,
		BusinessTimezone:           "America/Toronto",
		MaxHistory:                 500,
	}
}

// StrictDetectionConfig returns a configuration for strict duplicate detection
func StrictDetectionConfig() *DetectionConfig {
	return &DetectionConfig{
		DateToleranceDays:          0,
		AmountTolerancePercent:     0.0,
		NearExactTolerancePercent:  0.0,
		AmountPrecision:            4,
		AutoInsertThreshold:        0.8,
		Window:                     15 * time.Minute,
		SplitPriceTolerancePercent: 0.1,
		TimezoneHandling:           TimezoneUTC,
		BusinessTimezone:           "UTC",
		MaxHistory:                 200,
	}
}

// RelaxedDetectionConfig returns a configuration for relaxed duplicate detection
func RelaxedDetectionConfig() *DetectionConfig {
	return &DetectionConfig{
		DateToleranceDays:          1,
		AmountTolerancePercent:     1.0,
		NearExactTolerancePercent:  0.05,
		AmountPrecision:            2,
		AutoInsertThreshold:        0.5,
		Window:                     4 * time.Hour,
		SplitPriceTolerancePercent: 1.0,
		TimezoneHandling:           TimezoneIgnore,
		BusinessTimezone:           "UTC",
		MaxHistory:                 1000,
	}
}

// Validate checks if the detection configuration is valid
func (dc *DetectionConfig) Validate() error {
	if dc.DateToleranceDays < 0 {
		return fmt.Errorf("date tolerance days cannot be negative: %d", dc.DateToleranceDays)
	}

	if dc.AmountTolerancePercent < 0.0 || dc.AmountTolerancePercent > 100.0 {
		return fmt.Errorf("amount tolerance percent must be between 0.0 and 100.0: %f", dc.AmountTolerancePercent)
	}

	if dc.NearExactTolerancePercent < 0.0 || dc.NearExactTolerancePercent > dc.AmountTolerancePercent {
		return fmt.Errorf("near-exact tolerance must be between 0.0 and the amount tolerance: %f", dc.NearExactTolerancePercent)
	}

	if dc.AmountPrecision < 0 || dc.AmountPrecision > 10 {
		return fmt.Errorf("amount precision must be between 0 and 10: %d", dc.AmountPrecision)
	}

	if dc.AutoInsertThreshold < 0.0 || dc.AutoInsertThreshold > 1.0 {
		return fmt.Errorf("auto-insert threshold must be between 0.0 and 1.0: %f", dc.AutoInsertThreshold)
	}

	if dc.Window <= 0 {
		return fmt.Errorf("window must be positive: %s", dc.Window)
	}

	if dc.SplitPriceTolerancePercent < 0.0 || dc.SplitPriceTolerancePercent > 100.0 {
		return fmt.Errorf("split price tolerance percent must be between 0.0 and 100.0: %f", dc.SplitPriceTolerancePercent)
	}

	if dc.MaxHistory <= 0 {
		return fmt.Errorf("max history must be positive: %d", dc.MaxHistory)
	}

	if dc.TimezoneHandling == TimezoneBusiness {
		if _, err := time.LoadLocation(dc.BusinessTimezone); err != nil {
			return fmt.Errorf("invalid business timezone '%s': %w", dc.BusinessTimezone, err)
		}
	}

	return nil
}

// Clone creates a deep copy of the detection configuration
func (dc *DetectionConfig) Clone() *DetectionConfig {
	if dc == nil {
		return nil
	}
	clone := *dc
	return &clone
}

// WithinTolerance reports whether a and b differ by at most percent, compared
// at the configured precision.
func (dc *DetectionConfig) WithinTolerance(a, b decimal.Decimal, percent float64) bool {
	precision := int32(dc.AmountPrecision)
	a, b = a.Round(precision), b.Round(precision)
	if percent == 0 {
		return a.Equal(b)
	}

	base := decimal.Max(a.Abs(), b.Abs())
	if base.IsZero() {
		return true
	}
	diff := a.Sub(b).Abs().Div(base).Mul(decimal.NewFromInt(100))
	return diff.LessThanOrEqual(decimal.NewFromFloat(percent))
}

// IsWithinDateTolerance checks if two timestamps fall within the configured
// number of calendar days after normalization.
func (dc *DetectionConfig) IsWithinDateTolerance(date1, date2 time.Time) bool {
	d1 := dc.NormalizeTime(date1)
	d2 := dc.NormalizeTime(date2)

	day1 := time.Date(d1.Year(), d1.Month(), d1.Day(), 0, 0, 0, 0, time.UTC)
	day2 := time.Date(d2.Year(), d2.Month(), d2.Day(), 0, 0, 0, 0, time.UTC)

	diff := day1.Sub(day2)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(dc.DateToleranceDays)*24*time.Hour
}

// NormalizeTime normalizes time according to the timezone handling configuration
func (dc *DetectionConfig) NormalizeTime(t time.Time) time.Time {
	switch dc.TimezoneHandling {
	case TimezoneUTC:
		return t.UTC()
	case TimezoneLocal:
		return t.Local()
	case TimezoneIgnore:
		year, month, day := t.Date()
		return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	case TimezoneBusiness:
		if loc, err := time.LoadLocation(dc.BusinessTimezone); err == nil {
			return t.In(loc)
		}
		return t.UTC()
	default:
		return t
	}
}

// String returns a human-readable description of the configuration
func (dc *DetectionConfig) String() string {
	return fmt.Sprintf("DetectionConfig{DateTolerance: %d days, AmountTolerance: %.2f%%, NearExact: %.2f%%, Window: %s, Timezone: %s, Threshold: %.2f}",
		dc.DateToleranceDays, dc.AmountTolerancePercent, dc.NearExactTolerancePercent, dc.Window,
		dc.TimezoneHandling.String(), dc.AutoInsertThreshold)
}
