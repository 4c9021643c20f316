package logger

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ProgressTracker tracks a batch of emails moving through the pipeline and
// logs a summary line at a fixed interval. It is safe for concurrent use.
type ProgressTracker struct {
	logger      Logger
	operation   string
	total       int64
	current     int64
	outcomes    map[string]int64
	startTime   time.Time
	lastLogTime time.Time
	logInterval time.Duration
	now         func() time.Time
	mutex       sync.Mutex
}

// ProgressConfig configures progress tracking behavior
type ProgressConfig struct {
	Operation   string
	Total       int64
	LogInterval time.Duration
	Logger      Logger
}

// NewProgressTracker creates a new progress tracker
func NewProgressTracker(config ProgressConfig) *ProgressTracker {
	if config.Logger == nil {
		config.Logger = GetGlobalLogger()
	}
	if config.LogInterval == 0 {
		config.LogInterval = 5 * time.Second
	}

	start := time.Now()
	tracker := &ProgressTracker{
		logger:      config.Logger.WithComponent("progress"),
		operation:   config.Operation,
		total:       config.Total,
		outcomes:    make(map[string]int64),
		startTime:   start,
		lastLogTime: start,
		logInterval: config.LogInterval,
		now:         time.Now,
	}

	tracker.logger.WithFields(Fields{
		"operation": config.Operation,
		"total":     config.Total,
	}).Info("Starting operation")

	return tracker
}

// Record counts one processed item under the given outcome label
func (p *ProgressTracker) Record(outcome string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.current++
	p.outcomes[outcome]++

	now := p.now()
	if now.Sub(p.lastLogTime) >= p.logInterval {
		p.logger.WithFields(p.fieldsLocked(now)).Info("Progress update")
		p.lastLogTime = now
	}
}

// Complete logs final statistics and returns them
func (p *ProgressTracker) Complete() ProgressStats {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.logger.WithFields(p.fieldsLocked(p.now())).Info("Operation completed")
	return p.statsLocked(p.now())
}

// GetStats returns current progress statistics
func (p *ProgressTracker) GetStats() ProgressStats {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.statsLocked(p.now())
}

func (p *ProgressTracker) statsLocked(now time.Time) ProgressStats {
	duration := now.Sub(p.startTime)
	var rate float64
	if duration.Seconds() > 0 {
		rate = float64(p.current) / duration.Seconds()
	}

	var percentage float64
	if p.total > 0 {
		percentage = float64(p.current) / float64(p.total) * 100
	}

	outcomes := make(map[string]int64, len(p.outcomes))
	for k, v := range p.outcomes {
		outcomes[k] = v
	}

	return ProgressStats{
		Operation:  p.operation,
		Total:      p.total,
		Current:    p.current,
		Percentage: percentage,
		Duration:   duration,
		Rate:       rate,
		Outcomes:   outcomes,
	}
}

func (p *ProgressTracker) fieldsLocked(now time.Time) Fields {
	stats := p.statsLocked(now)
	fields := Fields{
		"operation": p.operation,
		"processed": stats.Current,
		"rate":      fmt.Sprintf("%.2f/sec", stats.Rate),
	}
	if p.total > 0 {
		fields["total"] = p.total
		fields["percentage"] = fmt.Sprintf("%.1f%%", stats.Percentage)
	}
	for k, v := range stats.Outcomes {
		fields["outcome_"+k] = v
	}
	return fields
}

// ProgressStats contains progress statistics
type ProgressStats struct {
	Operation  string           `json:"operation"`
	Total      int64            `json:"total"`
	Current    int64            `json:"current"`
	Percentage float64          `json:"percentage"`
	Duration   time.Duration    `json:"duration"`
	Rate       float64          `json:"rate"`
	Outcomes   map[string]int64 `json:"outcomes"`
}

// String returns a human-readable representation of the progress
func (ps ProgressStats) String() string {
	keys := make([]string, 0, len(ps.Outcomes))
	for k := range ps.Outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	breakdown := ""
	for _, k := range keys {
		breakdown += fmt.Sprintf(" %s=%d", k, ps.Outcomes[k])
	}

	if ps.Total > 0 {
		return fmt.Sprintf("%s: %d/%d (%.1f%%)%s", ps.Operation, ps.Current, ps.Total, ps.Percentage, breakdown)
	}
	return fmt.Sprintf("%s: %d processed%s", ps.Operation, ps.Current, breakdown)
}
