package reporter

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang-email-ingestion-service/internal/models"
	"golang-email-ingestion-service/internal/queue"
	"golang-email-ingestion-service/pkg/errors"
	"golang-email-ingestion-service/pkg/logger"
)

// SafeReportGenerator wraps ReportGenerator with fallbacks: a failed JSON
// or CSV report is retried as console output, and a report that cannot be
// written to its file is written next to it.
type SafeReportGenerator struct {
	*ReportGenerator
	logger logger.Logger
}

// render writes one report with the given generator
type render func(g *ReportGenerator, w io.Writer) error

// NewSafeReportGenerator creates a new safe report generator with error handling
func NewSafeReportGenerator(config *ReportConfig, log logger.Logger) (*SafeReportGenerator, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	generator, err := NewReportGenerator(config)
	if err != nil {
		return nil, errors.ConfigurationError(
			errors.CodeInvalidConfig,
			"report_config",
			config,
			err,
		).WithSuggestion("Check the report configuration values")
	}

	return &SafeReportGenerator{
		ReportGenerator: generator,
		logger:          log.WithComponent("reporter"),
	}, nil
}

// WriteProcessingReport writes a processing report with fallbacks
func (srg *SafeReportGenerator) WriteProcessingReport(report *ProcessingReport, writer io.Writer) error {
	if report == nil {
		return errors.ValidationError(errors.CodeMissingField, "report", nil, nil).
			WithSuggestion("Provide the results of a pipeline run")
	}
	return srg.generate("processing", writer, func(g *ReportGenerator, w io.Writer) error {
		return g.GenerateProcessingReport(report, w)
	})
}

// WriteQueueReport writes a review queue listing with fallbacks
func (srg *SafeReportGenerator) WriteQueueReport(items []*models.ReviewQueueItem, writer io.Writer) error {
	return srg.generate("queue", writer, func(g *ReportGenerator, w io.Writer) error {
		return g.GenerateQueueReport(items, w)
	})
}

// WriteStatsReport writes review queue counters with fallbacks
func (srg *SafeReportGenerator) WriteStatsReport(stats *queue.Stats, writer io.Writer) error {
	if stats == nil {
		return errors.ValidationError(errors.CodeMissingField, "stats", nil, nil)
	}
	return srg.generate("stats", writer, func(g *ReportGenerator, w io.Writer) error {
		return g.GenerateStatsReport(stats, w)
	})
}

func (srg *SafeReportGenerator) generate(kind string, writer io.Writer, fn render) error {
	log := srg.logger.WithFields(logger.Fields{
		"report": kind,
		"format": srg.config.Format,
		"output": getWriterDescription(writer),
	})
	log.Debug("Starting report generation")

	if writer == nil {
		err := errors.ValidationError(errors.CodeMissingField, "writer", nil, nil).
			WithSuggestion("Provide a valid output writer")
		log.WithError(err).Error("Report generation failed: input validation")
		return err
	}

	if err := srg.generateWithFallback(fn, writer); err != nil {
		log.WithError(err).Error("Report generation failed")
		return err
	}

	log.Debug("Report generation completed")
	return nil
}

// generateWithFallback attempts to generate the report with fallback strategies
func (srg *SafeReportGenerator) generateWithFallback(fn render, writer io.Writer) error {
	err := fn(srg.ReportGenerator, writer)
	if err == nil {
		return nil
	}

	srg.logger.WithError(err).Warn("Primary report generation failed, attempting fallback")

	if srg.shouldAttemptOutputFallback(err, writer) {
		return srg.generateWithOutputFallback(fn, writer.(*os.File), err)
	}
	if srg.config.Format != FormatConsole {
		return srg.generateWithFormatFallback(fn, writer, err)
	}
	return srg.wrapGenerationError(err)
}

// generateWithFormatFallback renders the report as console output
func (srg *SafeReportGenerator) generateWithFormatFallback(fn render, writer io.Writer, originalErr error) error {
	fallbackConfig := *srg.config
	fallbackConfig.Format = FormatConsole
	fallbackConfig.UseColors = false

	srg.logger.WithField("fallback_format", FormatConsole).Info("Attempting format fallback")

	fallbackGenerator, err := NewReportGenerator(&fallbackConfig)
	if err != nil {
		return srg.wrapGenerationError(originalErr)
	}

	fmt.Fprintf(writer, "NOTE: Report generated in fallback format due to error with requested format\n")
	fmt.Fprintf(writer, "Original error: %v\n\n", originalErr)

	if err := fn(fallbackGenerator, writer); err != nil {
		return errors.InternalError(
			"report_fallback",
			fmt.Errorf("both primary and fallback generation failed: primary=%v, fallback=%w", originalErr, err),
		)
	}

	srg.logger.Info("Report generated using format fallback")
	return nil
}

// shouldAttemptOutputFallback reports whether the error came from a named file
func (srg *SafeReportGenerator) shouldAttemptOutputFallback(err error, writer io.Writer) bool {
	if file, ok := writer.(*os.File); ok && file.Name() != "" && file != os.Stdout && file != os.Stderr {
		return isFileError(err)
	}
	return false
}

// generateWithOutputFallback writes the report to a backup file
func (srg *SafeReportGenerator) generateWithOutputFallback(fn render, file *os.File, originalErr error) error {
	originalPath := file.Name()
	backupPath := backupPath(originalPath)

	srg.logger.WithFields(logger.Fields{
		"original_file": originalPath,
		"backup_file":   backupPath,
	}).Info("Attempting output fallback")

	backupFile, err := os.Create(backupPath)
	if err != nil {
		return srg.wrapGenerationError(originalErr)
	}
	defer backupFile.Close()

	if err := fn(srg.ReportGenerator, backupFile); err != nil {
		return errors.InternalError(
			"report_output_fallback",
			fmt.Errorf("both primary and backup output failed: primary=%v, backup=%w", originalErr, err),
		)
	}

	srg.logger.WithField("backup_file", backupPath).Warn("Report written to backup file")
	fmt.Fprintf(os.Stderr, "Warning: Could not write to %s, report saved to %s\n", originalPath, backupPath)
	return nil
}

// wrapGenerationError wraps generation errors with context
func (srg *SafeReportGenerator) wrapGenerationError(err error) error {
	if pipelineErr, ok := errors.AsPipelineError(err); ok {
		return pipelineErr
	}
	return errors.InternalError("report_generation", err).
		WithSuggestion("Check the output destination and report format settings")
}

func backupPath(originalPath string) string {
	dir := filepath.Dir(originalPath)
	base := filepath.Base(originalPath)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, fmt.Sprintf("%s_backup%s", name, ext))
}

func isFileError(err error) bool {
	if os.IsPermission(err) || os.IsNotExist(err) || os.IsExist(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "no space left") ||
		strings.Contains(msg, "disk full") ||
		strings.Contains(msg, "file already closed")
}

func getWriterDescription(writer io.Writer) string {
	switch w := writer.(type) {
	case nil:
		return "none"
	case *os.File:
		if w.Name() != "" {
			return fmt.Sprintf("file:%s", w.Name())
		}
		return "file:unnamed"
	default:
		return fmt.Sprintf("writer:%T", writer)
	}
}
