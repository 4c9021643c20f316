package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/viper"

	"golang-email-ingestion-service/pkg/errors"
	"golang-email-ingestion-service/pkg/logger"
)

// CLIErrorHandler provides user-friendly error handling for CLI operations
type CLIErrorHandler struct {
	logger  logger.Logger
	verbose bool
	out     io.Writer
}

// NewCLIErrorHandler creates a new CLI error handler
func NewCLIErrorHandler() *CLIErrorHandler {
	return &CLIErrorHandler{
		logger:  logger.GetGlobalLogger().WithComponent("cli"),
		verbose: viper.GetBool("verbose"),
		out:     os.Stderr,
	}
}

// HandleError prints err and returns the process exit code
func (h *CLIErrorHandler) HandleError(err error) int {
	if err == nil {
		return 0
	}

	h.logger.WithError(err).Debug("Command failed")

	if summary, ok := err.(*errors.ErrorSummary); ok {
		return h.handleSummary(summary)
	}
	if pipelineErr, ok := errors.AsPipelineError(err); ok {
		return h.handlePipelineError(pipelineErr)
	}
	return h.handleGenericError(err)
}

// handlePipelineError prints a PipelineError with its context
func (h *CLIErrorHandler) handlePipelineError(err *errors.PipelineError) int {
	fmt.Fprintf(h.out, "Error: %s\n", err.Message)

	if len(err.Context) > 0 {
		keys := make([]string, 0, len(err.Context))
		for key := range err.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		fmt.Fprintf(h.out, "\nContext:\n")
		for _, key := range keys {
			fmt.Fprintf(h.out, "  %s: %v\n", key, err.Context[key])
		}
	}

	if err.Suggestion != "" {
		fmt.Fprintf(h.out, "\nSuggestion: %s\n", err.Suggestion)
	}
	if help := categoryHelp(err.Category); help != "" {
		fmt.Fprintf(h.out, "\n%s\n", help)
	}

	if h.verbose && err.Cause != nil {
		fmt.Fprintf(h.out, "\nUnderlying error: %v\n", err.Cause)
	}

	return err.GetExitCode()
}

// handleSummary prints the failures of a processing run
func (h *CLIErrorHandler) handleSummary(summary *errors.ErrorSummary) int {
	fmt.Fprintf(h.out, "Error: %s\n", summary.Error())
	if summary.Total > 1 {
		fmt.Fprintf(h.out, "%s\n", FormatErrors(summary.Errors))
	}
	if summary.HasCategory(errors.CategoryLedger) {
		fmt.Fprintf(h.out, "\n%s\n", categoryHelp(errors.CategoryLedger))
	}
	return summary.GetExitCode()
}

// handleGenericError handles errors without a category
func (h *CLIErrorHandler) handleGenericError(err error) int {
	switch {
	case os.IsNotExist(err):
		fmt.Fprintf(h.out, "Error: File not found\n")
		fmt.Fprintf(h.out, "Suggestion: Check if the file path is correct and the file exists\n")
		return 2
	case os.IsPermission(err):
		fmt.Fprintf(h.out, "Error: Permission denied\n")
		fmt.Fprintf(h.out, "Suggestion: Check file permissions and ensure you have read access\n")
		return 2
	case isDiskFullError(err):
		fmt.Fprintf(h.out, "Error: Insufficient disk space\n")
		fmt.Fprintf(h.out, "Suggestion: Free up disk space and try again\n")
		return 2
	}

	// Flag and argument errors from cobra end up here
	fmt.Fprintf(h.out, "Error: %v\n", err)
	fmt.Fprintf(h.out, "Run 'ingestor --help' for usage.\n")
	return 1
}

// categoryHelp returns category-specific help text
func categoryHelp(category errors.ErrorCategory) string {
	switch category {
	case errors.CategoryParse:
		return `Parse error help:
• Check that the message is a trade confirmation from a supported broker
• Add the sender and template to the templates file if the broker is new
• Emails that cannot be parsed are queued for review with zero confidence`

	case errors.CategoryQueue:
		return `Review queue help:
• Run 'ingestor queue list' to see the current state of items
• Another reviewer may have acted on the item; list it again and retry
• Rejected emails are never queued again`

	case errors.CategoryLedger:
		return `Ledger error help:
• Failed emails are safe to process again
• If a write timed out, check the ledger before running with --reprocess
• Map account types without a portfolio with --portfolio or through review`

	case errors.CategoryValidation:
		return `Validation error help:
• Check that all required values are given
• Dates use YYYY-MM-DD, amounts are plain decimal numbers`

	case errors.CategoryConfiguration:
		return `Configuration error help:
• Check your command-line flags and INGESTOR_* environment variables
• Verify configuration file syntax if using --config`

	case errors.CategoryStorage:
		return `Storage error help:
• Check that the database path is writable
• Bolt databases can only be opened by one process at a time`

	default:
		return ""
	}
}

func isDiskFullError(err error) bool {
	if err == syscall.ENOSPC {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "no space left") ||
		strings.Contains(errStr, "disk full")
}

// FormatErrors formats a list of errors in a user-friendly way
func FormatErrors(errs []*errors.PipelineError) string {
	if len(errs) == 0 {
		return ""
	}

	var lines []string
	for i, err := range errs {
		if i >= 10 {
			lines = append(lines, fmt.Sprintf("  ... and %d more errors", len(errs)-10))
			break
		}
		source := ""
		if s, ok := err.Context["source"]; ok {
			source = fmt.Sprintf(" (%v)", s)
		}
		lines = append(lines, fmt.Sprintf("  %d. [%s/%s] %s%s", i+1, err.Category, err.Code, err.Message, source))
	}
	return strings.Join(lines, "\n")
}
