package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCategory represents different categories of pipeline errors
type ErrorCategory string

const (
	CategoryParse          ErrorCategory = "parse"
	CategoryResolver       ErrorCategory = "resolver"
	CategoryDuplicateCheck ErrorCategory = "duplicate_check"
	CategoryQueue          ErrorCategory = "queue"
	CategoryLedger         ErrorCategory = "ledger"
	CategoryValidation     ErrorCategory = "validation"
	CategoryConfiguration  ErrorCategory = "configuration"
	CategoryStorage        ErrorCategory = "storage"
	CategoryInternal       ErrorCategory = "internal"
)

// ErrorCode represents specific error codes within categories
type ErrorCode string

const (
	// Parse errors
	CodeUnknownTemplate   ErrorCode = "unknown_template"
	CodeNoTradeFound      ErrorCode = "no_trade_found"
	CodeInvalidNumber     ErrorCode = "invalid_number"
	CodeMissingField      ErrorCode = "missing_field"
	CodeTemplateDisabled  ErrorCode = "template_disabled"
	CodeUnreadableMessage ErrorCode = "unreadable_message"

	// Resolver errors
	CodeResolverTimeout     ErrorCode = "resolver_timeout"
	CodeResolverUnavailable ErrorCode = "resolver_unavailable"
	CodeResolverBadResponse ErrorCode = "resolver_bad_response"
	CodeSymbolNotFound      ErrorCode = "symbol_not_found"

	// Duplicate check errors
	CodeDuplicateCheckUnavailable ErrorCode = "duplicate_check_unavailable"

	// Queue errors
	CodeQueueWriteFailed    ErrorCode = "queue_write_failed"
	CodeVersionConflict     ErrorCode = "version_conflict"
	CodeInvalidTransition   ErrorCode = "invalid_transition"
	CodeItemNotFound        ErrorCode = "item_not_found"
	CodeFingerprintRejected ErrorCode = "fingerprint_rejected"
	CodeAlreadyApproved     ErrorCode = "already_approved"

	// Ledger errors
	CodeLedgerWriteFailed ErrorCode = "ledger_write_failed"
	CodeLedgerTimeout     ErrorCode = "ledger_timeout"
	CodePortfolioUnmapped ErrorCode = "portfolio_unmapped"
	CodeWriteUnconfirmed  ErrorCode = "write_unconfirmed"

	// Validation errors
	CodeInvalidValue ErrorCode = "invalid_value"
	CodeOutOfRange   ErrorCode = "out_of_range"

	// Configuration errors
	CodeInvalidConfig ErrorCode = "invalid_config"
	CodeMissingConfig ErrorCode = "missing_config"
	CodeLookupFailed  ErrorCode = "lookup_failed"

	// Storage errors
	CodeStorageUnavailable ErrorCode = "storage_unavailable"
	CodeLockTimeout        ErrorCode = "lock_timeout"

	// Internal errors
	CodeUnexpectedError ErrorCode = "unexpected_error"
)

// PipelineError is the base error type for all ingestion errors.
// It is collected into processing results rather than thrown across the
// pipeline boundary, so it carries enough context to be read on its own.
type PipelineError struct {
	Category   ErrorCategory     `json:"category"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context provides additional information about the error
type Context map[string]interface{}

// Error implements the error interface
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause error
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a PipelineError with the same category and code.
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// GetExitCode returns an appropriate exit code for the error
func (e *PipelineError) GetExitCode() int {
	switch e.Category {
	case CategoryParse, CategoryValidation:
		return 3
	case CategoryConfiguration:
		return 4
	case CategoryQueue, CategoryLedger:
		return 5
	case CategoryResolver, CategoryDuplicateCheck, CategoryStorage:
		return 6
	case CategoryInternal:
		return 7
	default:
		return 1
	}
}

// WithContext adds context information to the error
func (e *PipelineError) WithContext(key string, value interface{}) *PipelineError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for fixing the error
func (e *PipelineError) WithSuggestion(suggestion string) *PipelineError {
	e.Suggestion = suggestion
	return e
}

// New creates a new PipelineError
func New(category ErrorCategory, code ErrorCode, message string) *PipelineError {
	return &PipelineError{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with PipelineError context
func Wrap(err error, category ErrorCategory, code ErrorCode, message string) *PipelineError {
	if err == nil {
		return nil
	}

	return &PipelineError{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func build(category ErrorCategory, code ErrorCode, message string, err error) *PipelineError {
	if err != nil {
		return Wrap(err, category, code, message)
	}
	return New(category, code, message)
}

// ParseError creates a template or number extraction error. Parse errors are
// never fatal: the email is routed to review with zero confidence.
func ParseError(code ErrorCode, sender string, detail string, err error) *PipelineError {
	var message, suggestion string

	switch code {
	case CodeUnknownTemplate:
		message = fmt.Sprintf("no broker template registered for sender %s", sender)
		suggestion = "add the sender to the templates file or review the email manually"
	case CodeTemplateDisabled:
		message = fmt.Sprintf("broker template for sender %s is disabled", sender)
		suggestion = "enable the template in the templates file"
	case CodeNoTradeFound:
		message = fmt.Sprintf("no transaction found in email from %s", sender)
		suggestion = "the broker may have changed its confirmation format"
	case CodeInvalidNumber:
		message = fmt.Sprintf("invalid number in email from %s: %s", sender, detail)
		suggestion = "check the decimal and thousands separators used by the broker"
	case CodeMissingField:
		message = fmt.Sprintf("required field missing in email from %s: %s", sender, detail)
		suggestion = "review the email manually"
	case CodeUnreadableMessage:
		message = fmt.Sprintf("unreadable message from %s: %s", sender, detail)
		suggestion = "verify the message encoding"
	default:
		message = fmt.Sprintf("parse error in email from %s", sender)
		suggestion = "review the email manually"
	}

	return build(CategoryParse, code, message, err).
		WithSuggestion(suggestion).
		WithContext("sender", sender).
		WithContext("detail", detail)
}

// ResolverTimeoutError creates a symbol resolution error. The candidate
// continues without a resolved symbol and with capped confidence.
func ResolverTimeoutError(code ErrorCode, text string, err error) *PipelineError {
	var message string

	switch code {
	case CodeResolverTimeout:
		message = fmt.Sprintf("symbol resolution timed out for %q", text)
	case CodeResolverUnavailable:
		message = fmt.Sprintf("symbol resolver unavailable for %q", text)
	case CodeResolverBadResponse:
		message = fmt.Sprintf("symbol resolver returned an unusable answer for %q", text)
	case CodeSymbolNotFound:
		message = fmt.Sprintf("no security matches %q", text)
	default:
		message = fmt.Sprintf("symbol resolution failed for %q", text)
	}

	return build(CategoryResolver, code, message, err).
		WithSuggestion("confirm the symbol during review").
		WithContext("text", text)
}

// DuplicateCheckError creates an error for unreachable duplicate-check
// storage. The pipeline fails closed and never auto-inserts after it.
func DuplicateCheckError(operation string, err error) *PipelineError {
	return build(CategoryDuplicateCheck, CodeDuplicateCheckUnavailable,
		fmt.Sprintf("duplicate check unavailable during %s", operation), err).
		WithSuggestion("the email was routed to review; check ledger and store connectivity").
		WithContext("operation", operation)
}

// QueueWriteError creates a review queue error
func QueueWriteError(code ErrorCode, itemID string, err error) *PipelineError {
	var message, suggestion string

	switch code {
	case CodeQueueWriteFailed:
		message = fmt.Sprintf("failed to write review queue item %s", itemID)
		suggestion = "check the queue store and retry; enqueue is idempotent"
	case CodeVersionConflict:
		message = fmt.Sprintf("review queue item %s was modified by another reviewer", itemID)
		suggestion = "reload the item and apply the action again"
	case CodeInvalidTransition:
		message = fmt.Sprintf("review queue item %s is no longer pending", itemID)
		suggestion = "terminal items cannot be changed"
	case CodeItemNotFound:
		message = fmt.Sprintf("review queue item %s not found", itemID)
		suggestion = "list the queue to find valid item ids"
	case CodeFingerprintRejected:
		message = fmt.Sprintf("email was previously rejected by a reviewer (item %s)", itemID)
		suggestion = "rejected emails are not re-queued"
	case CodeAlreadyApproved:
		message = fmt.Sprintf("email was already approved by a reviewer (item %s)", itemID)
		suggestion = "the transaction exists in the ledger"
	default:
		message = fmt.Sprintf("review queue error for item %s", itemID)
		suggestion = "check the queue store"
	}

	return build(CategoryQueue, code, message, err).
		WithSuggestion(suggestion).
		WithContext("item_id", itemID)
}

// LedgerWriteError creates a ledger or portfolio mapping error. Ledger
// failures are surfaced and never silently re-queued.
func LedgerWriteError(code ErrorCode, portfolioID string, err error) *PipelineError {
	var message, suggestion string

	switch code {
	case CodeLedgerWriteFailed:
		message = fmt.Sprintf("failed to create transaction in portfolio %s", portfolioID)
		suggestion = "check the ledger service; the email can be reprocessed after the failure is resolved"
	case CodeLedgerTimeout:
		message = fmt.Sprintf("ledger call timed out for portfolio %s", portfolioID)
		suggestion = "verify whether the transaction was created before reprocessing"
	case CodePortfolioUnmapped:
		message = fmt.Sprintf("no portfolio mapped for account type %q", portfolioID)
		suggestion = "create the portfolio or enable auto-create for the account type"
	case CodeWriteUnconfirmed:
		message = fmt.Sprintf("a previous ledger write for this email was never confirmed (portfolio %s)", portfolioID)
		suggestion = "check the ledger for the transaction before approving"
	default:
		message = fmt.Sprintf("ledger error for portfolio %s", portfolioID)
		suggestion = "check the ledger service"
	}

	return build(CategoryLedger, code, message, err).
		WithSuggestion(suggestion).
		WithContext("portfolio_id", portfolioID)
}

// ValidationError creates a validation-related error
func ValidationError(code ErrorCode, field string, value interface{}, err error) *PipelineError {
	var message string

	switch code {
	case CodeMissingField:
		message = fmt.Sprintf("required field '%s' is missing or empty", field)
	case CodeOutOfRange:
		message = fmt.Sprintf("value out of range in field '%s': %v", field, value)
	default:
		message = fmt.Sprintf("invalid value in field '%s': %v", field, value)
	}

	return build(CategoryValidation, code, message, err).
		WithContext("field", field).
		WithContext("value", value)
}

// ConfigurationError creates a configuration-related error
func ConfigurationError(code ErrorCode, setting string, value interface{}, err error) *PipelineError {
	var message, suggestion string

	switch code {
	case CodeInvalidConfig:
		message = fmt.Sprintf("invalid configuration for '%s': %v", setting, value)
		suggestion = "check the configuration documentation for valid values"
	case CodeMissingConfig:
		message = fmt.Sprintf("missing required configuration: %s", setting)
		suggestion = "provide this setting in the config file or environment"
	case CodeLookupFailed:
		message = fmt.Sprintf("configuration lookup failed for '%s'", setting)
		suggestion = "auto-insert falls back to enabled while the lookup is failing"
	default:
		message = fmt.Sprintf("configuration error: %s", setting)
		suggestion = "check your configuration and try again"
	}

	return build(CategoryConfiguration, code, message, err).
		WithSuggestion(suggestion).
		WithContext("setting", setting).
		WithContext("value", value)
}

// StorageError creates an error for the queue store, registry or lock table
func StorageError(code ErrorCode, operation string, err error) *PipelineError {
	var message string

	switch code {
	case CodeLockTimeout:
		message = fmt.Sprintf("timed out acquiring lock during %s", operation)
	default:
		message = fmt.Sprintf("storage unavailable during %s", operation)
	}

	return build(CategoryStorage, code, message, err).
		WithContext("operation", operation)
}

// InternalError creates an internal error
func InternalError(operation string, err error) *PipelineError {
	return build(CategoryInternal, CodeUnexpectedError,
		fmt.Sprintf("unexpected error during %s", operation), err).
		WithSuggestion("this is likely a bug - please report it with the error details").
		WithContext("operation", operation)
}

// ErrorSummary provides a summary of multiple errors
type ErrorSummary struct {
	Total      int                   `json:"total"`
	ByCategory map[ErrorCategory]int `json:"by_category"`
	ByCode     map[ErrorCode]int     `json:"by_code"`
	Errors     []*PipelineError      `json:"errors"`
}

// NewErrorSummary creates a new error summary
func NewErrorSummary(errs []*PipelineError) *ErrorSummary {
	summary := &ErrorSummary{
		Total:      len(errs),
		ByCategory: make(map[ErrorCategory]int),
		ByCode:     make(map[ErrorCode]int),
		Errors:     errs,
	}

	for _, err := range errs {
		summary.ByCategory[err.Category]++
		summary.ByCode[err.Code]++
	}

	return summary
}

// Error returns a formatted error message for the summary
func (es *ErrorSummary) Error() string {
	if es.Total == 0 {
		return "no errors"
	}

	if es.Total == 1 {
		return es.Errors[0].Error()
	}

	var categories []string
	for category, count := range es.ByCategory {
		categories = append(categories, fmt.Sprintf("%s: %d", category, count))
	}

	return fmt.Sprintf("%d errors occurred (%s)", es.Total, strings.Join(categories, ", "))
}

// HasCategory checks if the summary contains errors of the given category
func (es *ErrorSummary) HasCategory(category ErrorCategory) bool {
	return es.ByCategory[category] > 0
}

// HasCode checks if the summary contains errors with the given code
func (es *ErrorSummary) HasCode(code ErrorCode) bool {
	return es.ByCode[code] > 0
}

// GetExitCode returns the highest priority exit code from all errors
func (es *ErrorSummary) GetExitCode() int {
	if es.Total == 0 {
		return 0
	}

	maxCode := 1
	for _, err := range es.Errors {
		if code := err.GetExitCode(); code > maxCode {
			maxCode = code
		}
	}

	return maxCode
}

// AsPipelineError extracts a PipelineError from an error chain
func AsPipelineError(err error) (*PipelineError, bool) {
	var pipelineErr *PipelineError
	if errors.As(err, &pipelineErr) {
		return pipelineErr, true
	}
	return nil, false
}

// HasCode reports whether err carries a PipelineError with the given code.
func HasCode(err error, code ErrorCode) bool {
	pe, ok := AsPipelineError(err)
	return ok && pe.Code == code
}

// WrapIfNeeded wraps an error if it's not already a PipelineError
func WrapIfNeeded(err error, category ErrorCategory, code ErrorCode, message string) *PipelineError {
	if err == nil {
		return nil
	}

	if pipelineErr, ok := AsPipelineError(err); ok {
		return pipelineErr
	}

	return Wrap(err, category, code, message)
}
