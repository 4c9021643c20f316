package errors

import (
	"fmt"
	"strings"
)

// ExtractionContext locates a failed field extraction inside an email body
type ExtractionContext struct {
	Sender   string `json:"sender"`
	Template string `json:"template"`
	Field    string `json:"field"`
	Value    string `json:"value,omitempty"`
	Expected string `json:"expected,omitempty"`
	Snippet  string `json:"snippet,omitempty"`
}

// ExtractionError extends the base parse error with template and field context
type ExtractionError struct {
	*PipelineError
	Extraction  *ExtractionContext `json:"extraction"`
	Recoverable bool               `json:"recoverable"`
}

// Error implements the error interface with the template location appended
func (e *ExtractionError) Error() string {
	parts := []string{e.PipelineError.Error()}
	if e.Extraction != nil {
		location := fmt.Sprintf("[template %s", e.Extraction.Template)
		if e.Extraction.Field != "" {
			location += fmt.Sprintf(", field %s", e.Extraction.Field)
		}
		parts = append(parts, location+"]")
	}
	return strings.Join(parts, " ")
}

// Unwrap exposes the base PipelineError so errors.As finds it
func (e *ExtractionError) Unwrap() error {
	return e.PipelineError
}

// GetDetailedError returns a multi-line description for review notes
func (e *ExtractionError) GetDetailedError() string {
	lines := []string{fmt.Sprintf("ERROR: %s", e.Message)}

	if c := e.Extraction; c != nil {
		lines = append(lines, fmt.Sprintf("  → Sender: %s", c.Sender))
		lines = append(lines, fmt.Sprintf("  → Template: %s", c.Template))
		if c.Field != "" {
			lines = append(lines, fmt.Sprintf("  → Field: %s", c.Field))
		}
		if c.Value != "" {
			lines = append(lines, fmt.Sprintf("  → Value: '%s'", c.Value))
		}
		if c.Expected != "" {
			lines = append(lines, fmt.Sprintf("  → Expected: %s", c.Expected))
		}
		if c.Snippet != "" {
			lines = append(lines, fmt.Sprintf("  → Near: %s", c.Snippet))
		}
	}

	if e.Suggestion != "" {
		lines = append(lines, fmt.Sprintf("  → Suggestion: %s", e.Suggestion))
	}

	return strings.Join(lines, "\n")
}

// NewExtractionError creates a parse error for a single template field
func NewExtractionError(code ErrorCode, ctx *ExtractionContext, cause error) *ExtractionError {
	detail := ""
	sender := ""
	if ctx != nil {
		detail = ctx.Field
		if ctx.Value != "" {
			detail = fmt.Sprintf("%s=%q", ctx.Field, ctx.Value)
		}
		sender = ctx.Sender
	}

	base := ParseError(code, sender, detail, cause)
	if ctx != nil {
		base.WithContext("template", ctx.Template).WithContext("field", ctx.Field)
	}

	return &ExtractionError{
		PipelineError: base,
		Extraction:    ctx,
		Recoverable:   true,
	}
}

// InvalidNumberError creates an error for a quantity, price or amount that
// does not parse as a decimal number.
func InvalidNumberError(sender, template, field, value string) *ExtractionError {
	return NewExtractionError(CodeInvalidNumber, &ExtractionContext{
		Sender:   sender,
		Template: template,
		Field:    field,
		Value:    value,
		Expected: "decimal number such as 1,234.56",
	}, nil)
}

// MissingFieldError creates an error for a field the template requires
func MissingFieldError(sender, template, field, snippet string) *ExtractionError {
	err := NewExtractionError(CodeMissingField, &ExtractionContext{
		Sender:   sender,
		Template: template,
		Field:    field,
		Snippet:  truncate(snippet, 80),
	}, nil)
	err.Recoverable = false
	return err
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
