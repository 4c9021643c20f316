package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"golang-email-ingestion-service/internal/models"
	"golang-email-ingestion-service/pkg/errors"
)

const confirmation = "From: Wealthsimple <notifications@wealthsimple.com>\r\n" +
	"To: investor@example.com\r\n" +
	"Subject: Your order has been filled\r\n" +
	"Date: Fri, 01 Mar 2024 10:30:00 -0500\r\n" +
	"Message-ID: <abc123@wealthsimple.com>\r\n" +
	"\r\n" +
	"You bought 100 shares of AAPL at $150.50 in your TFSA.\r\n" +
	"Total $15,050.00\r\n"

// resetFlags restores every flag of c and its children to its default
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.PersistentFlags().VisitAll(reset)
	c.Flags().VisitAll(reset)
	for _, child := range c.Commands() {
		resetFlags(child)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() { resetFlags(rootCmd) })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestListFilter(t *testing.T) {
	tests := []struct {
		name     string
		status   string
		limit    int
		statuses []models.ReviewStatus
		wantErr  errors.ErrorCode
	}{
		{name: "no status", statuses: nil},
		{name: "single", status: "pending", statuses: []models.ReviewStatus{models.StatusPending}},
		{
			name:     "list with spaces",
			status:   "Pending, rejected,",
			statuses: []models.ReviewStatus{models.StatusPending, models.StatusRejected},
		},
		{name: "unknown status", status: "done", wantErr: errors.CodeInvalidValue},
		{name: "negative limit", limit: -1, wantErr: errors.CodeOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			listStatus, listLimit = tt.status, tt.limit
			defer func() { listStatus, listLimit = "", 0 }()

			filter, err := listFilter()
			if tt.wantErr != "" {
				if !errors.HasCode(err, tt.wantErr) {
					t.Fatalf("listFilter() error = %v, want code %s", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("listFilter() error = %v", err)
			}
			if len(filter.Statuses) != len(tt.statuses) {
				t.Fatalf("statuses = %v, want %v", filter.Statuses, tt.statuses)
			}
			for i := range tt.statuses {
				if filter.Statuses[i] != tt.statuses[i] {
					t.Errorf("statuses[%d] = %s, want %s", i, filter.Statuses[i], tt.statuses[i])
				}
			}
		})
	}
}

func TestParseEdits(t *testing.T) {
	clearEdits := func() {
		editSymbol, editType, editQuantity, editPrice, editTotal = "", "", "", "", ""
		editFees, editCurrency, editDate, editAccount, editPortfolio = "", "", "", "", ""
	}

	t.Run("values", func(t *testing.T) {
		defer clearEdits()
		editSymbol, editCurrency, editQuantity, editType, editDate = " shop ", "usd", "12.5", "sell", "2024-03-01"

		edits, err := parseEdits()
		if err != nil {
			t.Fatalf("parseEdits() error = %v", err)
		}
		if edits.Symbol == nil || *edits.Symbol != "SHOP" {
			t.Errorf("symbol = %v, want SHOP", edits.Symbol)
		}
		if edits.Currency == nil || *edits.Currency != "USD" {
			t.Errorf("currency = %v, want USD", edits.Currency)
		}
		if edits.Quantity == nil || edits.Quantity.String() != "12.5" {
			t.Errorf("quantity = %v, want 12.5", edits.Quantity)
		}
		if edits.TransactionType == nil || *edits.TransactionType != models.TransactionTypeSell {
			t.Errorf("type = %v, want sell", edits.TransactionType)
		}
		if edits.TransactionDate == nil || edits.TransactionDate.Day() != 1 {
			t.Errorf("date = %v", edits.TransactionDate)
		}
		if edits.Price != nil || edits.PortfolioID != nil {
			t.Error("unset flags should stay nil")
		}
	})

	tests := []struct {
		name  string
		setup func()
		code  errors.ErrorCode
	}{
		{name: "nothing given", setup: func() {}, code: errors.CodeMissingField},
		{name: "bad number", setup: func() { editPrice = "abc" }, code: errors.CodeInvalidNumber},
		{name: "bad type", setup: func() { editType = "swap" }, code: errors.CodeInvalidValue},
		{name: "bad date", setup: func() { editDate = "03/01/2024" }, code: errors.CodeInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer clearEdits()
			tt.setup()
			if _, err := parseEdits(); !errors.HasCode(err, tt.code) {
				t.Errorf("parseEdits() error = %v, want code %s", err, tt.code)
			}
		})
	}
}

func TestProcessExitError(t *testing.T) {
	ledgerErr := errors.New(errors.CategoryLedger, errors.CodeLedgerWriteFailed, "write failed")

	tests := []struct {
		name       string
		results    []*models.ProcessingResult
		unreadable int
		exitCode   int
	}{
		{
			name: "created and queued",
			results: []*models.ProcessingResult{
				{Outcome: models.OutcomeCreated, Success: true},
				{Outcome: models.OutcomeQueued, Success: true},
			},
		},
		{
			name: "failed with errors",
			results: []*models.ProcessingResult{
				{Outcome: models.OutcomeFailed, Errors: []*errors.PipelineError{ledgerErr}},
				nil,
			},
			exitCode: 5,
		},
		{
			name:     "failed without errors",
			results:  []*models.ProcessingResult{{Outcome: models.OutcomeFailed}},
			exitCode: 7,
		},
		{name: "unreadable input", unreadable: 2, exitCode: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := processExitError(tt.results, tt.unreadable)
			if tt.exitCode == 0 {
				if err != nil {
					t.Fatalf("processExitError() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("processExitError() = nil, want error")
			}

			h := &CLIErrorHandler{out: &bytes.Buffer{}}
			if got := exitCode(h, err); got != tt.exitCode {
				t.Errorf("exit code = %d, want %d", got, tt.exitCode)
			}
		})
	}
}

// exitCode mirrors HandleError without the logging
func exitCode(h *CLIErrorHandler, err error) int {
	if summary, ok := err.(*errors.ErrorSummary); ok {
		return h.handleSummary(summary)
	}
	if pipelineErr, ok := errors.AsPipelineError(err); ok {
		return h.handlePipelineError(pipelineErr)
	}
	return h.handleGenericError(err)
}

func TestHandleGenericError(t *testing.T) {
	_, statErr := os.Stat(filepath.Join(t.TempDir(), "missing.eml"))

	tests := []struct {
		name string
		err  error
		code int
		text string
	}{
		{name: "missing file", err: statErr, code: 2, text: "File not found"},
		{name: "disk full", err: syscall.ENOSPC, code: 2, text: "disk space"},
		{name: "usage", err: os.ErrInvalid, code: 1, text: "ingestor --help"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			h := &CLIErrorHandler{out: &out}
			if got := h.handleGenericError(tt.err); got != tt.code {
				t.Errorf("handleGenericError() = %d, want %d", got, tt.code)
			}
			if !strings.Contains(out.String(), tt.text) {
				t.Errorf("output %q does not mention %q", out.String(), tt.text)
			}
		})
	}
}

func TestProcessAndListQueue(t *testing.T) {
	t.Setenv("INGESTOR_RESOLVER_BACKEND", "none")
	t.Setenv("INGESTOR_LOG_OUTPUT", "discard")

	dir := t.TempDir()
	inbox := filepath.Join(dir, "inbox")
	if err := os.Mkdir(inbox, 0o755); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(inbox, "fill.eml"), []byte(confirmation), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	db := filepath.Join(dir, "ingestor.db")

	out, err := execute(t, "process", inbox, "--db", db, "--output-format", "json")
	if err != nil {
		t.Fatalf("process error = %v", err)
	}
	var report struct {
		Summary models.BatchSummary `json:"summary"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("report is not JSON: %v\n%s", err, out)
	}
	if report.Summary.Total != 1 || report.Summary.Created != 1 {
		t.Errorf("summary = %+v, want one created email", report.Summary)
	}

	// A redelivery is recognised from the registry
	out, err = execute(t, "process", inbox, "--db", db, "--output-format", "json")
	if err != nil {
		t.Fatalf("second process error = %v", err)
	}
	report.Summary = models.BatchSummary{}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("report is not JSON: %v\n%s", err, out)
	}
	if report.Summary.Skipped != 1 || report.Summary.Created != 0 {
		t.Errorf("redelivery summary = %+v, want one skipped email", report.Summary)
	}

	out, err = execute(t, "queue", "list", "--db", db, "--output-format", "json")
	if err != nil {
		t.Fatalf("queue list error = %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("queue list = %s, want empty list", out)
	}
}

func TestQueueActionErrors(t *testing.T) {
	t.Setenv("INGESTOR_RESOLVER_BACKEND", "none")
	t.Setenv("INGESTOR_LOG_OUTPUT", "discard")
	db := filepath.Join(t.TempDir(), "ingestor.db")

	tests := []struct {
		name string
		args []string
		code errors.ErrorCode
	}{
		{name: "missing reviewer", args: []string{"queue", "approve", "x", "--reviewer", " "}, code: errors.CodeMissingField},
		{name: "edit without changes", args: []string{"queue", "edit", "x", "--reviewer", "alice"}, code: errors.CodeMissingField},
		{name: "bad status", args: []string{"queue", "list", "--status", "done"}, code: errors.CodeInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append(tt.args, "--db", db)...)
			if !errors.HasCode(err, tt.code) {
				t.Errorf("error = %v, want code %s", err, tt.code)
			}
		})
	}
}
