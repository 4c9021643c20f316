package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"golang-email-ingestion-service/internal/models"
	"golang-email-ingestion-service/internal/queue"
	"golang-email-ingestion-service/internal/reporter"
	"golang-email-ingestion-service/pkg/errors"
)

// Flags for the queue commands
var (
	listStatus      string
	listTag         string
	listPortfolio   string
	listMinPriority int
	listLimit       int

	reviewer        string
	reviewNote      string
	expectedVersion int64

	editSymbol    string
	editType      string
	editQuantity  string
	editPrice     string
	editTotal     string
	editFees      string
	editCurrency  string
	editDate      string
	editAccount   string
	editPortfolio string
)

// queueCmd groups the review queue commands
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and act on the review queue",
	Long: `Queue lists emails waiting for review and records reviewer decisions.

Approving an item writes its transaction to the ledger. Rejecting an item
is remembered: a redelivery of the same email is ignored. Edits correct the
parsed transaction and keep the item pending.

Examples:
  ingestor queue list --status pending --min-priority 50
  ingestor queue stats --output-format json
  ingestor queue edit 3f2c9a1e --symbol SHOP --reviewer alice
  ingestor queue approve 3f2c9a1e --reviewer alice --note "checked statement"
  ingestor queue reject 3f2c9a1e --reviewer alice --note "test email"
  ingestor queue sweep`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List review queue items, highest priority first",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show review queue counters",
	Args:  cobra.NoArgs,
	RunE:  runQueueStats,
}

var queueApproveCmd = &cobra.Command{
	Use:   "approve <item-id>",
	Short: "Approve an item and write its transaction to the ledger",
	Args:  cobra.ExactArgs(1),
	RunE:  actionRunner(queue.ActionApprove),
}

var queueRejectCmd = &cobra.Command{
	Use:   "reject <item-id>",
	Short: "Reject an item; redeliveries of the email are ignored",
	Args:  cobra.ExactArgs(1),
	RunE:  actionRunner(queue.ActionReject),
}

var queueEditCmd = &cobra.Command{
	Use:   "edit <item-id>",
	Short: "Correct the parsed transaction of a pending item",
	Args:  cobra.ExactArgs(1),
	RunE:  actionRunner(queue.ActionEdit),
}

var queueSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Escalate overdue items and expire abandoned ones",
	Args:  cobra.NoArgs,
	RunE:  runQueueSweep,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd, queueStatsCmd, queueApproveCmd, queueRejectCmd, queueEditCmd, queueSweepCmd)

	list := queueListCmd.Flags()
	list.StringVar(&listStatus, "status", "", "comma-separated statuses: pending, approved, rejected, expired")
	list.StringVar(&listTag, "tag", "", "only items carrying this tag")
	list.StringVar(&listPortfolio, "portfolio", "", "only items mapped to this portfolio")
	list.IntVar(&listMinPriority, "min-priority", 0, "only items with at least this priority")
	list.IntVar(&listLimit, "limit", 0, "maximum items listed (0 = all)")

	for _, c := range []*cobra.Command{queueApproveCmd, queueRejectCmd, queueEditCmd} {
		flags := c.Flags()
		flags.StringVar(&reviewer, "reviewer", os.Getenv("USER"), "name recorded with the decision")
		flags.StringVar(&reviewNote, "note", "", "note recorded with the decision")
		flags.Int64Var(&expectedVersion, "expect-version", 0, "fail if the item changed since this version")
	}

	edit := queueEditCmd.Flags()
	edit.StringVar(&editSymbol, "symbol", "", "ticker symbol")
	edit.StringVar(&editType, "type", "", "transaction type: buy, sell, dividend, option_expired")
	edit.StringVar(&editQuantity, "quantity", "", "quantity")
	edit.StringVar(&editPrice, "price", "", "price per unit")
	edit.StringVar(&editTotal, "total", "", "total amount")
	edit.StringVar(&editFees, "fees", "", "fees")
	edit.StringVar(&editCurrency, "currency", "", "currency code")
	edit.StringVar(&editDate, "date", "", "transaction date (YYYY-MM-DD)")
	edit.StringVar(&editAccount, "account", "", "account type as printed, e.g. TFSA")
	edit.StringVar(&editPortfolio, "portfolio", "", "portfolio id")
}

func runQueueList(cmd *cobra.Command, args []string) error {
	filter, err := listFilter()
	if err != nil {
		return err
	}

	app, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer app.Close()

	items, err := app.queue.List(cmd.Context(), filter)
	if err != nil {
		return err
	}
	return writeReport(cmd, 0, func(g *reporter.SafeReportGenerator, out io.Writer) error {
		return g.WriteQueueReport(items, out)
	})
}

func listFilter() (models.QueueFilter, error) {
	filter := models.QueueFilter{
		Tag:         listTag,
		PortfolioID: listPortfolio,
		MinPriority: listMinPriority,
		Limit:       listLimit,
	}
	for _, s := range strings.Split(listStatus, ",") {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		status := models.ReviewStatus(s)
		if !status.IsValid() {
			return filter, errors.ValidationError(errors.CodeInvalidValue, "status", s, nil).
				WithSuggestion("Valid statuses: pending, approved, rejected, expired")
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if filter.Limit < 0 {
		return filter, errors.ValidationError(errors.CodeOutOfRange, "limit", filter.Limit, nil)
	}
	return filter, nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	app, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer app.Close()

	stats, err := app.queue.Stats(cmd.Context())
	if err != nil {
		return err
	}
	return writeReport(cmd, 0, func(g *reporter.SafeReportGenerator, out io.Writer) error {
		return g.WriteStatsReport(stats, out)
	})
}

func actionRunner(actionType queue.ActionType) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		action := queue.Action{
			Type:            actionType,
			Reviewer:        strings.TrimSpace(reviewer),
			Note:            reviewNote,
			ExpectedVersion: expectedVersion,
		}
		if action.Reviewer == "" {
			return errors.ValidationError(errors.CodeMissingField, "reviewer", nil, nil).
				WithSuggestion("Pass --reviewer with your name")
		}
		if actionType == queue.ActionEdit {
			edits, err := parseEdits()
			if err != nil {
				return err
			}
			action.Edits = edits
		}

		app, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		item, err := app.queue.ApplyAction(cmd.Context(), args[0], action, app.orchestrator.Committer())
		if err != nil {
			return err
		}

		app.logger.WithField("item_id", item.ID).WithField("status", item.Status).Info("Review action applied")
		if item.TransactionID != "" && outputFormat == string(reporter.FormatConsole) {
			fmt.Fprintf(cmd.ErrOrStderr(), "Recorded transaction %s\n", item.TransactionID)
		}
		return writeReport(cmd, 0, func(g *reporter.SafeReportGenerator, out io.Writer) error {
			return g.WriteQueueReport([]*models.ReviewQueueItem{item}, out)
		})
	}
}

// parseEdits builds reviewer corrections from the flags that were given
func parseEdits() (*queue.Edits, error) {
	edits := &queue.Edits{}

	text := func(value string, dst **string) {
		if value = strings.TrimSpace(value); value != "" {
			*dst = &value
		}
	}
	text(strings.ToUpper(editSymbol), &edits.Symbol)
	text(strings.ToUpper(editCurrency), &edits.Currency)
	text(editAccount, &edits.AccountTypeRaw)
	text(editPortfolio, &edits.PortfolioID)

	for _, field := range []struct {
		name  string
		value string
		dst   **decimal.Decimal
	}{
		{"quantity", editQuantity, &edits.Quantity},
		{"price", editPrice, &edits.Price},
		{"total", editTotal, &edits.TotalAmount},
		{"fees", editFees, &edits.Fees},
	} {
		if strings.TrimSpace(field.value) == "" {
			continue
		}
		d, err := models.ParseDecimalFromString(field.value)
		if err != nil {
			return nil, errors.ValidationError(errors.CodeInvalidNumber, field.name, field.value, err)
		}
		*field.dst = &d
	}

	if editType != "" {
		t, err := models.ParseTransactionType(editType)
		if err != nil {
			return nil, errors.ValidationError(errors.CodeInvalidValue, "type", editType, err)
		}
		edits.TransactionType = &t
	}
	if editDate != "" {
		d, err := time.Parse("2006-01-02", editDate)
		if err != nil {
			return nil, errors.ValidationError(errors.CodeInvalidValue, "date", editDate, err).
				WithSuggestion("Use YYYY-MM-DD")
		}
		edits.TransactionDate = &d
	}

	if edits.IsEmpty() {
		return nil, errors.ValidationError(errors.CodeMissingField, "edits", nil, nil).
			WithSuggestion("Pass at least one of --symbol, --type, --quantity, --price, --total, --fees, --currency, --date, --account, --portfolio")
	}
	return edits, nil
}

func runQueueSweep(cmd *cobra.Command, args []string) error {
	app, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer app.Close()

	result, err := app.queue.Sweep(cmd.Context(), time.Now())
	if err != nil {
		return err
	}

	app.logger.WithField("escalated", result.Escalated).WithField("expired", result.Expired).Info("Review queue swept")
	out, closeOutput, err := openOutput(cmd)
	if err != nil {
		return err
	}
	switch reporter.OutputFormat(strings.ToLower(outputFormat)) {
	case reporter.FormatJSON:
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(result); err != nil {
			closeOutput()
			return err
		}
	case reporter.FormatCSV:
		fmt.Fprintf(out, "escalated,expired,conflicts\n%d,%d,%d\n", result.Escalated, result.Expired, result.Conflicts)
	default:
		fmt.Fprintf(out, "Escalated: %d\nExpired:   %d\n", result.Escalated, result.Expired)
		if result.Conflicts > 0 {
			fmt.Fprintf(out, "Skipped %d items changed by reviewers during the sweep\n", result.Conflicts)
		}
	}
	return closeOutput()
}
