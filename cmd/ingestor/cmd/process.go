package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"golang-email-ingestion-service/internal/mailbox"
	"golang-email-ingestion-service/internal/models"
	"golang-email-ingestion-service/internal/pipeline"
	"golang-email-ingestion-service/internal/reporter"
	"golang-email-ingestion-service/pkg/errors"
)

// Flags for the process command
var (
	configID     string
	portfolioID  string
	reprocess    bool
	showProgress bool
	reportLimit  int
)

// processCmd represents the process command
var processCmd = &cobra.Command{
	Use:   "process <file.eml|directory>...",
	Short: "Ingest trade confirmation emails",
	Long: `Process reads RFC 822 messages (.eml files, or every .eml file in a
directory) and runs each one through identification, parsing, duplicate
detection and the auto-insert decision.

Every email ends up with one outcome:
  created  a ledger transaction was written
  queued   the email waits in the review queue
  skipped  the email was already handled
  merged   the email duplicates a recorded transaction
  failed   a queue or ledger write failed; processing it again is safe

Examples:
  # Process a mailbox export
  ingestor process ./inbox

  # Write a JSON report
  ingestor process ./inbox --output-format json --output-file report.json

  # Retry emails whose ledger write was never confirmed
  ingestor process ./inbox --reprocess

  # Apply the auto-insert setting of another installation
  ingestor process ./inbox --config-id household`,

	Args: cobra.MinimumNArgs(1),
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)

	flags := processCmd.Flags()
	flags.StringVar(&configID, "config-id", "", "auto-insert setting to apply (default: pipeline.config_id)")
	flags.StringVar(&portfolioID, "portfolio", "", "record every email in this portfolio instead of mapping account types")
	flags.BoolVar(&reprocess, "reprocess", false, "retry emails whose earlier ledger write was not confirmed")
	flags.BoolVar(&showProgress, "progress", false, "show progress indicators")
	flags.IntVar(&reportLimit, "limit", 0, "maximum emails listed in console output (0 = all)")
	flags.Int("concurrency", 0, "emails processed at once")

	viper.BindPFlag("pipeline.concurrency", flags.Lookup("concurrency"))
	viper.BindPFlag("pipeline.config_id", flags.Lookup("config-id"))
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	app, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	emails, inputErrors, err := readEmails(ctx, app, args)
	if err != nil {
		return err
	}

	if showProgress {
		app.orchestrator.AddProgressCallback(func(p pipeline.BatchProgress) {
			fmt.Fprintf(os.Stderr, "\r[%d/%d] %s", p.Completed, p.Total, p.Last.Outcome)
			if p.Completed == p.Total {
				fmt.Fprintf(os.Stderr, "\n")
			}
		})
	}

	opts := pipeline.ProcessOptions{
		ConfigID:        app.config.ConfigID,
		PortfolioIDHint: portfolioID,
		Reprocess:       reprocess,
	}
	results, batchErr := app.orchestrator.ProcessBatch(ctx, emails, opts)

	report := reporter.NewProcessingReport(results)
	report.InputErrors = inputErrors
	if err := writeReport(cmd, reportLimit, func(g *reporter.SafeReportGenerator, out io.Writer) error {
		return g.WriteProcessingReport(report, out)
	}); err != nil {
		return err
	}

	if batchErr != nil {
		return errors.InternalError("process emails", batchErr).
			WithSuggestion("Processing was interrupted; run the command again to finish the remaining emails")
	}
	return processExitError(results, len(inputErrors))
}

// readEmails decodes every argument. Unreadable messages are reported but
// do not stop the run.
func readEmails(ctx context.Context, app *app, paths []string) ([]*models.RawEmail, []reporter.InputError, error) {
	reader := mailbox.NewReader(app.logger)

	var (
		emails      []*models.RawEmail
		inputErrors []reporter.InputError
	)
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, nil, errors.ValidationError(errors.CodeInvalidValue, "path", path, err).
				WithSuggestion("Pass .eml files or directories containing them")
		}

		if !info.IsDir() {
			email, err := reader.ReadFile(path)
			if err != nil {
				inputErrors = append(inputErrors, reporter.InputError{Source: path, Error: err.Error()})
				continue
			}
			emails = append(emails, email)
			continue
		}

		batch, err := reader.ReadDir(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		emails = append(emails, batch.Emails...)
		for _, f := range batch.Failed {
			inputErrors = append(inputErrors, reporter.InputError{Source: f.Path, Error: f.Err.Error()})
		}
	}

	app.logger.WithField("emails", len(emails)).WithField("unreadable", len(inputErrors)).
		Info("Read input messages")
	return emails, inputErrors, nil
}

// processExitError turns failed emails into a non-zero exit. Queued emails
// are a normal outcome.
func processExitError(results []*models.ProcessingResult, unreadable int) error {
	var failures []*errors.PipelineError
	failed := 0
	for _, r := range results {
		if r != nil && r.Outcome == models.OutcomeFailed {
			failed++
			failures = append(failures, r.Errors...)
		}
	}

	switch {
	case len(failures) > 0:
		return errors.NewErrorSummary(failures)
	case failed > 0:
		return errors.New(errors.CategoryInternal, errors.CodeUnexpectedError,
			fmt.Sprintf("%d emails failed", failed))
	case unreadable > 0:
		return errors.New(errors.CategoryParse, errors.CodeUnreadableMessage,
			fmt.Sprintf("%d messages could not be read", unreadable)).
			WithSuggestion("Check that the files are complete RFC 822 messages")
	}
	return nil
}

// writeReport renders a report to the configured output
func writeReport(cmd *cobra.Command, limit int, write func(g *reporter.SafeReportGenerator, out io.Writer) error) error {
	generator, err := newReporter(limit)
	if err != nil {
		return err
	}
	out, closeOutput, err := openOutput(cmd)
	if err != nil {
		return err
	}
	if err := write(generator, out); err != nil {
		closeOutput()
		return err
	}
	return closeOutput()
}
