package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"golang-email-ingestion-service/cmd/ingestor/config"
	"golang-email-ingestion-service/internal/reporter"
	"golang-email-ingestion-service/pkg/errors"
	"golang-email-ingestion-service/pkg/logger"
)

var (
	cfgFile      string
	verbose      bool
	outputFormat string
	outputFile   string
	noColor      bool
	version      = "dev"
	commit       = "unknown"
	date         = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ingestor",
	Short: "Brokerage email ingestion tool",
	Long: `Ingestor turns brokerage trade confirmation emails into ledger
transactions. Emails that are ambiguous, incomplete or possible duplicates
are held in a review queue until a reviewer approves, edits or rejects them.

Examples:
  ingestor process ./inbox
  ingestor process confirmation.eml --output-format json
  ingestor queue list --status pending
  ingestor queue approve 3f2c9a1e --reviewer alice
  ingestor queue sweep
  ingestor --version`,
	Version:       getVersionString(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (optional)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	flags.StringVarP(&outputFormat, "output-format", "f", "console", "output format: console, json, csv")
	flags.StringVarP(&outputFile, "output-file", "o", "", "output file path (default: stdout)")
	flags.BoolVar(&noColor, "no-color", false, "disable colored console output")
	flags.String("storage", "", "storage backend: sqlite, bolt")
	flags.String("db", "", "queue and registry database path")
	flags.String("ledger-db", "", "ledger database path (default: shared with --db for sqlite)")

	// Bind flags to viper
	viper.BindPFlag("verbose", flags.Lookup("verbose"))
	viper.BindPFlag("storage.backend", flags.Lookup("storage"))
	viper.BindPFlag("storage.path", flags.Lookup("db"))
	viper.BindPFlag("storage.ledger_path", flags.Lookup("ledger-db"))
}

// initConfig reads in config file and ENV variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)

		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config file: %s\n", err)
			os.Exit(4)
		}

		if viper.GetBool("verbose") {
			fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
		}
	}

	config.Bind(viper.GetViper())
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}

// loadApp reads the configuration, sets up logging and opens the stores
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "log", cfg.Log.Output, err)
	}
	logger.SetGlobalLogger(log)

	return newApp(ctx, cfg, log)
}

// openOutput returns the report destination and a function closing it
func openOutput(cmd *cobra.Command) (io.Writer, func() error, error) {
	if outputFile == "" {
		return cmd.OutOrStdout(), func() error { return nil }, nil
	}
	file, err := os.Create(outputFile)
	if err != nil {
		return nil, nil, errors.ValidationError(errors.CodeInvalidValue, "output-file", outputFile, err).
			WithSuggestion("Check that the output directory exists and is writable")
	}
	return file, file.Close, nil
}

// newReporter creates the report generator selected by the output flags
func newReporter(limit int) (*reporter.SafeReportGenerator, error) {
	reportConfig, err := config.ReportConfig(outputFormat, noColor, limit)
	if err != nil {
		return nil, err
	}
	return reporter.NewSafeReportGenerator(reportConfig, logger.GetGlobalLogger())
}
