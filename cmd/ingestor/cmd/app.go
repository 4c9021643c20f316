package cmd

import (
	"context"

	"golang-email-ingestion-service/cmd/ingestor/config"
	"golang-email-ingestion-service/internal/identity"
	"golang-email-ingestion-service/internal/ledger"
	"golang-email-ingestion-service/internal/locking"
	"golang-email-ingestion-service/internal/parsers"
	"golang-email-ingestion-service/internal/pipeline"
	"golang-email-ingestion-service/internal/queue"
	"golang-email-ingestion-service/internal/resolver"
	"golang-email-ingestion-service/internal/storage"
	"golang-email-ingestion-service/pkg/logger"
)

// app holds the components one command invocation works with
type app struct {
	config       *config.Config
	logger       logger.Logger
	ledger       *ledger.SQLiteLedger
	queue        *queue.Queue
	orchestrator *pipeline.Orchestrator
	closers      []func() error
}

// newApp opens the stores and wires the pipeline described by cfg
func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	a := &app{config: cfg, logger: log}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	cfg, log := a.config, a.logger
	var (
		store    queue.Store
		registry pipeline.Registry
		locker   locking.Locker
		sqlite   *storage.SQLite
	)
	switch cfg.Storage.Backend {
	case config.BackendBolt:
		b, err := storage.OpenBolt(cfg.Storage.Path, log)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, b.Close)
		// Bolt holds an exclusive file lock, so in-process locks are enough.
		store, registry, locker = b, b, locking.NewLocal()
	default:
		s, err := storage.OpenSQLite(cfg.Storage.Path, log)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, s.Close)
		store, registry, locker, sqlite = s, s, s, s
	}

	ledgerStore := sqlite
	if ledgerStore == nil || cfg.LedgerPath() != cfg.Storage.Path {
		s, err := storage.OpenSQLite(cfg.LedgerPath(), log)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, s.Close)
		ledgerStore = s
	}

	var err error
	if a.ledger, err = ledger.NewSQLiteLedger(ledgerStore.DB(), log); err != nil {
		return err
	}
	if a.queue, err = queue.New(cfg.Queue, store, locker, log); err != nil {
		return err
	}

	var securities []resolver.Security
	if cfg.Resolver.SecuritiesFile != "" {
		if securities, err = resolver.LoadSecurities(cfg.Resolver.SecuritiesFile); err != nil {
			return err
		}
	}
	res, err := resolver.New(ctx, cfg.Resolver, securities, log)
	if err != nil {
		return err
	}

	var templates *parsers.TemplateRegistry
	if cfg.TemplatesFile != "" {
		if templates, err = parsers.LoadTemplatesFile(cfg.TemplatesFile); err != nil {
			return err
		}
	}
	parser, err := parsers.NewParser(cfg.Parser, templates, res, log)
	if err != nil {
		return err
	}

	deps := pipeline.Dependencies{
		Identifier: identity.NewIdentifier(cfg.Identity, log),
		Parser:     parser,
		Detection:  cfg.Detection,
		History:    a.ledger,
		Queue:      a.queue,
		Ledger:     a.ledger,
		Portfolios: ledger.NewAccountMapper(a.ledger, log),
		Registry:   registry,
		Locker:     locker,
	}
	if cfg.AutoInsert != nil {
		deps.Settings = ledger.StaticConfigLookup(cfg.AutoInsert)
	}

	a.orchestrator, err = pipeline.NewOrchestrator(cfg.Pipeline, deps, log)
	return err
}

// Close releases the stores in reverse opening order
func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
