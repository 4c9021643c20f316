package pipeline

import (
	"context"

	"golang-email-ingestion-service/internal/models"
	"golang-email-ingestion-service/internal/queue"
	"golang-email-ingestion-service/internal/storage"
	"golang-email-ingestion-service/pkg/errors"
	"golang-email-ingestion-service/pkg/logger"
)

// LedgerCommitter writes approved review items to the ledger
type LedgerCommitter struct {
	orchestrator *Orchestrator
}

var _ queue.Committer = (*LedgerCommitter)(nil)

// Committer returns the committer used when a reviewer approves an item
func (o *Orchestrator) Committer() *LedgerCommitter {
	return &LedgerCommitter{orchestrator: o}
}

// Commit creates the ledger transaction for an approved item and records
// it in the fingerprint registry. The fingerprint lock is not taken here:
// the queue item lock is already held, and the ledger's fingerprint index
// rejects a second write of the same email.
func (lc *LedgerCommitter) Commit(ctx context.Context, item *models.ReviewQueueItem) (*models.LedgerTransaction, error) {
	o := lc.orchestrator
	log := o.logger.WithFields(logger.Fields{
		"item_id":     item.ID,
		"fingerprint": item.Fingerprint(),
	})

	if item.Candidate == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "candidate", item.ID, nil).
			WithSuggestion("edit the item before approving it")
	}
	if err := item.Candidate.Validate(); err != nil {
		return nil, errors.ValidationError(errors.CodeInvalidValue, "candidate", item.ID, err).
			WithSuggestion("edit the item before approving it")
	}

	portfolioID := item.PortfolioID
	if portfolioID == "" {
		id, err := o.portfolios.GetOrCreatePortfolio(ctx, item.Candidate.AccountTypeRaw)
		if err != nil {
			return nil, errors.WrapIfNeeded(err, errors.CategoryLedger, errors.CodePortfolioUnmapped, "map portfolio").
				WithSuggestion("set a portfolio on the item before approving it")
		}
		portfolioID = id
	}

	entry := storage.RegistryEntry{
		Fingerprint:  item.Fingerprint(),
		State:        storage.StateCreating,
		PortfolioID:  portfolioID,
		ReviewItemID: item.ID,
	}
	if err := o.registry.PutEntry(ctx, entry); err != nil {
		return nil, errors.StorageError(errors.CodeStorageUnavailable, "record ledger intent", err)
	}

	tx, err := o.writeTransaction(ctx, item.Candidate, portfolioID, item.Identification, item.DuplicateResult, item.ID)
	if err != nil {
		o.markFailed(ctx, entry, err)
		return nil, err
	}

	entry.State = storage.StateCreated
	entry.TransactionID = tx.ID
	entry.Detail = "approved by reviewer"
	if err := o.registry.PutEntry(ctx, entry); err != nil {
		log.WithError(err).Warn("Failed to confirm approved ledger write in registry")
	}

	log.WithField("transaction_id", tx.ID).Info("Committed approved item")
	return tx, nil
}
