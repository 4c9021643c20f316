// Package pipeline coordinates the email-to-transaction workflow.
//
// ProcessEmail runs one email through every stage while holding a lock on
// its fingerprint:
//  1. Identify the email and check the fingerprint registry, the review
//     queue and the ledger for an exact repeat (no parsing needed)
//  2. Parse the email into a candidate, resolving the symbol if necessary
//  3. Map the broker account onto a portfolio
//  4. Run duplicate detection against the portfolio's recent history
//  5. Skip, merge, create the transaction or queue the email for review
//
// Nothing a single email does can abort a batch: every problem is collected
// in the ProcessingResult. The auto-insert setting fails open, so a broken
// configuration lookup never blocks ingestion.
//
// Example usage:
//
//	orchestrator, err := pipeline.NewOrchestrator(pipeline.DefaultConfig(), pipeline.Dependencies{
//		Parser:     parser,
//		Queue:      q,
//		Ledger:     l,
//		History:    l,
//		Portfolios: ledger.NewAccountMapper(l, log),
//		Registry:   store,
//		Locker:     store,
//	}, log)
//
//	result := orchestrator.ProcessEmail(ctx, email, pipeline.ProcessOptions{ConfigID: "default"})
//	if result.QueuedForReview {
//		fmt.Println("waiting for review:", result.ReviewQueueID)
//	}
package pipeline

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"golang-email-ingestion-service/internal/identity"
	"golang-email-ingestion-service/internal/ledger"
	"golang-email-ingestion-service/internal/locking"
	"golang-email-ingestion-service/internal/matcher"
	"golang-email-ingestion-service/internal/models"
	"golang-email-ingestion-service/internal/parsers"
	"golang-email-ingestion-service/internal/queue"
	"golang-email-ingestion-service/internal/storage"
	"golang-email-ingestion-service/pkg/errors"
	"golang-email-ingestion-service/pkg/logger"
)

// Registry records what happened to each email fingerprint
type Registry interface {
	PutEntry(ctx context.Context, entry storage.RegistryEntry) error
	GetEntry(ctx context.Context, fingerprint string) (*storage.RegistryEntry, error)
	LookupFingerprint(ctx context.Context, fingerprint string) (string, bool, error)
}

// Dependencies are the collaborators of an Orchestrator. Identifier,
// Detection, History, Settings and Locker are optional.
type Dependencies struct {
	Identifier *identity.Identifier
	Parser     *parsers.Parser
	Detection  *matcher.DetectionConfig
	History    matcher.HistorySource
	Queue      *queue.Queue
	Ledger     ledger.Ledger
	Portfolios ledger.PortfolioMapper
	Settings   ledger.ConfigLookup
	Registry   Registry
	Locker     locking.Locker
}

// Orchestrator runs emails through the pipeline. It holds no per-email
// state and is safe for concurrent use.
type Orchestrator struct {
	config     *Config
	identifier *identity.Identifier
	parser     *parsers.Parser
	detector   *matcher.Detector
	queue      *queue.Queue
	ledger     ledger.Ledger
	written    matcher.FingerprintLookup
	portfolios ledger.PortfolioMapper
	settings   ledger.ConfigLookup
	registry   Registry
	locker     locking.Locker
	logger     logger.Logger
	now        func() time.Time

	progressCallbacks []ProgressCallback
	progressMutex     sync.Mutex
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(config *Config, deps Dependencies, log logger.Logger) (*Orchestrator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "pipeline", config, err)
	}

	for name, missing := range map[string]bool{
		"parser":     deps.Parser == nil,
		"queue":      deps.Queue == nil,
		"ledger":     deps.Ledger == nil,
		"portfolios": deps.Portfolios == nil,
		"registry":   deps.Registry == nil,
	} {
		if missing {
			return nil, errors.ConfigurationError(errors.CodeMissingConfig, "pipeline "+name, nil, nil)
		}
	}

	log = logger.OrNop(log)
	if deps.Identifier == nil {
		deps.Identifier = identity.NewIdentifier(identity.DefaultConfig(), log)
	}
	if deps.Detection == nil {
		deps.Detection = matcher.DefaultDetectionConfig()
	}
	if err := deps.Detection.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "detection", deps.Detection, err)
	}
	if deps.Locker == nil {
		deps.Locker = locking.NewLocal()
	}

	// exact-level lookups in order: processed emails, reviewer decisions, the ledger itself
	lookups := []matcher.FingerprintLookup{deps.Registry, deps.Queue}
	written, _ := deps.Ledger.(matcher.FingerprintLookup)
	if written != nil {
		lookups = append(lookups, written)
	}

	return &Orchestrator{
		config:     config,
		identifier: deps.Identifier,
		parser:     deps.Parser,
		detector:   matcher.NewDetector(deps.Detection, deps.History, log, lookups...),
		queue:      deps.Queue,
		ledger:     deps.Ledger,
		written:    written,
		portfolios: deps.Portfolios,
		settings:   deps.Settings,
		registry:   deps.Registry,
		locker:     deps.Locker,
		logger:     log.WithComponent("pipeline"),
		now:        time.Now,
	}, nil
}

// emailRun carries the state of one ProcessEmail call
type emailRun struct {
	email  *models.RawEmail
	ident  models.EmailIdentification
	opts   ProcessOptions
	result *models.ProcessingResult
	log    logger.Logger

	candidate   *models.Candidate
	dup         *models.DuplicateResult
	portfolioID string
	tags        []string
	reasons     []string
	checkFailed bool
	unconfirmed bool
}

// ProcessEmail processes one email and reports what happened. It never
// returns nil; failures are recorded in the result.
func (o *Orchestrator) ProcessEmail(ctx context.Context, email *models.RawEmail, opts ProcessOptions) *models.ProcessingResult {
	start := o.now()
	result := &models.ProcessingResult{}
	defer func() { result.ProcessingTime = o.now().Sub(start) }()

	if email == nil {
		o.fail(result, errors.ValidationError(errors.CodeMissingField, "email", nil, nil))
		return result
	}
	result.Source = email.Source

	ident := o.identifier.Identify(email)
	result.Identification = &ident
	run := &emailRun{
		email:  email,
		ident:  ident,
		opts:   opts,
		result: result,
		log: o.logger.WithFields(logger.Fields{
			"fingerprint": ident.FingerprintHash,
			"from":        ident.FromAddress,
			"source":      email.Source,
		}),
	}

	lockCtx, cancel := context.WithTimeout(ctx, o.config.LockWait)
	release, err := o.locker.Acquire(lockCtx, locking.FingerprintKey(ident.FingerprintHash), o.config.LockTTL)
	cancel()
	if err != nil {
		run.log.WithError(err).Error("Failed to lock email fingerprint")
		o.fail(result, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeLockTimeout, "lock fingerprint"))
		return result
	}
	defer func() {
		if err := release(); err != nil {
			run.log.WithError(err).Warn("Failed to release fingerprint lock")
		}
	}()

	o.process(ctx, run)

	result.Candidate = run.candidate
	result.DuplicateResult = run.dup
	if result.PortfolioID == "" {
		result.PortfolioID = run.portfolioID
	}

	fields := logger.Fields{
		"outcome":  string(result.Outcome),
		"success":  result.Success,
		"errors":   len(result.Errors),
		"duration": o.now().Sub(start).String(),
	}
	if result.ReviewQueueID != "" {
		fields["review_item_id"] = result.ReviewQueueID
	}
	if result.Transaction != nil {
		fields["transaction_id"] = result.Transaction.ID
	}
	run.log.WithFields(fields).Info("Processed email")

	return result
}

func (o *Orchestrator) process(ctx context.Context, r *emailRun) {
	if o.checkRegistry(ctx, r) {
		return
	}
	if !r.checkFailed && !r.unconfirmed {
		dup, found, err := o.detector.CheckFingerprint(ctx, r.ident.FingerprintHash)
		if err != nil {
			o.checkFailure(r, err)
		} else if found {
			o.skip(r, dup, "email fingerprint already handled")
			return
		}
	}

	pending, err := o.queue.Find(ctx, r.ident.FingerprintHash)
	if err != nil {
		o.fail(r.result, errors.WrapIfNeeded(err, errors.CategoryQueue, errors.CodeQueueWriteFailed, "load review item"))
		return
	}

	if !o.parse(ctx, r) {
		return
	}
	o.resolvePortfolio(ctx, r)
	o.detect(ctx, r)

	switch {
	case pending != nil && pending.Status == models.StatusPending:
		r.reasons = append(r.reasons, "email is already waiting for review")
		o.enqueue(ctx, r)
	case r.dup.IsDuplicate && r.dup.Recommendation == models.RecommendAutoSkip:
		o.skip(r, r.dup, "duplicate of a recorded transaction")
	case r.dup.IsDuplicate && r.dup.Recommendation == models.RecommendAutoMerge:
		o.merge(ctx, r)
	case o.canAutoInsert(ctx, r):
		o.create(ctx, r)
	default:
		o.enqueue(ctx, r)
	}
}

// checkRegistry handles emails the registry already knows. It reports true
// when processing is complete.
func (o *Orchestrator) checkRegistry(ctx context.Context, r *emailRun) bool {
	fingerprint := r.ident.FingerprintHash
	entry, err := o.registry.GetEntry(ctx, fingerprint)
	if stderrors.Is(err, storage.ErrNotFound) {
		return false
	}
	if err != nil {
		o.checkFailure(r, errors.DuplicateCheckError("fingerprint registry", err))
		return false
	}

	switch entry.State {
	case storage.StateCreated, storage.StateMerged:
		o.skip(r, registryResult(entry), "email already "+string(entry.State))
		return true

	case storage.StateCreating:
		if o.written != nil {
			ref, found, err := o.written.LookupFingerprint(ctx, fingerprint)
			if err == nil && found {
				// the write landed before the confirmation was lost
				entry.State = storage.StateCreated
				entry.TransactionID = ref
				entry.Detail = "confirmed from ledger"
				if err := o.registry.PutEntry(ctx, *entry); err != nil {
					r.log.WithError(err).Warn("Failed to repair registry entry")
				}
				o.skip(r, registryResult(entry), "unconfirmed write found in ledger")
				return true
			}
		}
		if r.opts.Reprocess {
			r.log.Warn("Reprocessing email whose ledger write was never confirmed")
			return false
		}
		r.unconfirmed = true
		r.reasons = append(r.reasons, "an earlier ledger write for this email was never confirmed")
		r.result.AddError(errors.LedgerWriteError(errors.CodeWriteUnconfirmed, entry.PortfolioID, nil))

	case storage.StateFailed:
		r.log.WithField("detail", entry.Detail).Info("Retrying email whose ledger write failed")
	}
	return false
}

func (o *Orchestrator) checkFailure(r *emailRun, err error) {
	r.checkFailed = true
	r.reasons = append(r.reasons, "duplicate check unavailable")
	r.result.AddError(errors.WrapIfNeeded(err, errors.CategoryDuplicateCheck, errors.CodeDuplicateCheckUnavailable, "duplicate check"))
	r.log.WithError(err).Warn("Duplicate check failed; routing email to review")
}

// parse builds the candidate. A parse failure queues the email with zero
// confidence and reports false.
func (o *Orchestrator) parse(ctx context.Context, r *emailRun) bool {
	if r.ident.Degraded {
		r.tags = append(r.tags, models.TagDegradedFingerprint)
	}

	parsed, err := o.parser.Parse(ctx, r.email, r.ident)
	if err != nil {
		pe := errors.WrapIfNeeded(err, errors.CategoryParse, errors.CodeNoTradeFound, "parse email")
		r.result.AddError(pe)

		c := models.NewCandidate(parsers.KindUnknown.String())
		c.Contribute(models.SourceParseError, 0)
		c.TransactionDate = r.ident.ReceivedAt
		c.AddNote("%s", pe.Message)
		r.candidate = c
		r.dup = models.NewDuplicateResult()
		if r.checkFailed {
			r.dup.AddTag(models.TagDuplicateCheckUnavailable)
		}
		r.tags = append(r.tags, models.TagParseFailed)
		r.reasons = append(r.reasons, "no transaction could be extracted")
		o.enqueue(ctx, r)
		return false
	}

	for _, warning := range parsed.Warnings {
		r.result.AddError(warning)
	}
	r.candidate = parsed.Candidate
	r.tags = append(r.tags, parsed.Tags...)
	return true
}

func (o *Orchestrator) resolvePortfolio(ctx context.Context, r *emailRun) {
	if r.opts.PortfolioIDHint != "" {
		r.portfolioID = r.opts.PortfolioIDHint
		return
	}

	id, err := o.portfolios.GetOrCreatePortfolio(ctx, r.candidate.AccountTypeRaw)
	if err != nil {
		r.result.AddError(errors.WrapIfNeeded(err, errors.CategoryLedger, errors.CodePortfolioUnmapped, "map portfolio"))
		r.tags = append(r.tags, models.TagPortfolioUnresolved)
		r.reasons = append(r.reasons, "no portfolio for account "+quoteOrNone(r.candidate.AccountTypeRaw))
		return
	}
	r.portfolioID = id
}

func (o *Orchestrator) detect(ctx context.Context, r *emailRun) {
	if !r.checkFailed && !r.unconfirmed {
		dup, err := o.detector.Detect(ctx, r.candidate, r.ident, r.portfolioID)
		if err == nil {
			r.dup = dup
			r.log.WithField("detection", matcher.Describe(dup)).Debug("Duplicate detection finished")
			return
		}
		o.checkFailure(r, err)
	}

	r.dup = models.NewDuplicateResult()
	if r.checkFailed {
		r.dup.AddTag(models.TagDuplicateCheckUnavailable)
		r.dup.AddReason("duplicate check unavailable")
	}
	if r.unconfirmed {
		r.dup.AddTag(models.TagLedgerWriteUnconfirmed)
		r.dup.AddReason("ledger write never confirmed")
	}
}

// canAutoInsert reports whether the candidate may be written without review
func (o *Orchestrator) canAutoInsert(ctx context.Context, r *emailRun) bool {
	threshold := o.detector.Config().AutoInsertThreshold
	dup := r.dup

	switch {
	case r.checkFailed || r.unconfirmed:
		return false
	case r.portfolioID == "":
		return false
	case r.candidate.Confidence < threshold:
		r.reasons = append(r.reasons, dup.Reasons...)
		return false
	case dup.Recommendation == models.RecommendAutoSkipCheckPassed:
	case dup.Recommendation == models.RecommendAutoMerge && dup.WindowPattern == models.PatternPartialFill:
	default:
		r.reasons = append(r.reasons, dup.Reasons...)
		return false
	}

	if !o.autoInsertEnabled(ctx, r) {
		r.tags = append(r.tags, models.TagAutoInsertDisabled)
		r.reasons = append(r.reasons, "auto-insert disabled for configuration "+r.opts.ConfigID)
		return false
	}
	return true
}

// autoInsertEnabled reads the auto-insert setting. A missing configuration
// id, a missing setting or a failed lookup all mean enabled.
func (o *Orchestrator) autoInsertEnabled(ctx context.Context, r *emailRun) bool {
	if o.settings == nil || r.opts.ConfigID == "" {
		return true
	}

	enabled, err := o.settings.GetAutoInsertSetting(ctx, r.opts.ConfigID)
	switch {
	case stderrors.Is(err, ledger.ErrSettingNotFound):
		r.log.WithField("config_id", r.opts.ConfigID).Debug("No auto-insert setting; defaulting to enabled")
		return true
	case err != nil:
		r.log.WithError(err).WithField("config_id", r.opts.ConfigID).Warn("Auto-insert setting lookup failed; defaulting to enabled")
		r.result.AddError(errors.ConfigurationError(errors.CodeLookupFailed, r.opts.ConfigID, nil, err))
		return true
	}
	return enabled
}

func (o *Orchestrator) create(ctx context.Context, r *emailRun) {
	fingerprint := r.ident.FingerprintHash
	intent := storage.RegistryEntry{
		Fingerprint: fingerprint,
		State:       storage.StateCreating,
		PortfolioID: r.portfolioID,
	}
	if err := o.registry.PutEntry(ctx, intent); err != nil {
		o.fail(r.result, errors.StorageError(errors.CodeStorageUnavailable, "record ledger intent", err))
		return
	}

	tx, err := o.writeTransaction(ctx, r.candidate, r.portfolioID, r.ident, r.dup, "")
	if err != nil {
		o.markFailed(ctx, intent, err)
		o.fail(r.result, err)
		return
	}

	intent.State = storage.StateCreated
	intent.TransactionID = tx.ID
	if err := o.registry.PutEntry(ctx, intent); err != nil {
		// the ledger lookup confirms the write on redelivery
		r.log.WithError(err).Warn("Failed to confirm ledger write in registry")
		r.result.AddError(errors.StorageError(errors.CodeStorageUnavailable, "confirm ledger write", err))
	}

	r.result.Success = true
	r.result.TransactionCreated = true
	r.result.Transaction = tx
	r.result.Outcome = models.OutcomeCreated
}

func (o *Orchestrator) merge(ctx context.Context, r *emailRun) {
	entry := storage.RegistryEntry{
		Fingerprint:   r.ident.FingerprintHash,
		State:         storage.StateMerged,
		TransactionID: r.dup.MatchedTransactionID,
		PortfolioID:   r.portfolioID,
		Detail:        matcher.Describe(r.dup),
	}
	if err := o.registry.PutEntry(ctx, entry); err != nil {
		o.fail(r.result, errors.StorageError(errors.CodeStorageUnavailable, "record merge", err))
		return
	}
	r.log.WithField("matched_transaction_id", r.dup.MatchedTransactionID).Info("Merged email into recorded transaction")
	r.result.Success = true
	r.result.Outcome = models.OutcomeMerged
}

func (o *Orchestrator) skip(r *emailRun, dup *models.DuplicateResult, reason string) {
	r.dup = dup
	r.result.Success = true
	r.result.Outcome = models.OutcomeSkipped
	r.log.WithFields(logger.Fields{
		"reason":  reason,
		"matched": dup.MatchedTransactionID,
	}).Info("Skipped email")
}

func (o *Orchestrator) enqueue(ctx context.Context, r *emailRun) {
	item, err := o.queue.Enqueue(ctx, queue.Request{
		Candidate:       r.candidate,
		Identification:  r.ident,
		DuplicateResult: r.dup,
		PortfolioID:     r.portfolioID,
		Tags:            r.tags,
		Reason:          strings.Join(r.reasons, "; "),
	})

	switch {
	case stderrors.Is(err, queue.ErrFingerprintRejected), stderrors.Is(err, queue.ErrAlreadyApproved):
		r.log.Info("Reviewer already decided on email; not queued again")
		r.result.Success = true
		r.result.Outcome = models.OutcomeSkipped
		if item != nil {
			r.result.ReviewQueueID = item.ID
		}
	case err != nil:
		o.fail(r.result, errors.WrapIfNeeded(err, errors.CategoryQueue, errors.CodeQueueWriteFailed, "enqueue email"))
	default:
		r.result.Success = true
		r.result.QueuedForReview = true
		r.result.ReviewQueueID = item.ID
		r.result.Outcome = models.OutcomeQueued
	}
}

// writeTransaction creates the ledger transaction for a candidate within
// the ledger timeout
func (o *Orchestrator) writeTransaction(ctx context.Context, c *models.Candidate, portfolioID string,
	ident models.EmailIdentification, dup *models.DuplicateResult, reviewItemID string) (*models.LedgerTransaction, *errors.PipelineError) {

	lctx, cancel := context.WithTimeout(ctx, o.config.LedgerTimeout)
	defer cancel()

	asset, assetErr := o.ledger.GetOrCreateAsset(lctx, c.Symbol(), c.AssetTypeGuess)
	if assetErr != nil {
		return nil, ledgerError(lctx, portfolioID, assetErr)
	}

	req := ledger.RequestFromCandidate(c, portfolioID, asset.ID, ident)
	if dup != nil && dup.WindowPattern == models.PatternPartialFill && dup.MatchedTransactionID != "" {
		req.Meta[models.MetaFillOf] = dup.MatchedTransactionID
	}
	if reviewItemID != "" {
		req.Meta[models.MetaReviewItemID] = reviewItemID
	}

	tx, createErr := o.ledger.CreateTransaction(lctx, req)
	if createErr != nil {
		return nil, ledgerError(lctx, portfolioID, createErr)
	}
	return tx, nil
}

func (o *Orchestrator) markFailed(ctx context.Context, entry storage.RegistryEntry, cause error) {
	entry.State = storage.StateFailed
	entry.Detail = cause.Error()
	if err := o.registry.PutEntry(ctx, entry); err != nil {
		o.logger.WithError(err).WithField("fingerprint", entry.Fingerprint).Error("Failed to record failed ledger write")
	}
}

func (o *Orchestrator) fail(result *models.ProcessingResult, err *errors.PipelineError) {
	result.Success = false
	result.Outcome = models.OutcomeFailed
	result.AddError(err)
}

func ledgerError(ctx context.Context, portfolioID string, err error) *errors.PipelineError {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.LedgerWriteError(errors.CodeLedgerTimeout, portfolioID, err)
	}
	return errors.LedgerWriteError(errors.CodeLedgerWriteFailed, portfolioID, err)
}

func registryResult(entry *storage.RegistryEntry) *models.DuplicateResult {
	result := models.NewDuplicateResult()
	result.IsDuplicate = true
	result.MatchedTransactionID = entry.Ref()
	result.MatchLevel = models.MatchLevelExactFingerprint
	result.Recommendation = models.RecommendAutoSkip
	result.Similarity = 1
	result.AddReason("fingerprint registry: %s", entry.State)
	return result
}

func quoteOrNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return `"` + s + `"`
}
