package queue

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"golang-email-ingestion-service/internal/locking"
	"golang-email-ingestion-service/internal/models"
	"golang-email-ingestion-service/internal/storage"
	"golang-email-ingestion-service/pkg/errors"
	"golang-email-ingestion-service/pkg/logger"
)

// Store persists queue items. Implementations return storage.ErrNotFound,
// storage.ErrExists and storage.ErrVersionMismatch.
type Store interface {
	Insert(ctx context.Context, item *models.ReviewQueueItem) error
	Get(ctx context.Context, id string) (*models.ReviewQueueItem, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*models.ReviewQueueItem, error)
	CompareAndSwap(ctx context.Context, item *models.ReviewQueueItem, expectedVersion int64) error
	List(ctx context.Context, filter models.QueueFilter) ([]*models.ReviewQueueItem, error)
}

// Committer writes an approved item to the ledger
type Committer interface {
	Commit(ctx context.Context, item *models.ReviewQueueItem) (*models.LedgerTransaction, error)
}

// Errors returned by queue operations match these with errors.Is
var (
	ErrFingerprintRejected = errors.New(errors.CategoryQueue, errors.CodeFingerprintRejected, "email was rejected by a reviewer")
	ErrAlreadyApproved     = errors.New(errors.CategoryQueue, errors.CodeAlreadyApproved, "email was already approved")
	ErrVersionConflict     = errors.New(errors.CategoryQueue, errors.CodeVersionConflict, "queue item version conflict")
	ErrInvalidTransition   = errors.New(errors.CategoryQueue, errors.CodeInvalidTransition, "queue item is not pending")
	ErrItemNotFound        = errors.New(errors.CategoryQueue, errors.CodeItemNotFound, "queue item not found")
)

const maxAttempts = 3

// Request describes an email to queue for review
type Request struct {
	Candidate       *models.Candidate
	Identification  models.EmailIdentification
	DuplicateResult *models.DuplicateResult
	PortfolioID     string
	Tags            []string
	Reason          string
}

// Queue is the manual review queue service
type Queue struct {
	config *Config
	store  Store
	locker locking.Locker
	scorer *Scorer
	logger logger.Logger
	now    func() time.Time
}

// New creates a queue over store. Item actions are serialized with locker.
func New(config *Config, store Store, locker locking.Locker, log logger.Logger) (*Queue, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "queue", config, err)
	}
	if store == nil {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "queue store", nil, nil)
	}
	if locker == nil {
		locker = locking.NewLocal()
	}
	return &Queue{
		config: config,
		store:  store,
		locker: locker,
		scorer: NewScorer(config),
		logger: logger.OrNop(log).WithComponent("queue"),
		now:    time.Now,
	}, nil
}

// Config returns the queue configuration
func (q *Queue) Config() *Config {
	return q.config
}

// Enqueue queues an email for review. The same fingerprint always maps to
// one item: a pending item is updated in place and an expired one is
// reopened. A rejected or approved fingerprint is returned with
// ErrFingerprintRejected or ErrAlreadyApproved and nothing is queued.
func (q *Queue) Enqueue(ctx context.Context, req Request) (*models.ReviewQueueItem, error) {
	if req.Candidate == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "candidate", nil, nil)
	}
	fingerprint := req.Identification.FingerprintHash

	for attempt := 0; attempt < maxAttempts; attempt++ {
		existing, err := q.store.GetByFingerprint(ctx, fingerprint)
		if err == storage.ErrNotFound {
			item := q.newItem(req)
			err := q.store.Insert(ctx, item)
			if err == storage.ErrExists {
				continue
			}
			if err != nil {
				return nil, errors.QueueWriteError(errors.CodeQueueWriteFailed, item.ID, err)
			}
			q.logger.WithFields(logger.Fields{
				"item_id":     item.ID,
				"fingerprint": fingerprint,
				"priority":    item.Priority,
				"tags":        strings.Join(item.Tags, ","),
			}).Info("Queued email for review")
			return item, nil
		}
		if err != nil {
			return nil, errors.QueueWriteError(errors.CodeQueueWriteFailed, fingerprint, err)
		}

		item, err := q.refresh(ctx, existing.ID, req)
		if stderrors.Is(err, ErrVersionConflict) {
			continue
		}
		return item, err
	}
	return nil, errors.QueueWriteError(errors.CodeVersionConflict, fingerprint, nil)
}

func (q *Queue) newItem(req Request) *models.ReviewQueueItem {
	now := q.now().UTC()
	item := &models.ReviewQueueItem{
		ID:              uuid.NewString(),
		Candidate:       req.Candidate.Clone(),
		Identification:  req.Identification,
		DuplicateResult: req.DuplicateResult.Clone(),
		PortfolioID:     req.PortfolioID,
		QueuedAt:        now,
		UpdatedAt:       now,
		Status:          models.StatusPending,
		Version:         1,
		Tags:            itemTags(req),
		Reason:          req.Reason,
	}
	q.score(item)
	return item
}

// refresh updates an existing item for a redelivered email
func (q *Queue) refresh(ctx context.Context, id string, req Request) (*models.ReviewQueueItem, error) {
	var updated *models.ReviewQueueItem
	err := locking.With(ctx, q.locker, locking.QueueItemKey(id), q.config.LockTTL, func(ctx context.Context) error {
		item, err := q.store.Get(ctx, id)
		if err != nil {
			return errors.QueueWriteError(errors.CodeQueueWriteFailed, id, err)
		}

		switch item.Status {
		case models.StatusRejected:
			updated = item
			return errors.QueueWriteError(errors.CodeFingerprintRejected, id, nil)
		case models.StatusApproved:
			updated = item
			return errors.QueueWriteError(errors.CodeAlreadyApproved, id, nil)
		case models.StatusExpired:
			item.Status = models.StatusPending
			item.EscalationLevel = 0
			item.QueuedAt = q.now().UTC()
			q.logger.WithField("item_id", id).Info("Reopened expired review item")
		}

		expected := item.Version
		item.Candidate = req.Candidate.Clone()
		item.DuplicateResult = req.DuplicateResult.Clone()
		if req.PortfolioID != "" {
			item.PortfolioID = req.PortfolioID
		}
		item.Tags = itemTags(req)
		if req.Reason != "" {
			item.Reason = req.Reason
		}
		item.UpdatedAt = q.now().UTC()
		q.score(item)

		if err := q.store.CompareAndSwap(ctx, item, expected); err != nil {
			return q.swapError(id, err)
		}
		updated = item
		return nil
	})
	return updated, err
}

// ActionType is a reviewer decision
type ActionType string

const (
	ActionApprove ActionType = "approve"
	ActionReject  ActionType = "reject"
	ActionEdit    ActionType = "edit"
)

// Edits are reviewer corrections applied to a candidate. Nil fields are
// left unchanged.
type Edits struct {
	Symbol          *string                 `json:"symbol,omitempty"`
	TransactionType *models.TransactionType `json:"transaction_type,omitempty"`
	Quantity        *decimal.Decimal        `json:"quantity,omitempty"`
	Price           *decimal.Decimal        `json:"price,omitempty"`
	TotalAmount     *decimal.Decimal        `json:"total_amount,omitempty"`
	Fees            *decimal.Decimal        `json:"fees,omitempty"`
	Currency        *string                 `json:"currency,omitempty"`
	TransactionDate *time.Time              `json:"transaction_date,omitempty"`
	AccountTypeRaw  *string                 `json:"account_type_raw,omitempty"`
	PortfolioID     *string                 `json:"portfolio_id,omitempty"`
}

// IsEmpty reports whether no field is edited
func (e *Edits) IsEmpty() bool {
	return e == nil || (e.Symbol == nil && e.TransactionType == nil && e.Quantity == nil &&
		e.Price == nil && e.TotalAmount == nil && e.Fees == nil && e.Currency == nil &&
		e.TransactionDate == nil && e.AccountTypeRaw == nil && e.PortfolioID == nil)
}

// Action is one reviewer decision on an item. A zero ExpectedVersion acts on
// whatever version is current when the item lock is taken.
type Action struct {
	Type            ActionType `json:"type"`
	Reviewer        string     `json:"reviewer"`
	Note            string     `json:"note,omitempty"`
	ExpectedVersion int64      `json:"expected_version,omitempty"`
	Edits           *Edits     `json:"edits,omitempty"`
}

// ApplyAction applies a reviewer decision. Approval commits through
// committer first; a failed commit leaves the item pending.
func (q *Queue) ApplyAction(ctx context.Context, id string, action Action, committer Committer) (*models.ReviewQueueItem, error) {
	switch action.Type {
	case ActionApprove, ActionReject, ActionEdit:
	default:
		return nil, errors.ValidationError(errors.CodeInvalidValue, "action", action.Type, nil)
	}
	if action.Type == ActionApprove && committer == nil {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "ledger committer", nil, nil)
	}

	var result *models.ReviewQueueItem
	err := locking.With(ctx, q.locker, locking.QueueItemKey(id), q.config.LockTTL, func(ctx context.Context) error {
		item, err := q.store.Get(ctx, id)
		if err == storage.ErrNotFound {
			return errors.QueueWriteError(errors.CodeItemNotFound, id, nil)
		}
		if err != nil {
			return errors.QueueWriteError(errors.CodeQueueWriteFailed, id, err)
		}
		if action.ExpectedVersion != 0 && action.ExpectedVersion != item.Version {
			return errors.QueueWriteError(errors.CodeVersionConflict, id, nil).
				WithContext("expected_version", action.ExpectedVersion).
				WithContext("current_version", item.Version)
		}
		if item.Status != models.StatusPending {
			return errors.QueueWriteError(errors.CodeInvalidTransition, id, nil).
				WithContext("status", string(item.Status))
		}

		expected := item.Version
		now := q.now().UTC()
		if !action.Edits.IsEmpty() {
			applyEdits(item, action.Edits)
		}

		switch action.Type {
		case ActionEdit:
			q.score(item)
		case ActionApprove:
			tx, err := committer.Commit(ctx, item)
			if err != nil {
				return errors.WrapIfNeeded(err, errors.CategoryLedger, errors.CodeLedgerWriteFailed, "commit approved item "+id)
			}
			item.Status = models.StatusApproved
			item.TransactionID = tx.ID
			if item.PortfolioID == "" {
				item.PortfolioID = tx.PortfolioID
			}
		case ActionReject:
			item.Status = models.StatusRejected
		}

		if action.Type != ActionEdit {
			item.ReviewedBy = action.Reviewer
			item.ReviewedAt = now
		}
		if action.Note != "" {
			item.ReviewNote = action.Note
		}
		item.UpdatedAt = now

		if err := q.store.CompareAndSwap(ctx, item, expected); err != nil {
			return q.swapError(id, err)
		}

		q.logger.WithFields(logger.Fields{
			"item_id":  id,
			"action":   string(action.Type),
			"reviewer": action.Reviewer,
			"status":   string(item.Status),
			"version":  item.Version,
		}).Info("Applied review action")
		result = item
		return nil
	})
	return result, err
}

func applyEdits(item *models.ReviewQueueItem, e *Edits) {
	c := item.Candidate
	if c == nil {
		c = models.NewCandidate("manual")
		item.Candidate = c
	}
	if e.Symbol != nil {
		symbol := strings.ToUpper(strings.TrimSpace(*e.Symbol))
		c.SymbolResolved = &symbol
	}
	if e.TransactionType != nil {
		c.TransactionType = *e.TransactionType
	}
	if e.Quantity != nil {
		c.Quantity = *e.Quantity
	}
	if e.Price != nil {
		c.Price = *e.Price
	}
	if e.TotalAmount != nil {
		c.TotalAmount = *e.TotalAmount
	}
	if e.Fees != nil {
		c.Fees = *e.Fees
	}
	if e.Currency != nil {
		c.Currency = strings.ToUpper(*e.Currency)
	}
	if e.TransactionDate != nil {
		c.TransactionDate = *e.TransactionDate
	}
	if e.AccountTypeRaw != nil {
		c.AccountTypeRaw = *e.AccountTypeRaw
	}
	if e.PortfolioID != nil {
		item.PortfolioID = *e.PortfolioID
	}
	c.AddNote("edited by reviewer")
}

// SweepResult counts what a sweep changed
type SweepResult struct {
	Escalated int `json:"escalated"`
	Expired   int `json:"expired"`
	Conflicts int `json:"conflicts"`
}

// Sweep escalates pending items once per missed review SLA and expires
// items older than ExpireAfter. Items changed concurrently are skipped and
// picked up by the next sweep.
func (q *Queue) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var result SweepResult
	pending, err := q.store.List(ctx, models.QueueFilter{Statuses: []models.ReviewStatus{models.StatusPending}})
	if err != nil {
		return result, errors.QueueWriteError(errors.CodeQueueWriteFailed, "sweep", err)
	}

	for _, candidate := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		err := locking.With(ctx, q.locker, locking.QueueItemKey(candidate.ID), q.config.LockTTL, func(ctx context.Context) error {
			item, err := q.store.Get(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if item.Status != models.StatusPending {
				return nil
			}

			age := now.Sub(item.QueuedAt)
			expected := item.Version
			switch {
			case age >= q.config.ExpireAfter:
				item.Status = models.StatusExpired
				result.Expired++
			default:
				level := int(age / q.config.ReviewSLA)
				if level > q.config.MaxEscalation {
					level = q.config.MaxEscalation
				}
				if level <= item.EscalationLevel {
					return nil
				}
				item.EscalationLevel = level
				q.score(item)
				result.Escalated++
			}
			item.UpdatedAt = now.UTC()
			return q.store.CompareAndSwap(ctx, item, expected)
		})
		if err == storage.ErrVersionMismatch || errors.HasCode(err, errors.CodeLockTimeout) {
			result.Conflicts++
			continue
		}
		if err != nil {
			return result, errors.QueueWriteError(errors.CodeQueueWriteFailed, candidate.ID, err)
		}
	}

	q.logger.WithFields(logger.Fields{
		"escalated": result.Escalated,
		"expired":   result.Expired,
		"conflicts": result.Conflicts,
	}).Info("Review queue sweep completed")
	return result, nil
}

// Get loads one item
func (q *Queue) Get(ctx context.Context, id string) (*models.ReviewQueueItem, error) {
	item, err := q.store.Get(ctx, id)
	if err == storage.ErrNotFound {
		return nil, errors.QueueWriteError(errors.CodeItemNotFound, id, nil)
	}
	if err != nil {
		return nil, errors.QueueWriteError(errors.CodeQueueWriteFailed, id, err)
	}
	return item, nil
}

// Find returns the item queued for a fingerprint, or nil
func (q *Queue) Find(ctx context.Context, fingerprint string) (*models.ReviewQueueItem, error) {
	if fingerprint == "" {
		return nil, nil
	}
	item, err := q.store.GetByFingerprint(ctx, fingerprint)
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.QueueWriteError(errors.CodeQueueWriteFailed, fingerprint, err)
	}
	return item, nil
}

// LookupFingerprint reports emails a reviewer already decided on. Pending
// and expired items are not decisions and are reported as absent.
func (q *Queue) LookupFingerprint(ctx context.Context, fingerprint string) (string, bool, error) {
	item, err := q.Find(ctx, fingerprint)
	if err != nil || item == nil {
		return "", false, err
	}
	switch item.Status {
	case models.StatusApproved:
		if item.TransactionID != "" {
			return item.TransactionID, true, nil
		}
		return item.ID, true, nil
	case models.StatusRejected:
		return item.ID, true, nil
	}
	return "", false, nil
}

// List returns items ordered by priority, highest first, then oldest first
func (q *Queue) List(ctx context.Context, filter models.QueueFilter) ([]*models.ReviewQueueItem, error) {
	items, err := q.store.List(ctx, filter)
	if err != nil {
		return nil, errors.QueueWriteError(errors.CodeQueueWriteFailed, "list", err)
	}
	return items, nil
}

// Stats summarizes the queue
type Stats struct {
	Total            int                         `json:"total"`
	ByStatus         map[models.ReviewStatus]int `json:"by_status"`
	ByEscalation     map[int]int                 `json:"by_escalation"`
	Escalated        int                         `json:"escalated"`
	HighPriority     int                         `json:"high_priority"`
	OldestPendingAge time.Duration               `json:"oldest_pending_age"`
	PendingAmount    decimal.Decimal             `json:"pending_amount"`
}

// Stats counts items by status and summarizes pending work
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	items, err := q.List(ctx, models.QueueFilter{})
	if err != nil {
		return nil, err
	}

	now := q.now()
	stats := &Stats{
		ByStatus:      make(map[models.ReviewStatus]int),
		ByEscalation:  make(map[int]int),
		PendingAmount: decimal.Zero,
	}
	for _, item := range items {
		stats.Total++
		stats.ByStatus[item.Status]++
		if item.Status != models.StatusPending {
			continue
		}

		stats.ByEscalation[item.EscalationLevel]++
		if item.EscalationLevel > 0 {
			stats.Escalated++
		}
		if item.Priority >= q.config.HighPriority {
			stats.HighPriority++
		}
		if age := now.Sub(item.QueuedAt); age > stats.OldestPendingAge {
			stats.OldestPendingAge = age
		}
		if item.Candidate != nil {
			stats.PendingAmount = stats.PendingAmount.Add(item.Candidate.TotalAmount.Abs())
		}
	}
	return stats, nil
}

func (q *Queue) score(item *models.ReviewQueueItem) {
	item.Priority = q.scorer.Priority(item)
	item.RiskScore = q.scorer.RiskScore(item)
}

func (q *Queue) swapError(id string, err error) error {
	switch err {
	case storage.ErrVersionMismatch:
		return errors.QueueWriteError(errors.CodeVersionConflict, id, nil)
	case storage.ErrNotFound:
		return errors.QueueWriteError(errors.CodeItemNotFound, id, nil)
	}
	return errors.QueueWriteError(errors.CodeQueueWriteFailed, id, err)
}

func itemTags(req Request) []string {
	var dup []string
	if req.DuplicateResult != nil {
		dup = req.DuplicateResult.Tags
	}
	return models.SortedTags(req.Tags, dup)
}
