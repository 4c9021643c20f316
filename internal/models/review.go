package models

import (
	"sort"
	"time"

	"golang-email-ingestion-service/pkg/errors"
)

// ReviewStatus is the lifecycle state of a review queue item
type ReviewStatus string

const (
	StatusPending  ReviewStatus = "pending"
	StatusApproved ReviewStatus = "approved"
	StatusRejected ReviewStatus = "rejected"
	StatusExpired  ReviewStatus = "expired"
)

// IsValid checks if the status is known
func (s ReviewStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether reviewers can no longer act on the item.
// Expired items are terminal for reviewers but may be reopened by redelivery.
func (s ReviewStatus) IsTerminal() bool {
	return s != StatusPending
}

// ReviewQueueItem is an email waiting for a human decision
type ReviewQueueItem struct {
	ID              string              `json:"id"`
	Candidate       *Candidate          `json:"candidate"`
	Identification  EmailIdentification `json:"identification"`
	DuplicateResult *DuplicateResult    `json:"duplicate_result,omitempty"`
	PortfolioID     string              `json:"portfolio_id,omitempty"`
	QueuedAt        time.Time           `json:"queued_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	Priority        int                 `json:"priority"`
	Status          ReviewStatus        `json:"status"`
	EscalationLevel int                 `json:"escalation_level"`
	RiskScore       float64             `json:"risk_score"`
	Version         int64               `json:"version"`
	Tags            []string            `json:"tags,omitempty"`
	Reason          string              `json:"reason,omitempty"`
	ReviewedBy      string              `json:"reviewed_by,omitempty"`
	ReviewNote      string              `json:"review_note,omitempty"`
	ReviewedAt      time.Time           `json:"reviewed_at,omitempty"`
	TransactionID   string              `json:"transaction_id,omitempty"`
}

// Fingerprint returns the fingerprint the item is keyed by
func (i *ReviewQueueItem) Fingerprint() string {
	return i.Identification.FingerprintHash
}

// HasTag reports whether the item carries the tag
func (i *ReviewQueueItem) HasTag(tag string) bool {
	for _, t := range i.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the item
func (i *ReviewQueueItem) Clone() *ReviewQueueItem {
	if i == nil {
		return nil
	}
	clone := *i
	clone.Candidate = i.Candidate.Clone()
	clone.DuplicateResult = i.DuplicateResult.Clone()
	clone.Tags = append([]string(nil), i.Tags...)
	return &clone
}

// QueueFilter selects review queue items. Zero values match everything.
type QueueFilter struct {
	Statuses    []ReviewStatus `json:"statuses,omitempty"`
	MinPriority int            `json:"min_priority,omitempty"`
	Tag         string         `json:"tag,omitempty"`
	PortfolioID string         `json:"portfolio_id,omitempty"`
	Limit       int            `json:"limit,omitempty"`
}

// Matches reports whether the item passes the filter, ignoring Limit
func (f QueueFilter) Matches(item *ReviewQueueItem) bool {
	if item == nil {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if item.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if item.Priority < f.MinPriority {
		return false
	}
	if f.Tag != "" && !item.HasTag(f.Tag) {
		return false
	}
	if f.PortfolioID != "" && item.PortfolioID != f.PortfolioID {
		return false
	}
	return true
}

// SortQueueItems orders items by priority, highest first, then oldest first
func SortQueueItems(items []*ReviewQueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		if !items[i].QueuedAt.Equal(items[j].QueuedAt) {
			return items[i].QueuedAt.Before(items[j].QueuedAt)
		}
		return items[i].ID < items[j].ID
	})
}

// Outcome summarizes what processing did with an email
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeQueued  Outcome = "queued"
	OutcomeSkipped Outcome = "skipped"
	OutcomeMerged  Outcome = "merged"
	OutcomeFailed  Outcome = "failed"
)

// ProcessingResult is returned for every processed email. Errors are
// collected here instead of being returned, so one email never aborts a batch.
type ProcessingResult struct {
	Success            bool                    `json:"success"`
	TransactionCreated bool                    `json:"transaction_created"`
	QueuedForReview    bool                    `json:"queued_for_review"`
	ReviewQueueID      string                  `json:"review_queue_id,omitempty"`
	Transaction        *LedgerTransaction      `json:"transaction,omitempty"`
	Errors             []*errors.PipelineError `json:"errors,omitempty"`
	Outcome            Outcome                 `json:"outcome"`
	Identification     *EmailIdentification    `json:"identification,omitempty"`
	Candidate          *Candidate              `json:"candidate,omitempty"`
	DuplicateResult    *DuplicateResult        `json:"duplicate_result,omitempty"`
	PortfolioID        string                  `json:"portfolio_id,omitempty"`
	Source             string                  `json:"source,omitempty"`
	ProcessingTime     time.Duration           `json:"processing_time"`
}

// AddError records an error on the result. Nil errors are ignored.
func (r *ProcessingResult) AddError(err *errors.PipelineError) {
	if err != nil {
		r.Errors = append(r.Errors, err)
	}
}

// IsNoOp reports whether the email was recognized and nothing was written
func (r *ProcessingResult) IsNoOp() bool {
	return r.Success && !r.TransactionCreated && !r.QueuedForReview
}

// ErrorSummary summarizes the collected errors
func (r *ProcessingResult) ErrorSummary() *errors.ErrorSummary {
	return errors.NewErrorSummary(r.Errors)
}

// BatchSummary aggregates outcomes over a batch of results
type BatchSummary struct {
	Total     int             `json:"total"`
	Created   int             `json:"created"`
	Queued    int             `json:"queued"`
	Skipped   int             `json:"skipped"`
	Merged    int             `json:"merged"`
	Failed    int             `json:"failed"`
	ByOutcome map[Outcome]int `json:"by_outcome"`
}

// SummarizeResults counts outcomes across results
func SummarizeResults(results []*ProcessingResult) *BatchSummary {
	summary := &BatchSummary{ByOutcome: make(map[Outcome]int)}
	for _, r := range results {
		if r == nil {
			continue
		}
		summary.Total++
		summary.ByOutcome[r.Outcome]++
		switch r.Outcome {
		case OutcomeCreated:
			summary.Created++
		case OutcomeQueued:
			summary.Queued++
		case OutcomeSkipped:
			summary.Skipped++
		case OutcomeMerged:
			summary.Merged++
		default:
			summary.Failed++
		}
	}
	return summary
}
