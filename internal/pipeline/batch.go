package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"golang-email-ingestion-service/internal/models"
	"golang-email-ingestion-service/pkg/errors"
	"golang-email-ingestion-service/pkg/logger"
)

// BatchProgress is reported after each email of a batch finishes
type BatchProgress struct {
	Total     int
	Completed int
	Last      *models.ProcessingResult
}

// ProgressCallback is called with batch progress. Calls are serialized.
type ProgressCallback func(progress BatchProgress)

// AddProgressCallback registers a callback for batch progress
func (o *Orchestrator) AddProgressCallback(callback ProgressCallback) {
	o.progressMutex.Lock()
	defer o.progressMutex.Unlock()
	o.progressCallbacks = append(o.progressCallbacks, callback)
}

// ProcessBatch processes emails concurrently, at most Concurrency at a
// time. Results are returned in input order. One email failing never stops
// the others; only cancellation of ctx does, in which case the remaining
// emails get failed results and ctx.Err() is returned.
func (o *Orchestrator) ProcessBatch(ctx context.Context, emails []*models.RawEmail, opts ProcessOptions) ([]*models.ProcessingResult, error) {
	results := make([]*models.ProcessingResult, len(emails))
	tracker := logger.NewProgressTracker(logger.ProgressConfig{
		Operation: "process emails",
		Total:     int64(len(emails)),
		Logger:    o.logger,
	})

	completed := 0
	finish := func(i int, result *models.ProcessingResult) {
		results[i] = result
		tracker.Record(string(result.Outcome))

		o.progressMutex.Lock()
		defer o.progressMutex.Unlock()
		completed++
		for _, callback := range o.progressCallbacks {
			callback(BatchProgress{Total: len(emails), Completed: completed, Last: result})
		}
	}

	var g errgroup.Group
	g.SetLimit(o.config.Concurrency)
	for i, email := range emails {
		if err := ctx.Err(); err != nil {
			result := &models.ProcessingResult{Outcome: models.OutcomeFailed}
			if email != nil {
				result.Source = email.Source
			}
			result.AddError(errors.InternalError("process batch", err))
			finish(i, result)
			continue
		}
		g.Go(func() error {
			finish(i, o.ProcessEmail(ctx, email, opts))
			return nil
		})
	}
	g.Wait()

	stats := tracker.Complete()
	o.logger.WithFields(logger.Fields{
		"total":    stats.Total,
		"outcomes": stats.Outcomes,
		"duration": stats.Duration.String(),
	}).Info("Batch processed")

	return results, ctx.Err()
}
