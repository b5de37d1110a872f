package engine

import (
	"context"
	"fmt"
	"time"

	"stageguard/internal/classify"
	"stageguard/internal/logging"
	"stageguard/internal/progress"
	"stageguard/internal/recovery"
	"stageguard/internal/retrypolicy"
	"stageguard/internal/status"
)

// StartOption adjusts a new record.
type StartOption = status.CreateOption

// Start registers itemID in DISCOVERED. It fails with status.ErrAlreadyExists
// when the item is known.
func (e *Engine) Start(ctx context.Context, itemID string, metadata map[string]any, opts ...StartOption) (*status.Record, error) {
	rec, err := e.store.Create(ctx, itemID, metadata, opts...)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("item registered", logging.ItemID(itemID))
	return rec, nil
}

// Enqueue moves a DISCOVERED item to QUEUED so a worker claims it.
func (e *Engine) Enqueue(ctx context.Context, itemID string) error {
	return e.store.Advance(ctx, itemID, status.StageQueued, "enqueued", status.Fields{})
}

// Run executes task for itemID at stage with inline retries. See recovery.Run.
func (e *Engine) Run(ctx context.Context, itemID string, stage status.Stage, task recovery.Task, opts ...recovery.RunOption) (recovery.Result, error) {
	ctx, cancel := e.runContext(ctx)
	defer cancel()
	return recovery.Run(ctx, e.coord, itemID, stage, task, opts...)
}

// RunOnce executes a single attempt. See recovery.RunOnce.
func (e *Engine) RunOnce(ctx context.Context, itemID string, stage status.Stage, task recovery.Task, opts ...recovery.RunOption) (recovery.Result, error) {
	ctx, cancel := e.runContext(ctx)
	defer cancel()
	return recovery.RunOnce(ctx, e.coord, itemID, stage, task, opts...)
}

// runContext applies workflow.run_timeout_seconds unless ctx already has a
// deadline.
func (e *Engine) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := time.Duration(e.cfg.Workflow.RunTimeoutSeconds) * time.Second
	if _, has := ctx.Deadline(); has || timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// GetStatus returns the record for itemID, or nil when it is unknown.
func (e *Engine) GetStatus(ctx context.Context, itemID string) (*status.Record, error) {
	return e.store.Get(ctx, itemID)
}

// List returns records, optionally limited to the given stages.
func (e *Engine) List(ctx context.Context, stages ...status.Stage) ([]*status.Record, error) {
	return e.store.List(ctx, stages...)
}

// RetryCandidates returns FAILED items worth re-enqueueing: budget left under
// both the record and the policy for its last error, a retryable last error,
// and the policy's backoff elapsed since the failure.
func (e *Engine) RetryCandidates(ctx context.Context) ([]*status.Record, error) {
	policies := e.coord.Policies()
	records, err := e.store.RetryCandidates(ctx, 0, func(rec *status.Record) time.Duration {
		return e.policyFor(rec, policies).Delay(rec.RetryCount)
	})
	if err != nil {
		return nil, err
	}
	candidates := records[:0]
	for _, rec := range records {
		policy := e.policyFor(rec, policies)
		if !policy.Retryable() || rec.RetryCount >= policy.MaxRetries {
			continue
		}
		candidates = append(candidates, rec)
	}
	return candidates, nil
}

func (e *Engine) policyFor(rec *status.Record, policies *retrypolicy.Resolver) retrypolicy.Policy {
	category, ok := classify.ParseCategory(rec.LastErrorType)
	if !ok {
		category = classify.Unknown
	}
	return policies.Resolve(category, e.coord.DependencyFor(rec.ResumeStage))
}

// Requeue moves a FAILED item back to QUEUED while its budget allows.
func (e *Engine) Requeue(ctx context.Context, itemID string) error {
	if err := e.store.Requeue(ctx, itemID, "retry requested"); err != nil {
		return fmt.Errorf("requeue %s: %w", itemID, err)
	}
	return nil
}

// Reprocess sends a COMPLETED item back through the workflow from its first
// working stage. The retry counter is left untouched.
func (e *Engine) Reprocess(ctx context.Context, itemID string) error {
	if err := e.store.Reprocess(ctx, itemID, "reprocess requested"); err != nil {
		return fmt.Errorf("reprocess %s: %w", itemID, err)
	}
	e.logger.Info("item reprocessing", logging.ItemID(itemID))
	return nil
}

// Complete marks itemID COMPLETED after its last stage succeeded.
func (e *Engine) Complete(ctx context.Context, itemID string) error {
	return e.store.Advance(ctx, itemID, status.StageCompleted, "pipeline finished", status.Fields{})
}

// ProgressReport summarizes the store.
func (e *Engine) ProgressReport(ctx context.Context) (progress.Report, error) {
	return e.reporter.Report(ctx)
}

// Cleanup removes terminal records completed more than olderThan ago. A
// non-positive age uses retention.max_age_hours.
func (e *Engine) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = time.Duration(e.cfg.Retention.MaxAgeHours) * time.Hour
	}
	removed, err := e.store.Cleanup(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		e.logger.Info("retention cleanup removed records",
			logging.Int64("removed", removed),
			logging.Duration("older_than", olderThan),
			logging.String(logging.FieldEventType, "retention_cleanup"),
		)
	}
	return removed, nil
}

// RefreshGauges sets the per-stage item gauge from the store.
func (e *Engine) RefreshGauges(ctx context.Context) error {
	if e.metrics == nil {
		return nil
	}
	counts, err := e.store.Stats(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]int, len(counts))
	for stage, n := range counts {
		byName[string(stage)] = n
	}
	e.metrics.SetItems(byName)
	return nil
}
