package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stageguard/internal/breaker"
	"stageguard/internal/classify"
	"stageguard/internal/logging"
	"stageguard/internal/metrics"
	"stageguard/internal/status"
)

// fail classifies taskErr and moves the item to RETRY_PENDING or FAILED.
func (c *Coordinator) fail(ctx context.Context, logger *slog.Logger, span trace.Span, rec *status.Record, brk *breaker.Breaker, dependency string, taskErr error, elapsed time.Duration, inline bool, result *Result) step {
	storeCtx := context.WithoutCancel(ctx)
	explained := c.classifier.Explain(taskErr)
	category := explained.Category
	policy := c.policies.Resolve(category, dependency)
	if brk != nil {
		brk.RecordFailure()
	}

	span.RecordError(taskErr)
	span.SetStatus(codes.Error, string(category))
	span.SetAttributes(attribute.String("stageguard.error_category", string(category)))

	message := strings.TrimSpace(taskErr.Error())
	details := map[string]string{
		"attempt": strconv.Itoa(result.Attempts),
		"source":  string(explained.Source),
	}
	if dependency != "" {
		details["dependency"] = dependency
	}
	if explained.Code != "" {
		details["code"] = explained.Code
	}
	if explained.Status != 0 {
		details["status"] = strconv.Itoa(explained.Status)
	}
	record := status.NewError{
		ItemID:    rec.ItemID,
		Stage:     rec.Stage,
		ErrorType: string(category),
		Message:   message,
		Context:   details,
	}
	attrs := []logging.Attr{
		logging.String(logging.FieldErrorCategory, string(category)),
		logging.Error(taskErr),
	}
	if explained.Code != "" {
		attrs = append(attrs, logging.String(logging.FieldErrorCode, explained.Code))
	}

	if !policy.Retryable() {
		// CRITICAL forces FAILED in the same transaction.
		record.Severity = status.SeverityCritical
		if err := c.store.RecordError(storeCtx, record); err != nil {
			return step{err: fmt.Errorf("record failure for %s: %w", rec.ItemID, err)}
		}
		result.RetryCount = rec.RetryCount
		c.metrics.ObserveRun(string(rec.Stage), metrics.OutcomeFailed, elapsed)
		logging.ErrorWithContext(logger, "stage failed", "run_failed", append(attrs,
			logging.Int(logging.FieldRetryCount, rec.RetryCount),
			logging.String(logging.FieldErrorHint, hintFor(category)),
		)...)
		return step{err: &FailureError{
			ItemID:     rec.ItemID,
			Stage:      rec.Stage,
			Dependency: dependency,
			Category:   category,
			RetryCount: rec.RetryCount,
			Message:    message,
			Err:        taskErr,
		}}
	}

	budget := min(rec.MaxRetries, policy.MaxRetries)
	next := rec.RetryCount
	if next < budget {
		next++
	}
	if next >= budget {
		return c.exhaust(storeCtx, logger, rec, record, dependency, category, next, budget, elapsed, attrs, taskErr, result)
	}

	record.Severity = status.SeverityMedium
	if category == classify.RateLimit {
		record.Severity = status.SeverityLow
	}
	if err := c.store.RecordError(storeCtx, record); err != nil {
		return step{err: fmt.Errorf("record failure for %s: %w", rec.ItemID, err)}
	}

	wait := c.policies.Backoff(policy, next-1)
	retryAt := c.now().Add(wait)
	fields := status.Fields{RetryCount: &next, NextAttemptAt: &retryAt}
	pastDeadline := c.exceedsDeadline(ctx, wait)
	if inline && !pastDeadline {
		lease := retryAt.Add(c.leaseGrace)
		fields.LeaseUntil = &lease
	}
	if err := c.store.Advance(storeCtx, rec.ItemID, status.StageRetryPending, "retry scheduled", fields); err != nil {
		return step{err: fmt.Errorf("schedule retry for %s: %w", rec.ItemID, err)}
	}
	result.RetryCount = next

	c.metrics.Retry(string(category))
	c.metrics.ObserveRun(string(rec.Stage), metrics.OutcomeRetry, elapsed)
	logging.WarnWithContext(logger, "retry scheduled", "retry_scheduled", append(attrs,
		logging.Int(logging.FieldRetryCount, next),
		logging.Int("retry_budget", budget),
		logging.Duration(logging.FieldBackoff, wait),
		logging.String("next_attempt_at", retryAt.UTC().Format(time.RFC3339)),
		logging.String(logging.FieldErrorHint, hintFor(category)),
		logging.String(logging.FieldImpact, "item waits in RETRY_PENDING"),
	)...)

	retryErr := &RetryError{
		ItemID:     rec.ItemID,
		Stage:      rec.Stage,
		Category:   category,
		RetryCount: next,
		RetryAt:    retryAt,
		Err:        taskErr,
	}
	if pastDeadline {
		logging.WarnWithContext(logger, "retry falls after deadline", "deadline_exceeded",
			logging.String("next_attempt_at", retryAt.UTC().Format(time.RFC3339)),
			logging.String(logging.FieldErrorHint, "the scheduler requeues the item when it is due"),
		)
		return step{err: fmt.Errorf("%w: %w", ErrDeadlineExceeded, retryErr)}
	}
	if !inline {
		return step{err: retryErr}
	}
	return step{again: true, wait: wait}
}

func (c *Coordinator) exhaust(ctx context.Context, logger *slog.Logger, rec *status.Record, record status.NewError, dependency string, category classify.Category, count, budget int, elapsed time.Duration, attrs []logging.Attr, taskErr error, result *Result) step {
	record.Severity = status.SeverityHigh
	if err := c.store.RecordError(ctx, record); err != nil {
		return step{err: fmt.Errorf("record failure for %s: %w", rec.ItemID, err)}
	}
	if err := c.store.Advance(ctx, rec.ItemID, status.StageFailed, "retries exhausted", status.Fields{RetryCount: &count}); err != nil {
		return step{err: fmt.Errorf("fail %s: %w", rec.ItemID, err)}
	}
	result.RetryCount = count

	c.metrics.ObserveRun(string(rec.Stage), metrics.OutcomeFailed, elapsed)
	logging.ErrorWithContext(logger, "retries exhausted", "run_failed", append(attrs,
		logging.Int(logging.FieldRetryCount, count),
		logging.Int("retry_budget", budget),
		logging.String(logging.FieldErrorHint, "requeue the item once the dependency recovers"),
	)...)
	return step{err: &FailureError{
		ItemID:     rec.ItemID,
		Stage:      rec.Stage,
		Dependency: dependency,
		Category:   category,
		RetryCount: count,
		Exhausted:  true,
		Message:    record.Message,
		Err:        taskErr,
	}}
}

func hintFor(category classify.Category) string {
	switch category {
	case classify.Authentication:
		return "check the dependency's credentials"
	case classify.Validation:
		return "fix the request input; retrying will not help"
	case classify.NotFound:
		return "confirm the referenced resource exists"
	case classify.QuotaExceeded:
		return "raise the quota or wait for it to reset"
	case classify.RateLimit:
		return "lower request volume or raise the rate limit"
	case classify.Network:
		return "check connectivity to the dependency"
	default:
		return "inspect the error log for the item"
	}
}
