package logging

import (
	"context"
	"log/slog"

	"stageguard/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldItemID is the standardized structured logging key for processing item identifiers.
	FieldItemID = "item_id"
	// FieldStage is the standardized structured logging key for lifecycle stage names.
	FieldStage = "stage"
	// FieldDependency names the downstream service a stage calls.
	FieldDependency = "dependency"
	// FieldAttempt is the 1-based attempt number of a run.
	FieldAttempt = "attempt"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType classifies a log line for filtering (e.g. "stage_failed").
	FieldEventType = "event_type"
	// FieldErrorHint carries the operator's next step for warnings and errors.
	FieldErrorHint = "error_hint"
	// FieldErrorCategory is the classified error category.
	FieldErrorCategory = "error_category"
	// FieldErrorCode is a structured code reported by the failing dependency.
	FieldErrorCode = "error_code"
	// FieldRetryCount is the persisted retry counter of an item.
	FieldRetryCount = "retry_count"
	// FieldBackoff is the delay before the next attempt.
	FieldBackoff = "backoff"
	// FieldBreakerState is a circuit breaker state name.
	FieldBreakerState = "breaker_state"
	// FieldAlert flags warnings or anomalies that should stand out in structured logs.
	FieldAlert = "alert"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 5)
	if id, ok := services.ItemIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldItemID, id))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if dep, ok := services.DependencyFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldDependency, dep))
	}
	if attempt, ok := services.AttemptFromContext(ctx); ok {
		fields = append(fields, slog.Int(FieldAttempt, attempt))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
