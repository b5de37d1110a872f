package services

import "context"

type contextKey string

const (
	itemIDKey     contextKey = "item_id"
	stageKey      contextKey = "stage"
	dependencyKey contextKey = "dependency"
	requestIDKey  contextKey = "request_id"
	attemptKey    contextKey = "attempt"
)

// WithItemID annotates context with the processing item identifier.
func WithItemID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, itemIDKey, id)
}

// ItemIDFromContext extracts the item identifier if present.
func ItemIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(itemIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithStage annotates context with the stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(stageKey)
	if str, ok := v.(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// WithDependency annotates context with the downstream dependency a task calls.
func WithDependency(ctx context.Context, dependency string) context.Context {
	if dependency == "" {
		return ctx
	}
	return context.WithValue(ctx, dependencyKey, dependency)
}

// DependencyFromContext returns the dependency name if present.
func DependencyFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(dependencyKey)
	if str, ok := v.(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithAttempt annotates context with the 1-based attempt number of a run.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	if attempt <= 0 {
		return ctx
	}
	return context.WithValue(ctx, attemptKey, attempt)
}

// AttemptFromContext returns the attempt number if present.
func AttemptFromContext(ctx context.Context) (int, bool) {
	if v, ok := ctx.Value(attemptKey).(int); ok && v > 0 {
		return v, true
	}
	return 0, false
}
