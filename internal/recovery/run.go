package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stageguard/internal/breaker"
	"stageguard/internal/logging"
	"stageguard/internal/metrics"
	"stageguard/internal/ratelimit"
	"stageguard/internal/services"
	"stageguard/internal/status"
)

// Task is the caller's work for one attempt. It reports failure through its
// error and must not retry internally.
type Task func(ctx context.Context) error

// Result summarizes a run.
type Result struct {
	ItemID     string
	Stage      status.Stage
	Dependency string
	Attempts   int
	RetryCount int
	// Elapsed is the time spent inside the task across attempts.
	Elapsed time.Duration
}

// RunOption adjusts a single run.
type RunOption func(*runConfig)

type runConfig struct {
	dependency string
	cost       int
}

// WithDependency overrides the dependency configured for the stage.
func WithDependency(dependency string) RunOption {
	return func(cfg *runConfig) { cfg.dependency = strings.TrimSpace(dependency) }
}

// WithCost sets the token cost reserved against the dependency's limiter.
func WithCost(tokens int) RunOption {
	return func(cfg *runConfig) { cfg.cost = tokens }
}

// Run executes task for itemID at stage through c, retrying retryable
// failures inline until the task succeeds, the item fails terminally, the
// breaker rejects the call, or ctx ends. Waits suspend only the calling
// goroutine. On success the item stays at stage; the caller makes the next
// transition.
func Run(ctx context.Context, c *Coordinator, itemID string, stage status.Stage, task Task, opts ...RunOption) (Result, error) {
	return c.run(ctx, itemID, stage, task, true, opts)
}

// RunOnce is Run limited to a single attempt. A retryable failure leaves the
// item RETRY_PENDING and returns a *RetryError; the scheduler requeues it
// when due.
func RunOnce(ctx context.Context, c *Coordinator, itemID string, stage status.Stage, task Task, opts ...RunOption) (Result, error) {
	return c.run(ctx, itemID, stage, task, false, opts)
}

type step struct {
	again bool
	wait  time.Duration
	err   error
}

func (c *Coordinator) run(ctx context.Context, itemID string, stage status.Stage, task Task, inline bool, opts []RunOption) (Result, error) {
	result := Result{ItemID: itemID, Stage: stage}
	if c == nil || c.store == nil {
		return result, errors.New("recovery: coordinator has no status store")
	}
	if task == nil {
		return result, errors.New("recovery: task is required")
	}
	if !c.store.Workflow().IsWorking(stage) {
		return result, fmt.Errorf("%w: %s is not a working stage", ErrIllegalTransition, stage)
	}

	cfg := runConfig{dependency: c.DependencyFor(stage)}
	for _, opt := range opts {
		opt(&cfg)
	}
	result.Dependency = cfg.dependency

	release, ok := c.acquire(itemID)
	if !ok {
		return result, fmt.Errorf("%w: %s", ErrItemBusy, itemID)
	}
	defer release()

	ctx = services.WithItemID(ctx, itemID)
	ctx = services.WithStage(ctx, string(stage))
	ctx = services.WithDependency(ctx, cfg.dependency)
	if _, ok := services.RequestIDFromContext(ctx); !ok {
		ctx = services.WithRequestID(ctx, uuid.NewString())
	}
	ctx = c.withRunDeadline(ctx)

	for {
		result.Attempts++
		next := c.attempt(services.WithAttempt(ctx, result.Attempts), itemID, stage, task, cfg, inline, &result)
		if !next.again {
			return result, next.err
		}
		if err := c.sleep(ctx, next.wait); err != nil {
			return result, fmt.Errorf("retry wait for %s: %w", itemID, err)
		}
	}
}

func (c *Coordinator) attempt(ctx context.Context, itemID string, stage status.Stage, task Task, cfg runConfig, inline bool, result *Result) step {
	logger := logging.WithContext(ctx, c.logger)

	rec, err := c.enter(ctx, itemID, stage)
	if err != nil {
		return step{err: err}
	}
	result.RetryCount = rec.RetryCount

	ctx, span := c.tracer.Start(ctx, "stageguard.run", trace.WithAttributes(
		attribute.String("stageguard.item_id", itemID),
		attribute.String("stageguard.stage", string(stage)),
		attribute.String("stageguard.dependency", cfg.dependency),
		attribute.Int("stageguard.attempt", result.Attempts),
		attribute.Int("stageguard.retry_count", rec.RetryCount),
	))
	defer span.End()

	var brk *breaker.Breaker
	if cfg.dependency != "" {
		brk = c.breakers.Get(cfg.dependency)
	}
	if brk != nil {
		if ok, reopenAt := brk.Allow(); !ok {
			return c.rejectOpen(ctx, logger, span, rec, cfg.dependency, reopenAt)
		}
	}

	if limiter := c.limiters.For(cfg.dependency); limiter != nil {
		if next, stop := c.reserve(ctx, logger, span, rec, limiter, cfg, brk, inline, result); stop {
			return next
		}
	}

	start := c.now()
	err = invoke(ctx, task)
	elapsed := c.now().Sub(start)
	result.Elapsed += elapsed

	if err == nil {
		if brk != nil {
			brk.RecordSuccess()
		}
		c.metrics.ObserveRun(string(stage), metrics.OutcomeSuccess, elapsed)
		span.SetStatus(codes.Ok, "")
		logger.Info("stage attempt succeeded",
			logging.String(logging.FieldEventType, "run_succeeded"),
			logging.Duration("duration", elapsed),
			logging.Int(logging.FieldRetryCount, rec.RetryCount),
		)
		return step{}
	}
	if ctx.Err() != nil {
		if brk != nil {
			brk.Release()
		}
		return c.interrupted(ctx, logger, span, rec, err, elapsed)
	}
	return c.fail(ctx, logger, span, rec, brk, cfg.dependency, err, elapsed, inline, result)
}

// enter moves the item into stage, queueing it first when it is DISCOVERED
// or RETRY_PENDING. An item already at stage is left alone.
func (c *Coordinator) enter(ctx context.Context, itemID string, stage status.Stage) (*status.Record, error) {
	rec, err := c.store.Enter(ctx, itemID, stage, "stage started")
	if err != nil {
		return nil, fmt.Errorf("enter %s for %s: %w", stage, itemID, err)
	}
	return rec, nil
}

func (c *Coordinator) rejectOpen(ctx context.Context, logger *slog.Logger, span trace.Span, rec *status.Record, dependency string, reopenAt time.Time) step {
	storeCtx := context.WithoutCancel(ctx)
	if err := c.store.Advance(storeCtx, rec.ItemID, status.StageRetryPending, "circuit open", status.Fields{NextAttemptAt: &reopenAt}); err != nil {
		return step{err: fmt.Errorf("defer %s: %w", rec.ItemID, err)}
	}
	message := fmt.Sprintf("circuit open for %s", dependency)
	if err := c.store.RecordError(storeCtx, status.NewError{
		ItemID:    rec.ItemID,
		Stage:     rec.Stage,
		ErrorType: "SERVICE_UNAVAILABLE",
		Message:   message,
		Severity:  status.SeverityLow,
		Context:   map[string]string{"dependency": dependency},
	}); err != nil {
		logger.Warn("failed to record circuit rejection", logging.Error(err))
	}

	c.metrics.ObserveRun(string(rec.Stage), metrics.OutcomeRejected, 0)
	span.SetStatus(codes.Error, "circuit open")
	span.SetAttributes(attribute.String("stageguard.breaker_state", string(breaker.Open)))
	logging.WarnWithContext(logger, "circuit open; attempt deferred", "circuit_open",
		logging.String(logging.FieldBreakerState, string(breaker.Open)),
		logging.String("next_attempt_at", reopenAt.UTC().Format(time.RFC3339)),
		logging.String(logging.FieldErrorHint, "dependency is failing; attempts resume after the recovery timeout"),
		logging.String(logging.FieldImpact, "item deferred without consuming retry budget"),
	)
	return step{err: fmt.Errorf("%w: %s until %s", ErrServiceUnavailable, message, reopenAt.UTC().Format(time.RFC3339))}
}

// reserve takes a limiter slot, waiting while the window is full. stop is
// true when the attempt ends here.
func (c *Coordinator) reserve(ctx context.Context, logger *slog.Logger, span trace.Span, rec *status.Record, limiter ratelimit.Limiter, cfg runConfig, brk *breaker.Breaker, inline bool, result *Result) (step, bool) {
	for {
		ok, wait, err := limiter.Reserve(ctx, cfg.cost)
		if err != nil {
			if brk != nil {
				brk.Release()
			}
			if errors.Is(err, ratelimit.ErrCostExceedsLimit) {
				err = services.Wrap(services.ErrValidation, string(rec.Stage), "rate limit", "", err)
			}
			return c.fail(ctx, logger, span, rec, nil, cfg.dependency, err, 0, inline, result), true
		}
		if ok {
			return step{}, false
		}

		c.metrics.Limited(cfg.dependency)
		wakeAt := c.now().Add(wait)
		if c.exceedsDeadline(ctx, wait) {
			if brk != nil {
				brk.Release()
			}
			storeCtx := context.WithoutCancel(ctx)
			if err := c.store.Advance(storeCtx, rec.ItemID, status.StageRetryPending, "rate limited past deadline", status.Fields{NextAttemptAt: &wakeAt}); err != nil {
				return step{err: fmt.Errorf("defer %s: %w", rec.ItemID, err)}, true
			}
			c.metrics.ObserveRun(string(rec.Stage), metrics.OutcomeDeadline, 0)
			span.SetStatus(codes.Error, "deadline exceeded")
			logging.WarnWithContext(logger, "rate limit wait exceeds deadline", "deadline_exceeded",
				logging.Duration("wait", wait),
				logging.String("next_attempt_at", wakeAt.UTC().Format(time.RFC3339)),
				logging.String(logging.FieldErrorHint, "raise the run timeout or the dependency's rate limit"),
			)
			return step{err: fmt.Errorf("%w: rate limit wait %s for %s", ErrDeadlineExceeded, wait, cfg.dependency)}, true
		}

		logger.Info("rate limited; waiting",
			logging.String(logging.FieldEventType, "rate_limited"),
			logging.Duration("wait", wait),
		)
		if err := c.sleep(ctx, wait); err != nil {
			if brk != nil {
				brk.Release()
			}
			return c.interrupted(ctx, logger, span, rec, err, 0), true
		}
	}
}

// interrupted parks an item whose attempt was cut short by ctx so the
// scheduler can pick it up again.
func (c *Coordinator) interrupted(ctx context.Context, logger *slog.Logger, span trace.Span, rec *status.Record, cause error, elapsed time.Duration) step {
	ctxErr := ctx.Err()
	if !errors.Is(cause, ctxErr) {
		cause = errors.Join(ctxErr, cause)
	}
	now := c.now()
	if err := c.store.Advance(context.WithoutCancel(ctx), rec.ItemID, status.StageRetryPending, "run interrupted", status.Fields{NextAttemptAt: &now}); err != nil {
		logger.Warn("failed to park interrupted item", logging.Error(err))
	}
	span.RecordError(cause)
	span.SetStatus(codes.Error, "interrupted")

	if errors.Is(ctxErr, context.DeadlineExceeded) {
		c.metrics.ObserveRun(string(rec.Stage), metrics.OutcomeDeadline, elapsed)
		logging.WarnWithContext(logger, "run deadline reached", "deadline_exceeded", logging.Error(cause))
		return step{err: fmt.Errorf("%w: %s at %s: %w", ErrDeadlineExceeded, rec.ItemID, rec.Stage, cause)}
	}
	c.metrics.ObserveRun(string(rec.Stage), metrics.OutcomeCanceled, elapsed)
	logger.Info("run canceled", logging.String(logging.FieldEventType, "run_canceled"))
	return step{err: fmt.Errorf("%s interrupted at %s: %w", rec.ItemID, rec.Stage, cause)}
}

func invoke(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: task panic: %v", services.ErrSystem, r)
		}
	}()
	return task(ctx)
}
