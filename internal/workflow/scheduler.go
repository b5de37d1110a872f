package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"stageguard/internal/engine"
	"stageguard/internal/logging"
	"stageguard/internal/status"
)

const defaultSchedulerInterval = 15 * time.Second

// Scheduler promotes due retries, optionally requeues retry candidates, and
// sweeps old terminal records on an interval.
type Scheduler struct {
	eng           *engine.Engine
	logger        *slog.Logger
	interval      time.Duration
	sweepInterval time.Duration
	retention     time.Duration
	autoRetry     bool
	now           func() time.Time

	lastSweep time.Time
}

// TickResult reports what one scheduler pass did.
type TickResult struct {
	Promoted int
	Requeued int
	Removed  int64
	Swept    bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

func WithSchedulerInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSchedulerClock injects the time source used to pace retention sweeps.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler builds a scheduler from eng's [workflow] and [retention] settings.
func NewScheduler(eng *engine.Engine, opts ...SchedulerOption) *Scheduler {
	cfg := eng.Config()
	s := &Scheduler{
		eng:           eng,
		logger:        logging.NewComponentLogger(eng.Logger(), "scheduler"),
		interval:      time.Duration(cfg.Workflow.SchedulerIntervalSeconds) * time.Second,
		sweepInterval: time.Duration(cfg.Retention.SweepIntervalMinutes) * time.Minute,
		retention:     time.Duration(cfg.Retention.MaxAgeHours) * time.Hour,
		autoRetry:     cfg.Workflow.AutoRetryFailed,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		s.interval = defaultSchedulerInterval
	}
	return s
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("scheduler pass failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "scheduler_failed"),
				logging.String(logging.FieldErrorHint, "check status database access"),
				logging.String(logging.FieldImpact, "due retries wait for the next pass"),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one scheduler pass.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	var result TickResult
	var errs []error

	promoted, err := s.eng.Store().PromoteDue(ctx)
	result.Promoted = promoted
	if err != nil {
		errs = append(errs, err)
	}

	if s.autoRetry {
		requeued, err := s.requeueCandidates(ctx)
		result.Requeued = requeued
		if err != nil {
			errs = append(errs, err)
		}
	}

	now := s.now()
	if s.sweepInterval > 0 && s.retention > 0 && now.Sub(s.lastSweep) >= s.sweepInterval {
		removed, err := s.eng.Cleanup(ctx, s.retention)
		result.Removed = removed
		result.Swept = err == nil
		if err != nil {
			errs = append(errs, err)
		} else {
			s.lastSweep = now
		}
	}

	if err := s.eng.RefreshGauges(ctx); err != nil {
		errs = append(errs, err)
	}
	if result.Promoted > 0 || result.Requeued > 0 {
		s.logger.Info("scheduler requeued items",
			logging.Int("promoted", result.Promoted),
			logging.Int("requeued", result.Requeued),
			logging.String(logging.FieldEventType, "scheduler_requeued"),
		)
	}
	return result, errors.Join(errs...)
}

func (s *Scheduler) requeueCandidates(ctx context.Context) (int, error) {
	candidates, err := s.eng.RetryCandidates(ctx)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, rec := range candidates {
		if err := s.eng.Requeue(ctx, rec.ItemID); err != nil {
			if errors.Is(err, status.ErrRetryBudgetExceeded) || errors.Is(err, status.ErrIllegalTransition) {
				continue
			}
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}
