package workflow

import (
	"context"
	"errors"
	"log/slog"

	"stageguard/internal/logging"
	"stageguard/internal/recovery"
)

// handleRunError logs where a failed run left the item. The coordinator has
// already persisted the outcome.
func (m *Manager) handleRunError(logger *slog.Logger, err error) {
	var (
		failure *recovery.FailureError
		retry   *recovery.RetryError
	)
	switch {
	case errors.As(err, &failure):
		m.recordOutcome(outcomeFailed)
		m.setLastError(err)
		logger.Error("item failed",
			logging.String(logging.FieldEventType, "item_failed"),
			logging.String(logging.FieldErrorCategory, string(failure.Category)),
			logging.Int(logging.FieldRetryCount, failure.RetryCount),
			logging.Bool("retries_exhausted", failure.Exhausted),
			logging.String("error_message", failure.Message),
			logging.Alert("item_failure"),
			logging.String(logging.FieldErrorHint, "inspect `stageguard errors <id>` and requeue with `stageguard retry <id>`"),
		)
	case errors.Is(err, recovery.ErrServiceUnavailable),
		errors.Is(err, recovery.ErrDeadlineExceeded),
		errors.As(err, &retry):
		m.recordOutcome(outcomeDeferred)
		logger.Info("item deferred",
			logging.String(logging.FieldEventType, "item_deferred"),
			logging.String("reason", err.Error()),
		)
	case errors.Is(err, context.Canceled):
		logger.Debug("stage interrupted by shutdown")
	case errors.Is(err, recovery.ErrItemBusy):
		logger.Debug("item already running elsewhere in this process")
	default:
		m.setLastError(err)
		logger.Error("stage run failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "stage_run_failed"),
			logging.String(logging.FieldErrorHint, "check status database access"),
		)
	}
}
