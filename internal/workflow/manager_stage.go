package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"stageguard/internal/logging"
	"stageguard/internal/recovery"
	"stageguard/internal/services"
	"stageguard/internal/status"
)

// processItem runs the pipeline for a claimed item from its current stage.
func (m *Manager) processItem(ctx context.Context, workerLogger *slog.Logger, rec *status.Record) error {
	itemCtx := services.WithItemID(ctx, rec.ItemID)
	logger := logging.WithContext(itemCtx, workerLogger)
	m.setLastItem(rec.ItemID)

	start := time.Now()
	for _, step := range m.pipeline.from(rec.Stage) {
		opts := []recovery.RunOption{recovery.WithCost(step.Cost)}
		if step.Dependency != "" {
			opts = append(opts, recovery.WithDependency(step.Dependency))
		}

		stageLogger := logger.With(logging.Stage(string(step.Stage)))
		stageLogger.Info("stage started", logging.String(logging.FieldEventType, "stage_start"))

		result, err := m.eng.Run(itemCtx, rec.ItemID, step.Stage, step.Task, opts...)
		if err != nil {
			m.handleRunError(stageLogger, err)
			return err
		}
		stageLogger.Info("stage completed",
			logging.String(logging.FieldEventType, "stage_complete"),
			logging.Int("attempts", result.Attempts),
			logging.Duration("stage_duration", result.Elapsed),
		)
	}

	if err := m.eng.Complete(ctx, rec.ItemID); err != nil {
		wrapped := fmt.Errorf("complete %s: %w", rec.ItemID, err)
		m.setLastError(wrapped)
		logger.Error("failed to mark item completed",
			logging.Error(wrapped),
			logging.String(logging.FieldEventType, "complete_failed"),
			logging.String(logging.FieldErrorHint, "check status database access"),
		)
		return wrapped
	}
	m.recordOutcome(outcomeCompleted)
	logger.Info("item completed",
		logging.String(logging.FieldEventType, "item_completed"),
		logging.Duration("duration", time.Since(start)),
	)
	return nil
}
