package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"stageguard/internal/logging"
)

// Start reclaims items a previous process left mid-stage and begins
// background processing.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if m.pipeline == nil {
		m.mu.Unlock()
		return errors.New("workflow pipeline not configured")
	}
	m.running = true
	m.mu.Unlock()

	reclaimed, err := m.eng.Store().ReclaimInFlight(ctx)
	if err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return fmt.Errorf("reclaim in-flight items: %w", err)
	}
	if reclaimed > 0 {
		m.logger.Info("reclaimed in-flight items",
			logging.Int("count", reclaimed),
			logging.String(logging.FieldEventType, "items_reclaimed"),
		)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.wg.Add(m.workers)
	m.mu.Unlock()

	for i := range m.workers {
		logger := m.logger.With(logging.Int("worker", i+1))
		go m.runWorker(runCtx, logger)
	}
	m.logger.Info("workflow started",
		logging.Int("workers", m.workers),
		logging.Duration("poll_interval", m.pollInterval),
		logging.String(logging.FieldEventType, "workflow_started"),
	)
	return nil
}

// Stop terminates background processing and waits for workers to return.
// Items a worker was running are parked in RETRY_PENDING by the coordinator.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Manager) runWorker(ctx context.Context, logger *slog.Logger) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rec, err := m.eng.Store().ClaimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.handleClaimError(ctx, logger, err)
			continue
		}
		if rec == nil {
			m.waitForItemOrShutdown(ctx, m.pollInterval)
			continue
		}

		if err := m.processItem(ctx, logger, rec); err != nil && errors.Is(err, context.Canceled) {
			return
		}
	}
}

func (m *Manager) handleClaimError(ctx context.Context, logger *slog.Logger, err error) {
	m.setLastError(err)
	logger.Error("failed to claim next item",
		logging.Error(err),
		logging.String(logging.FieldEventType, "claim_failed"),
		logging.String(logging.FieldErrorHint, "check status database access"),
	)
	m.waitForItemOrShutdown(ctx, m.errorBackoff)
}

func (m *Manager) waitForItemOrShutdown(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
