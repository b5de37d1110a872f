package workflow

import (
	"context"

	"stageguard/internal/logging"
	"stageguard/internal/status"
)

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeDeferred
)

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running   bool
	Workers   int
	LastError string
	LastItem  string
	Completed int
	Failed    int
	Deferred  int
	Stats     map[status.Stage]int
}

// Status returns the latest workflow information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{
		Running:   m.running,
		Workers:   m.workers,
		LastItem:  m.lastItem,
		Completed: m.completed,
		Failed:    m.failed,
		Deferred:  m.deferred,
	}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	m.mu.RUnlock()

	stats, err := m.eng.Store().Stats(ctx)
	if err != nil {
		m.logger.Warn("failed to read status stats", logging.Error(err))
	}
	summary.Stats = stats
	return summary
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) setLastItem(itemID string) {
	m.mu.Lock()
	m.lastItem = itemID
	m.mu.Unlock()
}

func (m *Manager) recordOutcome(o outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch o {
	case outcomeCompleted:
		m.completed++
	case outcomeFailed:
		m.failed++
	case outcomeDeferred:
		m.deferred++
	}
}
