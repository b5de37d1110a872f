package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"stageguard/internal/engine"
	"stageguard/internal/logging"
)

const defaultPollInterval = 5 * time.Second

// Manager coordinates a pool of workers pulling items through a Pipeline.
type Manager struct {
	eng          *engine.Engine
	pipeline     *Pipeline
	logger       *slog.Logger
	workers      int
	pollInterval time.Duration
	errorBackoff time.Duration

	mu        sync.RWMutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	lastErr   error
	lastItem  string
	completed int
	failed    int
	deferred  int
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithWorkers overrides workflow.workers.
func WithWorkers(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithPollInterval overrides workflow.poll_interval_seconds.
func WithPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager constructs a workflow manager over eng.
func NewManager(eng *engine.Engine, pipeline *Pipeline, opts ...ManagerOption) *Manager {
	cfg := eng.Config()
	m := &Manager{
		eng:          eng,
		pipeline:     pipeline,
		logger:       eng.Logger(),
		workers:      cfg.Workflow.Workers,
		pollInterval: time.Duration(cfg.Workflow.PollIntervalSeconds) * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.workers <= 0 {
		m.workers = 1
	}
	if m.pollInterval <= 0 {
		m.pollInterval = defaultPollInterval
	}
	m.errorBackoff = m.pollInterval
	m.logger = logging.NewComponentLogger(m.logger, "workflow")
	return m
}
