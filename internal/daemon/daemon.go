package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gofrs/flock"

	"stageguard/internal/engine"
	"stageguard/internal/logging"
	"stageguard/internal/metrics"
	"stageguard/internal/workflow"
)

// ErrAlreadyRunning is returned by Start when another process holds the lock.
var ErrAlreadyRunning = errors.New("another stageguard serve instance is already running")

// Daemon coordinates background processing and enforces single-instance execution.
type Daemon struct {
	eng       *engine.Engine
	manager   *workflow.Manager
	scheduler *workflow.Scheduler
	logger    *slog.Logger

	lockPath string
	lock     *flock.Flock

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	metricsAddr string
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	Workflow     *workflow.StatusSummary
	DBPath       string
	LockFilePath string
	MetricsAddr  string
}

// New constructs a daemon. manager may be nil, in which case the daemon only
// runs the scheduler and metrics endpoint.
func New(eng *engine.Engine, manager *workflow.Manager, scheduler *workflow.Scheduler) (*Daemon, error) {
	if eng == nil || scheduler == nil {
		return nil, errors.New("daemon requires an engine and a scheduler")
	}
	lockPath := eng.Config().LockPath()
	return &Daemon{
		eng:       eng,
		manager:   manager,
		scheduler: scheduler,
		logger:    logging.NewComponentLogger(eng.Logger(), "daemon"),
		lockPath:  lockPath,
		lock:      flock.New(lockPath),
	}, nil
}

// Start acquires the lock and launches the workers, scheduler, and metrics server.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	if d.manager != nil {
		if err := d.manager.Start(runCtx); err != nil {
			cancel()
			_ = d.lock.Unlock()
			return fmt.Errorf("start workflow: %w", err)
		}
	} else {
		d.logger.Warn("no stage commands configured; workers disabled",
			logging.String(logging.FieldEventType, "workers_disabled"),
			logging.String(logging.FieldErrorHint, "set [stages.commands] or drive the engine from your own process"),
			logging.String(logging.FieldImpact, "queued items wait for an external runner"),
		)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		_ = d.scheduler.Run(runCtx)
	}()

	cfg := d.eng.Config()
	if gatherer := d.eng.Gatherer(); cfg.Metrics.Enabled && gatherer != nil {
		addr, err := metrics.Serve(runCtx, cfg.Metrics.Bind, metrics.Handler(gatherer, d.ready), d.logger)
		if err != nil {
			d.logger.Warn("metrics server unavailable",
				logging.Error(err),
				logging.String(logging.FieldEventType, "metrics_server_failed"),
				logging.String(logging.FieldErrorHint, "check metrics.bind"),
				logging.String(logging.FieldImpact, "metrics are not exported"),
			)
		} else {
			d.metricsAddr = addr
		}
	}

	d.cancel = cancel
	d.running = true
	d.logger.Info("stageguard serve started",
		logging.String("lock", d.lockPath),
		logging.Bool("workers_enabled", d.manager != nil),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	return nil
}

// Stop stops background processing and releases the lock.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	cancel := d.cancel
	d.cancel = nil
	d.running = false
	d.metricsAddr = ""
	d.mu.Unlock()

	cancel()
	if d.manager != nil {
		d.manager.Stop()
	}
	d.wg.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.logger.Info("stageguard serve stopped",
		logging.String(logging.FieldEventType, "daemon_stopped"),
	)
}

// Close stops the daemon and closes the engine.
func (d *Daemon) Close() error {
	d.Stop()
	return d.eng.Close()
}

// Status returns a snapshot of the daemon and its workers.
func (d *Daemon) Status(ctx context.Context) Status {
	d.mu.Lock()
	st := Status{
		Running:      d.running,
		DBPath:       d.eng.Store().Path(),
		LockFilePath: d.lockPath,
		MetricsAddr:  d.metricsAddr,
	}
	d.mu.Unlock()
	if d.manager != nil {
		summary := d.manager.Status(ctx)
		st.Workflow = &summary
	}
	return st
}

// ready backs /readyz: the daemon must be running and the database reachable.
func (d *Daemon) ready(ctx context.Context) error {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return errors.New("daemon not running")
	}
	_, err := d.eng.Store().CheckHealth(ctx)
	return err
}
