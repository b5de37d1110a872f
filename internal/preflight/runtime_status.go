package preflight

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/flock"

	"stageguard/internal/config"
)

// CheckRedisFromConfig evaluates the limiter backend from config and connectivity.
// A memory backend reports as passed with a "Disabled" detail.
func CheckRedisFromConfig(ctx context.Context, cfg *config.Config) Result {
	const name = "Redis"

	if cfg == nil {
		return Result{Name: name, Detail: "Unknown"}
	}
	if cfg.RateLimit.Backend != "redis" {
		return Result{Name: name, Passed: true, Detail: "Disabled (memory backend)"}
	}
	return CheckRedis(ctx, cfg.Redis)
}

// ServeStatus reports whether a `stageguard serve` process holds the lock file.
type ServeStatus struct {
	Running  bool
	LockPath string
}

// ErrServeRunning indicates another serve process owns the lock.
var ErrServeRunning = errors.New("stageguard serve is already running")

// ProbeServe attempts a non-blocking lock on cfg.LockPath and releases it
// immediately when acquired.
func ProbeServe(cfg *config.Config) (ServeStatus, error) {
	path := cfg.LockPath()
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return ServeStatus{LockPath: path}, fmt.Errorf("probe lock %s: %w", path, err)
	}
	if !locked {
		return ServeStatus{Running: true, LockPath: path}, nil
	}
	_ = lock.Unlock()
	return ServeStatus{LockPath: path}, nil
}

// Detail renders a display-friendly summary for status UIs.
func (s ServeStatus) Detail() string {
	if s.Running {
		return fmt.Sprintf("running (lock held: %s)", s.LockPath)
	}
	return "not running"
}
