package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"stageguard/internal/config"
	"stageguard/internal/daemon"
	"stageguard/internal/engine"
	"stageguard/internal/logging"
	"stageguard/internal/preflight"
	"stageguard/internal/telemetry"
	"stageguard/internal/workflow"
)

// Options configures serve process runtime behavior.
type Options struct {
	LogLevel      string
	Workers       int
	SkipPreflight bool
}

// Run starts the stageguard serve loop and blocks until ctx is cancelled or
// the process receives SIGINT/SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	level := cfg.Logging.Level
	if strings.TrimSpace(opts.LogLevel) != "" {
		level = opts.LogLevel
	}
	logPath := cfg.LogPath()
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	shutdownTracing, err := telemetry.Setup(signalCtx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", logging.Error(err))
		}
	}()

	pidPath := filepath.Join(cfg.Paths.DataDir, "stageguard.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	eng, err := engine.Open(signalCtx, cfg, engine.WithLogger(logger))
	if err != nil {
		logger.Error("open engine", logging.Error(err))
		return err
	}

	if !opts.SkipPreflight {
		if err := checkReadiness(signalCtx, logger, cfg, eng); err != nil {
			_ = eng.Close()
			return err
		}
	}

	pipeline, err := workflow.CommandPipeline(cfg, eng.Store().Workflow())
	if err != nil {
		_ = eng.Close()
		return fmt.Errorf("build pipeline: %w", err)
	}
	var manager *workflow.Manager
	if pipeline != nil {
		manager = workflow.NewManager(eng, pipeline, workflow.WithWorkers(opts.Workers))
	}

	d, err := daemon.New(eng, manager, workflow.NewScheduler(eng))
	if err != nil {
		_ = eng.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	logConfigSnapshot(logger, cfg, pipeline != nil)
	if err := d.Start(signalCtx); err != nil {
		return err
	}

	<-signalCtx.Done()
	logger.Info("stageguard serve shutting down",
		logging.String(logging.FieldEventType, "daemon_shutdown"),
	)
	return nil
}

func checkReadiness(ctx context.Context, logger *slog.Logger, cfg *config.Config, eng *engine.Engine) error {
	failed := preflight.Failed(preflight.RunAll(ctx, cfg, eng.Store()))
	if len(failed) == 0 {
		return nil
	}
	names := make([]string, 0, len(failed))
	for _, r := range failed {
		names = append(names, r.Name)
		logging.ErrorWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
			logging.String(logging.FieldErrorHint, "run `stageguard doctor` for details"),
		)
	}
	return errors.New("preflight failed: " + strings.Join(names, ", "))
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config, workers bool) {
	logger.Info("configuration snapshot",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String("stages", strings.Join(cfg.Stages.Order, ",")),
		logging.Int("stage_commands", len(cfg.Stages.Commands)),
		logging.Bool("workers_enabled", workers),
		logging.Int("workers", cfg.Workflow.Workers),
		logging.String("rate_limit_backend", cfg.RateLimit.Backend),
		logging.Bool("auto_retry_failed", cfg.Workflow.AutoRetryFailed),
		logging.Bool("metrics_enabled", cfg.Metrics.Enabled),
		logging.Bool("tracing_enabled", cfg.Tracing.Enabled),
	)
}
