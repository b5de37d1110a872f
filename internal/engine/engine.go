// Package engine assembles the status store, classifier, retry policies,
// breakers, limiters, and progress reporter described by a Config into one
// value passed explicitly to callers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"stageguard/internal/breaker"
	"stageguard/internal/classify"
	"stageguard/internal/config"
	"stageguard/internal/logging"
	"stageguard/internal/metrics"
	"stageguard/internal/progress"
	"stageguard/internal/ratelimit"
	"stageguard/internal/recovery"
	"stageguard/internal/retrypolicy"
	"stageguard/internal/status"
	"stageguard/internal/telemetry"
)

// Engine is the public surface of the resilience engine.
type Engine struct {
	cfg      *config.Config
	store    *status.Store
	coord    *recovery.Coordinator
	reporter *progress.Reporter
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	now      func() time.Time
	closers  []func() error
}

type options struct {
	logger     *slog.Logger
	now        func() time.Time
	sleep      recovery.SleepFunc
	random     func() float64
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	tracer     trace.TracerProvider
	redis      redis.Scripter
}

// Option customizes Open.
type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock injects the time source shared by every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSleep injects the wait used by the coordinator.
func WithSleep(sleep recovery.SleepFunc) Option {
	return func(o *options) { o.sleep = sleep }
}

// WithRandom injects the jitter source.
func WithRandom(random func() float64) Option {
	return func(o *options) { o.random = random }
}

// WithRegistry registers the engine's collectors with reg. Without it a
// private registry is created when metrics are enabled in the config.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registerer = reg
		o.gatherer = reg
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithRedis supplies the client used by the redis rate limit backend instead
// of dialing cfg.Redis.
func WithRedis(client redis.Scripter) Option {
	return func(o *options) { o.redis = client }
}

// Open builds an Engine from cfg, restoring mirrored breaker state.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine: config is nil")
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.NewComponentLogger(o.logger, "engine")

	wf, err := status.NewWorkflow(cfg.Stages.Order...)
	if err != nil {
		return nil, fmt.Errorf("build workflow: %w", err)
	}
	store, err := status.Open(cfg, wf, status.WithClock(o.now))
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:    cfg,
		store:  store,
		logger: logger,
		now:    o.now,
	}
	e.closers = append(e.closers, store.Close)

	if err := e.build(ctx, o); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) build(ctx context.Context, o options) error {
	classifier, err := classify.FromConfig(e.cfg.Classifier)
	if err != nil {
		return fmt.Errorf("build classifier: %w", err)
	}
	resolverOpts := []retrypolicy.Option{}
	if o.random != nil {
		resolverOpts = append(resolverOpts, retrypolicy.WithRandom(o.random))
	}
	policies, err := retrypolicy.FromConfig(e.cfg.Retry, resolverOpts...)
	if err != nil {
		return fmt.Errorf("build retry policies: %w", err)
	}

	switch {
	case o.registerer != nil:
		e.metrics = metrics.New(o.registerer)
		e.gatherer = o.gatherer
	case e.cfg.Metrics.Enabled:
		reg, m := metrics.NewRegistry()
		e.metrics = m
		e.gatherer = reg
	}

	breakers := breaker.NewRegistry(breaker.SettingsFromConfig(e.cfg),
		breaker.WithClock(e.now),
		breaker.WithStateChange(e.mirrorBreaker),
	)
	if err := e.restoreBreakers(ctx, breakers); err != nil {
		return err
	}

	client := o.redis
	if e.cfg.RateLimit.Backend == "redis" && client == nil {
		rc, err := ratelimit.Connect(ctx, e.cfg.Redis)
		if err != nil {
			return err
		}
		client = rc
		e.closers = append(e.closers, rc.Close)
	}
	limiters, err := ratelimit.FromConfig(e.cfg.RateLimit, e.cfg.Redis, client, ratelimit.WithClock(e.now))
	if err != nil {
		return fmt.Errorf("build rate limiters: %w", err)
	}

	coordOpts := []recovery.Option{
		recovery.WithClassifier(classifier),
		recovery.WithPolicies(policies),
		recovery.WithBreakers(breakers),
		recovery.WithLimiters(limiters),
		recovery.WithDependencies(e.cfg.Stages.Dependencies),
		recovery.WithLogger(o.logger),
		recovery.WithMetrics(e.metrics),
		recovery.WithTracer(telemetry.Tracer(o.tracer)),
		recovery.WithClock(e.now),
	}
	if o.sleep != nil {
		coordOpts = append(coordOpts, recovery.WithSleep(o.sleep))
	}
	e.coord = recovery.New(e.store, coordOpts...)
	e.reporter = progress.New(e.store,
		progress.WithWorkflow(e.store.Workflow()),
		progress.WithClock(e.now),
	)
	return nil
}

// Close releases the store and any Redis connection the engine opened.
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// Config returns the configuration the engine was built from.
func (e *Engine) Config() *config.Config { return e.cfg }

// Store returns the status store.
func (e *Engine) Store() *status.Store { return e.store }

// Coordinator returns the recovery coordinator tasks run through.
func (e *Engine) Coordinator() *recovery.Coordinator { return e.coord }

// Metrics returns the engine's collectors, or nil when metrics are disabled.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Gatherer returns the registry backing Metrics, or nil.
func (e *Engine) Gatherer() prometheus.Gatherer { return e.gatherer }

// Logger returns the engine's logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }
