package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"stageguard/internal/breaker"
	"stageguard/internal/classify"
	"stageguard/internal/logging"
	"stageguard/internal/metrics"
	"stageguard/internal/ratelimit"
	"stageguard/internal/retrypolicy"
	"stageguard/internal/status"
	"stageguard/internal/telemetry"
)

// DefaultLeaseGrace is added to an inline retry's wake time to form the lease
// that keeps the scheduler from promoting the item underneath the worker.
const DefaultLeaseGrace = 30 * time.Second

// SleepFunc suspends the caller for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Coordinator combines the classifier, retry policies, breakers, limiters, and
// status store. Construct one per engine and pass it to Run.
type Coordinator struct {
	store        *status.Store
	classifier   *classify.Classifier
	policies     *retrypolicy.Resolver
	breakers     *breaker.Registry
	limiters     *ratelimit.Set
	dependencies map[string]string
	logger       *slog.Logger
	metrics      *metrics.Metrics
	tracer       trace.Tracer
	now          func() time.Time
	sleep        SleepFunc
	leaseGrace   time.Duration

	mu      sync.Mutex
	running map[string]struct{}
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

func WithClassifier(c *classify.Classifier) Option {
	return func(co *Coordinator) { co.classifier = c }
}

func WithPolicies(r *retrypolicy.Resolver) Option {
	return func(co *Coordinator) { co.policies = r }
}

func WithBreakers(r *breaker.Registry) Option {
	return func(co *Coordinator) { co.breakers = r }
}

func WithLimiters(s *ratelimit.Set) Option {
	return func(co *Coordinator) { co.limiters = s }
}

// WithDependencies maps stage names to the dependency their tasks call.
func WithDependencies(deps map[string]string) Option {
	return func(co *Coordinator) {
		for stage, dep := range deps {
			co.dependencies[stage] = dep
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(co *Coordinator) { co.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(co *Coordinator) { co.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(co *Coordinator) { co.tracer = t }
}

// WithClock injects the time source used for scheduling decisions.
func WithClock(now func() time.Time) Option {
	return func(co *Coordinator) { co.now = now }
}

// WithSleep injects the wait used for rate-limit and backoff delays.
func WithSleep(sleep SleepFunc) Option {
	return func(co *Coordinator) { co.sleep = sleep }
}

func WithLeaseGrace(d time.Duration) Option {
	return func(co *Coordinator) { co.leaseGrace = d }
}

// New returns a coordinator over store. Components not supplied through
// options get their defaults: built-in classifier and policies, breakers with
// default settings, and no rate limits.
func New(store *status.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		dependencies: make(map[string]string),
		now:          time.Now,
		sleep:        sleepContext,
		leaseGrace:   DefaultLeaseGrace,
		running:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.classifier == nil {
		c.classifier = classify.New()
	}
	if c.policies == nil {
		c.policies = retrypolicy.New(nil)
	}
	if c.breakers == nil {
		c.breakers = breaker.NewRegistry(nil)
	}
	if c.limiters == nil {
		c.limiters = ratelimit.NewSet()
	}
	if c.tracer == nil {
		c.tracer = telemetry.Tracer(nil)
	}
	c.logger = logging.NewComponentLogger(c.logger, "recovery")
	return c
}

// Store returns the status store the coordinator writes to.
func (c *Coordinator) Store() *status.Store { return c.store }

// Classifier returns the error classifier.
func (c *Coordinator) Classifier() *classify.Classifier { return c.classifier }

// Policies returns the retry policy resolver.
func (c *Coordinator) Policies() *retrypolicy.Resolver { return c.policies }

// Breakers returns the breaker registry.
func (c *Coordinator) Breakers() *breaker.Registry { return c.breakers }

// Limiters returns the rate limiter set.
func (c *Coordinator) Limiters() *ratelimit.Set { return c.limiters }

// DependencyFor returns the dependency configured for stage.
func (c *Coordinator) DependencyFor(stage status.Stage) string {
	return c.dependencies[string(stage)]
}

// acquire takes the in-process lease on itemID.
func (c *Coordinator) acquire(itemID string) (func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.running[itemID]; busy {
		return nil, false
	}
	c.running[itemID] = struct{}{}
	return func() {
		c.mu.Lock()
		delete(c.running, itemID)
		c.mu.Unlock()
	}, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
