package testsupport

import (
	"path/filepath"
	"testing"

	"stageguard/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Store.Path = filepath.Join(base, "data", "status.db")
	cfgVal.Metrics.Bind = "127.0.0.1:0"
	cfgVal.Logging.Format = "json"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return builder.cfg
}

// WithStages sets the working stage order.
func WithStages(stages ...string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Stages.Order = stages
	}
}

// WithDependency maps a stage to the dependency it calls.
func WithDependency(stage, dependency string) ConfigOption {
	return func(b *configBuilder) {
		if b.cfg.Stages.Dependencies == nil {
			b.cfg.Stages.Dependencies = map[string]string{}
		}
		b.cfg.Stages.Dependencies[stage] = dependency
	}
}

// WithPolicy replaces the retry policy for a category.
func WithPolicy(category string, policy config.Policy) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Retry.Policies[category] = policy
	}
}

// WithBreaker sets the default breaker settings.
func WithBreaker(threshold, recoverySeconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Breaker.FailureThreshold = threshold
		b.cfg.Breaker.RecoveryTimeoutSeconds = recoverySeconds
	}
}

// WithLimit sets the rate limit for a dependency.
func WithLimit(dependency string, requests, tokens int) ConfigOption {
	return func(b *configBuilder) {
		if b.cfg.RateLimit.Dependencies == nil {
			b.cfg.RateLimit.Dependencies = map[string]config.Limit{}
		}
		b.cfg.RateLimit.Dependencies[dependency] = config.Limit{
			MaxRequestsPerMinute: requests,
			MaxTokensPerMinute:   tokens,
		}
	}
}

// WithMaxRetries sets the default retry budget stamped on new records.
func WithMaxRetries(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Store.DefaultMaxRetries = n
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
