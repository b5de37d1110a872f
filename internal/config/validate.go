package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateStages(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateBreaker(); err != nil {
		return err
	}
	if err := c.validateRateLimit(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateClassifier(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateTracing(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateStore() error {
	if strings.TrimSpace(c.Store.Path) == "" {
		return errors.New("store.path must be set")
	}
	if c.Store.DefaultMaxRetries < 0 {
		return errors.New("store.default_max_retries must be >= 0")
	}
	return nil
}

// Working stage names must not collide with the lifecycle stages the engine owns.
var reservedStages = []string{"DISCOVERED", "QUEUED", "RETRY_PENDING", "COMPLETED", "FAILED"}

func (c *Config) validateStages() error {
	for _, stage := range c.Stages.Order {
		if slices.Contains(reservedStages, strings.ToUpper(stage)) {
			return fmt.Errorf("stages.order: %q is a reserved lifecycle stage", stage)
		}
	}
	for stage := range c.Stages.Dependencies {
		if !slices.Contains(c.Stages.Order, stage) {
			return fmt.Errorf("stages.dependencies: stage %q is not listed in stages.order", stage)
		}
	}
	for stage := range c.Stages.Commands {
		if !slices.Contains(c.Stages.Order, stage) {
			return fmt.Errorf("stages.commands: stage %q is not listed in stages.order", stage)
		}
	}
	return nil
}

func (c *Config) validateRetry() error {
	for category, policy := range c.Retry.Policies {
		if err := validatePolicy("retry.policies."+category, category, policy); err != nil {
			return err
		}
	}
	for dep, overrides := range c.Retry.Dependencies {
		for category, policy := range overrides {
			if err := validatePolicy(fmt.Sprintf("retry.dependencies.%s.%s", dep, category), category, policy); err != nil {
				return err
			}
		}
	}
	return nil
}

func validatePolicy(key, category string, policy Policy) error {
	if !slices.Contains(knownCategories, category) {
		return fmt.Errorf("%s: unknown error category %q", key, category)
	}
	if policy.MaxRetries < 0 {
		return fmt.Errorf("%s.max_retries must be >= 0", key)
	}
	if policy.MaxRetries == 0 {
		return nil
	}
	if policy.BaseDelaySeconds <= 0 {
		return fmt.Errorf("%s.base_delay_seconds must be positive", key)
	}
	if policy.Multiplier < 1 {
		return fmt.Errorf("%s.multiplier must be >= 1", key)
	}
	if policy.MaxDelaySeconds < 0 {
		return fmt.Errorf("%s.max_delay_seconds must be >= 0", key)
	}
	if policy.MaxDelaySeconds > 0 && policy.MaxDelaySeconds < policy.BaseDelaySeconds {
		return fmt.Errorf("%s.max_delay_seconds must be >= base_delay_seconds", key)
	}
	return nil
}

func (c *Config) validateBreaker() error {
	for dep, settings := range c.Breaker.Dependencies {
		if settings.FailureThreshold < 0 || settings.RecoveryTimeoutSeconds < 0 || settings.HalfOpenMaxCalls < 0 {
			return fmt.Errorf("breaker.dependencies.%s: values must be >= 0", dep)
		}
	}
	return nil
}

func (c *Config) validateRateLimit() error {
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Redis.URL) == "" {
			return errors.New("redis.url must be set when rate_limit.backend is redis")
		}
	default:
		return fmt.Errorf("rate_limit.backend: unsupported value %q (want memory or redis)", c.RateLimit.Backend)
	}
	for dep, limit := range c.RateLimit.Dependencies {
		if limit.MaxRequestsPerMinute < 0 || limit.MaxTokensPerMinute < 0 {
			return fmt.Errorf("rate_limit.dependencies.%s: ceilings must be >= 0", dep)
		}
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.RunTimeoutSeconds < 0 {
		return errors.New("workflow.run_timeout_seconds must be >= 0")
	}
	if c.Retention.MaxAgeHours < 0 {
		return errors.New("retention.max_age_hours must be >= 0")
	}
	return nil
}

func (c *Config) validateClassifier() error {
	for code, category := range c.Classifier.Codes {
		if !slices.Contains(knownCategories, category) {
			return fmt.Errorf("classifier.codes.%s: unknown error category %q", code, category)
		}
	}
	for i, pattern := range c.Classifier.Patterns {
		if !slices.Contains(knownCategories, pattern.Category) {
			return fmt.Errorf("classifier.patterns[%d]: unknown error category %q", i, pattern.Category)
		}
		if len(pattern.Keywords) == 0 {
			return fmt.Errorf("classifier.patterns[%d]: at least one keyword is required", i)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateTracing() error {
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return errors.New("tracing.endpoint must be set when tracing.enabled is true")
	}
	return nil
}
