package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeStore(); err != nil {
		return err
	}
	c.normalizeStages()
	c.normalizeRetry()
	c.normalizeBreaker()
	c.normalizeRateLimit()
	c.normalizeWorkflow()
	c.normalizeClassifier()
	c.normalizeLogging()
	c.normalizeObservability()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.DataDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeStore() error {
	var err error
	if strings.TrimSpace(c.Store.Path) == "" {
		c.Store.Path = filepath.Join(c.Paths.DataDir, defaultStoreFile)
	}
	if c.Store.Path, err = expandPath(c.Store.Path); err != nil {
		return fmt.Errorf("store.path: %w", err)
	}
	if c.Store.BusyTimeoutMillis <= 0 {
		c.Store.BusyTimeoutMillis = defaultBusyTimeoutMillis
	}
	return nil
}

func (c *Config) normalizeStages() {
	order := make([]string, 0, len(c.Stages.Order))
	seen := make(map[string]struct{}, len(c.Stages.Order))
	for _, stage := range c.Stages.Order {
		stage = strings.TrimSpace(stage)
		if stage == "" {
			continue
		}
		if _, ok := seen[stage]; ok {
			continue
		}
		seen[stage] = struct{}{}
		order = append(order, stage)
	}
	if len(order) == 0 {
		order = []string{defaultStage}
	}
	c.Stages.Order = order
	c.Stages.Dependencies = trimMap(c.Stages.Dependencies)
	c.Stages.Commands = trimMap(c.Stages.Commands)
}

func trimMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return values
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}

func (c *Config) normalizeRetry() {
	policies := defaultPolicies()
	// Canonical keys first so a spelling like "NETWORK" wins over the default entry.
	for category, policy := range c.Retry.Policies {
		if normalizeCategory(category) == category {
			policies[category] = policy
		}
	}
	for category, policy := range c.Retry.Policies {
		if key := normalizeCategory(category); key != category {
			policies[key] = policy
		}
	}
	c.Retry.Policies = policies

	if len(c.Retry.Dependencies) == 0 {
		return
	}
	deps := make(map[string]map[string]Policy, len(c.Retry.Dependencies))
	for dep, overrides := range c.Retry.Dependencies {
		dep = strings.TrimSpace(dep)
		if dep == "" {
			continue
		}
		normalized := make(map[string]Policy, len(overrides))
		for category, policy := range overrides {
			normalized[normalizeCategory(category)] = policy
		}
		deps[dep] = normalized
	}
	c.Retry.Dependencies = deps
}

func (c *Config) normalizeBreaker() {
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = defaultFailureThreshold
	}
	if c.Breaker.RecoveryTimeoutSeconds <= 0 {
		c.Breaker.RecoveryTimeoutSeconds = defaultRecoveryTimeoutSeconds
	}
	if c.Breaker.HalfOpenMaxCalls <= 0 {
		c.Breaker.HalfOpenMaxCalls = defaultHalfOpenMaxCalls
	}
}

func (c *Config) normalizeRateLimit() {
	c.RateLimit.Backend = strings.ToLower(strings.TrimSpace(c.RateLimit.Backend))
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = defaultRateLimitBackend
	}
	if c.RateLimit.WindowSeconds <= 0 {
		c.RateLimit.WindowSeconds = defaultRateLimitWindowSeconds
	}
	c.Redis.URL = strings.TrimSpace(c.Redis.URL)
	if c.Redis.URL == "" {
		c.Redis.URL = defaultRedisURL
	}
	c.Redis.KeyPrefix = strings.TrimSpace(c.Redis.KeyPrefix)
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = defaultRedisKeyPrefix
	}
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.Workers <= 0 {
		c.Workflow.Workers = defaultWorkers
	}
	if c.Workflow.PollIntervalSeconds <= 0 {
		c.Workflow.PollIntervalSeconds = defaultPollIntervalSeconds
	}
	if c.Workflow.SchedulerIntervalSeconds <= 0 {
		c.Workflow.SchedulerIntervalSeconds = defaultSchedulerIntervalSeconds
	}
	if c.Retention.SweepIntervalMinutes <= 0 {
		c.Retention.SweepIntervalMinutes = defaultRetentionSweepMinutes
	}
}

func (c *Config) normalizeClassifier() {
	if len(c.Classifier.Codes) > 0 {
		codes := make(map[string]string, len(c.Classifier.Codes))
		for code, category := range c.Classifier.Codes {
			code = strings.TrimSpace(code)
			if code == "" {
				continue
			}
			codes[code] = normalizeCategory(category)
		}
		c.Classifier.Codes = codes
	}
	for i := range c.Classifier.Patterns {
		pattern := &c.Classifier.Patterns[i]
		pattern.Category = normalizeCategory(pattern.Category)
		pattern.Keywords = trimAll(pattern.Keywords)
		pattern.Types = trimAll(pattern.Types)
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeObservability() {
	c.Metrics.Bind = strings.TrimSpace(c.Metrics.Bind)
	if c.Metrics.Bind == "" {
		c.Metrics.Bind = defaultMetricsBind
	}
	c.Tracing.Endpoint = strings.TrimSpace(c.Tracing.Endpoint)
	c.Tracing.ServiceName = strings.TrimSpace(c.Tracing.ServiceName)
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaultTracingServiceName
	}
}

func normalizeCategory(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	return strings.ReplaceAll(value, "-", "_")
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
