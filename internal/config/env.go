package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides lists the settings that may be supplied through the environment.
// Empty values leave the file or default value untouched.
type envOverrides struct {
	DataDir         string `env:"STAGEGUARD_DATA_DIR"`
	StorePath       string `env:"STAGEGUARD_STORE_PATH"`
	LogLevel        string `env:"STAGEGUARD_LOG_LEVEL"`
	LogFormat       string `env:"STAGEGUARD_LOG_FORMAT"`
	RedisURL        string `env:"STAGEGUARD_REDIS_URL"`
	RedisPassword   string `env:"STAGEGUARD_REDIS_PASSWORD"`
	MetricsBind     string `env:"STAGEGUARD_METRICS_BIND"`
	TracingEndpoint string `env:"STAGEGUARD_TRACING_ENDPOINT"`
	Workers         int    `env:"STAGEGUARD_WORKERS"`
}

func (c *Config) applyEnv() error {
	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	setIfPresent(&c.Paths.DataDir, overrides.DataDir)
	setIfPresent(&c.Store.Path, overrides.StorePath)
	setIfPresent(&c.Logging.Level, overrides.LogLevel)
	setIfPresent(&c.Logging.Format, overrides.LogFormat)
	setIfPresent(&c.Redis.URL, overrides.RedisURL)
	setIfPresent(&c.Redis.Password, overrides.RedisPassword)
	setIfPresent(&c.Metrics.Bind, overrides.MetricsBind)
	if strings.TrimSpace(overrides.TracingEndpoint) != "" {
		c.Tracing.Endpoint = strings.TrimSpace(overrides.TracingEndpoint)
		c.Tracing.Enabled = true
	}
	if overrides.Workers > 0 {
		c.Workflow.Workers = overrides.Workers
	}
	return nil
}

func setIfPresent(target *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*target = value
	}
}
