package config

const (
	defaultConfigPath               = "~/.config/stageguard/config.toml"
	defaultDataDir                  = "~/.local/share/stageguard"
	defaultLogDir                   = "~/.local/share/stageguard/logs"
	defaultStoreFile                = "status.db"
	defaultBusyTimeoutMillis        = 5000
	defaultMaxRetries               = 3
	defaultStage                    = "PROCESSING"
	defaultFailureThreshold         = 5
	defaultRecoveryTimeoutSeconds   = 60
	defaultHalfOpenMaxCalls         = 1
	defaultRateLimitBackend         = "memory"
	defaultRateLimitWindowSeconds   = 60
	defaultRedisURL                 = "redis://127.0.0.1:6379/0"
	defaultRedisKeyPrefix           = "stageguard"
	defaultWorkers                  = 4
	defaultPollIntervalSeconds      = 5
	defaultSchedulerIntervalSeconds = 15
	defaultRetentionMaxAgeHours     = 24 * 30
	defaultRetentionSweepMinutes    = 60
	defaultLogFormat                = "auto"
	defaultLogLevel                 = "info"
	defaultMetricsBind              = "127.0.0.1:9464"
	defaultTracingServiceName       = "stageguard"
)

// Category names accepted as keys in retry policy maps and classifier rules.
var knownCategories = []string{
	"transient",
	"rate_limit",
	"authentication",
	"not_found",
	"validation",
	"quota_exceeded",
	"network",
	"system",
	"unknown",
}

func defaultPolicies() map[string]Policy {
	return map[string]Policy{
		"rate_limit":     {MaxRetries: 5, BaseDelaySeconds: 3, Multiplier: 2, MaxDelaySeconds: 300, Jitter: true},
		"network":        {MaxRetries: 3, BaseDelaySeconds: 2, Multiplier: 2, MaxDelaySeconds: 60, Jitter: true},
		"transient":      {MaxRetries: 3, BaseDelaySeconds: 1, Multiplier: 2, MaxDelaySeconds: 60, Jitter: true},
		"system":         {MaxRetries: 2, BaseDelaySeconds: 5, Multiplier: 1.5},
		"not_found":      {MaxRetries: 2, BaseDelaySeconds: 1, Multiplier: 1},
		"unknown":        {MaxRetries: 2, BaseDelaySeconds: 2, Multiplier: 2, MaxDelaySeconds: 60, Jitter: true},
		"authentication": {MaxRetries: 0},
		"quota_exceeded": {MaxRetries: 0},
		"validation":     {MaxRetries: 0},
	}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Store: Store{
			BusyTimeoutMillis: defaultBusyTimeoutMillis,
			DefaultMaxRetries: defaultMaxRetries,
		},
		Stages: Stages{
			Order: []string{defaultStage},
		},
		Retry: Retry{
			Policies: defaultPolicies(),
		},
		Breaker: Breaker{
			BreakerSettings: BreakerSettings{
				FailureThreshold:       defaultFailureThreshold,
				RecoveryTimeoutSeconds: defaultRecoveryTimeoutSeconds,
				HalfOpenMaxCalls:       defaultHalfOpenMaxCalls,
			},
		},
		RateLimit: RateLimit{
			Backend:       defaultRateLimitBackend,
			WindowSeconds: defaultRateLimitWindowSeconds,
		},
		Redis: Redis{
			URL:       defaultRedisURL,
			KeyPrefix: defaultRedisKeyPrefix,
		},
		Workflow: Workflow{
			Workers:                  defaultWorkers,
			PollIntervalSeconds:      defaultPollIntervalSeconds,
			SchedulerIntervalSeconds: defaultSchedulerIntervalSeconds,
		},
		Retention: Retention{
			MaxAgeHours:          defaultRetentionMaxAgeHours,
			SweepIntervalMinutes: defaultRetentionSweepMinutes,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Metrics: Metrics{
			Bind: defaultMetricsBind,
		},
		Tracing: Tracing{
			ServiceName: defaultTracingServiceName,
		},
	}
}
