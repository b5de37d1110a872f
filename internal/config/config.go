package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Store contains configuration for the SQLite status store.
type Store struct {
	Path              string `toml:"path"`
	BusyTimeoutMillis int    `toml:"busy_timeout_ms"`
	DefaultMaxRetries int    `toml:"default_max_retries"`
	DefaultPriority   int    `toml:"default_priority"`
}

// Stages describes the working sub-stages an item passes through while
// processing, in order, and the downstream dependency each stage calls.
// Commands optionally binds a stage to a shell command run by `stageguard serve`.
type Stages struct {
	Order        []string          `toml:"order"`
	Dependencies map[string]string `toml:"dependencies"`
	Commands     map[string]string `toml:"commands"`
}

// Policy is the retry policy for one error category.
type Policy struct {
	MaxRetries       int     `toml:"max_retries"`
	BaseDelaySeconds float64 `toml:"base_delay_seconds"`
	Multiplier       float64 `toml:"multiplier"`
	MaxDelaySeconds  float64 `toml:"max_delay_seconds"`
	Jitter           bool    `toml:"jitter"`
}

// Retry contains per-category retry policies and per-dependency overrides.
// Map keys are lower-case category names such as "rate_limit" or "network".
type Retry struct {
	Policies     map[string]Policy            `toml:"policies"`
	Dependencies map[string]map[string]Policy `toml:"dependencies"`
}

// BreakerSettings tunes one circuit breaker. Zero values inherit the defaults.
type BreakerSettings struct {
	FailureThreshold       int `toml:"failure_threshold"`
	RecoveryTimeoutSeconds int `toml:"recovery_timeout_seconds"`
	HalfOpenMaxCalls       int `toml:"half_open_max_calls"`
}

// Breaker contains default circuit breaker settings plus per-dependency overrides.
type Breaker struct {
	BreakerSettings
	Dependencies map[string]BreakerSettings `toml:"dependencies"`
}

// Limit is the rolling-window ceiling for one dependency. Zero disables that dimension.
type Limit struct {
	MaxRequestsPerMinute int `toml:"max_requests_per_minute"`
	MaxTokensPerMinute   int `toml:"max_tokens_per_minute"`
}

// RateLimit configures the limiter backend and per-dependency ceilings.
type RateLimit struct {
	Backend       string           `toml:"backend"`
	WindowSeconds int              `toml:"window_seconds"`
	Dependencies  map[string]Limit `toml:"dependencies"`
}

// Redis contains connection settings for the shared limiter backend.
type Redis struct {
	URL       string `toml:"url"`
	Password  string `toml:"password"`
	KeyPrefix string `toml:"key_prefix"`
}

// Workflow contains configuration for the worker pool and scheduler timing.
type Workflow struct {
	Workers                  int  `toml:"workers"`
	PollIntervalSeconds      int  `toml:"poll_interval_seconds"`
	SchedulerIntervalSeconds int  `toml:"scheduler_interval_seconds"`
	RunTimeoutSeconds        int  `toml:"run_timeout_seconds"`
	AutoRetryFailed          bool `toml:"auto_retry_failed"`
}

// Retention controls the cleanup sweep for terminal records.
type Retention struct {
	MaxAgeHours          int `toml:"max_age_hours"`
	SweepIntervalMinutes int `toml:"sweep_interval_minutes"`
}

// Pattern is a keyword rule evaluated before the built-in classifier patterns.
type Pattern struct {
	Category string   `toml:"category"`
	Types    []string `toml:"types"`
	Keywords []string `toml:"keywords"`
}

// Classifier extends the built-in error classification.
type Classifier struct {
	Codes    map[string]string `toml:"codes"`
	Patterns []Pattern         `toml:"patterns"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Metrics controls the Prometheus endpoint served by `stageguard serve`.
type Metrics struct {
	Enabled bool   `toml:"enabled"`
	Bind    string `toml:"bind"`
}

// Tracing controls OpenTelemetry span export.
type Tracing struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	ServiceName string `toml:"service_name"`
}

// Config encapsulates all configuration values for stageguard.
//
// Configuration sections by subsystem:
//   - Paths: data and log directories
//   - Store: status database location and record defaults
//   - Stages: working sub-stage order and stage to dependency mapping
//   - Retry: per-category retry policies and per-dependency overrides
//   - Breaker: circuit breaker thresholds
//   - RateLimit: request/token ceilings per dependency
//   - Redis: shared limiter backend
//   - Workflow: worker pool size and scheduler timing
//   - Retention: cleanup of terminal records
//   - Classifier: extra structured codes and keyword patterns
//   - Logging, Metrics, Tracing: observability
type Config struct {
	Paths      Paths      `toml:"paths"`
	Store      Store      `toml:"store"`
	Stages     Stages     `toml:"stages"`
	Retry      Retry      `toml:"retry"`
	Breaker    Breaker    `toml:"breaker"`
	RateLimit  RateLimit  `toml:"rate_limit"`
	Redis      Redis      `toml:"redis"`
	Workflow   Workflow   `toml:"workflow"`
	Retention  Retention  `toml:"retention"`
	Classifier Classifier `toml:"classifier"`
	Logging    Logging    `toml:"logging"`
	Metrics    Metrics    `toml:"metrics"`
	Tracing    Tracing    `toml:"tracing"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("stageguard.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the data and log directories plus the parent of the
// status database.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.LogDir}
	if c.Store.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Store.Path))
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LockPath returns the single-instance lock file used by `stageguard serve`.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "stageguard.lock")
}

// LogPath returns the file `stageguard serve` appends its log to.
func (c *Config) LogPath() string {
	return filepath.Join(c.Paths.LogDir, "stageguard.log")
}

// DependencyFor returns the dependency configured for stage, if any.
func (c *Config) DependencyFor(stage string) string {
	if c.Stages.Dependencies == nil {
		return ""
	}
	return c.Stages.Dependencies[stage]
}

// BreakerFor returns the breaker settings for dependency with defaults filled in.
func (c *Config) BreakerFor(dependency string) BreakerSettings {
	settings := c.Breaker.BreakerSettings
	override, ok := c.Breaker.Dependencies[dependency]
	if !ok {
		return settings
	}
	if override.FailureThreshold > 0 {
		settings.FailureThreshold = override.FailureThreshold
	}
	if override.RecoveryTimeoutSeconds > 0 {
		settings.RecoveryTimeoutSeconds = override.RecoveryTimeoutSeconds
	}
	if override.HalfOpenMaxCalls > 0 {
		settings.HalfOpenMaxCalls = override.HalfOpenMaxCalls
	}
	return settings
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}
