package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"stageguard/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantData := filepath.Join(tempHome, ".local", "share", "stageguard")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.Store.Path != filepath.Join(wantData, "status.db") {
		t.Fatalf("unexpected store path: %q", cfg.Store.Path)
	}
	if len(cfg.Stages.Order) != 1 || cfg.Stages.Order[0] != "PROCESSING" {
		t.Fatalf("expected default single PROCESSING stage, got %v", cfg.Stages.Order)
	}
	if cfg.Store.DefaultMaxRetries != 3 {
		t.Fatalf("expected default max retries 3, got %d", cfg.Store.DefaultMaxRetries)
	}
	if cfg.RateLimit.Backend != "memory" {
		t.Fatalf("expected memory limiter backend, got %q", cfg.RateLimit.Backend)
	}
	if cfg.RateLimit.WindowSeconds != 60 {
		t.Fatalf("expected 60s window, got %d", cfg.RateLimit.WindowSeconds)
	}
	if got := cfg.Retry.Policies["authentication"].MaxRetries; got != 0 {
		t.Fatalf("expected authentication to be terminal, got %d retries", got)
	}
	if got := cfg.Retry.Policies["rate_limit"]; got.MaxRetries != 5 || got.MaxDelaySeconds != 300 {
		t.Fatalf("unexpected rate_limit policy: %+v", got)
	}
	if cfg.Logging.Format != "auto" {
		t.Fatalf("expected auto log format, got %q", cfg.Logging.Format)
	}
}

func TestLoadCustomPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "stageguard.toml")

	contents := `
[paths]
data_dir = "` + filepath.ToSlash(filepath.Join(tempDir, "data")) + `"

[stages]
order = ["extraction", " enrichment ", "extraction", "upload"]

[stages.dependencies]
enrichment = "openai"

[retry.policies.NETWORK]
max_retries = 4
base_delay_seconds = 1
multiplier = 3
max_delay_seconds = 20

[retry.dependencies.openai.rate_limit]
max_retries = 2
base_delay_seconds = 10
multiplier = 2

[breaker]
failure_threshold = 2

[breaker.dependencies.openai]
recovery_timeout_seconds = 5

[rate_limit.dependencies.openai]
max_requests_per_minute = 3
max_tokens_per_minute = 1000
`
	if err := os.WriteFile(configPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected exists to be true")
	}
	if resolved != configPath {
		t.Fatalf("unexpected resolved path: got %q want %q", resolved, configPath)
	}
	want := []string{"extraction", "enrichment", "upload"}
	if strings.Join(cfg.Stages.Order, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected stage order: %v", cfg.Stages.Order)
	}
	if cfg.DependencyFor("enrichment") != "openai" {
		t.Fatalf("expected enrichment dependency openai, got %q", cfg.DependencyFor("enrichment"))
	}
	network := cfg.Retry.Policies["network"]
	if network.MaxRetries != 4 || network.Multiplier != 3 {
		t.Fatalf("expected network override, got %+v", network)
	}
	if cfg.Retry.Policies["transient"].MaxRetries != 3 {
		t.Fatal("expected untouched categories to keep defaults")
	}
	if got := cfg.Retry.Dependencies["openai"]["rate_limit"].BaseDelaySeconds; got != 10 {
		t.Fatalf("expected dependency override base delay 10, got %v", got)
	}
	breaker := cfg.BreakerFor("openai")
	if breaker.FailureThreshold != 2 || breaker.RecoveryTimeoutSeconds != 5 || breaker.HalfOpenMaxCalls != 1 {
		t.Fatalf("unexpected merged breaker settings: %+v", breaker)
	}
	if cfg.RateLimit.Dependencies["openai"].MaxRequestsPerMinute != 3 {
		t.Fatalf("unexpected limiter settings: %+v", cfg.RateLimit.Dependencies)
	}
}

func TestEnvOverridesConfigFile(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "stageguard.toml")
	if err := os.WriteFile(configPath, []byte("[logging]\nlevel = \"warn\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("STAGEGUARD_LOG_LEVEL", "DEBUG")
	t.Setenv("STAGEGUARD_DATA_DIR", filepath.Join(tempDir, "env-data"))
	t.Setenv("STAGEGUARD_TRACING_ENDPOINT", "http://collector:4318")
	t.Setenv("STAGEGUARD_WORKERS", "9")

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected env log level, got %q", cfg.Logging.Level)
	}
	if cfg.Paths.DataDir != filepath.Join(tempDir, "env-data") {
		t.Fatalf("expected env data dir, got %q", cfg.Paths.DataDir)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Endpoint != "http://collector:4318" {
		t.Fatalf("expected tracing enabled from env, got %+v", cfg.Tracing)
	}
	if cfg.Workflow.Workers != 9 {
		t.Fatalf("expected 9 workers, got %d", cfg.Workflow.Workers)
	}
}

func TestEnvParseError(t *testing.T) {
	t.Setenv("STAGEGUARD_WORKERS", "lots")
	_, _, _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestCreateSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}

	var cfg config.Config
	if err := toml.Unmarshal(contents, &cfg); err != nil {
		t.Fatalf("unmarshal sample: %v", err)
	}
	if len(cfg.Stages.Order) != 4 {
		t.Fatalf("expected four sample stages, got %v", cfg.Stages.Order)
	}
	if cfg.Retry.Dependencies["notion"]["rate_limit"].MaxRetries != 6 {
		t.Fatalf("expected notion override in sample, got %+v", cfg.Retry.Dependencies)
	}

	loaded, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("sample config should load: %v", err)
	}
	if loaded.DependencyFor("upload") != "notion" {
		t.Fatalf("unexpected upload dependency %q", loaded.DependencyFor("upload"))
	}
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	base := func() config.Config {
		cfg := config.Default()
		cfg.Store.Path = filepath.Join(t.TempDir(), "status.db")
		return cfg
	}

	cfg := base()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}

	cfg = base()
	cfg.Stages.Order = []string{"QUEUED"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for reserved stage name")
	}

	cfg = base()
	cfg.Stages.Dependencies = map[string]string{"upload": "notion"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for dependency on unknown stage")
	}

	cfg = base()
	cfg.Retry.Policies["bogus"] = config.Policy{MaxRetries: 1, BaseDelaySeconds: 1, Multiplier: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown category")
	}

	cfg = base()
	cfg.Retry.Policies["network"] = config.Policy{MaxRetries: 2, BaseDelaySeconds: 5, Multiplier: 0.5}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for shrinking multiplier")
	}

	cfg = base()
	cfg.RateLimit.Backend = "etcd"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported limiter backend")
	}

	cfg = base()
	cfg.Logging.Format = "xml"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported log format")
	}

	cfg = base()
	cfg.Tracing.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when tracing enabled without endpoint")
	}
}
