package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestClassifyAndBackoff(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"classify", "--status", "429", "slow", "down"}, env.configPath)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	requireContains(t, out, "Category: RATE_LIMIT")
	requireContains(t, out, "status 429")

	out, _, err = runCLI(t, []string{"classify", "connection", "refused"}, env.configPath)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	requireContains(t, out, "Category: NETWORK")

	out, _, err = runCLI(t, []string{"backoff", "network"}, env.configPath)
	if err != nil {
		t.Fatalf("backoff: %v", err)
	}
	requireContains(t, out, "up to 3 times")
	requireContains(t, out, "4s")

	out, _, err = runCLI(t, []string{"backoff", "authentication"}, env.configPath)
	if err != nil {
		t.Fatalf("backoff: %v", err)
	}
	requireContains(t, out, "fails immediately")

	if _, _, err := runCLI(t, []string{"backoff", "gremlins"}, env.configPath); err == nil {
		t.Fatal("expected unknown category error")
	}
}

func TestBreakersListAndReset(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"breakers", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("breakers list: %v", err)
	}
	requireContains(t, out, "No breakers recorded")

	out, _, err = runCLI(t, []string{"breakers", "reset", "notion"}, env.configPath)
	if err != nil {
		t.Fatalf("breakers reset: %v", err)
	}
	requireContains(t, out, "No breaker recorded for notion")

	out, _, err = runCLI(t, []string{"limits"}, env.configPath)
	if err != nil {
		t.Fatalf("limits: %v", err)
	}
	requireContains(t, out, "No rate limits configured")
}

func TestHealthAndDoctor(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"health"}, env.configPath)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	requireContains(t, out, "Database path:")
	requireContains(t, out, "processing_records table present: yes")

	out, _, err = runCLI(t, []string{"doctor"}, env.configPath)
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	requireContains(t, out, "Data directory")
	requireContains(t, out, "Status database")
	requireContains(t, out, "Serve lock")
}

func TestConfigInitAndShow(t *testing.T) {
	env := setupCLITestEnv(t)

	target := filepath.Join(t.TempDir(), "config.toml")
	out, _, err := runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); err == nil {
		t.Fatal("expected init to refuse overwriting")
	}

	out, _, err = runCLI(t, []string{"config", "show"}, env.configPath)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, "[stages]")
	requireContains(t, out, "EXTRACTION")
}

func TestEnvFileOverridesConfig(t *testing.T) {
	env := setupCLITestEnv(t)
	envFile := filepath.Join(env.baseDir, "stageguard.env")
	if err := os.WriteFile(envFile, []byte("STAGEGUARD_WORKERS=7\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("STAGEGUARD_WORKERS") })

	out, _, err := runCLI(t, []string{"--env-file", envFile, "config", "show"}, env.configPath)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, "workers = 7")

	if _, _, err := runCLI(t, []string{"--env-file", filepath.Join(env.baseDir, "missing.env"), "status"}, env.configPath); err == nil {
		t.Fatal("expected missing env file to fail")
	}
}

func TestLogsPrintsTrailingLines(t *testing.T) {
	env := setupCLITestEnv(t)

	_, stderr, err := runCLI(t, []string{"logs"}, env.configPath)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	requireContains(t, stderr, "No log entries")

	if err := os.WriteFile(env.cfg.LogPath(), []byte("first\nsecond\nthird\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	out, _, err := runCLI(t, []string{"logs", "-n", "2"}, env.configPath)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	requireContains(t, out, "second\nthird\n")
	requireNotContains(t, out, "first")
}
