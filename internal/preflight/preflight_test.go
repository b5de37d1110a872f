package preflight

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofrs/flock"

	"stageguard/internal/config"
	"stageguard/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckDirectoryAccess_Empty(t *testing.T) {
	result := CheckDirectoryAccess("test", "  ")
	if result.Passed {
		t.Fatal("expected failure for empty path")
	}
}

func TestCheckDatabase_OK(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	result := CheckDatabase(context.Background(), store)
	if !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
}

func TestCheckStageCommands(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "extract")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	result := CheckStageCommands(map[string]string{"EXTRACTION": bin + " --fast"})
	if !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}

	result = CheckStageCommands(map[string]string{"UPLOAD": "clearly-not-present-binary"})
	if result.Passed {
		t.Fatal("expected failure for missing binary")
	}
	if !strings.Contains(result.Detail, "UPLOAD") {
		t.Fatalf("expected detail to name the stage, got: %s", result.Detail)
	}
}

func TestCheckRedis_MissingURL(t *testing.T) {
	result := CheckRedis(context.Background(), config.Redis{})
	if result.Passed {
		t.Fatal("expected failure for missing url")
	}
}

func TestCheckRedis_Unreachable(t *testing.T) {
	result := CheckRedis(context.Background(), config.Redis{URL: "redis://127.0.0.1:1/0"})
	if result.Passed {
		t.Fatal("expected failure for unreachable server")
	}
}

func TestCheckRedisFromConfig_MemoryBackend(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	result := CheckRedisFromConfig(context.Background(), cfg)
	if !result.Passed {
		t.Fatalf("memory backend should pass, got: %s", result.Detail)
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	results := RunAll(context.Background(), nil, nil)
	if results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunAll_MinimalConfig(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	store := testsupport.MustOpenStore(t, cfg)

	results := RunAll(context.Background(), cfg, store)
	// data + log directory + database
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("unexpected failures: %+v", failed)
	}
}

func TestRunAll_IncludesRedisWhenSelected(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	cfg.RateLimit.Backend = "redis"
	cfg.Redis.URL = "redis://127.0.0.1:1/0"

	results := RunAll(context.Background(), cfg, nil)
	failed := Failed(results)
	if len(failed) != 1 || failed[0].Name != "Redis" {
		t.Fatalf("expected only redis to fail, got %+v", failed)
	}
}

func TestProbeServe(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}

	status, err := ProbeServe(cfg)
	if err != nil {
		t.Fatalf("ProbeServe: %v", err)
	}
	if status.Running {
		t.Fatal("expected no serve process")
	}

	held := flock.New(cfg.LockPath())
	if ok, err := held.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock: ok=%v err=%v", ok, err)
	}
	defer func() { _ = held.Unlock() }()

	status, err = ProbeServe(cfg)
	if err != nil {
		t.Fatalf("ProbeServe: %v", err)
	}
	if !status.Running {
		t.Fatal("expected lock to be reported as held")
	}
}
