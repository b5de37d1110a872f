package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stageguard/internal/config"
	"stageguard/internal/engine"
	"stageguard/internal/logging"
	"stageguard/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	baseDir    string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t,
		testsupport.WithStages("EXTRACTION", "UPLOAD"),
		testsupport.WithDependency("UPLOAD", "notion"),
	)
	base := testsupport.BaseDir(cfg)
	homeDir := filepath.Join(base, "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", homeDir)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	configPath := filepath.Join(homeDir, ".config", "stageguard", "config.toml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	writeTestConfig(t, configPath, cfg)

	return &cliTestEnv{cfg: cfg, configPath: configPath, baseDir: base}
}

// withEngine opens the same database the CLI will use for seeding or inspection.
func (env *cliTestEnv) withEngine(t *testing.T, fn func(*engine.Engine)) {
	t.Helper()
	eng, err := engine.Open(context.Background(), env.cfg, engine.WithLogger(logging.NewNop()))
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	defer eng.Close()
	fn(eng)
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	stages := make([]string, 0, len(cfg.Stages.Order))
	for _, s := range cfg.Stages.Order {
		stages = append(stages, fmt.Sprintf("%q", s))
	}
	content := fmt.Sprintf(
		"[paths]\ndata_dir = %q\nlog_dir = %q\n\n[store]\npath = %q\n\n[stages]\norder = [%s]\n\n[stages.dependencies]\nUPLOAD = \"notion\"\n\n[logging]\nformat = \"json\"\nlevel = \"warn\"\n\n[metrics]\nenabled = false\n",
		cfg.Paths.DataDir,
		cfg.Paths.LogDir,
		cfg.Store.Path,
		strings.Join(stages, ", "),
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func requireNotContains(t *testing.T, output, substr string) {
	t.Helper()
	if strings.Contains(output, substr) {
		t.Fatalf("expected %q not to contain %q", output, substr)
	}
}
