package main

import (
	"context"
	"encoding/json"
	"testing"

	"stageguard/internal/engine"
	"stageguard/internal/services"
)

func TestStatusListAndShow(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()
	env.withEngine(t, func(eng *engine.Engine) {
		if _, err := eng.Start(ctx, "alpha", nil); err != nil {
			t.Fatalf("alpha: %v", err)
		}
		if _, err := eng.Start(ctx, "beta", nil); err != nil {
			t.Fatalf("beta: %v", err)
		}
		if err := eng.Enqueue(ctx, "beta"); err != nil {
			t.Fatalf("enqueue beta: %v", err)
		}
	})

	out, _, err := runCLI(t, []string{"status"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Serve: not running")
	requireContains(t, out, "DISCOVERED")
	requireContains(t, out, "QUEUED")

	out, _, err = runCLI(t, []string{"list"}, env.configPath)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	requireContains(t, out, "alpha")
	requireContains(t, out, "beta")

	out, _, err = runCLI(t, []string{"list", "--stage", "queued"}, env.configPath)
	if err != nil {
		t.Fatalf("list --stage: %v", err)
	}
	requireContains(t, out, "beta")
	requireNotContains(t, out, "alpha")

	if _, _, err := runCLI(t, []string{"list", "--stage", "bogus"}, env.configPath); err == nil {
		t.Fatal("expected error for unknown stage")
	}

	out, _, err = runCLI(t, []string{"show", "beta"}, env.configPath)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	requireContains(t, out, "Stage:        QUEUED")

	if _, _, err := runCLI(t, []string{"show", "missing"}, env.configPath); err == nil {
		t.Fatal("expected error for unknown item")
	}
}

func TestAddParsesMetadata(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"add", "doc9", "--priority", "5", "--meta", "pages=12", "--meta", "lang=en"}, env.configPath)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	requireContains(t, out, "Added doc9 (QUEUED)")

	out, _, err = runCLI(t, []string{"--json", "show", "doc9"}, env.configPath)
	if err != nil {
		t.Fatalf("show --json: %v", err)
	}
	var view recordView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if view.Priority != 5 {
		t.Fatalf("priority = %d, want 5", view.Priority)
	}
	if view.Metadata["pages"] != float64(12) || view.Metadata["lang"] != "en" {
		t.Fatalf("unexpected metadata %#v", view.Metadata)
	}

	if _, _, err := runCLI(t, []string{"add", "doc9"}, env.configPath); err == nil {
		t.Fatal("expected duplicate add to fail")
	}
	if _, _, err := runCLI(t, []string{"add", "doc10", "--meta", "novalue"}, env.configPath); err == nil {
		t.Fatal("expected malformed metadata to fail")
	}
}

func TestHistoryAndErrors(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()
	env.withEngine(t, func(eng *engine.Engine) {
		if _, err := eng.Start(ctx, "bad", nil); err != nil {
			t.Fatalf("Start: %v", err)
		}
		_, _ = eng.RunOnce(ctx, "bad", "EXTRACTION", func(context.Context) error {
			return services.Wrap(services.ErrValidation, "EXTRACTION", "parse", "malformed header", nil)
		})
	})

	out, _, err := runCLI(t, []string{"history", "bad"}, env.configPath)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	requireContains(t, out, "EXTRACTION")
	requireContains(t, out, "FAILED")

	out, _, err = runCLI(t, []string{"errors", "bad"}, env.configPath)
	if err != nil {
		t.Fatalf("errors: %v", err)
	}
	requireContains(t, out, "VALIDATION")
	requireContains(t, out, "CRITICAL")
}

func TestParseMetadataKeepsTypes(t *testing.T) {
	got, err := parseMetadata([]string{"n=3", "ratio=0.5", "ok=true", "name=report.pdf"})
	if err != nil {
		t.Fatalf("parseMetadata: %v", err)
	}
	if got["n"] != int64(3) || got["ratio"] != 0.5 || got["ok"] != true || got["name"] != "report.pdf" {
		t.Fatalf("unexpected values %#v", got)
	}
}
