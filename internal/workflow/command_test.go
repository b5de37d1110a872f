package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"stageguard/internal/services"
	"stageguard/internal/status"
	"stageguard/internal/testsupport"
)

func TestCommandPipelineNilWithoutCommands(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStages("EXTRACTION"))
	p, err := CommandPipeline(cfg, testsupport.Workflow(t, cfg))
	if err != nil {
		t.Fatalf("CommandPipeline: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil pipeline, got %d steps", len(p.Steps()))
	}
}

func TestCommandPipelineCoversEveryStage(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithStages("EXTRACTION", "UPLOAD"),
		testsupport.WithDependency("UPLOAD", "notion"),
	)
	cfg.Stages.Commands = map[string]string{"UPLOAD": "true"}

	p, err := CommandPipeline(cfg, testsupport.Workflow(t, cfg))
	if err != nil {
		t.Fatalf("CommandPipeline: %v", err)
	}
	steps := p.Steps()
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[1].Dependency != "notion" {
		t.Fatalf("expected upload dependency notion, got %q", steps[1].Dependency)
	}
	if err := steps[0].Task(context.Background()); err != nil {
		t.Fatalf("pass-through step returned %v", err)
	}
}

func TestCommandTaskExportsItemContext(t *testing.T) {
	task := commandTask("UPLOAD", "notion",
		`test "$STAGEGUARD_ITEM_ID" = doc1 && test "$STAGEGUARD_STAGE" = UPLOAD && test "$STAGEGUARD_DEPENDENCY" = notion`)
	ctx := services.WithItemID(context.Background(), "doc1")
	if err := task(ctx); err != nil {
		t.Fatalf("task: %v", err)
	}
}

func TestCommandTaskMapsExitStatus(t *testing.T) {
	cases := []struct {
		name   string
		script string
		marker error
	}{
		{name: "tempfail", script: "echo busy >&2; exit 75", marker: services.ErrTransient},
		{name: "dataerr", script: "echo bad row >&2; exit 65", marker: services.ErrValidation},
		{name: "noperm", script: "exit 77", marker: services.ErrAuthentication},
		{name: "unavailable", script: "exit 69", marker: services.ErrNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := commandTask(status.Stage("EXTRACTION"), "", tc.script)(context.Background())
			if !errors.Is(err, tc.marker) {
				t.Fatalf("expected %v, got %v", tc.marker, err)
			}
		})
	}
}

func TestCommandTaskKeepsStderrForUnmappedStatus(t *testing.T) {
	err := commandTask("EXTRACTION", "", "echo connection reset by peer >&2; exit 3")(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "connection reset by peer") {
		t.Fatalf("expected stderr in message, got %v", err)
	}
	if errors.Is(err, services.ErrSystem) {
		t.Fatalf("unmapped status should not carry a marker: %v", err)
	}
}

func TestCommandTaskHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := commandTask("EXTRACTION", "", "sleep 5")(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
