package workflow_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"stageguard/internal/config"
	"stageguard/internal/engine"
	"stageguard/internal/services"
	"stageguard/internal/status"
	"stageguard/internal/testsupport"
	"stageguard/internal/workflow"
)

const (
	extraction status.Stage = "EXTRACTION"
	upload     status.Stage = "UPLOAD"
)

func testConfig(t *testing.T, opts ...testsupport.ConfigOption) *config.Config {
	t.Helper()
	base := []testsupport.ConfigOption{
		testsupport.WithStages(string(extraction), string(upload)),
		testsupport.WithDependency(string(upload), "notion"),
	}
	return testsupport.NewConfig(t, append(base, opts...)...)
}

func openEngine(t *testing.T, cfg *config.Config, opts ...engine.Option) *engine.Engine {
	t.Helper()
	eng, err := engine.Open(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func enqueue(t *testing.T, eng *engine.Engine, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := eng.Start(context.Background(), id, nil); err != nil {
			t.Fatalf("Start %s: %v", id, err)
		}
		if err := eng.Enqueue(context.Background(), id); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func countStage(t *testing.T, eng *engine.Engine, stage status.Stage) int {
	t.Helper()
	stats, err := eng.Store().Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	return stats[stage]
}

func TestNewPipelineValidatesSteps(t *testing.T) {
	wf, err := status.NewWorkflow(string(extraction), string(upload))
	if err != nil {
		t.Fatalf("NewWorkflow: %v", err)
	}
	noop := func(context.Context) error { return nil }

	if _, err := workflow.NewPipeline(wf); err == nil {
		t.Fatal("expected error for empty pipeline")
	}
	if _, err := workflow.NewPipeline(wf, workflow.Step{Stage: "RENDER", Task: noop}); err == nil {
		t.Fatal("expected error for unknown stage")
	}
	if _, err := workflow.NewPipeline(wf, workflow.Step{Stage: upload, Task: noop}, workflow.Step{Stage: extraction, Task: noop}); err == nil {
		t.Fatal("expected error for out-of-order steps")
	}
	if _, err := workflow.NewPipeline(wf, workflow.Step{Stage: extraction}); err == nil {
		t.Fatal("expected error for missing task")
	}
	p, err := workflow.NewPipeline(wf, workflow.Step{Stage: extraction, Task: noop}, workflow.Step{Stage: upload, Task: noop})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	if len(p.Steps()) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(p.Steps()))
	}
}

func TestManagerCompletesQueuedItems(t *testing.T) {
	eng := openEngine(t, testConfig(t))
	var extracted, uploaded atomic.Int32
	pipeline, err := workflow.NewPipeline(eng.Store().Workflow(),
		workflow.Step{Stage: extraction, Task: func(context.Context) error { extracted.Add(1); return nil }},
		workflow.Step{Stage: upload, Cost: 10, Task: func(ctx context.Context) error {
			if dep, _ := services.DependencyFromContext(ctx); dep != "notion" {
				return errors.New("missing dependency on context")
			}
			uploaded.Add(1)
			return nil
		}},
	)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	enqueue(t, eng, "a", "b", "c")

	mgr := workflow.NewManager(eng, pipeline, workflow.WithWorkers(2), workflow.WithPollInterval(10*time.Millisecond))
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(mgr.Stop)
	if err := mgr.Start(context.Background()); err == nil {
		t.Fatal("expected error starting a running manager")
	}

	waitFor(t, "three completions", func() bool { return countStage(t, eng, status.StageCompleted) == 3 })
	mgr.Stop()

	if extracted.Load() != 3 || uploaded.Load() != 3 {
		t.Fatalf("expected each step to run 3 times, got %d/%d", extracted.Load(), uploaded.Load())
	}
	summary := mgr.Status(context.Background())
	if summary.Running || summary.Completed != 3 || summary.Workers != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestManagerRecordsTerminalFailure(t *testing.T) {
	eng := openEngine(t, testConfig(t))
	pipeline, err := workflow.NewPipeline(eng.Store().Workflow(),
		workflow.Step{Stage: extraction, Task: func(context.Context) error {
			return services.Wrap(services.ErrValidation, string(extraction), "parse", "unsupported format", nil)
		}},
	)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	enqueue(t, eng, "bad")

	mgr := workflow.NewManager(eng, pipeline, workflow.WithWorkers(1), workflow.WithPollInterval(10*time.Millisecond))
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(mgr.Stop)

	waitFor(t, "failure", func() bool { return countStage(t, eng, status.StageFailed) == 1 })
	mgr.Stop()

	summary := mgr.Status(context.Background())
	if summary.Failed != 1 || summary.LastItem != "bad" || summary.LastError == "" {
		t.Fatalf("unexpected summary %+v", summary)
	}
	rec, _ := eng.GetStatus(context.Background(), "bad")
	if rec.LastErrorType != "VALIDATION" || rec.RetryCount != 0 {
		t.Fatalf("unexpected record %#v", rec)
	}
}

func TestManagerResumesAtFailedStage(t *testing.T) {
	eng := openEngine(t, testConfig(t))
	var extracted, uploads atomic.Int32
	pipeline, err := workflow.NewPipeline(eng.Store().Workflow(),
		workflow.Step{Stage: extraction, Task: func(context.Context) error { extracted.Add(1); return nil }},
		workflow.Step{Stage: upload, Task: func(context.Context) error { uploads.Add(1); return nil }},
	)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	enqueue(t, eng, "doc")
	ctx := context.Background()
	store := eng.Store()
	for _, to := range []status.Stage{extraction, upload} {
		if _, err := store.Enter(ctx, "doc", to, "test"); err != nil {
			t.Fatalf("Enter %s: %v", to, err)
		}
	}
	for _, to := range []status.Stage{status.StageRetryPending, status.StageQueued} {
		if err := store.Advance(ctx, "doc", to, "test", status.Fields{}); err != nil {
			t.Fatalf("Advance %s: %v", to, err)
		}
	}

	mgr := workflow.NewManager(eng, pipeline, workflow.WithWorkers(1), workflow.WithPollInterval(10*time.Millisecond))
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(mgr.Stop)
	waitFor(t, "completion", func() bool { return countStage(t, eng, status.StageCompleted) == 1 })
	mgr.Stop()

	if extracted.Load() != 0 || uploads.Load() != 1 {
		t.Fatalf("expected only the upload step to rerun, got extraction=%d upload=%d", extracted.Load(), uploads.Load())
	}
}
