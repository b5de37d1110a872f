package daemon_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"stageguard/internal/config"
	"stageguard/internal/daemon"
	"stageguard/internal/engine"
	"stageguard/internal/logging"
	"stageguard/internal/status"
	"stageguard/internal/testsupport"
	"stageguard/internal/workflow"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithStages("EXTRACTION"))
	cfg.Metrics.Enabled = true
	cfg.Workflow.PollIntervalSeconds = 1
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	return cfg
}

func newDaemon(t *testing.T, cfg *config.Config, withWorkers bool) (*daemon.Daemon, *engine.Engine) {
	t.Helper()
	eng, err := engine.Open(context.Background(), cfg, engine.WithLogger(logging.NewNop()))
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	var mgr *workflow.Manager
	if withWorkers {
		pipeline, err := workflow.NewPipeline(eng.Store().Workflow(), workflow.Step{
			Stage: "EXTRACTION",
			Task:  func(context.Context) error { return nil },
		})
		if err != nil {
			t.Fatalf("NewPipeline: %v", err)
		}
		mgr = workflow.NewManager(eng, pipeline, workflow.WithPollInterval(10*time.Millisecond))
	}
	d, err := daemon.New(eng, mgr, workflow.NewScheduler(eng))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d, eng
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testConfig(t)
	d, eng := newDaemon(t, cfg, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	st := d.Status(ctx)
	if !st.Running {
		t.Fatal("expected daemon to report running")
	}
	if st.Workflow == nil || !st.Workflow.Running {
		t.Fatal("expected workflow to be running")
	}
	if st.MetricsAddr == "" {
		t.Fatal("expected metrics endpoint to be bound")
	}

	resp, err := http.Get("http://" + st.MetricsAddr + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d", resp.StatusCode)
	}

	if _, err := eng.Start(ctx, "doc1", nil); err != nil {
		t.Fatalf("Start item: %v", err)
	}
	if err := eng.Enqueue(ctx, "doc1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := eng.GetStatus(ctx, "doc1")
		if err != nil {
			t.Fatalf("GetStatus: %v", err)
		}
		if rec.Stage == status.StageCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("item stuck in %s", rec.Stage)
		}
		time.Sleep(10 * time.Millisecond)
	}

	d.Stop()
	if d.Status(ctx).Running {
		t.Fatal("expected daemon stopped")
	}
}

func TestDaemonEnforcesSingleInstance(t *testing.T) {
	cfg := testConfig(t)
	first, _ := newDaemon(t, cfg, false)
	second, _ := newDaemon(t, cfg, false)

	ctx := context.Background()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := second.Start(ctx); !errors.Is(err, daemon.ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}

	first.Stop()
	if err := second.Start(ctx); err != nil {
		t.Fatalf("second Start after release: %v", err)
	}
}

func TestNewRequiresScheduler(t *testing.T) {
	if _, err := daemon.New(nil, nil, nil); err == nil {
		t.Fatal("expected error for missing engine")
	}
}
