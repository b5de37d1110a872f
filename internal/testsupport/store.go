package testsupport

import (
	"testing"

	"stageguard/internal/config"
	"stageguard/internal/status"
)

// Workflow builds the transition table for cfg's working stages.
func Workflow(t testing.TB, cfg *config.Config) *status.Workflow {
	t.Helper()
	wf, err := status.NewWorkflow(cfg.Stages.Order...)
	if err != nil {
		t.Fatalf("build workflow: %v", err)
	}
	return wf
}

// MustOpenStore opens a status.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config, opts ...status.Option) *status.Store {
	t.Helper()

	store, err := status.Open(cfg, Workflow(t, cfg), opts...)
	if err != nil {
		t.Fatalf("status.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
