package preflight

import (
	"context"

	"stageguard/internal/config"
	"stageguard/internal/status"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// RunAll executes all applicable preflight checks for the given config.
// The database check is skipped when store is nil.
func RunAll(ctx context.Context, cfg *config.Config, store *status.Store) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	results = append(results, CheckDirectoryAccess("Data directory", cfg.Paths.DataDir))
	if cfg.Paths.LogDir != "" && cfg.Paths.LogDir != cfg.Paths.DataDir {
		results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))
	}

	if store != nil {
		results = append(results, CheckDatabase(ctx, store))
	}

	if len(cfg.Stages.Commands) > 0 {
		results = append(results, CheckStageCommands(cfg.Stages.Commands))
	}

	if cfg.RateLimit.Backend == "redis" {
		results = append(results, CheckRedis(ctx, cfg.Redis))
	}

	return results
}

// Failed returns the checks that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
