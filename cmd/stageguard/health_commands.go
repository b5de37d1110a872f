package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"stageguard/internal/engine"
	"stageguard/internal/preflight"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show status database diagnostics and lifecycle counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(eng *engine.Engine) error {
				store := eng.Store()
				diag, err := store.CheckHealth(cmd.Context())
				if err != nil {
					return err
				}
				summary, err := store.Health(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]any{
						"database": map[string]any{
							"path":            diag.DBPath,
							"exists":          diag.DatabaseExists,
							"readable":        diag.DatabaseReadable,
							"schema_version":  diag.SchemaVersion,
							"table_present":   diag.TableExists,
							"missing_columns": diag.MissingColumns,
							"integrity_ok":    diag.IntegrityCheck,
						},
						"items": map[string]int{
							"total":         summary.Total,
							"discovered":    summary.Discovered,
							"queued":        summary.Queued,
							"processing":    summary.Processing,
							"retry_pending": summary.RetryPending,
							"completed":     summary.Completed,
							"failed":        summary.Failed,
						},
					})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Database path: %s\n", diag.DBPath)
				fmt.Fprintf(out, "Database readable: %s\n", yesNo(diag.DatabaseReadable))
				fmt.Fprintf(out, "Schema version: %d\n", diag.SchemaVersion)
				fmt.Fprintf(out, "processing_records table present: %s\n", yesNo(diag.TableExists))
				if len(diag.MissingColumns) > 0 {
					fmt.Fprintf(out, "Missing columns: %s\n", strings.Join(diag.MissingColumns, ", "))
				}
				fmt.Fprintf(out, "Integrity check: %s\n", yesNo(diag.IntegrityCheck))
				fmt.Fprintf(out, "Total: %d\nDiscovered: %d\nQueued: %d\nProcessing: %d\nRetry pending: %d\nCompleted: %d\nFailed: %d\n",
					summary.Total,
					summary.Discovered,
					summary.Queued,
					summary.Processing,
					summary.RetryPending,
					summary.Completed,
					summary.Failed,
				)
				return nil
			})
		},
	}
}

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run preflight checks against the current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			var results []preflight.Result
			err = ctx.withEngine(cmd, func(eng *engine.Engine) error {
				results = preflight.RunAll(cmd.Context(), cfg, eng.Store())
				return nil
			})
			if err != nil {
				// The engine could not open; report the remaining checks and the cause.
				results = preflight.RunAll(cmd.Context(), cfg, nil)
				results = append(results, preflight.Result{Name: "Engine", Detail: err.Error()})
			}
			serve, probeErr := preflight.ProbeServe(cfg)
			serveResult := preflight.Result{Name: "Serve lock", Passed: probeErr == nil, Detail: serve.Detail()}
			if probeErr != nil {
				serveResult.Detail = probeErr.Error()
			}
			results = append(results, serveResult)

			failed := preflight.Failed(results)
			if ctx.jsonOutput() {
				if err := writeJSON(cmd, map[string]any{"config_path": ctx.configPath, "checks": results}); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Config: %s\n", ctx.configPath)
				rows := make([][]string, 0, len(results))
				for _, r := range results {
					mark := "ok"
					if !r.Passed {
						mark = "FAIL"
					}
					rows = append(rows, []string{r.Name, mark, r.Detail})
				}
				printTable(out, []string{"Check", "Result", "Detail"}, rows, nil)
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d preflight checks failed", len(failed))
			}
			return nil
		},
	}
}
