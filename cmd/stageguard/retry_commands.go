package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"stageguard/internal/engine"
	"stageguard/internal/status"
)

type retryOutcome string

const (
	retryRequeued  retryOutcome = "requeued"
	retryNotFound  retryOutcome = "not_found"
	retryNotFailed retryOutcome = "not_failed"
	retryExhausted retryOutcome = "budget_exhausted"
)

type retryResult struct {
	ItemID  string       `json:"item_id"`
	Outcome retryOutcome `json:"outcome"`
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [itemID...]",
		Short: "Re-queue failed items that still have retry budget",
		Long: "Without arguments every retry candidate is re-queued. With item ids, each\n" +
			"FAILED item is re-queued if its retry budget allows.",
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(eng *engine.Engine) error {
				ids := args
				if len(ids) == 0 {
					candidates, err := eng.RetryCandidates(cmd.Context())
					if err != nil {
						return err
					}
					for _, rec := range candidates {
						ids = append(ids, rec.ItemID)
					}
				}

				results := make([]retryResult, 0, len(ids))
				for _, id := range ids {
					outcome, err := retryItem(cmd, eng, id)
					if err != nil {
						return err
					}
					results = append(results, retryResult{ItemID: id, Outcome: outcome})
				}

				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]any{"items": results})
				}
				out := cmd.OutOrStdout()
				if len(args) == 0 {
					fmt.Fprintf(out, "Retried %d failed items\n", countOutcome(results, retryRequeued))
					return nil
				}
				for _, r := range results {
					switch r.Outcome {
					case retryRequeued:
						fmt.Fprintf(out, "Item %s queued for retry\n", r.ItemID)
					case retryNotFound:
						fmt.Fprintf(out, "Item %s not found\n", r.ItemID)
					case retryNotFailed:
						fmt.Fprintf(out, "Item %s is not in failed state\n", r.ItemID)
					case retryExhausted:
						fmt.Fprintf(out, "Item %s has exhausted its retry budget\n", r.ItemID)
					}
				}
				return nil
			})
		},
	}
}

func retryItem(cmd *cobra.Command, eng *engine.Engine, itemID string) (retryOutcome, error) {
	rec, err := eng.GetStatus(cmd.Context(), itemID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return retryNotFound, nil
	}
	if rec.Stage != status.StageFailed {
		return retryNotFailed, nil
	}
	if err := eng.Requeue(cmd.Context(), itemID); err != nil {
		if errors.Is(err, status.ErrRetryBudgetExceeded) {
			return retryExhausted, nil
		}
		return "", err
	}
	return retryRequeued, nil
}

func countOutcome(results []retryResult, outcome retryOutcome) int {
	n := 0
	for _, r := range results {
		if r.Outcome == outcome {
			n++
		}
	}
	return n
}

func newRequeueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <itemID>",
		Short: "Send a completed item back through the workflow",
		Long: "Forces a COMPLETED item back to the first working stage and queues it.\n" +
			"Failed items are handled by retry instead.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(eng *engine.Engine) error {
				rec, err := lookupItem(cmd, eng, args[0])
				if err != nil {
					return err
				}
				if rec.Stage != status.StageCompleted {
					return fmt.Errorf("item %s is %s; only completed items can be requeued", rec.ItemID, rec.Stage)
				}
				if err := eng.Reprocess(cmd.Context(), rec.ItemID); err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]string{"item_id": rec.ItemID, "stage": string(status.StageQueued)})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Item %s requeued for reprocessing\n", rec.ItemID)
				return nil
			})
		},
	}
}

func newCandidatesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "candidates",
		Short: "List failed items eligible for retry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(eng *engine.Engine) error {
				recs, err := eng.RetryCandidates(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, newRecordViews(recs))
				}
				out := cmd.OutOrStdout()
				if len(recs) == 0 {
					fmt.Fprintln(out, "No retry candidates")
					return nil
				}
				rows := make([][]string, 0, len(recs))
				for _, rec := range recs {
					rows = append(rows, []string{
						rec.ItemID,
						string(rec.ResumeStage),
						fmt.Sprintf("%d/%d", rec.RetryCount, rec.MaxRetries),
						rec.LastErrorType,
						formatTime(rec.LastErrorAt),
					})
				}
				printTable(out,
					[]string{"Item", "Failed At", "Retries", "Last Error", "When"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				)
				return nil
			})
		},
	}
}

func newCleanupCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove completed and failed records older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(eng *engine.Engine) error {
				removed, err := eng.Cleanup(cmd.Context(), olderThan)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]int64{"removed": removed})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d records\n", removed)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Age cutoff such as 72h (defaults to retention.max_age_hours)")
	return cmd
}

func newProgressCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "progress",
		Short: "Show pipeline progress and ETA",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(eng *engine.Engine) error {
				report, err := eng.ProgressReport(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, newProgressView(report))
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Total:       %d\n", report.Total)
				fmt.Fprintf(out, "Completed:   %d (%s)\n", report.Completed, formatPercent(report.CompletionRate))
				fmt.Fprintf(out, "Failed:      %d (%s of finished)\n", report.Failed, formatPercent(report.FailureRate))
				fmt.Fprintf(out, "Remaining:   %d\n", report.Remaining)
				fmt.Fprintf(out, "Throughput:  %.1f/h over %s\n", report.Throughput, report.Window)
				eta := "-"
				if report.HasETA {
					eta = formatDuration(report.ETA)
					if report.Remaining == 0 {
						eta = "done"
					}
				}
				fmt.Fprintf(out, "ETA:         %s\n", eta)

				rows := make([][]string, 0, len(report.Distribution))
				for _, sc := range report.Distribution {
					dwell := "-"
					if d, ok := report.Dwell[sc.Stage]; ok {
						dwell = formatDuration(d)
					}
					rows = append(rows, []string{string(sc.Stage), strconv.Itoa(sc.Count), formatPercent(sc.Share), dwell})
				}
				printTable(out,
					[]string{"Stage", "Count", "Share", "Mean Dwell"},
					rows,
					[]columnAlignment{alignLeft, alignRight, alignRight, alignRight},
				)
				return nil
			})
		},
	}
}
