package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"stageguard/internal/engine"
	"stageguard/internal/preflight"
	"stageguard/internal/status"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show item counts per stage and whether serve is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(eng *engine.Engine) error {
				report, err := eng.ProgressReport(cmd.Context())
				if err != nil {
					return err
				}
				serve, err := preflight.ProbeServe(eng.Config())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					counts := make(map[string]int, len(report.Distribution))
					for _, sc := range report.Distribution {
						counts[string(sc.Stage)] = sc.Count
					}
					return writeJSON(cmd, map[string]any{
						"serve_running": serve.Running,
						"total":         report.Total,
						"stages":        counts,
					})
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Serve: %s\n", serve.Detail())
				if report.Total == 0 {
					fmt.Fprintln(out, "No items tracked")
					return nil
				}
				rows := make([][]string, 0, len(report.Distribution))
				for _, sc := range report.Distribution {
					if sc.Count == 0 {
						continue
					}
					rows = append(rows, []string{string(sc.Stage), strconv.Itoa(sc.Count), formatPercent(sc.Share)})
				}
				printTable(out, []string{"Stage", "Count", "Share"}, rows, []columnAlignment{alignLeft, alignRight, alignRight})
				return nil
			})
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var stages []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(eng *engine.Engine) error {
				filter, err := parseStages(eng, stages)
				if err != nil {
					return err
				}
				recs, err := eng.List(cmd.Context(), filter...)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, newRecordViews(recs))
				}
				out := cmd.OutOrStdout()
				if len(recs) == 0 {
					fmt.Fprintln(out, "No items found")
					return nil
				}
				rows := make([][]string, 0, len(recs))
				for _, rec := range recs {
					rows = append(rows, []string{
						rec.ItemID,
						string(rec.Stage),
						strconv.Itoa(rec.Priority),
						fmt.Sprintf("%d/%d", rec.RetryCount, rec.MaxRetries),
						formatTime(&rec.UpdatedAt),
						rec.LastErrorType,
					})
				}
				printTable(out,
					[]string{"Item", "Stage", "Priority", "Retries", "Updated", "Last Error"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
				)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&stages, "stage", "s", nil, "Filter by stage (repeatable)")
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <itemID>",
		Short: "Show one item's status record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(eng *engine.Engine) error {
				rec, err := lookupItem(cmd, eng, args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, newRecordView(rec))
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Item:         %s\n", rec.ItemID)
				fmt.Fprintf(out, "Stage:        %s\n", rec.Stage)
				if rec.ResumeStage != "" && rec.ResumeStage != rec.Stage {
					fmt.Fprintf(out, "Resume stage: %s\n", rec.ResumeStage)
				}
				fmt.Fprintf(out, "Priority:     %d\n", rec.Priority)
				fmt.Fprintf(out, "Retries:      %d/%d\n", rec.RetryCount, rec.MaxRetries)
				fmt.Fprintf(out, "Created:      %s\n", formatTime(&rec.CreatedAt))
				fmt.Fprintf(out, "Started:      %s\n", formatTime(rec.StartedAt))
				fmt.Fprintf(out, "Completed:    %s\n", formatTime(rec.CompletedAt))
				fmt.Fprintf(out, "Processing:   %s\n", formatDuration(rec.ProcessingTime))
				if rec.NextAttemptAt != nil {
					fmt.Fprintf(out, "Next attempt: %s\n", formatTime(rec.NextAttemptAt))
				}
				if rec.LastErrorType != "" {
					fmt.Fprintf(out, "Last error:   %s at %s\n", rec.LastErrorType, formatTime(rec.LastErrorAt))
					fmt.Fprintf(out, "              %s\n", rec.LastErrorMessage)
				}
				if len(rec.Metadata) > 0 {
					keys := make([]string, 0, len(rec.Metadata))
					for k := range rec.Metadata {
						keys = append(keys, k)
					}
					sort.Strings(keys)
					fmt.Fprintln(out, "Metadata:")
					for _, k := range keys {
						fmt.Fprintf(out, "  %s = %v\n", k, rec.Metadata[k])
					}
				}
				return nil
			})
		},
	}
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "history <itemID>",
		Short: "Show an item's stage transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(eng *engine.Engine) error {
				if _, err := lookupItem(cmd, eng, args[0]); err != nil {
					return err
				}
				entries, err := eng.Store().History(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					views := make([]historyView, 0, len(entries))
					for _, e := range entries {
						views = append(views, historyView{
							OldStage:  string(e.OldStage),
							NewStage:  string(e.NewStage),
							ChangedAt: e.ChangedAt,
							Reason:    e.Reason,
						})
					}
					return writeJSON(cmd, views)
				}
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					from := string(e.OldStage)
					if from == "" {
						from = "-"
					}
					rows = append(rows, []string{formatTime(&e.ChangedAt), from, string(e.NewStage), e.Reason})
				}
				printTable(cmd.OutOrStdout(), []string{"Changed", "From", "To", "Reason"}, rows, nil)
				return nil
			})
		},
	}
}

func newErrorsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "errors <itemID>",
		Short: "Show an item's recorded errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(eng *engine.Engine) error {
				if _, err := lookupItem(cmd, eng, args[0]); err != nil {
					return err
				}
				entries, err := eng.Store().Errors(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					views := make([]errorView, 0, len(entries))
					for _, e := range entries {
						views = append(views, errorView{
							Timestamp: e.Timestamp,
							Stage:     string(e.Stage),
							ErrorType: e.ErrorType,
							Severity:  string(e.Severity),
							Message:   e.Message,
							Context:   e.Context,
						})
					}
					return writeJSON(cmd, views)
				}
				out := cmd.OutOrStdout()
				if len(entries) == 0 {
					fmt.Fprintf(out, "No errors recorded for %s\n", args[0])
					return nil
				}
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, []string{formatTime(&e.Timestamp), string(e.Stage), e.ErrorType, string(e.Severity), e.Message})
				}
				printTable(out, []string{"When", "Stage", "Type", "Severity", "Message"}, rows, nil)
				return nil
			})
		},
	}
}

func newAddCommand(ctx *commandContext) *cobra.Command {
	var priority int
	var meta []string
	var maxRetries int
	var noQueue bool

	cmd := &cobra.Command{
		Use:   "add <itemID>",
		Short: "Track a new item and queue it for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := parseMetadata(meta)
			if err != nil {
				return err
			}
			return ctx.withEngine(cmd, func(eng *engine.Engine) error {
				var opts []engine.StartOption
				if cmd.Flags().Changed("priority") {
					opts = append(opts, status.WithPriority(priority))
				}
				if cmd.Flags().Changed("max-retries") {
					opts = append(opts, status.WithMaxRetries(maxRetries))
				}
				rec, err := eng.Start(cmd.Context(), args[0], metadata, opts...)
				if err != nil {
					if errors.Is(err, status.ErrAlreadyExists) {
						return fmt.Errorf("item %s is already tracked", args[0])
					}
					return err
				}
				if !noQueue {
					if err := eng.Enqueue(cmd.Context(), rec.ItemID); err != nil {
						return err
					}
					rec.Stage = status.StageQueued
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, newRecordView(rec))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s)\n", rec.ItemID, rec.Stage)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&priority, "priority", 0, "Scheduling priority; higher runs first")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Retry budget for this item")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "Metadata entry as key=value (repeatable)")
	cmd.Flags().BoolVar(&noQueue, "no-queue", false, "Leave the item DISCOVERED instead of queueing it")
	return cmd
}

func parseStages(eng *engine.Engine, values []string) ([]status.Stage, error) {
	wf := eng.Store().Workflow()
	stages := make([]status.Stage, 0, len(values))
	for _, v := range values {
		stage := status.Stage(strings.ToUpper(strings.TrimSpace(v)))
		if !wf.Known(stage) {
			return nil, fmt.Errorf("unknown stage %q", v)
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

// parseMetadata turns key=value pairs into a metadata map. Integer, float, and
// boolean values keep their type.
func parseMetadata(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata %q (want key=value)", pair)
		}
		out[key] = typedValue(strings.TrimSpace(value))
	}
	return out, nil
}

func typedValue(v string) any {
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}

func lookupItem(cmd *cobra.Command, eng *engine.Engine, itemID string) (*status.Record, error) {
	rec, err := eng.GetStatus(cmd.Context(), itemID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("item %s not found", itemID)
	}
	return rec, nil
}
