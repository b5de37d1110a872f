package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"stageguard/internal/engine"
)

func newBreakersCommand(ctx *commandContext) *cobra.Command {
	breakersCmd := &cobra.Command{
		Use:   "breakers",
		Short: "Inspect and reset per-dependency circuit breakers",
	}
	breakersCmd.AddCommand(newBreakersListCommand(ctx))
	breakersCmd.AddCommand(newBreakersResetCommand(ctx))
	return breakersCmd
}

func newBreakersListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List breaker state mirrored in the status database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(eng *engine.Engine) error {
				snaps := eng.Breakers()
				if ctx.jsonOutput() {
					views := make([]breakerView, 0, len(snaps))
					for _, snap := range snaps {
						views = append(views, newBreakerView(snap))
					}
					return writeJSON(cmd, views)
				}
				out := cmd.OutOrStdout()
				if len(snaps) == 0 {
					fmt.Fprintln(out, "No breakers recorded")
					return nil
				}
				rows := make([][]string, 0, len(snaps))
				for _, snap := range snaps {
					v := newBreakerView(snap)
					rows = append(rows, []string{v.Name, v.State, strconv.Itoa(v.FailureCount), formatTime(v.LastFailureAt)})
				}
				printTable(out,
					[]string{"Dependency", "State", "Failures", "Last Failure"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
				)
				return nil
			})
		},
	}
}

func newBreakersResetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <dependency>",
		Short: "Close a breaker and clear its mirrored state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(eng *engine.Engine) error {
				found, err := eng.ResetBreaker(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]any{"dependency": args[0], "reset": found})
				}
				if !found {
					fmt.Fprintf(cmd.OutOrStdout(), "No breaker recorded for %s\n", args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Breaker %s reset\n", args[0])
				return nil
			})
		},
	}
}

type limitView struct {
	Dependency   string `json:"dependency"`
	MaxRequests  int    `json:"max_requests"`
	MaxTokens    int    `json:"max_tokens"`
	UsedRequests int    `json:"used_requests"`
	UsedTokens   int    `json:"used_tokens"`
}

func newLimitsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "limits",
		Short: "Show rate limit ceilings and current window usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(eng *engine.Engine) error {
				usages, err := eng.Limits(cmd.Context())
				if err != nil {
					return err
				}
				views := make([]limitView, 0, len(usages))
				for _, u := range usages {
					views = append(views, limitView{
						Dependency:   u.Dependency,
						MaxRequests:  u.Limits.MaxRequests,
						MaxTokens:    u.Limits.MaxTokens,
						UsedRequests: u.Usage.Requests,
						UsedTokens:   u.Usage.Tokens,
					})
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, views)
				}
				out := cmd.OutOrStdout()
				if len(views) == 0 {
					fmt.Fprintln(out, "No rate limits configured")
					return nil
				}
				rows := make([][]string, 0, len(views))
				for _, v := range views {
					rows = append(rows, []string{
						v.Dependency,
						formatCeiling(v.UsedRequests, v.MaxRequests),
						formatCeiling(v.UsedTokens, v.MaxTokens),
					})
				}
				printTable(out,
					[]string{"Dependency", "Requests", "Tokens"},
					rows,
					[]columnAlignment{alignLeft, alignRight, alignRight},
				)
				return nil
			})
		},
	}
}

func formatCeiling(used, limit int) string {
	if limit <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d/%d", used, limit)
}
