package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"stageguard/internal/classify"
	"stageguard/internal/retrypolicy"
	"stageguard/internal/services"
)

// sampleError lets the classify command exercise type-based patterns.
type sampleError struct {
	msg  string
	kind string
}

func (e *sampleError) Error() string     { return e.msg }
func (e *sampleError) ErrorType() string { return e.kind }

type policyView struct {
	Retryable  bool      `json:"retryable"`
	MaxRetries int       `json:"max_retries"`
	Schedule   []float64 `json:"schedule_seconds"`
	Jitter     bool      `json:"jitter"`
}

func newPolicyView(p retrypolicy.Policy) policyView {
	v := policyView{Retryable: p.Retryable(), MaxRetries: p.MaxRetries, Jitter: p.Jitter}
	for _, d := range p.Schedule() {
		v.Schedule = append(v.Schedule, d.Seconds())
	}
	return v
}

func newClassifyCommand(ctx *commandContext) *cobra.Command {
	var errType string
	var code string
	var statusCode int
	var dependency string

	cmd := &cobra.Command{
		Use:   "classify <message...>",
		Short: "Show how an error message would be categorized and retried",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			classifier, err := classify.FromConfig(cfg.Classifier)
			if err != nil {
				return err
			}
			policies, err := retrypolicy.FromConfig(cfg.Retry)
			if err != nil {
				return err
			}

			var sample error = &sampleError{msg: strings.Join(args, " "), kind: errType}
			if code != "" || statusCode != 0 {
				sample = &services.CodedError{Code: code, Status: statusCode, Err: sample}
			}
			result := classifier.Explain(sample)
			policy := policies.Resolve(result.Category, dependency)

			if ctx.jsonOutput() {
				return writeJSON(cmd, map[string]any{
					"category": result.Category,
					"source":   result.Source,
					"code":     result.Code,
					"status":   result.Status,
					"keyword":  result.Keyword,
					"policy":   newPolicyView(policy),
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Category: %s\n", result.Category)
			fmt.Fprintf(out, "Matched:  %s\n", describeEvidence(result))
			printPolicy(cmd, policy)
			return nil
		},
	}

	cmd.Flags().StringVar(&errType, "type", "", "Error type name matched by typed patterns")
	cmd.Flags().StringVar(&code, "code", "", "Structured error code")
	cmd.Flags().IntVar(&statusCode, "status", 0, "HTTP status code")
	cmd.Flags().StringVar(&dependency, "dependency", "", "Resolve the policy for this dependency")
	return cmd
}

func describeEvidence(c classify.Classification) string {
	switch c.Source {
	case classify.SourceCode:
		return fmt.Sprintf("code %q", c.Code)
	case classify.SourceStatus:
		return "status " + strconv.Itoa(c.Status)
	case classify.SourcePattern:
		return fmt.Sprintf("keyword %q", c.Keyword)
	default:
		return string(c.Source)
	}
}

func newBackoffCommand(ctx *commandContext) *cobra.Command {
	var dependency string

	cmd := &cobra.Command{
		Use:   "backoff <category>",
		Short: "Show the retry schedule for an error category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			category, ok := classify.ParseCategory(args[0])
			if !ok {
				names := make([]string, 0, len(classify.Categories()))
				for _, c := range classify.Categories() {
					names = append(names, c.String())
				}
				return fmt.Errorf("unknown category %q (one of %s)", args[0], strings.Join(names, ", "))
			}
			policies, err := retrypolicy.FromConfig(cfg.Retry)
			if err != nil {
				return err
			}
			policy := policies.Resolve(category, dependency)
			if ctx.jsonOutput() {
				return writeJSON(cmd, map[string]any{
					"category":   category,
					"dependency": dependency,
					"policy":     newPolicyView(policy),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Category: %s\n", category)
			printPolicy(cmd, policy)
			return nil
		},
	}

	cmd.Flags().StringVar(&dependency, "dependency", "", "Resolve per-dependency overrides")
	return cmd
}

func printPolicy(cmd *cobra.Command, policy retrypolicy.Policy) {
	out := cmd.OutOrStdout()
	if !policy.Retryable() {
		fmt.Fprintln(out, "Retry:    none (fails immediately)")
		return
	}
	jitter := ""
	if policy.Jitter {
		jitter = " plus 10-30% jitter"
	}
	fmt.Fprintf(out, "Retry:    up to %d times%s\n", policy.MaxRetries, jitter)
	rows := make([][]string, 0, policy.MaxRetries)
	var total float64
	for i, d := range policy.Schedule() {
		total += d.Seconds()
		rows = append(rows, []string{strconv.Itoa(i + 1), formatDuration(d), strconv.FormatFloat(total, 'f', 1, 64) + "s"})
	}
	printTable(out, []string{"Retry", "Wait", "Cumulative"}, rows, []columnAlignment{alignRight, alignRight, alignRight})
}
