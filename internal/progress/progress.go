// Package progress aggregates the status store into throughput, completion,
// and ETA figures. It only reads.
package progress

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"stageguard/internal/status"
)

// DefaultWindow is the trailing period throughput is measured over.
const DefaultWindow = time.Hour

// Source is the read side of the status store the reporter needs.
type Source interface {
	Stats(ctx context.Context) (map[status.Stage]int, error)
	CompletionsSince(ctx context.Context, since time.Time) (int, error)
	StageDwell(ctx context.Context) (map[status.Stage]time.Duration, error)
}

// StageCount is one row of the stage distribution.
type StageCount struct {
	Stage status.Stage
	Count int
	// Share is Count over the total, in [0, 1].
	Share float64
}

// Report is a point-in-time progress summary.
type Report struct {
	GeneratedAt  time.Time
	Total        int
	Distribution []StageCount
	Completed    int
	Failed       int
	// Remaining counts items not yet COMPLETED or FAILED.
	Remaining int

	// CompletionRate is completed over total.
	CompletionRate float64
	// FailureRate is failed over finished (completed plus failed).
	FailureRate float64

	Window time.Duration
	// Throughput is completions per hour over Window.
	Throughput float64
	// ETA is Remaining at the current throughput. Zero when HasETA is false.
	ETA    time.Duration
	HasETA bool

	// Dwell is the mean time spent in each stage.
	Dwell map[status.Stage]time.Duration
}

// Count returns the number of items at stage.
func (r Report) Count(stage status.Stage) int {
	for _, row := range r.Distribution {
		if row.Stage == stage {
			return row.Count
		}
	}
	return 0
}

// Reporter builds Reports from a Source.
type Reporter struct {
	source   Source
	workflow *status.Workflow
	window   time.Duration
	now      func() time.Time
}

// Option customizes a Reporter.
type Option func(*Reporter)

// WithWindow sets the throughput window.
func WithWindow(d time.Duration) Option {
	return func(r *Reporter) {
		if d > 0 {
			r.window = d
		}
	}
}

// WithWorkflow orders the distribution by the workflow's stages.
func WithWorkflow(wf *status.Workflow) Option {
	return func(r *Reporter) { r.workflow = wf }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// New returns a Reporter over source.
func New(source Source, opts ...Option) *Reporter {
	r := &Reporter{
		source:   source,
		workflow: status.DefaultWorkflow(),
		window:   DefaultWindow,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report reads the store and computes a summary.
func (r *Reporter) Report(ctx context.Context) (Report, error) {
	now := r.now().UTC()
	counts, err := r.source.Stats(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("progress stats: %w", err)
	}
	recent, err := r.source.CompletionsSince(ctx, now.Add(-r.window))
	if err != nil {
		return Report{}, fmt.Errorf("progress throughput: %w", err)
	}
	dwell, err := r.source.StageDwell(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("progress dwell: %w", err)
	}

	report := Report{
		GeneratedAt: now,
		Window:      r.window,
		Dwell:       dwell,
		Completed:   counts[status.StageCompleted],
		Failed:      counts[status.StageFailed],
	}
	for _, count := range counts {
		report.Total += count
	}
	report.Remaining = report.Total - report.Completed - report.Failed
	report.Distribution = r.distribution(counts, report.Total)

	report.CompletionRate = ratio(report.Completed, report.Total)
	report.FailureRate = ratio(report.Failed, report.Completed+report.Failed)
	report.Throughput = float64(recent) / r.window.Hours()
	report.ETA, report.HasETA = eta(report.Remaining, report.Throughput)
	return report, nil
}

func (r *Reporter) distribution(counts map[status.Stage]int, total int) []StageCount {
	order := []status.Stage{status.StageDiscovered, status.StageQueued}
	order = append(order, r.workflow.Working()...)
	order = append(order, status.StageRetryPending, status.StageCompleted, status.StageFailed)

	rows := make([]StageCount, 0, len(order)+len(counts))
	for _, stage := range order {
		rows = append(rows, StageCount{Stage: stage, Count: counts[stage], Share: ratio(counts[stage], total)})
	}
	// Stages left over from an older workflow still count.
	var extra []status.Stage
	for stage := range counts {
		if !slices.Contains(order, stage) {
			extra = append(extra, stage)
		}
	}
	slices.Sort(extra)
	for _, stage := range extra {
		rows = append(rows, StageCount{Stage: stage, Count: counts[stage], Share: ratio(counts[stage], total)})
	}
	return rows
}

func ratio(n, d int) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func eta(remaining int, perHour float64) (time.Duration, bool) {
	if remaining == 0 {
		return 0, true
	}
	if perHour <= 0 {
		return 0, false
	}
	hours := float64(remaining) / perHour
	if hours*float64(time.Hour) >= math.MaxInt64 {
		return 0, false
	}
	return time.Duration(hours * float64(time.Hour)).Round(time.Second), true
}
