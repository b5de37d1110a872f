package progress_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageguard/internal/progress"
	"stageguard/internal/status"
	"stageguard/internal/testsupport"
)

type fakeSource struct {
	counts      map[status.Stage]int
	completions int
	since       time.Time
	dwell       map[status.Stage]time.Duration
	err         error
}

func (f *fakeSource) Stats(context.Context) (map[status.Stage]int, error) {
	return f.counts, f.err
}

func (f *fakeSource) CompletionsSince(_ context.Context, since time.Time) (int, error) {
	f.since = since
	return f.completions, nil
}

func (f *fakeSource) StageDwell(context.Context) (map[status.Stage]time.Duration, error) {
	return f.dwell, nil
}

func TestReportComputesRatesAndETA(t *testing.T) {
	clock := testsupport.NewClock()
	source := &fakeSource{
		counts: map[status.Stage]int{
			status.StageQueued:         4,
			status.DefaultWorkingStage: 2,
			status.StageRetryPending:   2,
			status.StageCompleted:      9,
			status.StageFailed:         3,
		},
		completions: 4,
	}
	reporter := progress.New(source, progress.WithClock(clock.Now), progress.WithWindow(2*time.Hour))

	report, err := reporter.Report(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 20, report.Total)
	assert.Equal(t, 8, report.Remaining)
	assert.InDelta(t, 0.45, report.CompletionRate, 1e-9)
	assert.InDelta(t, 0.25, report.FailureRate, 1e-9)
	assert.InDelta(t, 2.0, report.Throughput, 1e-9)
	assert.True(t, report.HasETA)
	assert.Equal(t, 4*time.Hour, report.ETA)
	assert.Equal(t, clock.Now().Add(-2*time.Hour), source.since)

	var stages []status.Stage
	for _, row := range report.Distribution {
		stages = append(stages, row.Stage)
	}
	assert.Equal(t, []status.Stage{
		status.StageDiscovered, status.StageQueued, status.DefaultWorkingStage,
		status.StageRetryPending, status.StageCompleted, status.StageFailed,
	}, stages)
	assert.Equal(t, 4, report.Count(status.StageQueued))
	assert.InDelta(t, 0.2, report.Distribution[1].Share, 1e-9)
}

func TestReportWithoutThroughputHasNoETA(t *testing.T) {
	source := &fakeSource{counts: map[status.Stage]int{status.StageQueued: 3}}
	report, err := progress.New(source).Report(context.Background())
	require.NoError(t, err)
	assert.False(t, report.HasETA)
	assert.Zero(t, report.CompletionRate)
	assert.Zero(t, report.FailureRate)
}

func TestReportKeepsUnknownStages(t *testing.T) {
	wf, err := status.NewWorkflow("EXTRACTION", "UPLOAD")
	require.NoError(t, err)
	source := &fakeSource{counts: map[status.Stage]int{"LEGACY": 1, "UPLOAD": 1}}

	report, err := progress.New(source, progress.WithWorkflow(wf)).Report(context.Background())
	require.NoError(t, err)
	last := report.Distribution[len(report.Distribution)-1]
	assert.Equal(t, status.Stage("LEGACY"), last.Stage)
	assert.Equal(t, 1, report.Count("UPLOAD"))
	assert.False(t, report.HasETA)
}

func TestReportPropagatesStoreErrors(t *testing.T) {
	source := &fakeSource{err: errors.New("database is locked")}
	_, err := progress.New(source).Report(context.Background())
	assert.ErrorContains(t, err, "database is locked")
}

func TestReportOverStore(t *testing.T) {
	clock := testsupport.NewClock()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg, status.WithClock(clock.Now))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := store.Create(ctx, id, nil)
		require.NoError(t, err)
		require.NoError(t, store.Advance(ctx, id, status.StageQueued, "", status.Fields{}))
	}
	require.NoError(t, store.Advance(ctx, "a", status.DefaultWorkingStage, "", status.Fields{}))
	clock.Advance(10 * time.Minute)
	require.NoError(t, store.Advance(ctx, "a", status.StageCompleted, "", status.Fields{}))

	report, err := progress.New(store, progress.WithClock(clock.Now)).Report(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 1, report.Completed)
	assert.InDelta(t, 1.0, report.Throughput, 1e-9)
	assert.Equal(t, 2*time.Hour, report.ETA)
	assert.InDelta(t, 600, report.Dwell[status.DefaultWorkingStage].Seconds(), 0.01)
}
