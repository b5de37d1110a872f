package recovery_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"stageguard/internal/breaker"
	"stageguard/internal/classify"
	"stageguard/internal/metrics"
	"stageguard/internal/ratelimit"
	"stageguard/internal/recovery"
	"stageguard/internal/retrypolicy"
	"stageguard/internal/services"
	"stageguard/internal/status"
	"stageguard/internal/testsupport"
)

const (
	extraction status.Stage = "EXTRACTION"
	upload     status.Stage = "UPLOAD"
)

type harness struct {
	store    *status.Store
	clock    *testsupport.Clock
	breakers *breaker.Registry
	coord    *recovery.Coordinator
}

func fixedPolicies() *retrypolicy.Resolver {
	return retrypolicy.New(map[classify.Category]retrypolicy.Policy{
		classify.Network:   {MaxRetries: 3, BaseDelay: 2 * time.Second, Multiplier: 2, MaxDelay: 30 * time.Second},
		classify.Transient: {MaxRetries: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second},
		classify.System:    {MaxRetries: 2, BaseDelay: 5 * time.Second, Multiplier: 1},
	})
}

func newHarness(t *testing.T, opts ...recovery.Option) *harness {
	t.Helper()
	clock := testsupport.NewClock()
	cfg := testsupport.NewConfig(t,
		testsupport.WithStages(string(extraction), string(upload)),
		testsupport.WithDependency(string(extraction), "notion"),
	)
	store := testsupport.MustOpenStore(t, cfg, status.WithClock(clock.Now))
	breakers := breaker.NewRegistry(func(string) breaker.Settings {
		return breaker.Settings{FailureThreshold: 2, RecoveryTimeout: 30 * time.Second}
	}, breaker.WithClock(clock.Now))

	base := []recovery.Option{
		recovery.WithPolicies(fixedPolicies()),
		recovery.WithBreakers(breakers),
		recovery.WithDependencies(cfg.Stages.Dependencies),
		recovery.WithClock(clock.Now),
		recovery.WithSleep(clock.Sleep),
	}
	coord := recovery.New(store, append(base, opts...)...)
	return &harness{store: store, clock: clock, breakers: breakers, coord: coord}
}

func (h *harness) create(t *testing.T, id string) {
	t.Helper()
	_, err := h.store.Create(context.Background(), id, nil)
	require.NoError(t, err)
}

func (h *harness) get(t *testing.T, id string) *status.Record {
	t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func failing(err error, calls *int32) recovery.Task {
	return func(context.Context) error {
		atomic.AddInt32(calls, 1)
		return err
	}
}

func TestRunExhaustsNetworkRetries(t *testing.T) {
	h := newHarness(t)
	h.create(t, "doc1")
	var calls int32

	result, err := recovery.Run(context.Background(), h.coord, "doc1", upload,
		failing(errors.New("dial tcp 10.0.0.4:443: connection refused"), &calls))

	var failure *recovery.FailureError
	require.ErrorAs(t, err, &failure)
	assert.True(t, failure.Exhausted)
	assert.Equal(t, classify.Network, failure.Category)
	assert.Equal(t, 3, failure.RetryCount)
	assert.True(t, recovery.IsTerminal(err))
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, result.RetryCount)
	assert.Equal(t, int32(3), calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, h.clock.Sleeps())

	rec := h.get(t, "doc1")
	assert.Equal(t, status.StageFailed, rec.Stage)
	assert.Equal(t, 3, rec.RetryCount)
	assert.Equal(t, string(classify.Network), rec.LastErrorType)

	errs, err := h.store.Errors(context.Background(), "doc1")
	require.NoError(t, err)
	require.Len(t, errs, 3)
	assert.Equal(t, status.SeverityMedium, errs[0].Severity)
	assert.Equal(t, status.SeverityHigh, errs[2].Severity)
	assert.Equal(t, upload, errs[0].Stage)

	err = h.store.Requeue(context.Background(), "doc1", "")
	assert.ErrorIs(t, err, status.ErrRetryBudgetExceeded)
}

func TestBreakerOpensDuringInlineRetries(t *testing.T) {
	h := newHarness(t)
	h.create(t, "doc1")
	var calls int32

	result, err := recovery.Run(context.Background(), h.coord, "doc1", extraction,
		failing(errors.New("dial tcp 10.0.0.4:443: connection refused"), &calls))

	require.ErrorIs(t, err, recovery.ErrServiceUnavailable)
	assert.False(t, recovery.IsTerminal(err))
	assert.Equal(t, int32(2), calls)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, h.clock.Sleeps())
	assert.Equal(t, breaker.Open, h.breakers.Get("notion").State())

	rec := h.get(t, "doc1")
	assert.Equal(t, status.StageRetryPending, rec.Stage)
	assert.Equal(t, 2, rec.RetryCount)
	require.NotNil(t, rec.NextAttemptAt)
	assert.True(t, rec.NextAttemptAt.After(h.clock.Now()))
	assert.Equal(t, "SERVICE_UNAVAILABLE", rec.LastErrorType)
}

func TestRunRetriesUnknownAndNotFoundOnce(t *testing.T) {
	cases := map[string]struct {
		err      error
		category classify.Category
	}{
		"unknown":   {err: errors.New("something odd happened"), category: classify.Unknown},
		"not found": {err: services.Wrap(services.ErrNotFound, string(upload), "fetch", "page missing", nil), category: classify.NotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.create(t, "doc")
			var calls int32

			result, err := recovery.Run(context.Background(), h.coord, "doc", upload, failing(tc.err, &calls))

			var failure *recovery.FailureError
			require.ErrorAs(t, err, &failure)
			assert.True(t, failure.Exhausted)
			assert.Equal(t, tc.category, failure.Category)
			assert.Equal(t, int32(2), calls)
			assert.Equal(t, 2, result.Attempts)
			assert.Len(t, h.clock.Sleeps(), 1)

			rec := h.get(t, "doc")
			assert.Equal(t, status.StageFailed, rec.Stage)
			assert.Equal(t, 2, rec.RetryCount)
		})
	}
}

func TestRunFailsAuthenticationWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.create(t, "doc2")
	var calls int32

	result, err := recovery.Run(context.Background(), h.coord, "doc2", extraction,
		failing(services.WithStatus(401, errors.New("invalid api key")), &calls))

	var failure *recovery.FailureError
	require.ErrorAs(t, err, &failure)
	assert.False(t, failure.Exhausted)
	assert.Equal(t, classify.Authentication, failure.Category)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, int32(1), calls)
	assert.Empty(t, h.clock.Sleeps())

	rec := h.get(t, "doc2")
	assert.Equal(t, status.StageFailed, rec.Stage)
	assert.Equal(t, 0, rec.RetryCount)

	history, err := h.store.History(context.Background(), "doc2")
	require.NoError(t, err)
	for _, entry := range history {
		assert.NotEqual(t, status.StageRetryPending, entry.NewStage)
	}
	errs, err := h.store.Errors(context.Background(), "doc2")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, status.SeverityCritical, errs[0].Severity)
}

func TestRunRecoversAfterTransientFailure(t *testing.T) {
	h := newHarness(t)
	h.create(t, "doc3")
	var calls int32
	task := func(context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return services.Wrap(services.ErrTransient, string(extraction), "fetch", "", errors.New("flaky"))
		}
		return nil
	}

	result, err := recovery.Run(context.Background(), h.coord, "doc3", extraction, task)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, 1, result.RetryCount)
	assert.Equal(t, "notion", result.Dependency)
	assert.Equal(t, []time.Duration{time.Second}, h.clock.Sleeps())

	rec := h.get(t, "doc3")
	assert.Equal(t, extraction, rec.Stage)
	assert.Equal(t, 1, rec.RetryCount)

	history, err := h.store.History(context.Background(), "doc3")
	require.NoError(t, err)
	var path []status.Stage
	for _, entry := range history {
		path = append(path, entry.NewStage)
	}
	assert.Equal(t, []status.Stage{
		status.StageDiscovered, status.StageQueued, extraction,
		status.StageRetryPending, status.StageQueued, extraction,
	}, path)
}

func TestRunOnceLeavesRetryToScheduler(t *testing.T) {
	h := newHarness(t)
	h.create(t, "doc4")
	var calls int32

	_, err := recovery.RunOnce(context.Background(), h.coord, "doc4", extraction,
		failing(services.ErrTransient, &calls))

	var retry *recovery.RetryError
	require.ErrorAs(t, err, &retry)
	assert.Equal(t, 1, retry.RetryCount)
	assert.Equal(t, classify.Transient, retry.Category)
	assert.Equal(t, h.clock.Now().Add(time.Second), retry.RetryAt)
	assert.False(t, recovery.IsTerminal(err))

	rec := h.get(t, "doc4")
	assert.Equal(t, status.StageRetryPending, rec.Stage)
	require.NotNil(t, rec.NextAttemptAt)
	assert.True(t, rec.NextAttemptAt.Equal(retry.RetryAt))
	assert.Nil(t, rec.LeaseUntil)
	assert.Equal(t, extraction, rec.ResumeStage)
}

func TestRunRejectedByOpenBreaker(t *testing.T) {
	h := newHarness(t)
	h.create(t, "doc5")
	brk := h.breakers.Get("notion")
	brk.RecordFailure()
	brk.RecordFailure()
	require.Equal(t, breaker.Open, brk.State())

	var calls int32
	_, err := recovery.Run(context.Background(), h.coord, "doc5", extraction, failing(nil, &calls))
	require.ErrorIs(t, err, recovery.ErrServiceUnavailable)
	assert.Zero(t, calls)

	rec := h.get(t, "doc5")
	assert.Equal(t, status.StageRetryPending, rec.Stage)
	assert.Equal(t, 0, rec.RetryCount)
	require.NotNil(t, rec.NextAttemptAt)
	assert.True(t, rec.NextAttemptAt.Equal(h.clock.Now().Add(30*time.Second)))
	assert.Equal(t, "SERVICE_UNAVAILABLE", rec.LastErrorType)
}

func TestBreakerTripsAcrossItems(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"a", "b", "c"} {
		h.create(t, id)
	}
	var calls int32
	boom := services.WithStatus(503, errors.New("backend unavailable"))

	for _, id := range []string{"a", "b"} {
		_, err := recovery.RunOnce(context.Background(), h.coord, id, extraction, failing(boom, &calls))
		var retry *recovery.RetryError
		require.ErrorAs(t, err, &retry)
	}
	assert.Equal(t, breaker.Open, h.breakers.Get("notion").State())

	_, err := recovery.RunOnce(context.Background(), h.coord, "c", extraction, failing(boom, &calls))
	assert.ErrorIs(t, err, recovery.ErrServiceUnavailable)
	assert.Equal(t, int32(2), calls)

	h.clock.Advance(30 * time.Second)
	_, err = recovery.RunOnce(context.Background(), h.coord, "c", extraction, failing(nil, &calls))
	require.NoError(t, err)
	assert.Equal(t, breaker.Closed, h.breakers.Get("notion").State())
}

func TestRunWaitsForRateLimiter(t *testing.T) {
	clock := testsupport.NewClock()
	limiter := ratelimit.NewWindow("notion", ratelimit.Limits{MaxRequests: 1}, ratelimit.WithClock(clock.Now))
	h := newHarness(t, recovery.WithLimiters(ratelimit.NewSet(limiter)), recovery.WithClock(clock.Now), recovery.WithSleep(clock.Sleep))
	h.clock = clock
	h.create(t, "first")
	h.create(t, "second")

	var calls int32
	_, err := recovery.Run(context.Background(), h.coord, "first", extraction, failing(nil, &calls))
	require.NoError(t, err)
	_, err = recovery.Run(context.Background(), h.coord, "second", extraction, failing(nil, &calls))
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls)
	assert.Equal(t, []time.Duration{time.Minute}, clock.Sleeps())
}

func TestRateLimitWaitPastDeadline(t *testing.T) {
	limiter := ratelimit.NewWindow("notion", ratelimit.Limits{MaxRequests: 1})
	h := newHarness(t, recovery.WithLimiters(ratelimit.NewSet(limiter)))
	h.create(t, "first")
	h.create(t, "second")
	ok, _, err := limiter.Reserve(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var calls int32
	_, err = recovery.Run(ctx, h.coord, "second", extraction, failing(nil, &calls))
	require.ErrorIs(t, err, recovery.ErrDeadlineExceeded)
	assert.Zero(t, calls)

	rec := h.get(t, "second")
	assert.Equal(t, status.StageRetryPending, rec.Stage)
	assert.Equal(t, 0, rec.RetryCount)
}

func TestCostAboveLimitIsValidationFailure(t *testing.T) {
	limiter := ratelimit.NewWindow("notion", ratelimit.Limits{MaxRequests: 10, MaxTokens: 100})
	h := newHarness(t, recovery.WithLimiters(ratelimit.NewSet(limiter)))
	h.create(t, "big")
	var calls int32

	_, err := recovery.Run(context.Background(), h.coord, "big", extraction, failing(nil, &calls), recovery.WithCost(500))
	var failure *recovery.FailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, classify.Validation, failure.Category)
	assert.ErrorIs(t, err, ratelimit.ErrCostExceedsLimit)
	assert.Zero(t, calls)
	assert.Equal(t, breaker.Closed, h.breakers.Get("notion").State())
}

func TestRetryPastDeadlineStopsInline(t *testing.T) {
	h := newHarness(t, recovery.WithPolicies(retrypolicy.New(map[classify.Category]retrypolicy.Policy{
		classify.Network: {MaxRetries: 3, BaseDelay: time.Minute, Multiplier: 2},
	})))
	h.create(t, "slow")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var calls int32

	_, err := recovery.Run(ctx, h.coord, "slow", extraction, failing(services.ErrNetwork, &calls))
	require.ErrorIs(t, err, recovery.ErrDeadlineExceeded)
	var retry *recovery.RetryError
	require.ErrorAs(t, err, &retry)
	assert.Equal(t, 1, retry.RetryCount)
	assert.Equal(t, int32(1), calls)
	assert.Empty(t, h.clock.Sleeps())

	rec := h.get(t, "slow")
	assert.Equal(t, status.StageRetryPending, rec.Stage)
	assert.Nil(t, rec.LeaseUntil)
}

func TestDeadlineTracksCoordinatorClock(t *testing.T) {
	h := newHarness(t, recovery.WithPolicies(retrypolicy.New(map[classify.Category]retrypolicy.Policy{
		classify.Network: {MaxRetries: 5, BaseDelay: 4 * time.Second, Multiplier: 2},
	})))
	h.create(t, "slow")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var calls int32

	_, err := recovery.Run(ctx, h.coord, "slow", upload, failing(services.ErrNetwork, &calls))

	// The first 4s wait fits; after it the 8s wait no longer fits in the
	// 6s left on the coordinator clock.
	require.ErrorIs(t, err, recovery.ErrDeadlineExceeded)
	assert.Equal(t, int32(2), calls)
	assert.Equal(t, []time.Duration{4 * time.Second}, h.clock.Sleeps())
	assert.Equal(t, status.StageRetryPending, h.get(t, "slow").Stage)
}

func TestCanceledRunParksItem(t *testing.T) {
	h := newHarness(t)
	h.create(t, "doc6")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := recovery.Run(ctx, h.coord, "doc6", extraction, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, recovery.IsTerminal(err))

	rec := h.get(t, "doc6")
	assert.Equal(t, status.StageRetryPending, rec.Stage)
	assert.Equal(t, 0, rec.RetryCount)
}

func TestTaskPanicIsSystemFailure(t *testing.T) {
	h := newHarness(t)
	h.create(t, "doc7")

	_, err := recovery.RunOnce(context.Background(), h.coord, "doc7", extraction, func(context.Context) error {
		panic("nil map write")
	})
	var retry *recovery.RetryError
	require.ErrorAs(t, err, &retry)
	assert.Equal(t, classify.System, retry.Category)
	assert.ErrorIs(t, err, services.ErrSystem)
}

func TestRunRejectsConcurrentRunsOfSameItem(t *testing.T) {
	h := newHarness(t)
	h.create(t, "doc8")
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, err := recovery.Run(context.Background(), h.coord, "doc8", extraction, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
		done <- err
	}()
	<-started

	_, err := recovery.Run(context.Background(), h.coord, "doc8", extraction, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, recovery.ErrItemBusy)

	close(release)
	require.NoError(t, <-done)
}

func TestRunRejectsIllegalStages(t *testing.T) {
	h := newHarness(t)
	h.create(t, "doc9")
	noop := func(context.Context) error { return nil }

	_, err := recovery.Run(context.Background(), h.coord, "doc9", status.StageCompleted, noop)
	assert.ErrorIs(t, err, recovery.ErrIllegalTransition)

	_, err = recovery.Run(context.Background(), h.coord, "doc9", upload, noop)
	require.NoError(t, err)
	_, err = recovery.Run(context.Background(), h.coord, "doc9", extraction, noop)
	assert.ErrorIs(t, err, recovery.ErrIllegalTransition)

	_, err = recovery.Run(context.Background(), h.coord, "missing", extraction, noop)
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestRunRecordsSpanAndMetrics(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	m := metrics.New(prometheus.NewRegistry())

	h := newHarness(t, recovery.WithTracer(tp.Tracer("test")), recovery.WithMetrics(m))
	h.create(t, "doc10")
	var calls int32
	task := func(context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return fmt.Errorf("upstream: %w", services.ErrNetwork)
		}
		return nil
	}

	_, err := recovery.Run(context.Background(), h.coord, "doc10", extraction, task)
	require.NoError(t, err)

	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "stageguard.run", ended[0].Name())
	attrs := map[string]string{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "doc10", attrs["stageguard.item_id"])
	assert.Equal(t, "notion", attrs["stageguard.dependency"])
	assert.Equal(t, "NETWORK", attrs["stageguard.error_category"])

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues(string(extraction), metrics.OutcomeRetry)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues(string(extraction), metrics.OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Retries.WithLabelValues("NETWORK")))
}
