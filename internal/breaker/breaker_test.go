package breaker_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageguard/internal/breaker"
	"stageguard/internal/testsupport"
)

type transition struct {
	from, to breaker.State
}

func newBreaker(t *testing.T, settings breaker.Settings) (*breaker.Breaker, *testsupport.Clock, *[]transition) {
	t.Helper()
	clock := testsupport.NewClock()
	var (
		mu   sync.Mutex
		seen []transition
	)
	b := breaker.New("notion", settings,
		breaker.WithClock(clock.Now),
		breaker.WithStateChange(func(from breaker.State, snap breaker.Snapshot) {
			mu.Lock()
			seen = append(seen, transition{from: from, to: snap.State})
			mu.Unlock()
		}),
	)
	return b, clock, &seen
}

func TestBreakerTripsAndRecovers(t *testing.T) {
	b, clock, seen := newBreaker(t, breaker.Settings{FailureThreshold: 2, RecoveryTimeout: 30 * time.Second})

	require.True(t, b.CanExecute())
	b.RecordFailure()
	assert.Equal(t, breaker.Closed, b.State())
	b.RecordFailure()
	assert.Equal(t, breaker.Open, b.State())
	assert.False(t, b.CanExecute())

	ok, retryAt := b.Allow()
	assert.False(t, ok)
	assert.Equal(t, clock.Now().Add(30*time.Second), retryAt)

	clock.Advance(30 * time.Second)
	require.True(t, b.CanExecute())
	assert.Equal(t, breaker.HalfOpen, b.State())
	assert.False(t, b.CanExecute(), "single trial already in flight")

	b.RecordSuccess()
	snap := b.Snapshot()
	assert.Equal(t, breaker.Closed, snap.State)
	assert.Zero(t, snap.FailureCount)
	assert.Zero(t, snap.HalfOpenTrials)

	assert.Equal(t, []transition{
		{breaker.Closed, breaker.Open},
		{breaker.Open, breaker.HalfOpen},
		{breaker.HalfOpen, breaker.Closed},
	}, *seen)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clock, _ := newBreaker(t, breaker.Settings{FailureThreshold: 2, RecoveryTimeout: 10 * time.Second})
	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(10 * time.Second)
	require.True(t, b.CanExecute())

	b.RecordFailure()
	assert.Equal(t, breaker.Open, b.State())
	assert.False(t, b.CanExecute())
	assert.Equal(t, 3, b.Snapshot().FailureCount)

	clock.Advance(9 * time.Second)
	assert.False(t, b.CanExecute(), "recovery timer restarts from the trial failure")
	clock.Advance(time.Second)
	assert.True(t, b.CanExecute())
}

func TestHalfOpenAdmitsConfiguredTrials(t *testing.T) {
	b, clock, _ := newBreaker(t, breaker.Settings{FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 3})
	b.RecordFailure()
	clock.Advance(time.Second)

	admitted := 0
	for i := 0; i < 5; i++ {
		if b.CanExecute() {
			admitted++
		}
	}
	assert.Equal(t, 3, admitted)
	assert.Equal(t, 3, b.Snapshot().HalfOpenTrials)
}

func TestSuccessDecaysClosedFailures(t *testing.T) {
	b, _, seen := newBreaker(t, breaker.Settings{FailureThreshold: 3})
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, 1, b.Snapshot().FailureCount)
	b.RecordSuccess()
	b.RecordSuccess()
	assert.Zero(t, b.Snapshot().FailureCount)
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, breaker.Closed, b.State())
	assert.Empty(t, *seen)
}

func TestDefaultsApplied(t *testing.T) {
	b := breaker.New("x", breaker.Settings{})
	s := b.Settings()
	assert.Equal(t, breaker.DefaultFailureThreshold, s.FailureThreshold)
	assert.Equal(t, breaker.DefaultRecoveryTimeout, s.RecoveryTimeout)
	assert.Equal(t, breaker.DefaultHalfOpenMaxCalls, s.HalfOpenMaxCalls)
}

func TestConcurrentFailuresOpenOnce(t *testing.T) {
	var (
		mu    sync.Mutex
		opens int
	)
	b := breaker.New("openai", breaker.Settings{FailureThreshold: 10}, breaker.WithStateChange(func(_ breaker.State, snap breaker.Snapshot) {
		if snap.State == breaker.Open {
			mu.Lock()
			opens++
			mu.Unlock()
		}
	}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.CanExecute()
			b.RecordFailure()
		}()
	}
	wg.Wait()

	assert.Equal(t, breaker.Open, b.State())
	assert.Equal(t, 50, b.Snapshot().FailureCount)
	assert.Equal(t, 1, opens)
}

func TestReleaseReturnsUnusedTrial(t *testing.T) {
	b, clock, _ := newBreaker(t, breaker.Settings{FailureThreshold: 1, RecoveryTimeout: time.Second})
	b.RecordFailure()
	clock.Advance(time.Second)
	require.True(t, b.CanExecute())
	require.False(t, b.CanExecute())

	b.Release()
	assert.True(t, b.CanExecute())
	assert.Equal(t, breaker.HalfOpen, b.State())
}

func TestObserversSeeTransitionsInOrder(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		mu   sync.Mutex
		seen []breaker.State
	)
	b := breaker.New("notion", breaker.Settings{FailureThreshold: 1},
		breaker.WithStateChange(func(_ breaker.State, snap breaker.Snapshot) {
			if snap.State == breaker.Open {
				close(entered)
				<-release
			}
			mu.Lock()
			seen = append(seen, snap.State)
			mu.Unlock()
		}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.RecordFailure()
	}()
	<-entered
	go func() {
		defer wg.Done()
		b.Reset()
	}()
	// Reset's state change lands while the OPEN observer is still running.
	require.Eventually(t, func() bool { return b.State() == breaker.Closed }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []breaker.State{breaker.Open, breaker.Closed}, seen)
}
