package breaker

import (
	"sync"
	"time"
)

// State is a breaker position.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// ParseState returns the state named by value.
func ParseState(value string) (State, bool) {
	switch State(value) {
	case Closed, Open, HalfOpen:
		return State(value), true
	}
	return Closed, false
}

// Settings tunes a breaker. Non-positive values fall back to the defaults.
type Settings struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
	DefaultHalfOpenMaxCalls = 1
)

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if s.HalfOpenMaxCalls <= 0 {
		s.HalfOpenMaxCalls = DefaultHalfOpenMaxCalls
	}
	return s
}

// Snapshot is a point-in-time copy of a breaker's state.
type Snapshot struct {
	Name           string
	State          State
	FailureCount   int
	LastFailureAt  time.Time
	HalfOpenTrials int
}

// StateChangeFunc observes transitions. It runs after the breaker lock is
// released, one call at a time and in transition order; a transition that is
// overtaken by a newer one before its turn is skipped. It must not move the
// breaker it observes.
type StateChangeFunc func(from State, snap Snapshot)

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithStateChange registers an observer for state transitions.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// Breaker guards one dependency. It is safe for concurrent use; the lock is
// held only while checking or updating counters, never across a call.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time
	onChange StateChangeFunc

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	trials      int
	seq         uint64

	notifyMu  sync.Mutex
	delivered uint64
}

// New returns a CLOSED breaker for the dependency name.
func New(name string, settings Settings, opts ...Option) *Breaker {
	b := &Breaker{
		name:     name,
		settings: settings.withDefaults(),
		now:      time.Now,
		state:    Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the dependency the breaker guards.
func (b *Breaker) Name() string { return b.name }

// Settings returns the effective settings.
func (b *Breaker) Settings() Settings { return b.settings }

// CanExecute reports whether a call may proceed. An OPEN breaker whose
// recovery timeout has elapsed moves to HALF_OPEN and admits this call as
// the first trial.
func (b *Breaker) CanExecute() bool {
	ok, _ := b.Allow()
	return ok
}

// Allow is CanExecute that also reports, on rejection, when the breaker
// will next admit a trial call.
func (b *Breaker) Allow() (bool, time.Time) {
	b.mu.Lock()
	now := b.now()
	var (
		allowed bool
		retryAt time.Time
		from    State
		changed bool
	)
	switch b.state {
	case Closed:
		allowed = true
	case Open:
		reopen := b.lastFailure.Add(b.settings.RecoveryTimeout)
		if !now.Before(reopen) {
			from, changed = b.state, true
			b.state = HalfOpen
			b.trials = 1
			allowed = true
		} else {
			retryAt = reopen
		}
	case HalfOpen:
		if b.trials < b.settings.HalfOpenMaxCalls {
			b.trials++
			allowed = true
		} else {
			retryAt = now.Add(b.settings.RecoveryTimeout)
		}
	}
	snap, seq := b.transitionLocked(changed)
	b.mu.Unlock()

	if changed {
		b.notify(seq, from, snap)
	}
	return allowed, retryAt
}

// RecordSuccess closes a HALF_OPEN breaker, or decays the failure count of a
// CLOSED one by one.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var (
		from    State
		changed bool
	)
	switch b.state {
	case HalfOpen:
		from, changed = b.state, true
		b.state = Closed
		b.failures = 0
		b.trials = 0
	case Closed:
		if b.failures > 0 {
			b.failures--
		}
	}
	snap, seq := b.transitionLocked(changed)
	b.mu.Unlock()

	if changed {
		b.notify(seq, from, snap)
	}
}

// RecordFailure counts a failure. A HALF_OPEN breaker reopens immediately; a
// CLOSED breaker opens once the threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	b.lastFailure = b.now()
	var (
		from    State
		changed bool
	)
	switch b.state {
	case HalfOpen:
		from, changed = b.state, true
		b.state = Open
		b.trials = 0
	case Closed:
		if b.failures >= b.settings.FailureThreshold {
			from, changed = b.state, true
			b.state = Open
		}
	}
	snap, seq := b.transitionLocked(changed)
	b.mu.Unlock()

	if changed {
		b.notify(seq, from, snap)
	}
}

// Release hands back a HALF_OPEN trial that was admitted but never called
// the dependency.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen && b.trials > 0 {
		b.trials--
	}
}

// Snapshot returns the current state without side effects.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Restore loads a previously mirrored snapshot. Observers are not notified.
func (b *Breaker) Restore(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := ParseState(string(snap.State)); !ok {
		return
	}
	b.state = snap.State
	b.failures = max(snap.FailureCount, 0)
	b.lastFailure = snap.LastFailureAt
	b.trials = max(snap.HalfOpenTrials, 0)
}

// Reset returns the breaker to CLOSED with zeroed counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.trials = 0
	b.lastFailure = time.Time{}
	snap, seq := b.transitionLocked(from != Closed)
	b.mu.Unlock()

	if from != Closed {
		b.notify(seq, from, snap)
	}
}

func (b *Breaker) snapshotLocked() Snapshot {
	return Snapshot{
		Name:           b.name,
		State:          b.state,
		FailureCount:   b.failures,
		LastFailureAt:  b.lastFailure,
		HalfOpenTrials: b.trials,
	}
}

// transitionLocked snapshots the breaker and, when it changed state, stamps
// the transition with the next sequence number.
func (b *Breaker) transitionLocked(changed bool) (Snapshot, uint64) {
	if changed {
		b.seq++
	}
	return b.snapshotLocked(), b.seq
}

func (b *Breaker) notify(seq uint64, from State, snap Snapshot) {
	if b.onChange == nil {
		return
	}
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	if seq <= b.delivered {
		return
	}
	b.delivered = seq
	b.onChange(from, snap)
}
