package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type entry struct {
	at   time.Time
	cost int
}

// Window is an in-process rolling-window limiter. One mutex serializes
// prune, check, and append.
type Window struct {
	name   string
	limits Limits
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries []entry
	tokens  int
}

// WindowOption customizes a Window.
type WindowOption func(*Window)

// WithClock injects the time source.
func WithClock(now func() time.Time) WindowOption {
	return func(w *Window) {
		if now != nil {
			w.now = now
		}
	}
}

// WithWindow overrides the window length.
func WithWindow(d time.Duration) WindowOption {
	return func(w *Window) {
		if d > 0 {
			w.window = d
		}
	}
}

// NewWindow returns an empty in-memory limiter.
func NewWindow(name string, limits Limits, opts ...WindowOption) *Window {
	w := &Window{
		name:   name,
		limits: limits,
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Window) Name() string   { return w.name }
func (w *Window) Limits() Limits { return w.limits }

func (w *Window) CanProceed(_ context.Context, cost int) (bool, time.Duration, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.pruneLocked(now)
	wait, err := w.waitLocked(now, cost)
	return wait == 0 && err == nil, wait, err
}

func (w *Window) Record(_ context.Context, cost int) error {
	if cost < 0 {
		return fmt.Errorf("record %s: negative cost %d", w.name, cost)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.pruneLocked(now)
	w.appendLocked(now, cost)
	return nil
}

func (w *Window) Reserve(_ context.Context, cost int) (bool, time.Duration, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.pruneLocked(now)
	wait, err := w.waitLocked(now, cost)
	if err != nil || wait > 0 {
		return false, wait, err
	}
	w.appendLocked(now, cost)
	return true, 0, nil
}

func (w *Window) Usage(_ context.Context) (Usage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(w.now())
	return Usage{Requests: len(w.entries), Tokens: w.tokens}, nil
}

// Reset empties the window.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = nil
	w.tokens = 0
}

func (w *Window) appendLocked(now time.Time, cost int) {
	w.entries = append(w.entries, entry{at: now, cost: cost})
	w.tokens += cost
}

// pruneLocked drops entries that have been in the window for its full length.
func (w *Window) pruneLocked(now time.Time) {
	drop := 0
	for drop < len(w.entries) && !now.Before(w.entries[drop].at.Add(w.window)) {
		w.tokens -= w.entries[drop].cost
		drop++
	}
	if drop > 0 {
		w.entries = append(w.entries[:0], w.entries[drop:]...)
	}
}

// waitLocked returns zero when a request of cost fits, otherwise the time
// until enough of the oldest entries expire.
func (w *Window) waitLocked(now time.Time, cost int) (time.Duration, error) {
	if cost < 0 {
		return 0, fmt.Errorf("check %s: negative cost %d", w.name, cost)
	}
	if w.limits.MaxTokens > 0 && cost > w.limits.MaxTokens {
		return 0, fmt.Errorf("%s: cost %d > %d: %w", w.name, cost, w.limits.MaxTokens, ErrCostExceedsLimit)
	}
	var wait time.Duration
	if ceiling := w.limits.MaxRequests; ceiling > 0 && len(w.entries)+1 > ceiling {
		oldest := w.entries[len(w.entries)-ceiling]
		wait = oldest.at.Add(w.window).Sub(now)
	}
	if ceiling := w.limits.MaxTokens; ceiling > 0 && w.tokens+cost > ceiling {
		excess := w.tokens + cost - ceiling
		freed := 0
		for _, e := range w.entries {
			freed += e.cost
			if freed >= excess {
				if d := e.at.Add(w.window).Sub(now); d > wait {
					wait = d
				}
				break
			}
		}
	}
	return wait, nil
}
