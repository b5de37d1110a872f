package retrypolicy

import (
	"math"
	"time"
)

// Policy is the backoff configuration for one (category, dependency) pair.
// MaxDelay of zero leaves the delay uncapped.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	Jitter     bool
}

// Retryable reports whether the policy allows any retry at all.
func (p Policy) Retryable() bool {
	return p.MaxRetries > 0
}

// Delay returns min(BaseDelay × Multiplier^n, MaxDelay) for the zero-based
// retry index n, without jitter.
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(n))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay >= math.MaxInt64 || math.IsInf(delay, 1) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Backoff returns Delay(n) plus, when Jitter is set, an additive fraction of
// it drawn uniformly from [0.1, 0.3]. random must return values in [0, 1).
func (p Policy) Backoff(n int, random func() float64) time.Duration {
	delay := p.Delay(n)
	if !p.Jitter || delay <= 0 || random == nil {
		return delay
	}
	fraction := 0.1 + 0.2*random()
	extra := time.Duration(float64(delay) * fraction)
	if delay > time.Duration(math.MaxInt64)-extra {
		return time.Duration(math.MaxInt64)
	}
	return delay + extra
}

// Schedule lists the raw delays for every retry the policy allows.
func (p Policy) Schedule() []time.Duration {
	out := make([]time.Duration, 0, p.MaxRetries)
	for n := 0; n < p.MaxRetries; n++ {
		out = append(out, p.Delay(n))
	}
	return out
}
