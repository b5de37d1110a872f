package retrypolicy

import (
	"fmt"
	"math/rand/v2"
	"time"

	"stageguard/internal/classify"
	"stageguard/internal/config"
)

// Defaults returns the built-in per-category policies.
func Defaults() map[classify.Category]Policy {
	return map[classify.Category]Policy{
		classify.RateLimit:      {MaxRetries: 5, BaseDelay: 3 * time.Second, Multiplier: 2, MaxDelay: 300 * time.Second, Jitter: true},
		classify.Network:        {MaxRetries: 3, BaseDelay: 2 * time.Second, Multiplier: 2, MaxDelay: 60 * time.Second, Jitter: true},
		classify.Transient:      {MaxRetries: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 60 * time.Second, Jitter: true},
		classify.System:         {MaxRetries: 2, BaseDelay: 5 * time.Second, Multiplier: 1.5},
		classify.NotFound:       {MaxRetries: 2, BaseDelay: time.Second, Multiplier: 1},
		classify.Unknown:        {MaxRetries: 2, BaseDelay: 2 * time.Second, Multiplier: 2, MaxDelay: 60 * time.Second, Jitter: true},
		classify.Authentication: {},
		classify.QuotaExceeded:  {},
		classify.Validation:     {},
	}
}

// Resolver maps a category, optionally narrowed by dependency, to a Policy.
type Resolver struct {
	policies  map[classify.Category]Policy
	overrides map[string]map[classify.Category]Policy
	random    func() float64
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithRandom replaces the jitter source. Tests use it for determinism.
func WithRandom(random func() float64) Option {
	return func(r *Resolver) {
		if random != nil {
			r.random = random
		}
	}
}

// WithOverride sets the policy used for category when calling dependency.
func WithOverride(dependency string, category classify.Category, policy Policy) Option {
	return func(r *Resolver) {
		if r.overrides[dependency] == nil {
			r.overrides[dependency] = make(map[classify.Category]Policy)
		}
		r.overrides[dependency][category] = policy
	}
}

// New returns a resolver over policies. Categories missing from policies fall
// back to Defaults.
func New(policies map[classify.Category]Policy, opts ...Option) *Resolver {
	r := &Resolver{
		policies:  Defaults(),
		overrides: make(map[string]map[classify.Category]Policy),
		random:    rand.Float64,
	}
	for category, policy := range policies {
		r.policies[category] = policy
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FromConfig builds a resolver from the [retry] section.
func FromConfig(cfg config.Retry, opts ...Option) (*Resolver, error) {
	policies := make(map[classify.Category]Policy, len(cfg.Policies))
	for key, p := range cfg.Policies {
		category, ok := classify.ParseCategory(key)
		if !ok {
			return nil, fmt.Errorf("retry policy %q: unknown category", key)
		}
		policies[category] = fromConfig(p)
	}
	all := make([]Option, 0, len(opts)+len(cfg.Dependencies))
	for dependency, overrides := range cfg.Dependencies {
		for key, p := range overrides {
			category, ok := classify.ParseCategory(key)
			if !ok {
				return nil, fmt.Errorf("retry override %s.%s: unknown category", dependency, key)
			}
			all = append(all, WithOverride(dependency, category, fromConfig(p)))
		}
	}
	all = append(all, opts...)
	return New(policies, all...), nil
}

func fromConfig(p config.Policy) Policy {
	return Policy{
		MaxRetries: p.MaxRetries,
		BaseDelay:  seconds(p.BaseDelaySeconds),
		Multiplier: p.Multiplier,
		MaxDelay:   seconds(p.MaxDelaySeconds),
		Jitter:     p.Jitter,
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// Resolve returns the policy for category, preferring a dependency override.
// Unconfigured categories resolve to the UNKNOWN policy.
func (r *Resolver) Resolve(category classify.Category, dependency string) Policy {
	if dependency != "" {
		if policy, ok := r.overrides[dependency][category]; ok {
			return policy
		}
	}
	if policy, ok := r.policies[category]; ok {
		return policy
	}
	return r.policies[classify.Unknown]
}

// Backoff returns the jittered delay before retry index n under policy.
func (r *Resolver) Backoff(policy Policy, n int) time.Duration {
	return policy.Backoff(n, r.random)
}
