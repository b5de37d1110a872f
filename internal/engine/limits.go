package engine

import (
	"context"
	"fmt"

	"stageguard/internal/ratelimit"
)

// LimiterUsage pairs a limited dependency with its ceilings and the current
// window occupancy.
type LimiterUsage struct {
	Dependency string
	Limits     ratelimit.Limits
	Usage      ratelimit.Usage
}

// Limits reports every configured rate limiter. With the redis backend the
// usage is shared by all processes using the same key prefix.
func (e *Engine) Limits(ctx context.Context) ([]LimiterUsage, error) {
	set := e.coord.Limiters()
	names := set.Names()
	out := make([]LimiterUsage, 0, len(names))
	for _, name := range names {
		limiter := set.For(name)
		usage, err := limiter.Usage(ctx)
		if err != nil {
			return nil, fmt.Errorf("rate limit usage %s: %w", name, err)
		}
		out = append(out, LimiterUsage{Dependency: name, Limits: limiter.Limits(), Usage: usage})
	}
	return out, nil
}
