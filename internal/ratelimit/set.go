package ratelimit

import (
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"stageguard/internal/config"
)

// Set holds one limiter per limited dependency.
type Set struct {
	limiters map[string]Limiter
}

// NewSet returns a set over limiters keyed by Name.
func NewSet(limiters ...Limiter) *Set {
	s := &Set{limiters: make(map[string]Limiter, len(limiters))}
	for _, l := range limiters {
		s.limiters[l.Name()] = l
	}
	return s
}

// FromConfig builds the set described by the [rate_limit] section. The redis
// backend requires client; the memory backend ignores it.
func FromConfig(cfg config.RateLimit, redisCfg config.Redis, client redis.Scripter, opts ...WindowOption) (*Set, error) {
	window := time.Duration(cfg.WindowSeconds) * time.Second
	opts = append([]WindowOption{WithWindow(window)}, opts...)

	limiters := make([]Limiter, 0, len(cfg.Dependencies))
	for name, limit := range cfg.Dependencies {
		limits := Limits{MaxRequests: limit.MaxRequestsPerMinute, MaxTokens: limit.MaxTokensPerMinute}
		if !limits.Enabled() {
			continue
		}
		switch cfg.Backend {
		case "", "memory":
			limiters = append(limiters, NewWindow(name, limits, opts...))
		case "redis":
			if client == nil {
				return nil, fmt.Errorf("rate limit backend redis requires a client")
			}
			limiters = append(limiters, NewShared(client, redisCfg.KeyPrefix, name, limits, opts...))
		default:
			return nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
		}
	}
	return NewSet(limiters...), nil
}

// For returns the limiter for dependency, or nil when it is not limited.
func (s *Set) For(dependency string) Limiter {
	if s == nil {
		return nil
	}
	return s.limiters[dependency]
}

// Names returns the limited dependencies in sorted order.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.limiters))
	for name := range s.limiters {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
