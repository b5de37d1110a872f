package breaker

import (
	"slices"
	"strings"
	"sync"
	"time"

	"stageguard/internal/config"
)

// SettingsFunc returns the settings for a dependency name.
type SettingsFunc func(name string) Settings

// SettingsFromConfig resolves per-dependency settings from the [breaker] section.
func SettingsFromConfig(cfg *config.Config) SettingsFunc {
	return func(name string) Settings {
		s := cfg.BreakerFor(name)
		return Settings{
			FailureThreshold: s.FailureThreshold,
			RecoveryTimeout:  time.Duration(s.RecoveryTimeoutSeconds) * time.Second,
			HalfOpenMaxCalls: s.HalfOpenMaxCalls,
		}
	}
}

// Registry owns one Breaker per dependency, created on first use and shared
// by every caller of that dependency.
type Registry struct {
	settings SettingsFunc
	opts     []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry returns an empty registry. opts apply to every breaker it creates.
func NewRegistry(settings SettingsFunc, opts ...Option) *Registry {
	if settings == nil {
		settings = func(string) Settings { return Settings{} }
	}
	return &Registry{
		settings: settings,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it CLOSED if needed. An empty
// name returns nil: the call has no dependency to guard.
func (r *Registry) Get(name string) *Breaker {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.settings(name), r.opts...)
	r.breakers[name] = b
	return b
}

// Snapshots returns every known breaker ordered by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		snaps = append(snaps, b.Snapshot())
	}
	slices.SortFunc(snaps, func(a, b Snapshot) int { return strings.Compare(a.Name, b.Name) })
	return snaps
}

// Restore seeds breakers from mirrored snapshots.
func (r *Registry) Restore(snaps []Snapshot) {
	for _, snap := range snaps {
		if b := r.Get(snap.Name); b != nil {
			b.Restore(snap)
		}
	}
}

// Reset closes the named breaker. It reports whether the breaker existed.
func (r *Registry) Reset(name string) bool {
	r.mu.Lock()
	b, ok := r.breakers[strings.TrimSpace(name)]
	r.mu.Unlock()
	if ok {
		b.Reset()
	}
	return ok
}
