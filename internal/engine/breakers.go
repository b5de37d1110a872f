package engine

import (
	"context"
	"fmt"

	"stageguard/internal/breaker"
	"stageguard/internal/logging"
	"stageguard/internal/status"
)

// mirrorBreaker persists a breaker transition and updates the state gauge.
func (e *Engine) mirrorBreaker(from breaker.State, snap breaker.Snapshot) {
	e.metrics.SetBreaker(snap.Name, string(snap.State))

	attrs := []logging.Attr{
		logging.String(logging.FieldDependency, snap.Name),
		logging.String("from_state", string(from)),
		logging.String(logging.FieldBreakerState, string(snap.State)),
		logging.Int("failure_count", snap.FailureCount),
	}
	if snap.State == breaker.Open {
		logging.WarnWithContext(e.logger, "circuit breaker opened", "breaker_opened", append(attrs,
			logging.String(logging.FieldErrorHint, "calls to the dependency are rejected until the recovery timeout passes"),
			logging.String(logging.FieldImpact, "items for this dependency wait in RETRY_PENDING"),
		)...)
	} else {
		e.logger.Info("circuit breaker state changed", logging.Args(append(attrs,
			logging.String(logging.FieldEventType, "breaker_state_changed"))...)...)
	}

	if err := e.store.SaveBreaker(context.Background(), toStatusSnapshot(snap)); err != nil {
		e.logger.Warn("failed to mirror breaker state",
			logging.String(logging.FieldDependency, snap.Name),
			logging.Error(err),
			logging.String(logging.FieldEventType, "breaker_mirror_failed"),
			logging.String(logging.FieldErrorHint, "breaker state resets to CLOSED on restart"),
			logging.String(logging.FieldImpact, "state is kept in memory only"),
		)
	}
}

func (e *Engine) restoreBreakers(ctx context.Context, registry *breaker.Registry) error {
	mirrored, err := e.store.Breakers(ctx)
	if err != nil {
		return fmt.Errorf("restore breakers: %w", err)
	}
	snaps := make([]breaker.Snapshot, 0, len(mirrored))
	for _, m := range mirrored {
		state, ok := breaker.ParseState(m.State)
		if !ok {
			continue
		}
		snap := breaker.Snapshot{
			Name:           m.Dependency,
			State:          state,
			FailureCount:   m.FailureCount,
			HalfOpenTrials: m.HalfOpenTrials,
		}
		if m.LastFailureAt != nil {
			snap.LastFailureAt = *m.LastFailureAt
		}
		snaps = append(snaps, snap)
		e.metrics.SetBreaker(m.Dependency, m.State)
	}
	registry.Restore(snaps)
	if len(snaps) > 0 {
		e.logger.Info("restored circuit breakers",
			logging.Int("count", len(snaps)),
			logging.String(logging.FieldEventType, "breakers_restored"),
		)
	}
	return nil
}

// Breakers returns the live breakers for every dependency used so far.
func (e *Engine) Breakers() []breaker.Snapshot {
	return e.coord.Breakers().Snapshots()
}

// ResetBreaker closes the named breaker and drops its mirror. It reports
// whether anything was reset.
func (e *Engine) ResetBreaker(ctx context.Context, name string) (bool, error) {
	live := e.coord.Breakers().Reset(name)
	mirrored, err := e.store.DeleteBreaker(ctx, name)
	if err != nil {
		return live, err
	}
	return live || mirrored, nil
}

func toStatusSnapshot(snap breaker.Snapshot) status.BreakerSnapshot {
	out := status.BreakerSnapshot{
		Dependency:     snap.Name,
		State:          string(snap.State),
		FailureCount:   snap.FailureCount,
		HalfOpenTrials: snap.HalfOpenTrials,
	}
	if !snap.LastFailureAt.IsZero() {
		last := snap.LastFailureAt
		out.LastFailureAt = &last
	}
	return out
}
