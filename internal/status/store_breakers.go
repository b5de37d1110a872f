package status

import (
	"context"
	"database/sql"
	"fmt"
)

// SaveBreaker upserts the mirrored state of one dependency's breaker.
func (s *Store) SaveBreaker(ctx context.Context, snap BreakerSnapshot) error {
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO circuit_breakers (dependency, state, failure_count, last_failure_at, half_open_trials, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT (dependency) DO UPDATE SET
             state = excluded.state,
             failure_count = excluded.failure_count,
             last_failure_at = excluded.last_failure_at,
             half_open_trials = excluded.half_open_trials,
             updated_at = excluded.updated_at`,
		snap.Dependency, snap.State, snap.FailureCount, nullableTime(snap.LastFailureAt),
		snap.HalfOpenTrials, formatTime(s.timestamp()),
	); err != nil {
		return fmt.Errorf("save breaker %s: %w", snap.Dependency, err)
	}
	return nil
}

// Breakers returns every mirrored breaker ordered by dependency name.
func (s *Store) Breakers(ctx context.Context) ([]BreakerSnapshot, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT dependency, state, failure_count, last_failure_at, half_open_trials, updated_at
         FROM circuit_breakers ORDER BY dependency`,
	)
	if err != nil {
		return nil, fmt.Errorf("query breakers: %w", err)
	}
	defer rows.Close()

	var snaps []BreakerSnapshot
	for rows.Next() {
		var (
			snap       BreakerSnapshot
			lastRaw    sql.NullString
			updatedRaw string
		)
		if err := rows.Scan(&snap.Dependency, &snap.State, &snap.FailureCount, &lastRaw, &snap.HalfOpenTrials, &updatedRaw); err != nil {
			return nil, err
		}
		snap.LastFailureAt = parseNullTime(lastRaw)
		if updated, err := parseTimeString(updatedRaw); err == nil {
			snap.UpdatedAt = updated
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// DeleteBreaker removes a mirrored breaker; the next process start begins CLOSED.
func (s *Store) DeleteBreaker(ctx context.Context, dependency string) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM circuit_breakers WHERE dependency = ?`, dependency)
	if err != nil {
		return false, fmt.Errorf("delete breaker %s: %w", dependency, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
