package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Transition moves an item to stage to. It returns false, with no side
// effects, when the transition table or the supplied fields reject the move.
func (s *Store) Transition(ctx context.Context, itemID string, to Stage, reason string, fields Fields) (bool, error) {
	err := s.Advance(ctx, itemID, to, reason, fields)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrRetryBudgetExceeded):
		return false, nil
	default:
		return false, err
	}
}

// Advance is Transition with the rejection reason preserved: illegal moves
// return ErrIllegalTransition or ErrRetryBudgetExceeded.
func (s *Store) Advance(ctx context.Context, itemID string, to Stage, reason string, fields Fields) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getRecordTx(ctx, tx, itemID)
		if err != nil {
			return err
		}
		return s.applyTransition(ctx, tx, rec, to, reason, fields)
	})
}

func (s *Store) applyTransition(ctx context.Context, tx *sql.Tx, rec *Record, to Stage, reason string, fields Fields) error {
	if err := s.workflow.Check(rec, to, fields.Force); err != nil {
		return err
	}
	if fields.RetryCount != nil {
		count := *fields.RetryCount
		if count < rec.RetryCount {
			return fmt.Errorf("%w: retry_count cannot decrease (%d → %d)", ErrIllegalTransition, rec.RetryCount, count)
		}
		if count > rec.MaxRetries {
			return fmt.Errorf("%w: retry_count %d exceeds max_retries %d", ErrRetryBudgetExceeded, count, rec.MaxRetries)
		}
	}

	now := s.timestamp()
	stamp := formatTime(now)
	sets := []string{"stage = ?", "updated_at = ?"}
	args := []any{string(to), stamp}
	set := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if fields.RetryCount != nil {
		set("retry_count", *fields.RetryCount)
	}
	if s.workflow.IsWorking(to) {
		set("resume_stage", string(to))
		if rec.StartedAt == nil || rec.Stage.IsTerminal() {
			set("started_at", stamp)
		}
	}
	switch {
	case to.IsTerminal():
		set("completed_at", stamp)
		if rec.StartedAt != nil {
			set("processing_time", now.Sub(*rec.StartedAt).Seconds())
		} else {
			set("processing_time", nil)
		}
	case rec.Stage.IsTerminal():
		set("completed_at", nil)
		set("processing_time", nil)
	}
	if to == StageRetryPending {
		next := now
		if fields.NextAttemptAt != nil {
			next = *fields.NextAttemptAt
		}
		set("next_attempt_at", formatTime(next))
		set("lease_until", nullableTime(fields.LeaseUntil))
	} else {
		set("next_attempt_at", nil)
		set("lease_until", nil)
	}

	args = append(args, rec.ItemID)
	query := `UPDATE processing_records SET ` + strings.Join(sets, ", ") + ` WHERE item_id = ?`
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("transition %s: %w", rec.ItemID, err)
	}
	if err := insertHistory(ctx, tx, rec.ItemID, rec.Stage, to, stamp, reason); err != nil {
		return err
	}

	rec.Stage = to
	if fields.RetryCount != nil {
		rec.RetryCount = *fields.RetryCount
	}
	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, itemID string, from, to Stage, changedAt, reason string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stage_history (item_id, old_stage, new_stage, changed_at, reason) VALUES (?, ?, ?, ?, ?)`,
		itemID, nullableString(string(from)), string(to), changedAt, nullableString(reason),
	); err != nil {
		return fmt.Errorf("insert stage history: %w", err)
	}
	return nil
}

// Enter moves itemID into the working stage to, passing through QUEUED when
// the item is DISCOVERED or RETRY_PENDING, in one transaction. An item already
// at to is returned as is.
func (s *Store) Enter(ctx context.Context, itemID string, to Stage, reason string) (*Record, error) {
	var entered *Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getRecordTx(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if rec.Stage != to {
			if rec.Stage == StageDiscovered || rec.Stage == StageRetryPending {
				if err := s.applyTransition(ctx, tx, rec, StageQueued, reason, Fields{}); err != nil {
					return err
				}
			}
			if err := s.applyTransition(ctx, tx, rec, to, reason, Fields{}); err != nil {
				return err
			}
		}
		entered = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entered, nil
}

// ClaimNext moves the highest-priority QUEUED item into its resume stage (or
// the first working stage) and returns it. It returns nil, nil when nothing is
// queued. The claim and its history row commit together, so concurrent
// claimers never receive the same item.
func (s *Store) ClaimNext(ctx context.Context) (*Record, error) {
	var claimed *Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		claimed = nil
		row := tx.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM processing_records
             WHERE stage = ? ORDER BY priority DESC, created_at, item_id LIMIT 1`,
			StageQueued,
		)
		rec, err := scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim next: %w", err)
		}
		target := rec.ResumeStage
		if !s.workflow.IsWorking(target) {
			target = s.workflow.First()
		}
		if err := s.applyTransition(ctx, tx, rec, target, "claimed by worker", Fields{}); err != nil {
			return err
		}
		claimed, err = getRecordTx(ctx, tx, rec.ItemID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// PromoteDue moves RETRY_PENDING items whose next attempt is due, and whose
// lease has expired, back to QUEUED.
func (s *Store) PromoteDue(ctx context.Context) (int, error) {
	now := formatTime(s.timestamp())
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT item_id FROM processing_records
         WHERE stage = ?
           AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
           AND (lease_until IS NULL OR lease_until <= ?)
         ORDER BY priority DESC, next_attempt_at`,
		StageRetryPending, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("query due retries: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	promoted := 0
	for _, id := range ids {
		ok, err := s.Transition(ctx, id, StageQueued, "retry due", Fields{})
		if err != nil {
			return promoted, err
		}
		if ok {
			promoted++
		}
	}
	return promoted, nil
}

// Requeue returns a FAILED item to QUEUED through RETRY_PENDING. It fails with
// ErrRetryBudgetExceeded when the item has no retries left.
func (s *Store) Requeue(ctx context.Context, itemID, reason string) error {
	if reason == "" {
		reason = "retry requested"
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getRecordTx(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if err := s.applyTransition(ctx, tx, rec, StageRetryPending, reason, Fields{}); err != nil {
			return err
		}
		return s.applyTransition(ctx, tx, rec, StageQueued, reason, Fields{})
	})
}

// Reprocess forces a COMPLETED item back through the pipeline from the first
// working stage and leaves it QUEUED for a worker.
func (s *Store) Reprocess(ctx context.Context, itemID, reason string) error {
	if reason == "" {
		reason = "reprocess requested"
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getRecordTx(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if err := s.applyTransition(ctx, tx, rec, s.workflow.First(), reason, Fields{Force: true}); err != nil {
			return err
		}
		if err := s.applyTransition(ctx, tx, rec, StageRetryPending, reason, Fields{}); err != nil {
			return err
		}
		return s.applyTransition(ctx, tx, rec, StageQueued, reason, Fields{})
	})
}

// ReclaimInFlight returns items left in a working stage by a previous process
// to RETRY_PENDING so the scheduler picks them up again.
func (s *Store) ReclaimInFlight(ctx context.Context) (int, error) {
	records, err := s.List(ctx, s.workflow.Working()...)
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, rec := range records {
		ok, err := s.Transition(ctx, rec.ItemID, StageRetryPending, "reclaimed after restart", Fields{})
		if err != nil {
			return reclaimed, err
		}
		if ok {
			reclaimed++
		}
	}
	return reclaimed, nil
}

// NextDue returns the earliest next_attempt_at among RETRY_PENDING items.
func (s *Store) NextDue(ctx context.Context) (*time.Time, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT MIN(next_attempt_at) FROM processing_records WHERE stage = ?`, StageRetryPending,
	).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("next due retry: %w", err)
	}
	return parseNullTime(raw), nil
}
