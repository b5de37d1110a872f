package status

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// RecordError appends a failure to the item's error log and stamps it as the
// record's last error. A CRITICAL error also forces a non-terminal item to
// FAILED in the same transaction.
func (s *Store) RecordError(ctx context.Context, in NewError) error {
	if strings.TrimSpace(in.ItemID) == "" {
		return fmt.Errorf("record error: item id is required")
	}
	severity := in.Severity
	switch severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	case "":
		severity = SeverityMedium
	default:
		return fmt.Errorf("record error: unknown severity %q", severity)
	}
	contextJSON := "{}"
	if len(in.Context) > 0 {
		data, err := json.Marshal(in.Context)
		if err != nil {
			return fmt.Errorf("encode error context: %w", err)
		}
		contextJSON = string(data)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getRecordTx(ctx, tx, in.ItemID)
		if err != nil {
			return err
		}
		stage := in.Stage
		if stage == "" {
			stage = rec.Stage
		}
		stamp := formatTime(s.timestamp())
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO processing_errors (item_id, timestamp, stage, error_type, message, severity, context_json)
             VALUES (?, ?, ?, ?, ?, ?, ?)`,
			in.ItemID, stamp, string(stage), in.ErrorType, in.Message, string(severity), contextJSON,
		); err != nil {
			return fmt.Errorf("insert error: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE processing_records
             SET last_error_type = ?, last_error_message = ?, last_error_at = ?, updated_at = ?
             WHERE item_id = ?`,
			nullableString(in.ErrorType), nullableString(in.Message), stamp, stamp, in.ItemID,
		); err != nil {
			return fmt.Errorf("update last error: %w", err)
		}
		if severity == SeverityCritical && !rec.Stage.IsTerminal() {
			return s.applyTransition(ctx, tx, rec, StageFailed, "critical error", Fields{Force: true})
		}
		return nil
	})
}

// Errors returns the item's error log in timestamp order.
func (s *Store) Errors(ctx context.Context, itemID string) ([]ErrorEntry, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT id, item_id, timestamp, stage, error_type, message, severity, context_json
         FROM processing_errors WHERE item_id = ? ORDER BY timestamp, id`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query errors: %w", err)
	}
	defer rows.Close()

	var entries []ErrorEntry
	for rows.Next() {
		var (
			entry       ErrorEntry
			stampRaw    string
			stage       string
			severity    string
			contextJSON sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.ItemID, &stampRaw, &stage, &entry.ErrorType, &entry.Message, &severity, &contextJSON); err != nil {
			return nil, err
		}
		entry.Stage = Stage(stage)
		entry.Severity = Severity(severity)
		if ts, err := parseTimeString(stampRaw); err == nil {
			entry.Timestamp = ts
		}
		if contextJSON.Valid && contextJSON.String != "" {
			if err := json.Unmarshal([]byte(contextJSON.String), &entry.Context); err != nil {
				return nil, fmt.Errorf("decode error context: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// History returns the item's accepted transitions in order.
func (s *Store) History(ctx context.Context, itemID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT id, item_id, old_stage, new_stage, changed_at, reason
         FROM stage_history WHERE item_id = ? ORDER BY id`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			entry      HistoryEntry
			oldStage   sql.NullString
			newStage   string
			changedRaw string
			reason     sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.ItemID, &oldStage, &newStage, &changedRaw, &reason); err != nil {
			return nil, err
		}
		entry.OldStage = Stage(oldStage.String)
		entry.NewStage = Stage(newStage)
		entry.Reason = reason.String
		if ts, err := parseTimeString(changedRaw); err == nil {
			entry.ChangedAt = ts
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
