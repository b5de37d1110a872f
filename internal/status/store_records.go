package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

type createParams struct {
	priority   *int
	maxRetries *int
}

// CreateOption customizes a record at creation.
type CreateOption func(*createParams)

// WithPriority sets the scheduling priority; higher runs first.
func WithPriority(priority int) CreateOption {
	return func(p *createParams) { p.priority = &priority }
}

// WithMaxRetries sets the item's retry budget.
func WithMaxRetries(maxRetries int) CreateOption {
	return func(p *createParams) {
		if maxRetries >= 0 {
			p.maxRetries = &maxRetries
		}
	}
}

// Create inserts a DISCOVERED record for itemID. It fails with ErrAlreadyExists
// when the item is already tracked.
func (s *Store) Create(ctx context.Context, itemID string, metadata map[string]any, opts ...CreateOption) (*Record, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return nil, errors.New("create: item id is required")
	}
	params := createParams{}
	for _, opt := range opts {
		opt(&params)
	}
	priority := s.defaultPriority
	if params.priority != nil {
		priority = *params.priority
	}
	maxRetries := s.defaultMaxRetries
	if params.maxRetries != nil {
		maxRetries = *params.maxRetries
	}
	metadataJSON, err := encodeJSON(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	var created *Record
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getRecordTx(ctx, tx, itemID); err == nil {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, itemID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		now := formatTime(s.timestamp())
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO processing_records (
                item_id, stage, priority, created_at, updated_at, retry_count, max_retries, metadata_json
            ) VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			itemID, StageDiscovered, priority, now, now, maxRetries, metadataJSON,
		); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		if err := insertHistory(ctx, tx, itemID, "", StageDiscovered, now, "discovered"); err != nil {
			return err
		}
		rec, err := getRecordTx(ctx, tx, itemID)
		if err != nil {
			return err
		}
		created = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecordTx(ctx context.Context, q queryer, itemID string) (*Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM processing_records WHERE item_id = ?`, itemID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// Get fetches a record by item identifier. It returns nil, nil for unknown items.
func (s *Store) Get(ctx context.Context, itemID string) (*Record, error) {
	rec, err := getRecordTx(ensureContext(ctx), s.db, itemID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// List returns records filtered by stage set (or all records when no stage is
// provided), highest priority first.
func (s *Store) List(ctx context.Context, stages ...Stage) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM processing_records`
	var args []any
	if len(stages) > 0 {
		query += ` WHERE stage IN (` + makePlaceholders(len(stages)) + `)`
		args = stageArgs(stages)
	}
	query += ` ORDER BY priority DESC, created_at, item_id`
	return s.queryRecords(ctx, query, args...)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpdateMetadata merges patch into the record's metadata. Nil values delete keys.
func (s *Store) UpdateMetadata(ctx context.Context, itemID string, patch map[string]any) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getRecordTx(ctx, tx, itemID)
		if err != nil {
			return err
		}
		merged := maps.Clone(rec.Metadata)
		for key, value := range patch {
			if value == nil {
				delete(merged, key)
				continue
			}
			merged[key] = value
		}
		encoded, err := encodeJSON(merged)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE processing_records SET metadata_json = ?, updated_at = ? WHERE item_id = ?`,
			encoded, formatTime(s.timestamp()), itemID,
		); err != nil {
			return fmt.Errorf("update metadata: %w", err)
		}
		return nil
	})
}

// SetPriority changes the scheduling priority of an item.
func (s *Store) SetPriority(ctx context.Context, itemID string, priority int) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE processing_records SET priority = ?, updated_at = ? WHERE item_id = ?`,
		priority, formatTime(s.timestamp()), itemID,
	)
	if err != nil {
		return fmt.Errorf("set priority: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, itemID)
	}
	return nil
}

// RetryCandidates returns FAILED records whose retry_count is below both their
// own budget and maxRetries (when positive), and whose time since updated_at
// has reached backoff(record). A nil backoff imposes no wait.
func (s *Store) RetryCandidates(ctx context.Context, maxRetries int, backoff func(*Record) time.Duration) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM processing_records
        WHERE stage = ? AND retry_count < max_retries`
	args := []any{StageFailed}
	if maxRetries > 0 {
		query += ` AND retry_count < ?`
		args = append(args, maxRetries)
	}
	query += ` ORDER BY priority DESC, updated_at`

	records, err := s.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("retry candidates: %w", err)
	}
	now := s.timestamp()
	candidates := records[:0]
	for _, rec := range records {
		if backoff != nil && now.Sub(rec.UpdatedAt) < backoff(rec) {
			continue
		}
		candidates = append(candidates, rec)
	}
	return candidates, nil
}

// Cleanup removes COMPLETED and FAILED records whose completion is older than
// olderThan, together with their history and errors. In-flight records are
// never touched.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		return 0, errors.New("cleanup: age must not be negative")
	}
	cutoff := formatTime(s.timestamp().Add(-olderThan))
	res, err := s.execWithRetry(ctx,
		`DELETE FROM processing_records
         WHERE stage IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		StageCompleted, StageFailed, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup records: %w", err)
	}
	return res.RowsAffected()
}
