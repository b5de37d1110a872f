package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Stats returns a count of records grouped by stage.
func (s *Store) Stats(ctx context.Context) (map[Stage]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT stage, COUNT(1) FROM processing_records GROUP BY stage`)
	if err != nil {
		return nil, fmt.Errorf("status stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Stage]int)
	for rows.Next() {
		var stage string
		var count int
		if err := rows.Scan(&stage, &count); err != nil {
			return nil, err
		}
		stats[Stage(stage)] = count
	}
	return stats, rows.Err()
}

// Health aggregates record counts for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for stage, count := range stats {
		health.Total += count
		switch stage {
		case StageDiscovered:
			health.Discovered += count
		case StageQueued:
			health.Queued += count
		case StageRetryPending:
			health.RetryPending += count
		case StageCompleted:
			health.Completed += count
		case StageFailed:
			health.Failed += count
		default:
			health.Processing += count
		}
	}
	return health, nil
}

// CompletionsSince counts transitions into COMPLETED at or after since.
func (s *Store) CompletionsSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT COUNT(1) FROM stage_history WHERE new_stage = ? AND changed_at >= ?`,
		StageCompleted, formatTime(since),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count completions: %w", err)
	}
	return count, nil
}

// StageDwell returns the mean time items spent in each stage, reconstructed
// from consecutive stage_history rows.
func (s *Store) StageDwell(ctx context.Context) (map[Stage]time.Duration, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT new_stage, AVG(dwell) FROM (
             SELECT new_stage,
                    (julianday(LEAD(changed_at) OVER (PARTITION BY item_id ORDER BY id)) - julianday(changed_at)) * 86400.0 AS dwell
             FROM stage_history
         ) WHERE dwell IS NOT NULL GROUP BY new_stage`,
	)
	if err != nil {
		return nil, fmt.Errorf("stage dwell: %w", err)
	}
	defer rows.Close()

	dwell := make(map[Stage]time.Duration)
	for rows.Next() {
		var stage string
		var seconds float64
		if err := rows.Scan(&stage, &seconds); err != nil {
			return nil, err
		}
		dwell[Stage(stage)] = time.Duration(seconds * float64(time.Second))
	}
	return dwell, rows.Err()
}

var expectedRecordColumns = []string{
	"item_id",
	"stage",
	"priority",
	"created_at",
	"updated_at",
	"started_at",
	"completed_at",
	"processing_time",
	"retry_count",
	"max_retries",
	"metadata_json",
	"resume_stage",
	"next_attempt_at",
	"lease_until",
	"last_error_type",
	"last_error_message",
	"last_error_at",
}

// CheckHealth returns diagnostic information about the status database.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{DBPath: s.path}

	if s.path == "" {
		return health, errors.New("status database path is unknown")
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			health.DatabaseExists = false
			return health, nil
		}
		return health, fmt.Errorf("stat status database: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("status database path %q is a directory", s.path)
	}
	health.DatabaseExists = true

	if s.db == nil {
		return health, errors.New("status database connection unavailable")
	}

	connCtx, cancel := context.WithTimeout(ensureContext(ctx), 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping status database: %w", err)
	}
	health.DatabaseReadable = true

	if version, err := s.SchemaVersion(connCtx); err == nil {
		health.SchemaVersion = version
	}

	var tableName string
	row := s.db.QueryRowContext(connCtx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'processing_records'")
	if err := row.Scan(&tableName); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			health.Error = err.Error()
			return health, fmt.Errorf("query table info: %w", err)
		}
	} else {
		health.TableExists = true
	}

	if health.TableExists {
		columns, err := s.tableColumns(connCtx, "processing_records")
		if err != nil {
			health.Error = err.Error()
			return health, err
		}
		health.ColumnsPresent = columns
		present := make(map[string]struct{}, len(columns))
		for _, col := range columns {
			present[col] = struct{}{}
		}
		for _, col := range expectedRecordColumns {
			if _, ok := present[col]; !ok {
				health.MissingColumns = append(health.MissingColumns, col)
			}
		}

		row = s.db.QueryRowContext(connCtx, "SELECT COUNT(*) FROM processing_records")
		if err := row.Scan(&health.TotalItems); err != nil {
			health.Error = err.Error()
			return health, fmt.Errorf("count records: %w", err)
		}
	}

	row = s.db.QueryRowContext(connCtx, "PRAGMA integrity_check")
	var integrityResult string
	if err := row.Scan(&integrityResult); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("integrity check: %w", err)
	}
	health.IntegrityCheck = strings.EqualFold(integrityResult, "ok")

	return health, nil
}

func (s *Store) tableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return nil, fmt.Errorf("table info: %w", err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var (
			cid     int
			name    string
			typeStr string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typeStr, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table info: %w", err)
	}
	return columns, nil
}
