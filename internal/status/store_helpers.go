package status

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const recordColumns = "item_id, stage, priority, created_at, updated_at, started_at, completed_at, processing_time, retry_count, max_retries, metadata_json, resume_stage, next_attempt_at, lease_until, last_error_type, last_error_message, last_error_at"

// Fixed-width UTC layout so timestamps compare correctly as TEXT in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*Record, error) {
	var (
		itemID         string
		stage          string
		priority       int
		createdRaw     string
		updatedRaw     string
		startedRaw     sql.NullString
		completedRaw   sql.NullString
		processingSecs sql.NullFloat64
		retryCount     int
		maxRetries     int
		metadataRaw    sql.NullString
		resumeStage    sql.NullString
		nextAttemptRaw sql.NullString
		leaseRaw       sql.NullString
		lastErrType    sql.NullString
		lastErrMessage sql.NullString
		lastErrRaw     sql.NullString
	)
	if err := scanner.Scan(
		&itemID,
		&stage,
		&priority,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&completedRaw,
		&processingSecs,
		&retryCount,
		&maxRetries,
		&metadataRaw,
		&resumeStage,
		&nextAttemptRaw,
		&leaseRaw,
		&lastErrType,
		&lastErrMessage,
		&lastErrRaw,
	); err != nil {
		return nil, err
	}

	rec := &Record{
		ItemID:           itemID,
		Stage:            Stage(stage),
		Priority:         priority,
		RetryCount:       retryCount,
		MaxRetries:       maxRetries,
		ResumeStage:      Stage(resumeStage.String),
		StartedAt:        parseNullTime(startedRaw),
		CompletedAt:      parseNullTime(completedRaw),
		NextAttemptAt:    parseNullTime(nextAttemptRaw),
		LeaseUntil:       parseNullTime(leaseRaw),
		LastErrorType:    lastErrType.String,
		LastErrorMessage: lastErrMessage.String,
		LastErrorAt:      parseNullTime(lastErrRaw),
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		rec.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		rec.UpdatedAt = updated
	}
	if processingSecs.Valid {
		rec.ProcessingTime = time.Duration(processingSecs.Float64 * float64(time.Second))
	}
	metadata, err := decodeMetadata(metadataRaw.String)
	if err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", itemID, err)
	}
	rec.Metadata = metadata
	return rec, nil
}

func decodeMetadata(raw string) (map[string]any, error) {
	metadata := map[string]any{}
	if raw == "" {
		return metadata, nil
	}
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

func encodeJSON(value any) (string, error) {
	if value == nil {
		return "{}", nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func parseNullTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	t, err := parseTimeString(value.String)
	if err != nil {
		return nil
	}
	return &t
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}

func stageArgs(stages []Stage) []any {
	args := make([]any, len(stages))
	for i, stage := range stages {
		args[i] = string(stage)
	}
	return args
}
