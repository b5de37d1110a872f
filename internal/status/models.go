package status

import "time"

// Stage is a lifecycle or working stage name.
type Stage string

// Lifecycle stages owned by the engine. Working stages are supplied by the caller.
const (
	StageDiscovered   Stage = "DISCOVERED"
	StageQueued       Stage = "QUEUED"
	StageRetryPending Stage = "RETRY_PENDING"
	StageCompleted    Stage = "COMPLETED"
	StageFailed       Stage = "FAILED"
)

// DefaultWorkingStage is used when the caller does not configure sub-stages.
const DefaultWorkingStage Stage = "PROCESSING"

// IsTerminal reports whether the stage ends a processing run.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

func (s Stage) String() string { return string(s) }

// Severity ranks a recorded error.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Record is the persisted processing state of one item.
type Record struct {
	ItemID         string
	Stage          Stage
	Priority       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ProcessingTime time.Duration
	RetryCount     int
	MaxRetries     int
	Metadata       map[string]any

	// ResumeStage is the last working stage entered; retries resume there.
	ResumeStage   Stage
	NextAttemptAt *time.Time
	LeaseUntil    *time.Time

	LastErrorType    string
	LastErrorMessage string
	LastErrorAt      *time.Time
}

// IsTerminal reports whether the record sits in COMPLETED or FAILED.
func (r *Record) IsTerminal() bool {
	return r != nil && r.Stage.IsTerminal()
}

// HistoryEntry is one accepted stage transition.
type HistoryEntry struct {
	ID        int64
	ItemID    string
	OldStage  Stage
	NewStage  Stage
	ChangedAt time.Time
	Reason    string
}

// ErrorEntry is one recorded failure.
type ErrorEntry struct {
	ID        int64
	ItemID    string
	Timestamp time.Time
	Stage     Stage
	ErrorType string
	Message   string
	Severity  Severity
	Context   map[string]string
}

// NewError describes a failure to append with RecordError.
type NewError struct {
	ItemID    string
	Stage     Stage
	ErrorType string
	Message   string
	Severity  Severity
	Context   map[string]string
}

// Fields carries optional column updates applied with a transition.
type Fields struct {
	// RetryCount replaces retry_count; it may not decrease or exceed max_retries.
	RetryCount *int
	// NextAttemptAt is stamped when entering RETRY_PENDING (defaults to now).
	NextAttemptAt *time.Time
	// LeaseUntil hides a RETRY_PENDING item from PromoteDue while an in-process
	// waiter owns its next attempt.
	LeaseUntil *time.Time
	// Force enables the policy-gated edges (reprocessing a COMPLETED item,
	// failing a non-working item).
	Force bool
}

// BreakerSnapshot mirrors one circuit breaker.
type BreakerSnapshot struct {
	Dependency     string
	State          string
	FailureCount   int
	LastFailureAt  *time.Time
	HalfOpenTrials int
	UpdatedAt      time.Time
}

// HealthSummary aggregates record counts by lifecycle bucket.
type HealthSummary struct {
	Total        int
	Discovered   int
	Queued       int
	Processing   int
	RetryPending int
	Completed    int
	Failed       int
}

// DatabaseHealth describes the status database for diagnostics.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	SchemaVersion    int64
	TableExists      bool
	ColumnsPresent   []string
	MissingColumns   []string
	IntegrityCheck   bool
	TotalItems       int
	Error            string
}
