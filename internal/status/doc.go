// Package status persists per-item processing state in SQLite.
//
// A Store owns three append-aware tables: processing_records (one row per item),
// stage_history (one row per accepted transition) and processing_errors (the
// audit trail of failures). Every mutation runs in a single immediate
// transaction so a record's stage never changes without its matching history
// row. Transitions are validated against a Workflow built from the caller's
// working stages; illegal transitions are rejected without side effects.
//
// Breaker state can be mirrored to the circuit_breakers table so a restarted
// process resumes with the same view of its dependencies.
package status
