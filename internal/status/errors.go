package status

import "errors"

var (
	// ErrAlreadyExists is returned by Create when the item is already tracked.
	ErrAlreadyExists = errors.New("item already exists")
	// ErrNotFound is returned when an operation targets an unknown item.
	ErrNotFound = errors.New("item not found")
	// ErrIllegalTransition reports a (from, to) pair absent from the transition table.
	ErrIllegalTransition = errors.New("illegal stage transition")
	// ErrRetryBudgetExceeded reports a FAILED item that has used its whole retry budget.
	ErrRetryBudgetExceeded = errors.New("retry budget exceeded")
	// ErrSchemaMismatch indicates the database was migrated by a newer release.
	ErrSchemaMismatch = errors.New("schema version mismatch")
)
