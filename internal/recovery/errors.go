package recovery

import (
	"errors"
	"fmt"
	"time"

	"stageguard/internal/classify"
	"stageguard/internal/status"
)

var (
	// ErrServiceUnavailable reports a run rejected by an open circuit breaker.
	// The task was not invoked and no retry budget was consumed.
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrDeadlineExceeded reports a run whose next wait would pass the
	// caller's deadline. The item stays RETRY_PENDING.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	// ErrItemBusy reports a run for an item that already has one in flight.
	ErrItemBusy = errors.New("item already running")
	// ErrIllegalTransition reports a run the transition table does not allow,
	// such as a stage run on a FAILED item.
	ErrIllegalTransition = status.ErrIllegalTransition
)

// FailureError describes a terminal failure: the item is FAILED.
type FailureError struct {
	ItemID     string
	Stage      status.Stage
	Dependency string
	Category   classify.Category
	RetryCount int
	// Exhausted is true when the category was retryable but the budget ran out.
	Exhausted bool
	Message   string
	Err       error
}

func (e *FailureError) Error() string {
	reason := "not retryable"
	if e.Exhausted {
		reason = "retries exhausted"
	}
	return fmt.Sprintf("%s failed at %s (%s, %s, retry_count=%d): %s",
		e.ItemID, e.Stage, e.Category, reason, e.RetryCount, e.Message)
}

func (e *FailureError) Unwrap() error { return e.Err }

// RetryError reports a retryable failure from RunOnce, or from Run when the
// wait would pass the deadline. The item is RETRY_PENDING until RetryAt.
type RetryError struct {
	ItemID     string
	Stage      status.Stage
	Category   classify.Category
	RetryCount int
	RetryAt    time.Time
	Err        error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s retry %d at %s scheduled for %s (%s): %v",
		e.ItemID, e.RetryCount, e.Stage, e.RetryAt.UTC().Format(time.RFC3339), e.Category, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// IsTerminal reports whether err means the item ended FAILED.
func IsTerminal(err error) bool {
	var failure *FailureError
	return errors.As(err, &failure)
}
