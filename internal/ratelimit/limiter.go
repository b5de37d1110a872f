package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrCostExceedsLimit reports a single request whose cost is larger than the
// whole token ceiling; waiting can never admit it.
var ErrCostExceedsLimit = errors.New("request cost exceeds token ceiling")

// DefaultWindow is the rolling window length.
const DefaultWindow = 60 * time.Second

// Limits are the ceilings for one resource within the window. Zero disables
// that dimension.
type Limits struct {
	MaxRequests int
	MaxTokens   int
}

// Enabled reports whether any ceiling is set.
func (l Limits) Enabled() bool {
	return l.MaxRequests > 0 || l.MaxTokens > 0
}

// Usage is the current window occupancy.
type Usage struct {
	Requests int
	Tokens   int
}

// Limiter bounds calls to one resource. A request costs one unit of the
// request ceiling plus cost units of the token ceiling.
type Limiter interface {
	// Name identifies the limited resource.
	Name() string
	// Limits returns the configured ceilings.
	Limits() Limits
	// CanProceed reports whether a request of cost fits now, and otherwise how
	// long until the oldest blocking entry leaves the window.
	CanProceed(ctx context.Context, cost int) (bool, time.Duration, error)
	// Record appends an entry unconditionally.
	Record(ctx context.Context, cost int) error
	// Reserve is CanProceed followed by Record as one atomic step.
	Reserve(ctx context.Context, cost int) (bool, time.Duration, error)
	// Usage returns the pruned window occupancy.
	Usage(ctx context.Context) (Usage, error)
}
