package recovery

import (
	"context"
	"time"
)

type deadlineKey struct{}

// withRunDeadline pins ctx's deadline onto the coordinator clock once, at the
// start of a run, so later checks consume the same clock that backoff waits
// advance.
func (c *Coordinator) withRunDeadline(ctx context.Context) context.Context {
	deadline, ok := ctx.Deadline()
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, deadlineKey{}, c.now().Add(time.Until(deadline)))
}

// exceedsDeadline reports whether waiting d would run past the run deadline.
func (c *Coordinator) exceedsDeadline(ctx context.Context, d time.Duration) bool {
	deadline, ok := ctx.Value(deadlineKey{}).(time.Time)
	if !ok {
		return false
	}
	return d > deadline.Sub(c.now())
}
