package recovery

import "context"

// Blocking adapts a synchronous call to a Task. fn runs on its own goroutine;
// when ctx ends first the Task returns ctx.Err() and fn's result is discarded.
func Blocking(fn func() error) Task {
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		done := make(chan error, 1)
		go func() {
			done <- invoke(ctx, func(context.Context) error { return fn() })
		}()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
