// Package recovery runs caller tasks for an item at a stage under the
// engine's resilience policy.
//
// A run enters the stage, consults the dependency's circuit breaker and rate
// limiter, invokes the task, and on failure classifies the error, resolves
// the retry policy, and either schedules a retry or fails the item. Run
// performs retries inline, suspending only the calling goroutine; RunOnce
// performs a single attempt and leaves scheduled retries to the scheduler.
package recovery
