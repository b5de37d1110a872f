// Package workflow runs queued items through a caller-supplied Pipeline on a
// pool of workers and keeps the queue moving between runs.
//
// The Manager starts N workers. Each claims the highest-priority QUEUED item
// from the status store, runs the pipeline's steps from the item's resume
// stage through the recovery coordinator, and marks the item COMPLETED after
// the last step. Retry waits and rate-limit waits suspend only the worker that
// owns the item.
//
// The Scheduler is the interval loop beside the pool: it promotes due
// RETRY_PENDING items to QUEUED, optionally requeues FAILED items that are
// retry candidates, sweeps terminal records past the retention age, and
// refreshes the item gauges.
package workflow
