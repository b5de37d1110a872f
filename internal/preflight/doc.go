// Package preflight provides readiness checks for the filesystem paths,
// status database, and shared limiter backend that stageguard depends on.
//
// These checks run in two contexts:
//   - `stageguard serve` calls RunAll before starting workers and refuses
//     to start when a required check fails.
//   - The CLI "health" and "doctor" commands render the same results.
//
// Checks for optional backends are skipped when the backend is not selected.
package preflight
