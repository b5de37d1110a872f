// Package daemon coordinates the long-running `stageguard serve` process.
//
// It wires the engine, the workflow manager, the retry scheduler, and the
// metrics endpoint into a single lifecycle with flock-based locking to prevent
// multiple instances against the same data directory.
//
// Keep orchestration logic here: stage execution lives in workflow and
// recovery while the daemon focuses on startup, shutdown, and high level
// coordination.
package daemon
