// Package logs reads the serve log file for `stageguard logs`.
//
// Tail returns the last N lines together with the byte offset reached, and a
// follow loop feeds that offset back in to pick up lines appended by a running
// `stageguard serve`. A missing file reads as empty so the command works
// before serve has ever started.
package logs
