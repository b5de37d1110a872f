// Package main hosts the stageguard CLI entrypoint and command graph.
//
// The Cobra-based command tree opens the status database directly for
// inspection and maintenance commands, and `stageguard serve` runs the
// worker pool, retry scheduler, and metrics endpoint in the foreground.
// Configuration resolution and logger setup live in commandContext so
// subcommands only render results.
package main
