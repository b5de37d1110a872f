// Package config loads, normalizes, and validates stageguard configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and applies STAGEGUARD_* environment overrides.
// The Config type centralizes every knob the engine, worker pool, and CLI need:
// stage order, retry policies per error category, circuit breaker and rate limit
// settings per dependency, retention, and observability endpoints.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical category names, and clear validation errors.
package config
