// Package services defines shared utilities consumed by pipeline tasks and the
// resilience engine.
//
// Key responsibilities:
//   - Context helpers that stamp item IDs, stage names, dependency names, and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap and WithCode helpers that let task
//     code declare what kind of failure occurred, so the classifier does not
//     have to guess from message text.
//
// Tasks should tag their failures with these helpers instead of retrying on
// their own; the coordinator owns retry decisions.
package services
