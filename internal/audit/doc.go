// Package audit implements async event dispatching for verification and flow
// operations.
//
// # Components
//
//   - [Sink]: interface for event consumers (channel, JSON writer, zerolog, no-op).
//   - [Dispatcher]: single-goroutine relay that either drops or blocks when full.
//     A panicking sink is logged and skipped; drops are logged at most every 10s.
//   - [Event]: structured audit record with timestamp, type, subject, flow, IP, metadata.
//
// # Architecture boundaries
//
// This package owns event buffering and sink delivery. It does NOT decide which events
// to emit; that responsibility belongs to the Engine and flow functions.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on business logic.
//   - Import codegate or any sibling internal package.
//   - Perform network I/O beyond what a caller-supplied Sink does.
package audit
