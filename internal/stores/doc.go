// Package stores provides the Redis-backed records behind verification codes:
// the per (subject, purpose) challenge and the per-flow session.
//
// # Design
//
// Each store persists a versioned, binary-encoded record with a TTL. Challenge
// mutations (Consume, RecordFailedAttempt) are Lua scripts guarded by the
// challenge id the caller observed, so a superseding Put is never touched by a
// validator still holding the old record. Flow session transitions use
// WATCH/MULTI optimistic transactions with bounded retry.
//
// Expiry is evaluated against the caller-supplied time; the Redis TTL only
// reclaims storage.
//
// # Architecture boundaries
//
// This package owns persistence and concurrency control. It does NOT generate
// or compare codes, enforce rate limits, or deliver anything; those belong to
// internal/flows.
//
// # What this package must NOT do
//
//   - Import codegate or any sibling internal package.
//   - Store or log plaintext codes.
package stores
