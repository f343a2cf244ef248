// Package codegate issues, delivers and checks short one-time numeric codes,
// and drives the password reset and signup confirmation flows they gate.
//
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// codegate is the public surface. It exposes [Engine], [Builder], [Config], and
// value types ([Purpose], [Step], [Action], [FlowResult]). Flow orchestration,
// code hashing, Redis persistence, throttling and audit dispatch live under
// internal/ and are never exported.
//
// # What this package must NOT do
//
//   - Store, log or audit a plaintext code.
//   - Tell a caller whether an identifier has an account.
//   - Expose Redis clients, internal stores, or record encodings in its public API.
//   - Import any sub-package that re-imports codegate (no import cycles).
//
// # Consistency contract
//
// At most one challenge is live per (subject, purpose). Issuing again
// supersedes it. A challenge accepts at most one correct submission and is
// destroyed after MaxAttempts wrong ones. Every mutation is a single Redis
// command or script, so these hold across processes sharing one Redis.
package codegate
