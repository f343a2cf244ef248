// Package rate provides the Redis fixed-window counter used by the domain
// limiters in internal/limiters.
//
// # Window semantics
//
// INCR + EXPIRE on the first hit of a window. A key is limited once its count
// exceeds the configured limit and stays limited until the window key expires.
//
// # What this package must NOT do
//
//   - Implement domain-specific policies (those live in internal/limiters).
package rate
