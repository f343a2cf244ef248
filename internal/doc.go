// Package internal contains helper utilities that are intentionally private to codegate,
// including secure code generation, flow identifiers, and keyed code hashing.
//
// # Sub-packages
//
//   - audit — async event dispatch (Dispatcher + Sink implementations)
//   - config — environment/.env loading for the codegate binary
//   - flows — pure-function orchestrators for verification and flow operations
//   - limiters — issuance throttling built on internal/rate
//   - logging — zerolog constructors for binaries
//   - rate — core Redis-backed fixed-window counters
//   - stores — Redis challenge and flow-session stores
//
// # What this package must NOT do
//
//   - Export types that appear in the public codegate API.
//   - Log or return plaintext codes anywhere except the issuing call chain.
package internal
