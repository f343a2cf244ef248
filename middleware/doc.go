// Package middleware holds HTTP adapters that prepare requests for
// codegate.Engine calls.
//
// [ClientIP] puts the caller's address into the request context so the
// Engine can apply per-IP issuance throttling and stamp audit events.
//
// The package translates HTTP semantics only. It never calls the Engine or
// touches Redis.
package middleware
