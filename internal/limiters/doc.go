// Package limiters applies issuance policy on top of the internal/rate
// counters.
//
// [IssueLimiter] counts code issuance per (purpose, identifier) and per
// (purpose, client IP). A nil *IssueLimiter allows everything, which is how
// the engine runs with throttling switched off.
//
// Limiters only count. Deciding what a denial means for the caller is left to
// internal/flows, and nothing here imports codegate.
package limiters
