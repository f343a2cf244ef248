// Package flows contains pure-function orchestrators for every Engine operation.
//
// RunIssue, RunValidate and RunInvalidate implement the verification service
// over one (subject, purpose) challenge. RunStartFlow, RunSubmitCode,
// RunResendCode and RunCompleteAction drive the three-step flow state machine
// on top of it. Each accepts a typed dependency struct and returns results
// without side-effects beyond those dependencies.
//
// # Architecture boundaries
//
// Flow functions coordinate calls to the challenge and flow session stores,
// the issuance limiter, identity, delivery, audit and metrics. They do NOT own
// any of these resources; ownership stays with the Engine.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import codegate (to avoid import cycles).
//   - See or log plaintext codes outside RunIssue and RunValidate.
package flows
