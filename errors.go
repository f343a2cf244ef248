package codegate

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidIdentifier reports an empty, oversized or malformed identifier.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrInvalidCodeFormat reports a submitted code that is not exactly the
	// configured number of ASCII digits.
	ErrInvalidCodeFormat = errors.New("invalid code format")
	// ErrInvalidPurpose reports a purpose outside the closed set.
	ErrInvalidPurpose = errors.New("invalid purpose")
	// ErrActionMismatch reports a gated action that does not belong to the flow's purpose.
	ErrActionMismatch = errors.New("action does not match flow purpose")
	// ErrChallengeInvalid is the single rejection for wrong, expired, exhausted
	// or already used codes.
	ErrChallengeInvalid = errors.New("code is invalid or expired")
	// ErrDeliveryFailed reports that the code could not be sent.
	ErrDeliveryFailed = errors.New("code delivery failed")
	// ErrUnavailable hides infrastructure failures (store, limiter, randomness).
	ErrUnavailable = errors.New("verification temporarily unavailable")

	ErrFlowNotFound    = errors.New("flow not found or expired")
	ErrFlowStep        = errors.New("operation not allowed in current flow step")
	ErrResendCooldown  = errors.New("resend cooling down")
	ErrRateLimited     = errors.New("too many requests")
	ErrCouldNotProceed = errors.New("could not proceed")
	ErrActionFailed    = errors.New("gated action failed")
	ErrEngineNotReady  = errors.New("engine not ready")

	// ErrSubjectNotFound is returned by Identity.ResolveSubject for identifiers
	// with no account.
	ErrSubjectNotFound = errors.New("subject not found")
)

// CooldownError is returned by ResendCode while the resend cooldown is active.
// errors.Is(err, ErrResendCooldown) reports true.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: retry in %s", ErrResendCooldown.Error(), e.Remaining.Round(time.Second))
}

func (e *CooldownError) Unwrap() error {
	return ErrResendCooldown
}
