package codegate

import (
	"context"
	"time"

	"github.com/MrEthical07/codegate/internal/flows"
)

// Purpose names the journey a code gates. Codes never cross purposes.
type Purpose uint8

const (
	PurposePasswordReset Purpose = iota + 1
	PurposeSignupConfirmation
)

func (p Purpose) String() string {
	switch p {
	case PurposePasswordReset:
		return "password_reset"
	case PurposeSignupConfirmation:
		return "signup_confirmation"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the defined purposes.
func (p Purpose) Valid() bool {
	switch p {
	case PurposePasswordReset, PurposeSignupConfirmation:
		return true
	default:
		return false
	}
}

// ParsePurpose maps the wire name of a purpose back to its value.
func ParsePurpose(s string) (Purpose, error) {
	switch s {
	case "password_reset":
		return PurposePasswordReset, nil
	case "signup_confirmation":
		return PurposeSignupConfirmation, nil
	default:
		return 0, ErrInvalidPurpose
	}
}

// Step is a flow's position in the CollectIdentifier, PresentChallenge,
// PerformAction sequence. StepDone is only ever reported, never stored.
type Step uint8

const (
	StepCollectIdentifier = Step(flows.StepCollectIdentifier)
	StepPresentChallenge  = Step(flows.StepPresentChallenge)
	StepPerformAction     = Step(flows.StepPerformAction)
	StepDone              = Step(flows.StepDone)
)

func (s Step) String() string {
	switch s {
	case StepCollectIdentifier:
		return "collect_identifier"
	case StepPresentChallenge:
		return "present_challenge"
	case StepPerformAction:
		return "perform_action"
	case StepDone:
		return "done"
	default:
		return "unknown"
	}
}

// Action is the sensitive operation a verified flow unlocks. The set is
// closed: SetPassword and ConfirmAccount.
type Action interface {
	purpose() Purpose
	kind() string
}

// SetPassword completes a password reset flow.
type SetPassword struct {
	NewPassword string
}

func (SetPassword) purpose() Purpose { return PurposePasswordReset }
func (SetPassword) kind() string     { return "set_password" }

// ConfirmAccount completes a signup confirmation flow.
type ConfirmAccount struct{}

func (ConfirmAccount) purpose() Purpose { return PurposeSignupConfirmation }
func (ConfirmAccount) kind() string     { return "confirm_account" }

// Identity is the account system the engine verifies codes for.
type Identity interface {
	// ResolveSubject maps a user-typed identifier to a stable subject id.
	// Unknown identifiers return ErrSubjectNotFound.
	ResolveSubject(ctx context.Context, identifier string) (string, error)
	// ContactAddress returns where codes for subjectID are sent.
	ContactAddress(ctx context.Context, subjectID string) (string, error)
	// PerformGatedAction applies action for subjectID after a successful
	// verification.
	PerformGatedAction(ctx context.Context, subjectID string, action Action) error
}

// Deliverer sends a plaintext code out of band.
type Deliverer interface {
	Deliver(ctx context.Context, address string, purpose Purpose, code string) error
}

// Clock supplies the current time. Expiry and cooldowns are evaluated
// against it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// FlowResult is what a client learns about its flow. It never reveals attempt
// counts, subject ids or whether the identifier exists.
type FlowResult struct {
	FlowID        string
	Purpose       Purpose
	Step          Step
	CooldownUntil time.Time
	// ResendIn is the time left before ResendCode is accepted, zero when
	// a resend is allowed now.
	ResendIn time.Duration
}
