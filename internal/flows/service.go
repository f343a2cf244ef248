package flows

import "context"

// Service is the centralized flow runner built once by the root engine.
type Service struct {
	deps Deps
}

// New returns a flow service with immutable dependency wiring. Flow deps that
// reach the verification service are bound to the Verification set unless
// supplied explicitly.
func New(deps Deps) Service {
	verification := deps.Verification
	if deps.Flow.Issue == nil {
		deps.Flow.Issue = func(ctx context.Context, subjectID string, purpose uint8) error {
			_, err := RunIssue(ctx, subjectID, purpose, verification)
			return err
		}
	}
	if deps.Flow.Validate == nil {
		deps.Flow.Validate = func(ctx context.Context, subjectID string, purpose uint8, code string) (bool, error) {
			return RunValidate(ctx, subjectID, purpose, code, verification)
		}
	}
	return Service{deps: deps}
}

// Initialized reports whether the service has been wired with flow deps.
func (s Service) Initialized() bool {
	return s.deps.Verification.PutChallenge != nil && s.deps.Flow.CreateSession != nil
}

func (s Service) Issue(ctx context.Context, subjectID string, purpose uint8) (ChallengeRecord, error) {
	return RunIssue(ctx, subjectID, purpose, s.deps.Verification)
}

func (s Service) Validate(ctx context.Context, subjectID string, purpose uint8, code string) (bool, error) {
	return RunValidate(ctx, subjectID, purpose, code, s.deps.Verification)
}

func (s Service) Invalidate(ctx context.Context, subjectID string, purpose uint8) error {
	return RunInvalidate(ctx, subjectID, purpose, s.deps.Verification)
}

func (s Service) StartFlow(ctx context.Context, purpose uint8, identifier string) (FlowResult, error) {
	return RunStartFlow(ctx, purpose, identifier, s.deps.Flow)
}

func (s Service) SubmitCode(ctx context.Context, flowID, code string) (FlowResult, error) {
	return RunSubmitCode(ctx, flowID, code, s.deps.Flow)
}

func (s Service) ResendCode(ctx context.Context, flowID string) (FlowResult, error) {
	return RunResendCode(ctx, flowID, s.deps.Flow)
}

func (s Service) CompleteAction(ctx context.Context, flowID string, action FlowAction) (FlowResult, error) {
	return RunCompleteAction(ctx, flowID, action, s.deps.Flow)
}
