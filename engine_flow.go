package codegate

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/codegate/internal"
	"github.com/MrEthical07/codegate/internal/flows"
	"github.com/MrEthical07/codegate/internal/limiters"
	"github.com/MrEthical07/codegate/internal/stores"
)

// StartFlow resolves identifier, issues a challenge for purpose and returns a
// flow waiting for the code.
//
// When the identifier has no account and Flow.ConcealUnknownSubjects is set,
// StartFlow answers exactly as for a known one and the returned flow rejects
// every code. Without concealment it returns ErrCouldNotProceed. A delivery
// failure returns ErrDeliveryFailed and no flow is created.
func (e *Engine) StartFlow(ctx context.Context, purpose Purpose, identifier string) (FlowResult, error) {
	if !e.ready() {
		return FlowResult{}, ErrEngineNotReady
	}
	result, err := e.flow.StartFlow(ctx, uint8(purpose), identifier)
	if err != nil {
		return FlowResult{}, err
	}
	return e.flowResult(result), nil
}

// SubmitCode checks code for the flow. On acceptance the flow moves to
// StepPerformAction. Any rejection returns ErrChallengeInvalid and the flow
// stays where it was.
func (e *Engine) SubmitCode(ctx context.Context, flowID, code string) (FlowResult, error) {
	if !e.ready() {
		return FlowResult{}, ErrEngineNotReady
	}
	if !wellFormedFlowID(flowID) {
		return FlowResult{}, ErrFlowNotFound
	}
	result, err := e.flow.SubmitCode(ctx, flowID, code)
	if err != nil {
		if result.FlowID == "" {
			return FlowResult{}, err
		}
		return e.flowResult(result), err
	}
	return e.flowResult(result), nil
}

// ResendCode delivers a new code for the flow once its cooldown has elapsed.
// Early calls return a *CooldownError carrying the remaining time.
func (e *Engine) ResendCode(ctx context.Context, flowID string) (FlowResult, error) {
	if !e.ready() {
		return FlowResult{}, ErrEngineNotReady
	}
	if !wellFormedFlowID(flowID) {
		return FlowResult{}, ErrFlowNotFound
	}
	result, err := e.flow.ResendCode(ctx, flowID)
	if err != nil {
		return FlowResult{}, err
	}
	return e.flowResult(result), nil
}

// CompleteAction performs action for a verified flow. The flow is consumed
// before the action runs: a failed action returns ErrActionFailed and the
// user must start over.
func (e *Engine) CompleteAction(ctx context.Context, flowID string, action Action) (FlowResult, error) {
	if !e.ready() {
		return FlowResult{}, ErrEngineNotReady
	}
	if !wellFormedFlowID(flowID) {
		return FlowResult{}, ErrFlowNotFound
	}
	result, err := e.flow.CompleteAction(ctx, flowID, e.flowAction(action))
	if err != nil {
		return FlowResult{}, err
	}
	return e.flowResult(result), nil
}

func (e *Engine) flowAction(action Action) flows.FlowAction {
	if action == nil {
		return flows.FlowAction{}
	}
	return flows.FlowAction{
		Purpose: uint8(action.purpose()),
		Kind:    action.kind(),
		Perform: func(ctx context.Context, subjectID string) error {
			return e.identity.PerformGatedAction(ctx, subjectID, action)
		},
	}
}

func (e *Engine) flowResult(result flows.FlowResult) FlowResult {
	out := FlowResult{
		FlowID:  result.FlowID,
		Purpose: Purpose(result.Purpose),
		Step:    Step(result.Step),
	}
	if out.Step == StepPresentChallenge {
		out.CooldownUntil = result.CooldownUntil
		if remaining := result.CooldownUntil.Sub(e.now()); remaining > 0 {
			out.ResendIn = remaining
		}
	}
	return out
}

func wellFormedFlowID(flowID string) bool {
	_, err := internal.ParseFlowID(flowID)
	return err == nil
}

func (e *Engine) flowDeps() flows.FlowDeps {
	deps := flows.FlowDeps{
		SessionTTL:             e.config.Flow.SessionTTL,
		ResendCooldown:         e.config.Flow.ResendCooldown,
		CodeDigits:             e.config.Challenge.CodeDigits,
		StoreTimeout:           e.config.Store.OperationTimeout,
		ConcealUnknownSubjects: e.config.Flow.ConcealUnknownSubjects,

		Now:                   e.now,
		ClientIPFromContext:   clientIPFromContext,
		ValidPurpose:          validPurpose,
		PurposeName:           purposeName,
		NewFlowID:             newFlowID,
		IsNumericCode:         internal.IsNumericCode,
		SleepEnumerationDelay: e.sleepEnumerationDelay,
		NewCooldownError: func(remaining time.Duration) error {
			return &CooldownError{Remaining: remaining}
		},

		ThrottleKey:     e.hasher.ThrottleKey,
		MapLimiterError: mapLimiterError,

		ResolveSubject:    e.identity.ResolveSubject,
		IsSubjectNotFound: func(err error) bool { return errors.Is(err, ErrSubjectNotFound) },

		CheckDecoyCode:  e.checkDecoyCode,
		DiscardConsumed: e.discardConsumed,

		CreateSession:     e.createSession,
		GetSession:        e.getSession,
		AdvanceSession:    e.advanceSession,
		ArmCooldown:       e.armCooldown,
		ReleaseCooldown:   e.releaseCooldown,
		ClaimSession:      e.claimSession,
		MapSessionError:   mapSessionError,
		IsSessionCooldown: func(err error) bool { return errors.Is(err, stores.ErrFlowSessionCooldown) },

		LogFailure:    e.logFailure,
		MetricInc:     func(id int) { e.metricInc(MetricID(id)) },
		EmitAudit:     e.emitAudit,
		EmitRateLimit: e.emitRateLimit,

		Metrics: flows.FlowMetrics{
			FlowStarted:        int(MetricFlowStarted),
			FlowDecoyStarted:   int(MetricFlowDecoyStarted),
			FlowCodeAccepted:   int(MetricFlowCodeAccepted),
			FlowCodeRejected:   int(MetricFlowCodeRejected),
			FlowResend:         int(MetricFlowResend),
			FlowResendCooldown: int(MetricFlowResendCooldown),
			FlowCompleted:      int(MetricFlowCompleted),
			FlowActionFailed:   int(MetricFlowActionFailed),
			RateLimited:        int(MetricRateLimitHit),
		},
		Events: flows.FlowEvents{
			FlowStarted:        auditEventFlowStarted,
			FlowResend:         auditEventFlowResend,
			FlowResendCooldown: auditEventFlowResendCooldown,
			FlowCompleted:      auditEventFlowCompleted,
			FlowActionFailed:   auditEventFlowActionFailed,
		},
		Errors: flows.FlowErrors{
			EngineNotReady:    ErrEngineNotReady,
			InvalidPurpose:    ErrInvalidPurpose,
			InvalidIdentifier: ErrInvalidIdentifier,
			InvalidCodeFormat: ErrInvalidCodeFormat,
			ActionMismatch:    ErrActionMismatch,
			ChallengeInvalid:  ErrChallengeInvalid,
			FlowNotFound:      ErrFlowNotFound,
			FlowStep:          ErrFlowStep,
			RateLimited:       ErrRateLimited,
			CouldNotProceed:   ErrCouldNotProceed,
			ActionFailed:      ErrActionFailed,
			Unavailable:       ErrUnavailable,
		},
	}
	if e.issueLimiter != nil {
		deps.CheckIssueLimiter = e.issueLimiter.CheckIssue
	}
	return deps
}

func newFlowID() (string, error) {
	id, err := internal.NewFlowID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// sleepEnumerationDelay pads the unknown-identifier path so it does not
// answer measurably faster than a real issuance.
func (e *Engine) sleepEnumerationDelay(ctx context.Context) error {
	delay := e.config.Flow.EnumerationDelay
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) createSession(ctx context.Context, flowID string, record flows.FlowRecord) error {
	return e.sessionStore.Create(ctx, flowID, &stores.FlowSession{
		SubjectID:     record.SubjectID,
		ThrottleKey:   record.ThrottleKey,
		Purpose:       record.Purpose,
		Step:          record.Step,
		CooldownUntil: record.CooldownUntil.UnixMilli(),
		CreatedAt:     record.CreatedAt.UnixMilli(),
		ExpiresAt:     record.ExpiresAt.UnixMilli(),
	})
}

func (e *Engine) getSession(ctx context.Context, flowID string, now time.Time) (flows.FlowRecord, error) {
	return flowRecordFromStore(e.sessionStore.Get(ctx, flowID, now))
}

func (e *Engine) advanceSession(ctx context.Context, flowID string, from, to uint8, now time.Time) (flows.FlowRecord, error) {
	return flowRecordFromStore(e.sessionStore.Advance(ctx, flowID, from, to, now))
}

func (e *Engine) armCooldown(ctx context.Context, flowID string, step uint8, cooldown time.Duration, now time.Time) (flows.FlowRecord, error) {
	return flowRecordFromStore(e.sessionStore.ArmCooldown(ctx, flowID, step, cooldown, now))
}

func (e *Engine) releaseCooldown(ctx context.Context, flowID string, step uint8, armedUntil, now time.Time) error {
	_, err := e.sessionStore.ReleaseCooldown(ctx, flowID, step, armedUntil.UnixMilli(), now)
	return err
}

func (e *Engine) claimSession(ctx context.Context, flowID string, step uint8, now time.Time) (flows.FlowRecord, error) {
	return flowRecordFromStore(e.sessionStore.Claim(ctx, flowID, step, now))
}

// flowRecordFromStore converts whatever record the store returned, keeping
// err. ArmCooldown returns a record alongside ErrFlowSessionCooldown.
func flowRecordFromStore(record *stores.FlowSession, err error) (flows.FlowRecord, error) {
	if record == nil {
		return flows.FlowRecord{}, err
	}
	return flows.FlowRecord{
		SubjectID:     record.SubjectID,
		ThrottleKey:   record.ThrottleKey,
		Purpose:       record.Purpose,
		Step:          record.Step,
		CooldownUntil: time.UnixMilli(record.CooldownUntil),
		CreatedAt:     time.UnixMilli(record.CreatedAt),
		ExpiresAt:     time.UnixMilli(record.ExpiresAt),
	}, err
}

// checkDecoyCode mirrors the reads and the script call of a wrong-code
// validation against a key no subject can own.
func (e *Engine) checkDecoyCode(ctx context.Context, purpose uint8, code string) {
	now := e.now()
	_, _ = e.challengeStore.Get(ctx, "", purpose, now)
	var salt [internal.SaltSize]byte
	_, _ = e.hasher.Hash(salt, purpose, "", code)
	_, _, _ = e.challengeStore.RecordFailedAttempt(ctx, "", purpose, "", e.config.Challenge.MaxAttempts, now)
}

func (e *Engine) discardConsumed(ctx context.Context, subjectID string, purpose uint8) error {
	_, err := e.challengeStore.DeleteConsumed(ctx, subjectID, purpose)
	return err
}

func mapSessionError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stores.ErrFlowSessionNotFound):
		return ErrFlowNotFound
	case errors.Is(err, stores.ErrFlowSessionStep):
		return ErrFlowStep
	default:
		return ErrUnavailable
	}
}

func mapLimiterError(err error) error {
	if errors.Is(err, limiters.ErrIssueRateLimited) {
		return ErrRateLimited
	}
	return ErrUnavailable
}
