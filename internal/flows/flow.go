package flows

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Flow steps. Values are persisted in flow session records.
const (
	StepCollectIdentifier uint8 = iota + 1
	StepPresentChallenge
	StepPerformAction
	StepDone
)

// MaxIdentifierLength bounds identifiers accepted by RunStartFlow.
const MaxIdentifierLength = 320

// FlowRecord is the flow-side view of a stored flow session. SubjectID is
// empty for decoy flows started for an unknown identifier. ThrottleKey is
// derived from the identifier alone, so decoy and real flows share one
// issuance budget per identifier.
type FlowRecord struct {
	SubjectID     string
	ThrottleKey   string
	Purpose       uint8
	Step          uint8
	CooldownUntil time.Time
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// FlowResult is what a caller learns about a flow after each operation.
type FlowResult struct {
	FlowID        string
	Purpose       uint8
	Step          uint8
	CooldownUntil time.Time
}

// FlowAction is the gated action resolved by the engine. Purpose is the
// purpose the action belongs to.
type FlowAction struct {
	Purpose uint8
	Kind    string
	Perform func(context.Context, string) error
}

type FlowMetrics struct {
	FlowStarted        int
	FlowDecoyStarted   int
	FlowCodeAccepted   int
	FlowCodeRejected   int
	FlowResend         int
	FlowResendCooldown int
	FlowCompleted      int
	FlowActionFailed   int
	RateLimited        int
}

type FlowEvents struct {
	FlowStarted        string
	FlowResend         string
	FlowResendCooldown string
	FlowCompleted      string
	FlowActionFailed   string
}

type FlowErrors struct {
	EngineNotReady    error
	InvalidPurpose    error
	InvalidIdentifier error
	InvalidCodeFormat error
	ActionMismatch    error
	ChallengeInvalid  error
	FlowNotFound      error
	FlowStep          error
	RateLimited       error
	CouldNotProceed   error
	ActionFailed      error
	Unavailable       error
}

type FlowDeps struct {
	SessionTTL             time.Duration
	ResendCooldown         time.Duration
	CodeDigits             int
	StoreTimeout           time.Duration
	ConcealUnknownSubjects bool

	Now                   func() time.Time
	ClientIPFromContext   func(context.Context) string
	ValidPurpose          func(uint8) bool
	PurposeName           func(uint8) string
	NewFlowID             func() (string, error)
	IsNumericCode         func(string, int) bool
	SleepEnumerationDelay func(context.Context) error
	NewCooldownError      func(time.Duration) error

	ThrottleKey       func(string) string
	CheckIssueLimiter func(context.Context, uint8, string, string) error
	MapLimiterError   func(error) error

	ResolveSubject    func(context.Context, string) (string, error)
	IsSubjectNotFound func(error) bool

	Issue    func(context.Context, string, uint8) error
	Validate func(context.Context, string, uint8, string) (bool, error)
	// CheckDecoyCode does the store round trips of a rejected validation
	// without touching any challenge.
	CheckDecoyCode  func(context.Context, uint8, string)
	DiscardConsumed func(context.Context, string, uint8) error

	CreateSession     func(context.Context, string, FlowRecord) error
	GetSession        func(context.Context, string, time.Time) (FlowRecord, error)
	AdvanceSession    func(context.Context, string, uint8, uint8, time.Time) (FlowRecord, error)
	ArmCooldown       func(context.Context, string, uint8, time.Duration, time.Time) (FlowRecord, error)
	ReleaseCooldown   func(context.Context, string, uint8, time.Time, time.Time) error
	ClaimSession      func(context.Context, string, uint8, time.Time) (FlowRecord, error)
	MapSessionError   func(error) error
	IsSessionCooldown func(error) bool

	LogFailure    func(string, error, map[string]string)
	MetricInc     func(int)
	EmitAudit     func(context.Context, string, bool, string, string, error, func() map[string]string)
	EmitRateLimit func(context.Context, string, func() map[string]string)

	Metrics FlowMetrics
	Events  FlowEvents
	Errors  FlowErrors
}

// RunStartFlow resolves identifier, issues a challenge and opens a flow at
// StepPresentChallenge. Unknown identifiers yield a decoy flow when
// ConcealUnknownSubjects is set.
func RunStartFlow(ctx context.Context, purpose uint8, identifier string, deps FlowDeps) (FlowResult, error) {
	normalizeFlowDeps(&deps)

	if deps.ResolveSubject == nil || deps.Issue == nil || deps.CreateSession == nil || deps.NewFlowID == nil {
		return FlowResult{}, deps.Errors.EngineNotReady
	}
	if !deps.ValidPurpose(purpose) {
		return FlowResult{}, deps.Errors.InvalidPurpose
	}

	identifier = strings.TrimSpace(identifier)
	if !validIdentifier(identifier) {
		return FlowResult{}, deps.Errors.InvalidIdentifier
	}

	purposeName := deps.PurposeName(purpose)
	throttleKey := deps.ThrottleKey(identifier)

	if deps.CheckIssueLimiter != nil {
		if err := deps.CheckIssueLimiter(ctx, purpose, throttleKey, deps.ClientIPFromContext(ctx)); err != nil {
			mapped := deps.MapLimiterError(err)
			deps.EmitAudit(ctx, deps.Events.FlowStarted, false, "", "", mapped, func() map[string]string {
				return map[string]string{
					"purpose": purposeName,
				}
			})
			if errors.Is(mapped, deps.Errors.RateLimited) {
				deps.MetricInc(deps.Metrics.RateLimited)
				deps.EmitRateLimit(ctx, "start_flow", func() map[string]string {
					return map[string]string{
						"purpose": purposeName,
					}
				})
			} else {
				deps.LogFailure("check_issue_limiter", err, map[string]string{"purpose": purposeName})
			}
			return FlowResult{}, mapped
		}
	}

	subjectID, err := deps.ResolveSubject(ctx, identifier)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return FlowResult{}, err
		}
		if !deps.IsSubjectNotFound(err) {
			deps.LogFailure("resolve_subject", err, map[string]string{"purpose": purposeName})
			return FlowResult{}, deps.Errors.Unavailable
		}
		if !deps.ConcealUnknownSubjects {
			deps.EmitAudit(ctx, deps.Events.FlowStarted, false, "", "", deps.Errors.CouldNotProceed, func() map[string]string {
				return map[string]string{
					"purpose": purposeName,
					"reason":  "unknown_identifier",
				}
			})
			return FlowResult{}, deps.Errors.CouldNotProceed
		}
		if sleepErr := deps.SleepEnumerationDelay(ctx); sleepErr != nil {
			return FlowResult{}, sleepErr
		}
		subjectID = ""
	} else if subjectID == "" {
		deps.LogFailure("resolve_subject", errors.New("identity returned empty subject"), map[string]string{"purpose": purposeName})
		return FlowResult{}, deps.Errors.Unavailable
	}

	if subjectID != "" {
		if err := deps.Issue(ctx, subjectID, purpose); err != nil {
			deps.EmitAudit(ctx, deps.Events.FlowStarted, false, subjectID, "", err, func() map[string]string {
				return map[string]string{
					"purpose": purposeName,
				}
			})
			return FlowResult{}, err
		}
	}

	flowID, err := deps.NewFlowID()
	if err != nil {
		deps.LogFailure("new_flow_id", err, map[string]string{"purpose": purposeName})
		return FlowResult{}, deps.Errors.Unavailable
	}

	now := deps.Now()
	record := FlowRecord{
		SubjectID:     subjectID,
		ThrottleKey:   throttleKey,
		Purpose:       purpose,
		Step:          StepPresentChallenge,
		CooldownUntil: now.Add(deps.ResendCooldown),
		CreatedAt:     now,
		ExpiresAt:     now.Add(deps.SessionTTL),
	}

	storeCtx, cancel := withStoreTimeout(ctx, deps.StoreTimeout)
	err = deps.CreateSession(storeCtx, flowID, record)
	cancel()
	if err != nil {
		deps.LogFailure("create_session", err, map[string]string{"purpose": purposeName})
		return FlowResult{}, deps.Errors.Unavailable
	}

	if subjectID == "" {
		deps.MetricInc(deps.Metrics.FlowDecoyStarted)
	}
	deps.MetricInc(deps.Metrics.FlowStarted)
	deps.EmitAudit(ctx, deps.Events.FlowStarted, true, subjectID, flowID, nil, func() map[string]string {
		meta := map[string]string{
			"purpose": purposeName,
		}
		if subjectID == "" {
			meta["enumeration_safe"] = "true"
		}
		return meta
	})

	return resultFor(flowID, record), nil
}

// RunSubmitCode checks code for the flow and advances it to
// StepPerformAction on acceptance.
func RunSubmitCode(ctx context.Context, flowID, code string, deps FlowDeps) (FlowResult, error) {
	normalizeFlowDeps(&deps)

	if deps.GetSession == nil || deps.AdvanceSession == nil || deps.Validate == nil {
		return FlowResult{}, deps.Errors.EngineNotReady
	}

	record, err := loadFlow(ctx, flowID, deps)
	if err != nil {
		return FlowResult{}, err
	}
	if record.Step != StepPresentChallenge {
		return FlowResult{}, deps.Errors.FlowStep
	}
	if !deps.IsNumericCode(code, deps.CodeDigits) {
		return FlowResult{}, deps.Errors.InvalidCodeFormat
	}

	accepted := false
	if record.SubjectID != "" {
		accepted, err = deps.Validate(ctx, record.SubjectID, record.Purpose, code)
		if err != nil {
			return FlowResult{}, err
		}
	} else if deps.CheckDecoyCode != nil {
		storeCtx, cancel := withStoreTimeout(ctx, deps.StoreTimeout)
		deps.CheckDecoyCode(storeCtx, record.Purpose, code)
		cancel()
	}
	if !accepted {
		deps.MetricInc(deps.Metrics.FlowCodeRejected)
		return resultFor(flowID, record), deps.Errors.ChallengeInvalid
	}

	storeCtx, cancel := withStoreTimeout(ctx, deps.StoreTimeout)
	advanced, err := deps.AdvanceSession(storeCtx, flowID, StepPresentChallenge, StepPerformAction, deps.Now())
	cancel()
	if err != nil {
		mapped := deps.MapSessionError(err)
		if errors.Is(mapped, deps.Errors.Unavailable) {
			deps.LogFailure("advance_session", err, map[string]string{"purpose": deps.PurposeName(record.Purpose)})
		}
		return FlowResult{}, mapped
	}

	deps.MetricInc(deps.Metrics.FlowCodeAccepted)
	return resultFor(flowID, advanced), nil
}

// RunResendCode re-issues the flow's challenge once the stored cooldown has
// elapsed and re-arms the cooldown. A failed issuance releases the cooldown it
// armed so the caller can retry at once.
func RunResendCode(ctx context.Context, flowID string, deps FlowDeps) (FlowResult, error) {
	normalizeFlowDeps(&deps)

	if deps.GetSession == nil || deps.ArmCooldown == nil || deps.Issue == nil {
		return FlowResult{}, deps.Errors.EngineNotReady
	}

	record, err := loadFlow(ctx, flowID, deps)
	if err != nil {
		return FlowResult{}, err
	}
	if record.Step != StepPresentChallenge {
		return FlowResult{}, deps.Errors.FlowStep
	}

	purposeName := deps.PurposeName(record.Purpose)
	now := deps.Now()
	if now.Before(record.CooldownUntil) {
		return FlowResult{}, cooldownRejected(ctx, flowID, record, now, deps)
	}

	if deps.CheckIssueLimiter != nil {
		limitKey := record.ThrottleKey
		if limitKey == "" {
			limitKey = "flow:" + flowID
		}
		if err := deps.CheckIssueLimiter(ctx, record.Purpose, limitKey, deps.ClientIPFromContext(ctx)); err != nil {
			mapped := deps.MapLimiterError(err)
			if errors.Is(mapped, deps.Errors.RateLimited) {
				deps.MetricInc(deps.Metrics.RateLimited)
				deps.EmitRateLimit(ctx, "resend_code", func() map[string]string {
					return map[string]string{
						"purpose": purposeName,
						"flow_id": flowID,
					}
				})
			} else {
				deps.LogFailure("check_issue_limiter", err, map[string]string{"purpose": purposeName})
			}
			return FlowResult{}, mapped
		}
	}

	storeCtx, cancel := withStoreTimeout(ctx, deps.StoreTimeout)
	armed, err := deps.ArmCooldown(storeCtx, flowID, StepPresentChallenge, deps.ResendCooldown, now)
	cancel()
	if err != nil {
		if deps.IsSessionCooldown(err) {
			return FlowResult{}, cooldownRejected(ctx, flowID, armed, now, deps)
		}
		mapped := deps.MapSessionError(err)
		if errors.Is(mapped, deps.Errors.Unavailable) {
			deps.LogFailure("arm_cooldown", err, map[string]string{"purpose": purposeName})
		}
		return FlowResult{}, mapped
	}

	if armed.SubjectID == "" {
		if err := deps.SleepEnumerationDelay(ctx); err != nil {
			return FlowResult{}, err
		}
	} else if err := deps.Issue(ctx, armed.SubjectID, armed.Purpose); err != nil {
		if deps.ReleaseCooldown != nil {
			storeCtx, cancel := withStoreTimeout(ctx, deps.StoreTimeout)
			releaseErr := deps.ReleaseCooldown(storeCtx, flowID, StepPresentChallenge, armed.CooldownUntil, now)
			cancel()
			if releaseErr != nil {
				deps.LogFailure("release_cooldown", releaseErr, map[string]string{"purpose": purposeName})
			}
		}
		deps.EmitAudit(ctx, deps.Events.FlowResend, false, armed.SubjectID, flowID, err, func() map[string]string {
			return map[string]string{
				"purpose": purposeName,
			}
		})
		return FlowResult{}, err
	}

	deps.MetricInc(deps.Metrics.FlowResend)
	deps.EmitAudit(ctx, deps.Events.FlowResend, true, armed.SubjectID, flowID, nil, func() map[string]string {
		return map[string]string{
			"purpose": purposeName,
		}
	})
	return resultFor(flowID, armed), nil
}

// RunCompleteAction claims the flow and performs the gated action exactly
// once. The flow is gone afterwards whatever the outcome.
func RunCompleteAction(ctx context.Context, flowID string, action FlowAction, deps FlowDeps) (FlowResult, error) {
	normalizeFlowDeps(&deps)

	if deps.GetSession == nil || deps.ClaimSession == nil {
		return FlowResult{}, deps.Errors.EngineNotReady
	}
	if action.Perform == nil {
		return FlowResult{}, deps.Errors.ActionMismatch
	}

	record, err := loadFlow(ctx, flowID, deps)
	if err != nil {
		return FlowResult{}, err
	}
	if record.Step != StepPerformAction {
		return FlowResult{}, deps.Errors.FlowStep
	}
	if record.Purpose != action.Purpose {
		return FlowResult{}, deps.Errors.ActionMismatch
	}

	purposeName := deps.PurposeName(record.Purpose)

	storeCtx, cancel := withStoreTimeout(ctx, deps.StoreTimeout)
	claimed, err := deps.ClaimSession(storeCtx, flowID, StepPerformAction, deps.Now())
	cancel()
	if err != nil {
		mapped := deps.MapSessionError(err)
		if errors.Is(mapped, deps.Errors.Unavailable) {
			deps.LogFailure("claim_session", err, map[string]string{"purpose": purposeName})
		}
		return FlowResult{}, mapped
	}

	if claimed.SubjectID == "" {
		return FlowResult{}, deps.Errors.ActionFailed
	}

	if err := action.Perform(ctx, claimed.SubjectID); err != nil {
		deps.MetricInc(deps.Metrics.FlowActionFailed)
		deps.LogFailure("perform_action", err, map[string]string{
			"purpose": purposeName,
			"action":  action.Kind,
		})
		deps.EmitAudit(ctx, deps.Events.FlowActionFailed, false, claimed.SubjectID, flowID, deps.Errors.ActionFailed, func() map[string]string {
			return map[string]string{
				"purpose": purposeName,
				"action":  action.Kind,
			}
		})
		return FlowResult{}, deps.Errors.ActionFailed
	}

	// Only the consumed challenge goes; one issued since stays usable.
	if deps.DiscardConsumed != nil {
		storeCtx, cancel := withStoreTimeout(ctx, deps.StoreTimeout)
		err := deps.DiscardConsumed(storeCtx, claimed.SubjectID, claimed.Purpose)
		cancel()
		if err != nil {
			deps.LogFailure("discard_consumed_challenge", err, map[string]string{"purpose": purposeName})
		}
	}

	deps.MetricInc(deps.Metrics.FlowCompleted)
	deps.EmitAudit(ctx, deps.Events.FlowCompleted, true, claimed.SubjectID, flowID, nil, func() map[string]string {
		return map[string]string{
			"purpose": purposeName,
			"action":  action.Kind,
		}
	})

	return FlowResult{
		FlowID:  flowID,
		Purpose: claimed.Purpose,
		Step:    StepDone,
	}, nil
}

func loadFlow(ctx context.Context, flowID string, deps FlowDeps) (FlowRecord, error) {
	if flowID == "" {
		return FlowRecord{}, deps.Errors.FlowNotFound
	}

	storeCtx, cancel := withStoreTimeout(ctx, deps.StoreTimeout)
	record, err := deps.GetSession(storeCtx, flowID, deps.Now())
	cancel()
	if err != nil {
		mapped := deps.MapSessionError(err)
		if errors.Is(mapped, deps.Errors.Unavailable) {
			deps.LogFailure("get_session", err, nil)
		}
		return FlowRecord{}, mapped
	}
	return record, nil
}

func cooldownRejected(ctx context.Context, flowID string, record FlowRecord, now time.Time, deps FlowDeps) error {
	remaining := record.CooldownUntil.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	deps.MetricInc(deps.Metrics.FlowResendCooldown)
	deps.EmitAudit(ctx, deps.Events.FlowResendCooldown, false, record.SubjectID, flowID, nil, func() map[string]string {
		return map[string]string{
			"purpose": deps.PurposeName(record.Purpose),
		}
	})
	return deps.NewCooldownError(remaining)
}

func resultFor(flowID string, record FlowRecord) FlowResult {
	return FlowResult{
		FlowID:        flowID,
		Purpose:       record.Purpose,
		Step:          record.Step,
		CooldownUntil: record.CooldownUntil,
	}
}

func validIdentifier(identifier string) bool {
	if identifier == "" || len(identifier) > MaxIdentifierLength {
		return false
	}
	if !utf8.ValidString(identifier) {
		return false
	}
	for _, r := range identifier {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

func normalizeFlowDeps(deps *FlowDeps) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.ClientIPFromContext == nil {
		deps.ClientIPFromContext = func(context.Context) string { return "" }
	}
	if deps.ValidPurpose == nil {
		deps.ValidPurpose = func(uint8) bool { return true }
	}
	if deps.PurposeName == nil {
		deps.PurposeName = func(uint8) string { return "" }
	}
	if deps.IsNumericCode == nil {
		deps.IsNumericCode = func(code string, digits int) bool { return len(code) == digits }
	}
	if deps.ThrottleKey == nil {
		deps.ThrottleKey = func(identifier string) string { return identifier }
	}
	if deps.SleepEnumerationDelay == nil {
		deps.SleepEnumerationDelay = func(context.Context) error { return nil }
	}
	if deps.IsSubjectNotFound == nil {
		deps.IsSubjectNotFound = func(error) bool { return false }
	}
	if deps.IsSessionCooldown == nil {
		deps.IsSessionCooldown = func(error) bool { return false }
	}
	if deps.LogFailure == nil {
		deps.LogFailure = func(string, error, map[string]string) {}
	}
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = func(context.Context, string, bool, string, string, error, func() map[string]string) {}
	}
	if deps.EmitRateLimit == nil {
		deps.EmitRateLimit = func(context.Context, string, func() map[string]string) {}
	}
	if deps.Errors.Unavailable == nil {
		deps.Errors.Unavailable = errors.New("flow unavailable")
	}
	fallback := []*error{
		&deps.Errors.EngineNotReady,
		&deps.Errors.InvalidPurpose,
		&deps.Errors.InvalidIdentifier,
		&deps.Errors.InvalidCodeFormat,
		&deps.Errors.ActionMismatch,
		&deps.Errors.ChallengeInvalid,
		&deps.Errors.FlowNotFound,
		&deps.Errors.FlowStep,
		&deps.Errors.RateLimited,
		&deps.Errors.CouldNotProceed,
		&deps.Errors.ActionFailed,
	}
	for _, e := range fallback {
		if *e == nil {
			*e = deps.Errors.Unavailable
		}
	}
	if deps.NewCooldownError == nil {
		unavailable := deps.Errors.Unavailable
		deps.NewCooldownError = func(time.Duration) error { return unavailable }
	}
	if deps.MapLimiterError == nil {
		unavailable := deps.Errors.Unavailable
		deps.MapLimiterError = func(error) error { return unavailable }
	}
	if deps.MapSessionError == nil {
		unavailable := deps.Errors.Unavailable
		deps.MapSessionError = func(error) error { return unavailable }
	}
}
