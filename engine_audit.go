package codegate

import (
	"context"
	"errors"
)

const (
	auditEventChallengeIssued            = "challenge_issued"
	auditEventChallengeDeliveryFailed    = "challenge_delivery_failed"
	auditEventChallengeAccepted          = "challenge_accepted"
	auditEventChallengeRejected          = "challenge_rejected"
	auditEventChallengeAttemptsExhausted = "challenge_attempts_exhausted"
	auditEventChallengeInvalidated       = "challenge_invalidated"
	auditEventFlowStarted                = "flow_started"
	auditEventFlowResend                 = "flow_resend"
	auditEventFlowResendCooldown         = "flow_resend_cooldown"
	auditEventFlowCompleted              = "flow_completed"
	auditEventFlowActionFailed           = "flow_action_failed"
	auditEventRateLimitTriggered         = "rate_limit_triggered"
)

// AuditErrorCode is the stable error label written to AuditEvent.Error.
type AuditErrorCode string

const (
	auditErrInvalidInput     AuditErrorCode = "invalid_input"
	auditErrChallengeInvalid AuditErrorCode = "challenge_invalid"
	auditErrDeliveryFailed   AuditErrorCode = "delivery_failed"
	auditErrRateLimited      AuditErrorCode = "rate_limited"
	auditErrCouldNotProceed  AuditErrorCode = "could_not_proceed"
	auditErrActionFailed     AuditErrorCode = "action_failed"
	auditErrFlowState        AuditErrorCode = "flow_state"
	auditErrUnavailable      AuditErrorCode = "backend_unavailable"
	auditErrInternal         AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	subjectID string,
	flowID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: e.now().UTC(),
		EventType: eventType,
		SubjectID: subjectID,
		FlowID:    flowID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(ctx context.Context, scope string, metadataBuilder func() map[string]string) {
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, "", "", ErrRateLimited, func() map[string]string {
		base := map[string]string{
			"scope": scope,
		}
		if metadataBuilder == nil {
			return base
		}
		for k, v := range metadataBuilder() {
			base[k] = v
		}
		return base
	})
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidIdentifier),
		errors.Is(err, ErrInvalidCodeFormat),
		errors.Is(err, ErrInvalidPurpose),
		errors.Is(err, ErrActionMismatch):
		return auditErrInvalidInput
	case errors.Is(err, ErrChallengeInvalid):
		return auditErrChallengeInvalid
	case errors.Is(err, ErrDeliveryFailed):
		return auditErrDeliveryFailed
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrCouldNotProceed):
		return auditErrCouldNotProceed
	case errors.Is(err, ErrActionFailed):
		return auditErrActionFailed
	case errors.Is(err, ErrFlowNotFound),
		errors.Is(err, ErrFlowStep),
		errors.Is(err, ErrResendCooldown):
		return auditErrFlowState
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrEngineNotReady):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
