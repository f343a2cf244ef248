package codegate

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/codegate/internal"
	"github.com/MrEthical07/codegate/internal/flows"
	"github.com/MrEthical07/codegate/internal/stores"
)

// Issue creates a fresh challenge for (subjectID, purpose), superseding any
// live one, and delivers the code to the subject's contact address.
//
// A hash or store failure returns ErrUnavailable and nothing is delivered.
// A delivery failure returns ErrDeliveryFailed and the challenge stays live.
func (e *Engine) Issue(ctx context.Context, subjectID string, purpose Purpose) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	_, err := e.flow.Issue(ctx, subjectID, uint8(purpose))
	return err
}

// Resend is Issue under another name: the previous code stops working and a
// new one is delivered. Cooldowns are the caller's concern; flows enforce
// theirs in ResendCode.
func (e *Engine) Resend(ctx context.Context, subjectID string, purpose Purpose) error {
	return e.Issue(ctx, subjectID, purpose)
}

// Validate reports whether code matches the live challenge for
// (subjectID, purpose), consuming it on success. Wrong, expired, exhausted
// and already used codes all return (false, nil). Only infrastructure
// failures return an error.
func (e *Engine) Validate(ctx context.Context, subjectID string, purpose Purpose, code string) (bool, error) {
	if !e.ready() {
		return false, ErrEngineNotReady
	}
	return e.flow.Validate(ctx, subjectID, uint8(purpose), code)
}

// Invalidate removes any challenge for (subjectID, purpose). It is
// idempotent.
func (e *Engine) Invalidate(ctx context.Context, subjectID string, purpose Purpose) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	return e.flow.Invalidate(ctx, subjectID, uint8(purpose))
}

func (e *Engine) verificationDeps() flows.VerificationDeps {
	return flows.VerificationDeps{
		TTL:          e.config.Challenge.TTL,
		MaxAttempts:  e.config.Challenge.MaxAttempts,
		CodeDigits:   e.config.Challenge.CodeDigits,
		StoreTimeout: e.config.Store.OperationTimeout,

		Now:          e.now,
		ValidPurpose: validPurpose,
		PurposeName:  purposeName,

		GenerateCode: internal.NewCode,
		NewSalt:      internal.NewSalt,
		HashCode:     e.hasher.Hash,

		PutChallenge:        e.putChallenge,
		GetChallenge:        e.getChallenge,
		RecordFailedAttempt: e.challengeStore.RecordFailedAttempt,
		ConsumeChallenge:    e.challengeStore.Consume,
		DeleteChallenge:     e.challengeStore.Delete,
		IsChallengeNotFound: func(err error) bool { return errors.Is(err, stores.ErrChallengeNotFound) },

		ContactAddress: e.identity.ContactAddress,
		Deliver: func(ctx context.Context, address string, purpose uint8, code string) error {
			return e.deliverer.Deliver(ctx, address, Purpose(purpose), code)
		},

		LogFailure: e.logFailure,
		MetricInc:  func(id int) { e.metricInc(MetricID(id)) },
		ObserveLatency: func(d time.Duration) {
			e.metrics.Observe(MetricValidateLatency, d)
		},
		EmitAudit: e.emitAudit,

		Metrics: flows.VerificationMetrics{
			ChallengeIssued:            int(MetricChallengeIssued),
			ChallengeDeliveryFailed:    int(MetricChallengeDeliveryFailed),
			ChallengeAccepted:          int(MetricChallengeAccepted),
			ChallengeRejected:          int(MetricChallengeRejected),
			ChallengeAttemptsExhausted: int(MetricChallengeAttemptsExhausted),
			ChallengeInvalidated:       int(MetricChallengeInvalidated),
		},
		Events: flows.VerificationEvents{
			ChallengeIssued:            auditEventChallengeIssued,
			ChallengeDeliveryFailed:    auditEventChallengeDeliveryFailed,
			ChallengeAccepted:          auditEventChallengeAccepted,
			ChallengeRejected:          auditEventChallengeRejected,
			ChallengeAttemptsExhausted: auditEventChallengeAttemptsExhausted,
			ChallengeInvalidated:       auditEventChallengeInvalidated,
		},
		Errors: flows.VerificationErrors{
			EngineNotReady:    ErrEngineNotReady,
			InvalidPurpose:    ErrInvalidPurpose,
			InvalidIdentifier: ErrInvalidIdentifier,
			DeliveryFailed:    ErrDeliveryFailed,
			Unavailable:       ErrUnavailable,
		},
	}
}

func (e *Engine) putChallenge(
	ctx context.Context,
	subjectID string,
	purpose uint8,
	salt [internal.SaltSize]byte,
	codeHash [32]byte,
	issuedAt, expiresAt time.Time,
) (flows.ChallengeRecord, error) {
	record, err := e.challengeStore.Put(ctx, subjectID, purpose, salt, codeHash, issuedAt, expiresAt)
	if err != nil {
		return flows.ChallengeRecord{}, err
	}
	return challengeRecordFromStore(record), nil
}

func (e *Engine) getChallenge(ctx context.Context, subjectID string, purpose uint8, now time.Time) (flows.ChallengeRecord, error) {
	record, err := e.challengeStore.Get(ctx, subjectID, purpose, now)
	if err != nil {
		return flows.ChallengeRecord{}, err
	}
	return challengeRecordFromStore(record), nil
}

func challengeRecordFromStore(record *stores.Challenge) flows.ChallengeRecord {
	return flows.ChallengeRecord{
		ID:        record.ID,
		SubjectID: record.SubjectID,
		Purpose:   record.Purpose,
		Salt:      record.Salt,
		CodeHash:  record.CodeHash,
	}
}

func validPurpose(p uint8) bool {
	return Purpose(p).Valid()
}

func purposeName(p uint8) string {
	return Purpose(p).String()
}
