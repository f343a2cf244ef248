package flows

import (
	"context"
	"crypto/subtle"
	"errors"
	"strconv"
	"time"
)

// ChallengeRecord is the flow-side view of a stored challenge.
type ChallengeRecord struct {
	ID        string
	SubjectID string
	Purpose   uint8
	Salt      [16]byte
	CodeHash  [32]byte
}

type VerificationMetrics struct {
	ChallengeIssued            int
	ChallengeDeliveryFailed    int
	ChallengeAccepted          int
	ChallengeRejected          int
	ChallengeAttemptsExhausted int
	ChallengeInvalidated       int
}

type VerificationEvents struct {
	ChallengeIssued            string
	ChallengeDeliveryFailed    string
	ChallengeAccepted          string
	ChallengeRejected          string
	ChallengeAttemptsExhausted string
	ChallengeInvalidated       string
}

type VerificationErrors struct {
	EngineNotReady    error
	InvalidPurpose    error
	InvalidIdentifier error
	DeliveryFailed    error
	Unavailable       error
}

type VerificationDeps struct {
	TTL          time.Duration
	MaxAttempts  int
	CodeDigits   int
	StoreTimeout time.Duration

	Now          func() time.Time
	ValidPurpose func(uint8) bool
	PurposeName  func(uint8) string

	GenerateCode func(int) (string, error)
	NewSalt      func() ([16]byte, error)
	HashCode     func([16]byte, uint8, string, string) ([32]byte, error)

	PutChallenge        func(context.Context, string, uint8, [16]byte, [32]byte, time.Time, time.Time) (ChallengeRecord, error)
	GetChallenge        func(context.Context, string, uint8, time.Time) (ChallengeRecord, error)
	RecordFailedAttempt func(context.Context, string, uint8, string, int, time.Time) (int, bool, error)
	ConsumeChallenge    func(context.Context, string, uint8, string, time.Time) (bool, error)
	DeleteChallenge     func(context.Context, string, uint8) error
	IsChallengeNotFound func(error) bool

	ContactAddress func(context.Context, string) (string, error)
	Deliver        func(context.Context, string, uint8, string) error

	LogFailure     func(string, error, map[string]string)
	MetricInc      func(int)
	ObserveLatency func(time.Duration)
	EmitAudit      func(context.Context, string, bool, string, string, error, func() map[string]string)

	Metrics VerificationMetrics
	Events  VerificationEvents
	Errors  VerificationErrors
}

// RunIssue creates a fresh challenge for (subjectID, purpose), superseding any
// live one, and delivers the plaintext code to the subject's contact address.
// The challenge stays live when delivery fails.
func RunIssue(ctx context.Context, subjectID string, purpose uint8, deps VerificationDeps) (ChallengeRecord, error) {
	normalizeVerificationDeps(&deps)

	if deps.GenerateCode == nil || deps.NewSalt == nil || deps.HashCode == nil ||
		deps.PutChallenge == nil || deps.ContactAddress == nil || deps.Deliver == nil {
		return ChallengeRecord{}, deps.Errors.EngineNotReady
	}
	if !deps.ValidPurpose(purpose) {
		return ChallengeRecord{}, deps.Errors.InvalidPurpose
	}
	if subjectID == "" {
		return ChallengeRecord{}, deps.Errors.InvalidIdentifier
	}

	purposeName := deps.PurposeName(purpose)

	code, err := deps.GenerateCode(deps.CodeDigits)
	if err != nil {
		deps.LogFailure("generate_code", err, map[string]string{"purpose": purposeName})
		return ChallengeRecord{}, deps.Errors.Unavailable
	}
	salt, err := deps.NewSalt()
	if err != nil {
		deps.LogFailure("generate_salt", err, map[string]string{"purpose": purposeName})
		return ChallengeRecord{}, deps.Errors.Unavailable
	}
	codeHash, err := deps.HashCode(salt, purpose, subjectID, code)
	if err != nil {
		deps.LogFailure("hash_code", err, map[string]string{"purpose": purposeName})
		return ChallengeRecord{}, deps.Errors.Unavailable
	}

	issuedAt := deps.Now()
	storeCtx, cancel := withStoreTimeout(ctx, deps.StoreTimeout)
	record, err := deps.PutChallenge(storeCtx, subjectID, purpose, salt, codeHash, issuedAt, issuedAt.Add(deps.TTL))
	cancel()
	if err != nil {
		deps.LogFailure("put_challenge", err, map[string]string{"purpose": purposeName})
		deps.EmitAudit(ctx, deps.Events.ChallengeIssued, false, subjectID, "", deps.Errors.Unavailable, func() map[string]string {
			return map[string]string{
				"purpose": purposeName,
			}
		})
		return ChallengeRecord{}, deps.Errors.Unavailable
	}

	address, err := deps.ContactAddress(ctx, subjectID)
	if err == nil {
		err = deps.Deliver(ctx, address, purpose, code)
	}
	if err != nil {
		deps.MetricInc(deps.Metrics.ChallengeDeliveryFailed)
		deps.LogFailure("deliver_code", err, map[string]string{
			"purpose":      purposeName,
			"challenge_id": record.ID,
		})
		deps.EmitAudit(ctx, deps.Events.ChallengeDeliveryFailed, false, subjectID, "", deps.Errors.DeliveryFailed, func() map[string]string {
			return map[string]string{
				"purpose":      purposeName,
				"challenge_id": record.ID,
			}
		})
		return record, deps.Errors.DeliveryFailed
	}

	deps.MetricInc(deps.Metrics.ChallengeIssued)
	deps.EmitAudit(ctx, deps.Events.ChallengeIssued, true, subjectID, "", nil, func() map[string]string {
		return map[string]string{
			"purpose":      purposeName,
			"challenge_id": record.ID,
		}
	})
	return record, nil
}

// RunValidate checks code against the live challenge. A missing, expired,
// exhausted or mismatched challenge is reported as (false, nil); only
// infrastructure failures return an error.
func RunValidate(ctx context.Context, subjectID string, purpose uint8, code string, deps VerificationDeps) (bool, error) {
	normalizeVerificationDeps(&deps)

	if deps.GetChallenge == nil || deps.HashCode == nil ||
		deps.ConsumeChallenge == nil || deps.RecordFailedAttempt == nil {
		return false, deps.Errors.EngineNotReady
	}
	if !deps.ValidPurpose(purpose) {
		return false, deps.Errors.InvalidPurpose
	}

	start := time.Now()
	defer func() { deps.ObserveLatency(time.Since(start)) }()

	purposeName := deps.PurposeName(purpose)
	reject := func(reason, challengeID string, attempts int) {
		deps.MetricInc(deps.Metrics.ChallengeRejected)
		deps.EmitAudit(ctx, deps.Events.ChallengeRejected, false, subjectID, "", nil, func() map[string]string {
			meta := map[string]string{
				"purpose":      purposeName,
				"challenge_id": challengeID,
				"reason":       reason,
			}
			if attempts > 0 {
				meta["attempts"] = strconv.Itoa(attempts)
			}
			return meta
		})
	}

	if subjectID == "" {
		reject("unknown_subject", "", 0)
		return false, nil
	}

	now := deps.Now()
	storeCtx, cancel := withStoreTimeout(ctx, deps.StoreTimeout)
	record, err := deps.GetChallenge(storeCtx, subjectID, purpose, now)
	cancel()
	if err != nil {
		if deps.IsChallengeNotFound(err) {
			reject("no_live_challenge", "", 0)
			return false, nil
		}
		deps.LogFailure("get_challenge", err, map[string]string{"purpose": purposeName})
		return false, deps.Errors.Unavailable
	}

	provided, err := deps.HashCode(record.Salt, purpose, subjectID, code)
	if err != nil {
		deps.LogFailure("hash_code", err, map[string]string{"purpose": purposeName})
		return false, deps.Errors.Unavailable
	}

	if subtle.ConstantTimeCompare(provided[:], record.CodeHash[:]) == 1 {
		storeCtx, cancel := withStoreTimeout(ctx, deps.StoreTimeout)
		consumed, err := deps.ConsumeChallenge(storeCtx, subjectID, purpose, record.ID, now)
		cancel()
		if err != nil {
			if deps.IsChallengeNotFound(err) {
				reject("superseded", record.ID, 0)
				return false, nil
			}
			deps.LogFailure("consume_challenge", err, map[string]string{
				"purpose":      purposeName,
				"challenge_id": record.ID,
			})
			return false, deps.Errors.Unavailable
		}
		if !consumed {
			reject("replay", record.ID, 0)
			return false, nil
		}

		deps.MetricInc(deps.Metrics.ChallengeAccepted)
		deps.EmitAudit(ctx, deps.Events.ChallengeAccepted, true, subjectID, "", nil, func() map[string]string {
			return map[string]string{
				"purpose":      purposeName,
				"challenge_id": record.ID,
			}
		})
		return true, nil
	}

	storeCtx, cancel = withStoreTimeout(ctx, deps.StoreTimeout)
	attempts, exhausted, err := deps.RecordFailedAttempt(storeCtx, subjectID, purpose, record.ID, deps.MaxAttempts, now)
	cancel()
	if err != nil {
		if deps.IsChallengeNotFound(err) {
			reject("superseded", record.ID, 0)
			return false, nil
		}
		deps.LogFailure("record_failed_attempt", err, map[string]string{
			"purpose":      purposeName,
			"challenge_id": record.ID,
		})
		return false, deps.Errors.Unavailable
	}

	if exhausted {
		deps.MetricInc(deps.Metrics.ChallengeAttemptsExhausted)
		deps.EmitAudit(ctx, deps.Events.ChallengeAttemptsExhausted, false, subjectID, "", nil, func() map[string]string {
			return map[string]string{
				"purpose":      purposeName,
				"challenge_id": record.ID,
			}
		})
	}
	reject("mismatch", record.ID, attempts)
	return false, nil
}

// RunInvalidate removes any challenge for (subjectID, purpose).
func RunInvalidate(ctx context.Context, subjectID string, purpose uint8, deps VerificationDeps) error {
	normalizeVerificationDeps(&deps)

	if deps.DeleteChallenge == nil {
		return deps.Errors.EngineNotReady
	}
	if !deps.ValidPurpose(purpose) {
		return deps.Errors.InvalidPurpose
	}
	if subjectID == "" {
		return deps.Errors.InvalidIdentifier
	}

	purposeName := deps.PurposeName(purpose)
	storeCtx, cancel := withStoreTimeout(ctx, deps.StoreTimeout)
	err := deps.DeleteChallenge(storeCtx, subjectID, purpose)
	cancel()
	if err != nil {
		deps.LogFailure("delete_challenge", err, map[string]string{"purpose": purposeName})
		return deps.Errors.Unavailable
	}

	deps.MetricInc(deps.Metrics.ChallengeInvalidated)
	deps.EmitAudit(ctx, deps.Events.ChallengeInvalidated, true, subjectID, "", nil, func() map[string]string {
		return map[string]string{
			"purpose": purposeName,
		}
	})
	return nil
}

func withStoreTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func normalizeVerificationDeps(deps *VerificationDeps) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.ValidPurpose == nil {
		deps.ValidPurpose = func(uint8) bool { return true }
	}
	if deps.PurposeName == nil {
		deps.PurposeName = func(uint8) string { return "" }
	}
	if deps.IsChallengeNotFound == nil {
		deps.IsChallengeNotFound = func(error) bool { return false }
	}
	if deps.LogFailure == nil {
		deps.LogFailure = func(string, error, map[string]string) {}
	}
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.ObserveLatency == nil {
		deps.ObserveLatency = func(time.Duration) {}
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = func(context.Context, string, bool, string, string, error, func() map[string]string) {}
	}
	if deps.Errors.Unavailable == nil {
		deps.Errors.Unavailable = errors.New("verification unavailable")
	}
	if deps.Errors.EngineNotReady == nil {
		deps.Errors.EngineNotReady = deps.Errors.Unavailable
	}
	if deps.Errors.InvalidPurpose == nil {
		deps.Errors.InvalidPurpose = deps.Errors.Unavailable
	}
	if deps.Errors.InvalidIdentifier == nil {
		deps.Errors.InvalidIdentifier = deps.Errors.Unavailable
	}
	if deps.Errors.DeliveryFailed == nil {
		deps.Errors.DeliveryFailed = deps.Errors.Unavailable
	}
}
