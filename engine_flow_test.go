package codegate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startFlow(t *testing.T, h *testHarness, purpose Purpose, identifier string) FlowResult {
	t.Helper()

	result, err := h.engine.StartFlow(context.Background(), purpose, identifier)
	if err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	if result.FlowID == "" {
		t.Fatal("expected flow id")
	}
	if result.Step != StepPresentChallenge {
		t.Fatalf("expected StepPresentChallenge, got %s", result.Step)
	}
	return result
}

func TestPasswordResetFlowHappyPath(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	ctx := context.Background()

	started := startFlow(t, h, PurposePasswordReset, "alice@example.com")
	if started.Purpose != PurposePasswordReset {
		t.Fatalf("unexpected purpose %s", started.Purpose)
	}
	if started.ResendIn != 30*time.Second {
		t.Fatalf("expected 30s resend cooldown, got %s", started.ResendIn)
	}

	code := h.deliverer.Last(t).code
	submitted, err := h.engine.SubmitCode(ctx, started.FlowID, code)
	if err != nil {
		t.Fatalf("SubmitCode failed: %v", err)
	}
	if submitted.Step != StepPerformAction {
		t.Fatalf("expected StepPerformAction, got %s", submitted.Step)
	}

	done, err := h.engine.CompleteAction(ctx, started.FlowID, SetPassword{NewPassword: "n3w-Passw0rd!"})
	if err != nil {
		t.Fatalf("CompleteAction failed: %v", err)
	}
	if done.Step != StepDone {
		t.Fatalf("expected StepDone, got %s", done.Step)
	}

	performed := h.identity.Performed()
	if len(performed) != 1 || performed[0].subjectID != "sub-alice" {
		t.Fatalf("unexpected performed actions: %+v", performed)
	}
	if sp, ok := performed[0].action.(SetPassword); !ok || sp.NewPassword != "n3w-Passw0rd!" {
		t.Fatalf("unexpected action %#v", performed[0].action)
	}

	if _, err := h.engine.SubmitCode(ctx, started.FlowID, code); !errors.Is(err, ErrFlowNotFound) {
		t.Fatalf("expected finished flow to be gone, got %v", err)
	}
	if _, err := h.engine.CompleteAction(ctx, started.FlowID, SetPassword{NewPassword: "again"}); !errors.Is(err, ErrFlowNotFound) {
		t.Fatalf("expected second completion to fail, got %v", err)
	}
}

func TestSignupFlowResendCooldownAndSupersession(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	ctx := context.Background()

	started := startFlow(t, h, PurposeSignupConfirmation, "bob@example.com")
	first := h.deliverer.Last(t).code

	h.clock.Advance(10 * time.Second)
	_, err := h.engine.ResendCode(ctx, started.FlowID)
	if !errors.Is(err, ErrResendCooldown) {
		t.Fatalf("expected ErrResendCooldown, got %v", err)
	}
	var cooldown *CooldownError
	if !errors.As(err, &cooldown) || cooldown.Remaining != 20*time.Second {
		t.Fatalf("expected 20s remaining, got %#v", cooldown)
	}
	if h.deliverer.Count() != 1 {
		t.Fatalf("expected no delivery during cooldown, got %d", h.deliverer.Count())
	}

	h.clock.Advance(21 * time.Second)
	resent, err := h.engine.ResendCode(ctx, started.FlowID)
	if err != nil {
		t.Fatalf("ResendCode failed: %v", err)
	}
	if resent.ResendIn != 30*time.Second {
		t.Fatalf("expected cooldown re-armed to 30s, got %s", resent.ResendIn)
	}
	if h.deliverer.Count() != 2 {
		t.Fatalf("expected second delivery, got %d", h.deliverer.Count())
	}
	second := h.deliverer.Last(t).code

	if _, err := h.engine.ResendCode(ctx, started.FlowID); !errors.Is(err, ErrResendCooldown) {
		t.Fatalf("expected cooldown after resend, got %v", err)
	}

	if first != second {
		if _, err := h.engine.SubmitCode(ctx, started.FlowID, first); !errors.Is(err, ErrChallengeInvalid) {
			t.Fatalf("expected superseded code to be rejected, got %v", err)
		}
	}
	if _, err := h.engine.SubmitCode(ctx, started.FlowID, second); err != nil {
		t.Fatalf("SubmitCode failed: %v", err)
	}
	if _, err := h.engine.CompleteAction(ctx, started.FlowID, ConfirmAccount{}); err != nil {
		t.Fatalf("CompleteAction failed: %v", err)
	}
}

func TestUnknownIdentifierGetsIndistinguishableDecoyFlow(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	ctx := context.Background()

	known := startFlow(t, h, PurposePasswordReset, "alice@example.com")
	decoy := startFlow(t, h, PurposePasswordReset, "nobody@example.com")

	if decoy.ResendIn != known.ResendIn || decoy.Purpose != known.Purpose || len(decoy.FlowID) != len(known.FlowID) {
		t.Fatalf("decoy result differs from known result: %+v vs %+v", decoy, known)
	}
	if h.deliverer.Count() != 1 {
		t.Fatalf("expected no delivery for unknown identifier, got %d", h.deliverer.Count())
	}

	if _, err := h.engine.SubmitCode(ctx, decoy.FlowID, "123456"); !errors.Is(err, ErrChallengeInvalid) {
		t.Fatalf("expected decoy to reject codes with ErrChallengeInvalid, got %v", err)
	}

	h.clock.Advance(31 * time.Second)
	if _, err := h.engine.ResendCode(ctx, decoy.FlowID); err != nil {
		t.Fatalf("expected decoy resend to look successful, got %v", err)
	}
	if h.deliverer.Count() != 1 {
		t.Fatalf("expected decoy resend to deliver nothing, got %d", h.deliverer.Count())
	}

	snap := h.engine.MetricsSnapshot()
	if snap.Counters[MetricFlowDecoyStarted] != 1 || snap.Counters[MetricFlowStarted] != 2 {
		t.Fatalf("unexpected flow metrics: %+v", snap.Counters)
	}
}

func TestUnknownIdentifierWithoutConcealment(t *testing.T) {
	h := newTestHarness(t, func(cfg *Config) {
		cfg.Flow.ConcealUnknownSubjects = false
	}, nil)

	_, err := h.engine.StartFlow(context.Background(), PurposePasswordReset, "nobody@example.com")
	if !errors.Is(err, ErrCouldNotProceed) {
		t.Fatalf("expected ErrCouldNotProceed, got %v", err)
	}
}

func TestStartFlowRejectsMalformedIdentifiers(t *testing.T) {
	h := newTestHarness(t, nil, nil)

	for _, identifier := range []string{
		"",
		"   ",
		"alice\x00@example.com",
		"alice\n@example.com",
		strings.Repeat("a", 321),
		string([]byte{0xff, 0xfe}),
	} {
		_, err := h.engine.StartFlow(context.Background(), PurposePasswordReset, identifier)
		if !errors.Is(err, ErrInvalidIdentifier) {
			t.Fatalf("identifier %q: expected ErrInvalidIdentifier, got %v", identifier, err)
		}
	}
	if _, err := h.engine.StartFlow(context.Background(), Purpose(7), "alice@example.com"); !errors.Is(err, ErrInvalidPurpose) {
		t.Fatalf("expected ErrInvalidPurpose, got %v", err)
	}
	if h.deliverer.Count() != 0 {
		t.Fatalf("expected no delivery, got %d", h.deliverer.Count())
	}
}

func TestSubmitCodeFormatDoesNotSpendAttempts(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	ctx := context.Background()

	started := startFlow(t, h, PurposePasswordReset, "alice@example.com")
	code := h.deliverer.Last(t).code

	for _, bad := range []string{"", "12345", "1234567", "12a456", " 12345", "１２３４５６"} {
		for i := 0; i < 3; i++ {
			if _, err := h.engine.SubmitCode(ctx, started.FlowID, bad); !errors.Is(err, ErrInvalidCodeFormat) {
				t.Fatalf("code %q: expected ErrInvalidCodeFormat, got %v", bad, err)
			}
		}
	}

	if _, err := h.engine.SubmitCode(ctx, started.FlowID, code); err != nil {
		t.Fatalf("expected correct code to be accepted after format errors, got %v", err)
	}
}

func TestSubmitCodeExhaustionThroughFlow(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	ctx := context.Background()

	started := startFlow(t, h, PurposePasswordReset, "alice@example.com")
	code := h.deliverer.Last(t).code

	for i := 0; i < 5; i++ {
		result, err := h.engine.SubmitCode(ctx, started.FlowID, otherCode(code))
		if !errors.Is(err, ErrChallengeInvalid) {
			t.Fatalf("attempt %d: expected ErrChallengeInvalid, got %v", i+1, err)
		}
		if result.Step != StepPresentChallenge {
			t.Fatalf("attempt %d: expected flow to stay in PresentChallenge, got %s", i+1, result.Step)
		}
	}

	if _, err := h.engine.SubmitCode(ctx, started.FlowID, code); !errors.Is(err, ErrChallengeInvalid) {
		t.Fatalf("expected exhausted challenge to reject the correct code, got %v", err)
	}
}

func TestCompleteActionMismatchKeepsFlow(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	ctx := context.Background()

	started := startFlow(t, h, PurposePasswordReset, "alice@example.com")
	if _, err := h.engine.SubmitCode(ctx, started.FlowID, h.deliverer.Last(t).code); err != nil {
		t.Fatalf("SubmitCode failed: %v", err)
	}

	if _, err := h.engine.CompleteAction(ctx, started.FlowID, ConfirmAccount{}); !errors.Is(err, ErrActionMismatch) {
		t.Fatalf("expected ErrActionMismatch, got %v", err)
	}
	if _, err := h.engine.CompleteAction(ctx, started.FlowID, nil); !errors.Is(err, ErrActionMismatch) {
		t.Fatalf("expected ErrActionMismatch for nil action, got %v", err)
	}
	if _, err := h.engine.CompleteAction(ctx, started.FlowID, SetPassword{NewPassword: "fine-password"}); err != nil {
		t.Fatalf("expected matching action to succeed, got %v", err)
	}
}

func TestFlowStepEnforcement(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	ctx := context.Background()

	started := startFlow(t, h, PurposePasswordReset, "alice@example.com")
	code := h.deliverer.Last(t).code

	if _, err := h.engine.CompleteAction(ctx, started.FlowID, SetPassword{NewPassword: "early"}); !errors.Is(err, ErrFlowStep) {
		t.Fatalf("expected ErrFlowStep before verification, got %v", err)
	}
	if len(h.identity.Performed()) != 0 {
		t.Fatal("expected no action before verification")
	}

	if _, err := h.engine.SubmitCode(ctx, started.FlowID, code); err != nil {
		t.Fatalf("SubmitCode failed: %v", err)
	}

	if _, err := h.engine.SubmitCode(ctx, started.FlowID, code); !errors.Is(err, ErrFlowStep) {
		t.Fatalf("expected ErrFlowStep on second submit, got %v", err)
	}
	h.clock.Advance(time.Minute)
	if _, err := h.engine.ResendCode(ctx, started.FlowID); !errors.Is(err, ErrFlowStep) {
		t.Fatalf("expected ErrFlowStep on resend after verification, got %v", err)
	}
}

func TestCompleteActionFailureEndsFlow(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	ctx := context.Background()

	started := startFlow(t, h, PurposeSignupConfirmation, "bob@example.com")
	if _, err := h.engine.SubmitCode(ctx, started.FlowID, h.deliverer.Last(t).code); err != nil {
		t.Fatalf("SubmitCode failed: %v", err)
	}

	h.identity.actionErr = errors.New("identity provider rejected update")
	if _, err := h.engine.CompleteAction(ctx, started.FlowID, ConfirmAccount{}); !errors.Is(err, ErrActionFailed) {
		t.Fatalf("expected ErrActionFailed, got %v", err)
	}

	h.identity.actionErr = nil
	if _, err := h.engine.CompleteAction(ctx, started.FlowID, ConfirmAccount{}); !errors.Is(err, ErrFlowNotFound) {
		t.Fatalf("expected failed flow to be gone, got %v", err)
	}
}

func TestFlowExpiresAndMalformedIDs(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	ctx := context.Background()

	started := startFlow(t, h, PurposePasswordReset, "alice@example.com")
	h.clock.Advance(21 * time.Minute)

	if _, err := h.engine.SubmitCode(ctx, started.FlowID, "123456"); !errors.Is(err, ErrFlowNotFound) {
		t.Fatalf("expected expired flow to be gone, got %v", err)
	}

	for _, id := range []string{"", "not-a-flow", strings.Repeat("A", 22) + "=="} {
		if _, err := h.engine.SubmitCode(ctx, id, "123456"); !errors.Is(err, ErrFlowNotFound) {
			t.Fatalf("flow id %q: expected ErrFlowNotFound, got %v", id, err)
		}
		if _, err := h.engine.ResendCode(ctx, id); !errors.Is(err, ErrFlowNotFound) {
			t.Fatalf("flow id %q: expected ErrFlowNotFound, got %v", id, err)
		}
	}
}

func TestStartFlowDeliveryFailureCreatesNoFlow(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	h.deliverer.SetErr(errors.New("mailbox unavailable"))

	result, err := h.engine.StartFlow(context.Background(), PurposePasswordReset, "alice@example.com")
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if result.FlowID != "" {
		t.Fatalf("expected no flow, got %+v", result)
	}
	for _, key := range h.mr.Keys() {
		if strings.HasPrefix(key, "cg:fl:") {
			t.Fatalf("unexpected flow session key %s", key)
		}
	}
}

func TestStartFlowRateLimited(t *testing.T) {
	h := newTestHarness(t, func(cfg *Config) {
		cfg.Throttle.MaxPerIdentifier = 2
		cfg.Throttle.MaxPerIP = 3
	}, nil)
	ctx := WithClientIP(context.Background(), "203.0.113.9")

	for i := 0; i < 2; i++ {
		if _, err := h.engine.StartFlow(ctx, PurposePasswordReset, "Alice@Example.com "); err != nil {
			t.Fatalf("StartFlow %d failed: %v", i+1, err)
		}
	}
	if _, err := h.engine.StartFlow(ctx, PurposePasswordReset, "alice@example.com"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected identifier throttle, got %v", err)
	}

	if _, err := h.engine.StartFlow(ctx, PurposePasswordReset, "bob@example.com"); err != nil {
		t.Fatalf("expected another identifier to pass, got %v", err)
	}
	if _, err := h.engine.StartFlow(ctx, PurposePasswordReset, "bob@example.com"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected IP throttle, got %v", err)
	}

	if got := h.engine.MetricsSnapshot().Counters[MetricRateLimitHit]; got != 2 {
		t.Fatalf("expected 2 rate limit hits, got %d", got)
	}
}

func TestConcurrentCompleteActionRunsOnce(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	ctx := context.Background()

	started := startFlow(t, h, PurposePasswordReset, "alice@example.com")
	if _, err := h.engine.SubmitCode(ctx, started.FlowID, h.deliverer.Last(t).code); err != nil {
		t.Fatalf("SubmitCode failed: %v", err)
	}

	const workers = 8
	var succeeded atomic.Int64
	var wg sync.WaitGroup
	unexpected := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.CompleteAction(ctx, started.FlowID, SetPassword{NewPassword: "concurrent-pass"})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrFlowNotFound):
			default:
				unexpected <- err
			}
		}()
	}
	wg.Wait()
	close(unexpected)

	for err := range unexpected {
		t.Fatalf("unexpected CompleteAction error: %v", err)
	}
	if got := succeeded.Load(); got != 1 {
		t.Fatalf("expected exactly one completion, got %d", got)
	}
	if got := len(h.identity.Performed()); got != 1 {
		t.Fatalf("expected action performed once, got %d", got)
	}
}

func TestFlowAuditTrail(t *testing.T) {
	sink := NewChannelSink(64)
	h := newTestHarness(t, nil, sink)
	ctx := WithClientIP(context.Background(), "198.51.100.4")

	started := startFlow(t, h, PurposePasswordReset, "alice@example.com")
	code := h.deliverer.Last(t).code
	if _, err := h.engine.SubmitCode(ctx, started.FlowID, code); err != nil {
		t.Fatalf("SubmitCode failed: %v", err)
	}
	if _, err := h.engine.CompleteAction(ctx, started.FlowID, SetPassword{NewPassword: "audited-pass"}); err != nil {
		t.Fatalf("CompleteAction failed: %v", err)
	}
	h.engine.Close()

	seen := map[string]AuditEvent{}
	for {
		select {
		case event := <-sink.Events():
			for _, v := range event.Metadata {
				if strings.Contains(v, code) {
					t.Fatalf("audit event %s holds the plaintext code", event.EventType)
				}
			}
			seen[event.EventType] = event
			continue
		default:
		}
		break
	}

	for _, eventType := range []string{"challenge_issued", "flow_started", "challenge_accepted", "flow_completed"} {
		if _, ok := seen[eventType]; !ok {
			t.Fatalf("expected %s audit event, got %v", eventType, seen)
		}
	}
	completed := seen["flow_completed"]
	if completed.FlowID != started.FlowID || completed.SubjectID != "sub-alice" || completed.IP != "198.51.100.4" {
		t.Fatalf("unexpected flow_completed event: %+v", completed)
	}
	if completed.Metadata["action"] != "set_password" {
		t.Fatalf("expected action metadata, got %v", completed.Metadata)
	}
}

func TestStepAndPurposeNames(t *testing.T) {
	for _, p := range []Purpose{PurposePasswordReset, PurposeSignupConfirmation} {
		parsed, err := ParsePurpose(p.String())
		if err != nil || parsed != p {
			t.Fatalf("ParsePurpose(%q) = %v, %v", p.String(), parsed, err)
		}
	}
	if _, err := ParsePurpose("login"); !errors.Is(err, ErrInvalidPurpose) {
		t.Fatalf("expected ErrInvalidPurpose, got %v", err)
	}
	if Purpose(0).Valid() || Purpose(3).Valid() {
		t.Fatal("expected out-of-range purposes to be invalid")
	}
	if StepDone.String() != "done" || Step(42).String() != "unknown" {
		t.Fatal("unexpected step names")
	}
}

func TestResendThrottleTreatsKnownAndUnknownAlike(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	ctx := context.Background()

	outcomes := func(identifier string) []error {
		ids := []string{
			startFlow(t, h, PurposePasswordReset, identifier).FlowID,
			startFlow(t, h, PurposePasswordReset, identifier).FlowID,
		}
		var out []error
		for round := 0; round < 3; round++ {
			h.clock.Advance(31 * time.Second)
			for _, id := range ids {
				_, err := h.engine.ResendCode(ctx, id)
				out = append(out, err)
			}
		}
		return out
	}

	known := outcomes("alice@example.com")
	unknown := outcomes("nobody@example.com")

	// Two starts and three resends fill the default budget of five.
	for i := range known {
		wantLimited := i >= 3
		if errors.Is(known[i], ErrRateLimited) != wantLimited || errors.Is(unknown[i], ErrRateLimited) != wantLimited {
			t.Fatalf("resend %d: known=%v unknown=%v", i, known[i], unknown[i])
		}
		if !wantLimited && (known[i] != nil || unknown[i] != nil) {
			t.Fatalf("resend %d: known=%v unknown=%v", i, known[i], unknown[i])
		}
	}

	for _, key := range h.mr.Keys() {
		if strings.Contains(key, ":rli:") && (strings.Contains(key, "example.com") || strings.Contains(key, "sub-alice")) {
			t.Fatalf("throttle key %s exposes the identifier", key)
		}
	}
}

func TestResendDeliveryFailureAllowsImmediateRetry(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	ctx := context.Background()

	started := startFlow(t, h, PurposePasswordReset, "alice@example.com")

	h.clock.Advance(31 * time.Second)
	h.deliverer.SetErr(errors.New("mailbox unavailable"))
	if _, err := h.engine.ResendCode(ctx, started.FlowID); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}

	h.deliverer.SetErr(nil)
	resent, err := h.engine.ResendCode(ctx, started.FlowID)
	if err != nil {
		t.Fatalf("retry after failed delivery: %v", err)
	}
	if resent.ResendIn != 30*time.Second {
		t.Fatalf("expected cooldown re-armed to 30s, got %s", resent.ResendIn)
	}
	if h.deliverer.Count() != 3 {
		t.Fatalf("expected 3 delivery attempts, got %d", h.deliverer.Count())
	}

	if _, err := h.engine.SubmitCode(ctx, started.FlowID, h.deliverer.Last(t).code); err != nil {
		t.Fatalf("SubmitCode failed: %v", err)
	}
}

func TestCompleteActionKeepsNewerChallenge(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	ctx := context.Background()

	started := startFlow(t, h, PurposePasswordReset, "alice@example.com")
	if _, err := h.engine.SubmitCode(ctx, started.FlowID, h.deliverer.Last(t).code); err != nil {
		t.Fatalf("SubmitCode failed: %v", err)
	}

	if err := h.engine.Issue(ctx, "sub-alice", PurposePasswordReset); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	newer := h.deliverer.Last(t).code

	if _, err := h.engine.CompleteAction(ctx, started.FlowID, SetPassword{NewPassword: "n3w-Passw0rd!"}); err != nil {
		t.Fatalf("CompleteAction failed: %v", err)
	}

	ok, err := h.engine.Validate(ctx, "sub-alice", PurposePasswordReset, newer)
	if err != nil || !ok {
		t.Fatalf("newer challenge must survive completion, ok=%v err=%v", ok, err)
	}
}

func TestCompleteActionRemovesConsumedChallenge(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	ctx := context.Background()

	started := startFlow(t, h, PurposePasswordReset, "alice@example.com")
	if _, err := h.engine.SubmitCode(ctx, started.FlowID, h.deliverer.Last(t).code); err != nil {
		t.Fatalf("SubmitCode failed: %v", err)
	}
	if _, err := h.engine.CompleteAction(ctx, started.FlowID, SetPassword{NewPassword: "n3w-Passw0rd!"}); err != nil {
		t.Fatalf("CompleteAction failed: %v", err)
	}

	for _, key := range h.mr.Keys() {
		if strings.HasPrefix(key, "cg:ch:") {
			t.Fatalf("consumed challenge left behind: %s", key)
		}
	}
}

func TestDecoySubmitTouchesNoChallenge(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	ctx := context.Background()

	decoy := startFlow(t, h, PurposePasswordReset, "nobody@example.com")
	for i := 0; i < 3; i++ {
		if _, err := h.engine.SubmitCode(ctx, decoy.FlowID, "123456"); !errors.Is(err, ErrChallengeInvalid) {
			t.Fatalf("expected ErrChallengeInvalid, got %v", err)
		}
	}
	for _, key := range h.mr.Keys() {
		if strings.HasPrefix(key, "cg:ch:") {
			t.Fatalf("decoy submission wrote %s", key)
		}
	}
}
