package internaldefs

import (
	"github.com/MrEthical07/codegate"
)

// BucketCount is the number of latency buckets an engine snapshot carries,
// the last one being +Inf.
const BucketCount = 8

// Def names one engine series for export.
type Def struct {
	ID   codegate.MetricID
	Name string
	Help string
}

var Counters = []Def{
	{codegate.MetricChallengeIssued, "codegate_challenge_issued_total", "Challenges issued and delivered."},
	{codegate.MetricChallengeDeliveryFailed, "codegate_challenge_delivery_failed_total", "Challenges whose code could not be delivered."},
	{codegate.MetricChallengeAccepted, "codegate_challenge_accepted_total", "Codes accepted and consumed."},
	{codegate.MetricChallengeRejected, "codegate_challenge_rejected_total", "Codes rejected for any reason."},
	{codegate.MetricChallengeAttemptsExhausted, "codegate_challenge_attempts_exhausted_total", "Challenges destroyed after too many wrong codes."},
	{codegate.MetricChallengeInvalidated, "codegate_challenge_invalidated_total", "Explicit challenge invalidations."},
	{codegate.MetricFlowStarted, "codegate_flow_started_total", "Flows started, decoys included."},
	{codegate.MetricFlowDecoyStarted, "codegate_flow_decoy_started_total", "Flows started for identifiers with no account."},
	{codegate.MetricFlowCodeAccepted, "codegate_flow_code_accepted_total", "Flow code submissions accepted."},
	{codegate.MetricFlowCodeRejected, "codegate_flow_code_rejected_total", "Flow code submissions rejected."},
	{codegate.MetricFlowResend, "codegate_flow_resend_total", "Flow resends performed."},
	{codegate.MetricFlowResendCooldown, "codegate_flow_resend_cooldown_total", "Flow resends refused during cooldown."},
	{codegate.MetricFlowCompleted, "codegate_flow_completed_total", "Flows whose gated action succeeded."},
	{codegate.MetricFlowActionFailed, "codegate_flow_action_failed_total", "Flows whose gated action failed."},
	{codegate.MetricRateLimitHit, "codegate_rate_limit_hit_total", "Issuance requests denied by throttling."},
}

var Histograms = []Def{
	{codegate.MetricValidateLatency, "codegate_validate_latency_seconds", "Time spent validating a submitted code."},
}

// AuditDropped is reported from Engine.AuditDropped rather than the snapshot.
var AuditDropped = Def{Name: "codegate_audit_dropped_total", Help: "Audit events dropped because the dispatcher queue was full."}

// UpperBounds are the "le" labels of the engine's fixed latency buckets, in
// seconds.
var UpperBounds = [BucketCount]string{"0.005", "0.01", "0.025", "0.05", "0.1", "0.25", "0.5", "+Inf"}

// Cumulative turns the per-bucket counts of a snapshot into running totals.
// Missing buckets count as zero and extra ones are ignored.
func Cumulative(raw []uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	var running uint64
	for i := range out {
		if i < len(raw) {
			running += raw[i]
		}
		out[i] = running
	}
	return out
}
