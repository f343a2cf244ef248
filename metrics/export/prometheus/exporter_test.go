package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrEthical07/codegate"
)

type fakeSource struct {
	snapshot codegate.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() codegate.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64                      { return f.dropped }

func TestRenderEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: codegate.MetricsSnapshot{
			Counters:   map[codegate.MetricID]uint64{},
			Histograms: map[codegate.MetricID][]uint64{},
		},
	})

	if got := exp.Render(); got != "" {
		t.Fatalf("expected empty output for disabled metrics, got:\n%s", got)
	}
}

func TestRenderIncludesCountersAndHistogram(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: codegate.MetricsSnapshot{
			Counters: map[codegate.MetricID]uint64{
				codegate.MetricChallengeIssued:   7,
				codegate.MetricFlowDecoyStarted:  2,
				codegate.MetricChallengeRejected: 0,
			},
			Histograms: map[codegate.MetricID][]uint64{
				codegate.MetricValidateLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
	})

	out := exp.Render()
	for _, want := range []string{
		"codegate_challenge_issued_total 7",
		"codegate_flow_decoy_started_total 2",
		"codegate_challenge_rejected_total 0",
		"codegate_validate_latency_seconds_bucket{le=\"0.005\"} 1",
		"codegate_validate_latency_seconds_bucket{le=\"+Inf\"} 36",
		"codegate_validate_latency_seconds_count 36",
		"codegate_audit_dropped_total 2",
		"# TYPE codegate_rate_limit_hit_total counter",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestHandlerWritesPrometheusContentType(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: codegate.MetricsSnapshot{
			Counters:   map[codegate.MetricID]uint64{codegate.MetricFlowStarted: 1},
			Histograms: map[codegate.MetricID][]uint64{},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected prometheus content type, got %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "codegate_flow_started_total 1") {
		t.Fatalf("expected flow counter in body, got:\n%s", rec.Body.String())
	}
}

func BenchmarkRender(b *testing.B) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: codegate.MetricsSnapshot{
			Counters: map[codegate.MetricID]uint64{
				codegate.MetricChallengeIssued:   1000,
				codegate.MetricChallengeAccepted: 800,
				codegate.MetricChallengeRejected: 40,
				codegate.MetricFlowStarted:       1000,
				codegate.MetricFlowCompleted:     780,
				codegate.MetricRateLimitHit:      3,
			},
			Histograms: map[codegate.MetricID][]uint64{
				codegate.MetricValidateLatency: {10, 20, 30, 40, 50, 60, 70, 80},
			},
		},
	})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = exp.Render()
	}
}

func TestRenderEscapesHelpAndOrdersFamilies(t *testing.T) {
	if got := escapeHelp("a\\b\nc"); got != `a\\b\nc` {
		t.Fatalf("unexpected escaped help %q", got)
	}

	exp := NewPrometheusExporterFromSource(fakeSource{dropped: 1, snapshot: codegate.MetricsSnapshot{}})
	out := exp.Render()

	issued := strings.Index(out, "# TYPE codegate_challenge_issued_total counter")
	histogram := strings.Index(out, "# TYPE codegate_validate_latency_seconds histogram")
	dropped := strings.Index(out, "# TYPE codegate_audit_dropped_total counter")
	if issued < 0 || histogram < issued || dropped < histogram {
		t.Fatalf("unexpected family order:\n%s", out)
	}
	if !strings.Contains(out, "codegate_validate_latency_seconds_bucket{le=\"+Inf\"} 0") {
		t.Fatalf("expected empty histogram buckets, got:\n%s", out)
	}
}
