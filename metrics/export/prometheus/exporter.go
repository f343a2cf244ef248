package prometheus

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/MrEthical07/codegate"
	"github.com/MrEthical07/codegate/metrics/export/internaldefs"
)

const contentType = "text/plain; version=0.0.4; charset=utf-8"

type metricsSource interface {
	MetricsSnapshot() codegate.MetricsSnapshot
	AuditDropped() uint64
}

// PrometheusExporter renders engine metrics in Prometheus text exposition format.
type PrometheusExporter struct {
	source metricsSource
}

func NewPrometheusExporter(engine *codegate.Engine) *PrometheusExporter {
	return &PrometheusExporter{source: engine}
}

// NewPrometheusExporterFromSource reads from any value exposing an engine
// snapshot, which is how tests feed fixed numbers.
func NewPrometheusExporterFromSource(source metricsSource) *PrometheusExporter {
	return &PrometheusExporter{source: source}
}

// Handler serves Render on every request.
func (p *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(p.render())
	})
}

// Render returns the current metrics. It returns "" while the engine has
// nothing to report.
func (p *PrometheusExporter) Render() string {
	return string(p.render())
}

func (p *PrometheusExporter) render() []byte {
	if p == nil || p.source == nil {
		return nil
	}

	snapshot := p.source.MetricsSnapshot()
	dropped := p.source.AuditDropped()
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 && dropped == 0 {
		return nil
	}

	var out exposition
	out.Grow(4096)

	for _, def := range internaldefs.Counters {
		out.family(def, "counter")
		out.sample(def.Name, "", snapshot.Counters[def.ID])
	}

	for _, def := range internaldefs.Histograms {
		buckets := internaldefs.Cumulative(snapshot.Histograms[def.ID])
		out.family(def, "histogram")
		for i, le := range internaldefs.UpperBounds {
			out.sample(def.Name+"_bucket", `le="`+le+`"`, buckets[i])
		}
		out.sample(def.Name+"_count", "", buckets[internaldefs.BucketCount-1])
		// Snapshots carry bucket counts only.
		out.sample(def.Name+"_sum", "", 0)
	}

	out.family(internaldefs.AuditDropped, "counter")
	out.sample(internaldefs.AuditDropped.Name, "", dropped)

	return out.Bytes()
}

type exposition struct {
	bytes.Buffer
}

func (e *exposition) family(def internaldefs.Def, kind string) {
	fmt.Fprintf(e, "# HELP %s %s\n# TYPE %s %s\n", def.Name, escapeHelp(def.Help), def.Name, kind)
}

func (e *exposition) sample(name, labels string, value uint64) {
	if labels != "" {
		fmt.Fprintf(e, "%s{%s} %d\n", name, labels, value)
		return
	}
	fmt.Fprintf(e, "%s %d\n", name, value)
}

var helpEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

func escapeHelp(help string) string {
	return helpEscaper.Replace(help)
}
