// Package prometheus renders codegate metrics in Prometheus text exposition
// format.
//
// [NewPrometheusExporter] accepts a [codegate.Engine] and exposes an
// [http.Handler]. Counter names are prefixed codegate_*_total; the single
// histogram is codegate_validate_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry; callers mount the Handler.
//   - Mutate engine state.
package prometheus
