// Package otel binds codegate counters and the validate latency histogram to
// OpenTelemetry observable instruments.
//
// Each engine counter becomes an Int64ObservableCounter. The latency
// histogram becomes two gauges, <name>_bucket carrying one cumulative point
// per "le" attribute and <name>_count. One callback reads
// [codegate.Engine.MetricsSnapshot] per collection cycle.
//
// Callers own the MeterProvider and pass a Meter in.
package otel
