// Package internaldefs holds the metric names, help strings and latency
// bucket bounds shared by the Prometheus and OTel exporters, so both publish
// the same series. It performs no I/O.
package internaldefs
