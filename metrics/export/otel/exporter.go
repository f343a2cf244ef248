package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/codegate"
	"github.com/MrEthical07/codegate/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() codegate.MetricsSnapshot
	AuditDropped() uint64
}

// Option configures an OTelExporter.
type Option func(*OTelExporter)

// WithAttributes adds attrs to every observation, e.g. a deployment name.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return func(e *OTelExporter) {
		e.attrs = append(e.attrs, attrs...)
	}
}

type histogramInstruments struct {
	id      codegate.MetricID
	buckets metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
}

// OTelExporter publishes engine metrics as observable instruments read on
// each collection. Histogram buckets are one gauge per histogram with an
// "le" attribute.
type OTelExporter struct {
	source       metricsSource
	attrs        []attribute.KeyValue
	registration metric.Registration

	counters     map[codegate.MetricID]metric.Int64ObservableCounter
	histograms   []histogramInstruments
	auditDropped metric.Int64ObservableCounter
}

func NewOTelExporter(meter metric.Meter, engine *codegate.Engine, opts ...Option) (*OTelExporter, error) {
	if engine == nil {
		return nil, ErrNilSource
	}
	return NewOTelExporterFromSource(meter, engine, opts...)
}

func NewOTelExporterFromSource(meter metric.Meter, source metricsSource, opts ...Option) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &OTelExporter{
		source:   source,
		counters: make(map[codegate.MetricID]metric.Int64ObservableCounter, len(internaldefs.Counters)),
	}
	for _, opt := range opts {
		opt(e)
	}

	observables, err := e.instruments(meter)
	if err != nil {
		return nil, err
	}

	e.registration, err = meter.RegisterCallback(e.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return e, nil
}

func (e *OTelExporter) instruments(meter metric.Meter) ([]metric.Observable, error) {
	var observables []metric.Observable

	for _, def := range internaldefs.Counters {
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", def.Name, err)
		}
		e.counters[def.ID] = ins
		observables = append(observables, ins)
	}

	for _, def := range internaldefs.Histograms {
		buckets, err := meter.Int64ObservableGauge(def.Name+"_bucket",
			metric.WithDescription(def.Help+" Cumulative count per upper bound."))
		if err != nil {
			return nil, fmt.Errorf("create bucket gauge %s: %w", def.Name, err)
		}
		count, err := meter.Int64ObservableGauge(def.Name+"_count",
			metric.WithDescription(def.Help+" Total samples."))
		if err != nil {
			return nil, fmt.Errorf("create count gauge %s: %w", def.Name, err)
		}
		e.histograms = append(e.histograms, histogramInstruments{id: def.ID, buckets: buckets, count: count})
		observables = append(observables, buckets, count)
	}

	dropped, err := meter.Int64ObservableCounter(internaldefs.AuditDropped.Name,
		metric.WithDescription(internaldefs.AuditDropped.Help))
	if err != nil {
		return nil, fmt.Errorf("create counter %s: %w", internaldefs.AuditDropped.Name, err)
	}
	e.auditDropped = dropped
	observables = append(observables, dropped)

	return observables, nil
}

func (e *OTelExporter) observe(_ context.Context, observer metric.Observer) error {
	snapshot := e.source.MetricsSnapshot()
	common := metric.WithAttributes(e.attrs...)

	for id, ins := range e.counters {
		observer.ObserveInt64(ins, int64(snapshot.Counters[id]), common)
	}

	for _, h := range e.histograms {
		cumulative := internaldefs.Cumulative(snapshot.Histograms[h.id])
		for i, le := range internaldefs.UpperBounds {
			observer.ObserveInt64(h.buckets, int64(cumulative[i]),
				common, metric.WithAttributes(attribute.String("le", le)))
		}
		observer.ObserveInt64(h.count, int64(cumulative[internaldefs.BucketCount-1]), common)
	}

	observer.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()), common)
	return nil
}

// Close unregisters the collection callback. The Meter stays usable.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
