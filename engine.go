package codegate

import (
	"context"
	"time"

	"github.com/MrEthical07/codegate/internal"
	"github.com/MrEthical07/codegate/internal/audit"
	"github.com/MrEthical07/codegate/internal/flows"
	"github.com/MrEthical07/codegate/internal/limiters"
	"github.com/MrEthical07/codegate/internal/stores"
	"github.com/rs/zerolog"
)

// Engine issues and validates one-time codes and drives the flows gated by
// them. Build it with New().…Build(). Its methods are safe for concurrent use.
type Engine struct {
	config    Config
	clock     Clock
	logger    zerolog.Logger
	identity  Identity
	deliverer Deliverer
	hasher    *internal.CodeHasher

	challengeStore *stores.ChallengeStore
	sessionStore   *stores.FlowSessionStore
	issueLimiter   *limiters.IssueLimiter
	audit          *audit.Dispatcher
	metrics        *Metrics

	flow flows.Service
}

// Close flushes and stops the audit dispatcher. The Redis client is owned by
// the caller and stays open.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many audit events were discarded because the
// dispatcher buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// Ping checks that the challenge backend answers within the store timeout.
func (e *Engine) Ping(ctx context.Context) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if e.config.Store.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Store.OperationTimeout)
		defer cancel()
	}
	if err := e.challengeStore.Ping(ctx); err != nil {
		e.logFailure("ping", err, nil)
		return ErrUnavailable
	}
	return nil
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) now() time.Time {
	if e == nil || e.clock == nil {
		return time.Now()
	}
	return e.clock.Now()
}

// logFailure records an infrastructure failure. Callers never pass codes or
// raw identifiers in fields.
func (e *Engine) logFailure(op string, err error, fields map[string]string) {
	if e == nil {
		return
	}
	event := e.logger.Error().Err(err).Str("op", op)
	for k, v := range fields {
		event = event.Str(k, v)
	}
	event.Msg("codegate operation failed")
}

func (e *Engine) ready() bool {
	return e != nil && e.flow.Initialized()
}
