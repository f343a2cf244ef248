package codegate

import (
	"io"

	"github.com/MrEthical07/codegate/internal/audit"
	"github.com/rs/zerolog"
)

type AuditEvent = audit.Event

// AuditSink receives audit events from the Engine's dispatcher goroutine.
type AuditSink = audit.Sink

type NoOpSink = audit.NoOpSink

type ChannelSink = audit.ChannelSink

type JSONWriterSink = audit.JSONWriterSink

type LoggerSink = audit.LoggerSink

func NewChannelSink(buffer int) *ChannelSink {
	return audit.NewChannelSink(buffer)
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}

// NewLoggerSink writes each audit event as one structured log line.
func NewLoggerSink(logger zerolog.Logger) *LoggerSink {
	return audit.NewLoggerSink(logger)
}
