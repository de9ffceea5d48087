package supervisor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/marketfeed/internal/telemetry"
)

// otelInstruments mirrors the counters already tracked in health.Metrics as
// OpenTelemetry instruments, so the same lifecycle events that feed the
// Health snapshot also feed whatever metrics backend the operator has wired
// the Provider to.
type otelInstruments struct {
	connectionAttempts metric.Int64Counter
	reconnects         metric.Int64Counter
	pingFailures       metric.Int64Counter
	commandsSent       metric.Int64Counter
	pingLatency        metric.Float64Histogram
}

func newOtelInstruments(provider *telemetry.Provider) *otelInstruments {
	meter := provider.Meter("github.com/coachpo/marketfeed/internal/stream/supervisor")

	attempts, _ := meter.Int64Counter("marketfeed_stream_connection_attempts_total")
	reconnects, _ := meter.Int64Counter("marketfeed_stream_reconnects_total")
	pingFailures, _ := meter.Int64Counter("marketfeed_stream_ping_failures_total")
	commandsSent, _ := meter.Int64Counter("marketfeed_stream_commands_sent_total")
	pingLatency, _ := meter.Float64Histogram("marketfeed_stream_ping_latency", metric.WithUnit("ms"))

	return &otelInstruments{
		connectionAttempts: attempts,
		reconnects:         reconnects,
		pingFailures:       pingFailures,
		commandsSent:       commandsSent,
		pingLatency:        pingLatency,
	}
}

func (s *Supervisor) connAttrs(state string) []attribute.KeyValue {
	endpoint := s.strategy.Endpoint()
	return telemetry.ConnectionAttributes(telemetry.Environment(), endpoint.Venue, state)
}

func (s *Supervisor) recordConnectionAttempt() {
	s.metrics.RecordConnectionAttempt()
	if s.otel != nil {
		s.otel.connectionAttempts.Add(context.Background(), 1, metric.WithAttributes(s.connAttrs("connecting")...))
	}
}

func (s *Supervisor) recordReconnectAttempt(reason string) {
	s.metrics.RecordReconnectAttempt()
	if s.otel != nil {
		attrs := append(s.connAttrs("reconnecting"), telemetry.AttrReason.String(reason))
		s.otel.reconnects.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	}
}

func (s *Supervisor) recordPingFailure() {
	s.metrics.RecordPingFailure()
	if s.otel != nil {
		s.otel.pingFailures.Add(context.Background(), 1, metric.WithAttributes(s.connAttrs("connected")...))
	}
}

func (s *Supervisor) recordCommandSent(method string) {
	if s.otel != nil {
		attrs := append(s.connAttrs("connected"), telemetry.AttrCommandType.String(method))
		s.otel.commandsSent.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	}
}

func (s *Supervisor) recordPingLatency(d time.Duration) {
	if s.otel != nil {
		s.otel.pingLatency.Record(context.Background(), float64(d.Milliseconds()), metric.WithAttributes(s.connAttrs("connected")...))
	}
}
