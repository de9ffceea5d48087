package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for marketfeed observability.
// Following OpenTelemetry naming conventions: namespace.attribute_name.

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod).
	AttrEnvironment = attribute.Key("environment")
	// AttrProvider identifies which venue produced the signal.
	AttrProvider = attribute.Key("provider")
	// AttrStream labels metrics by logical stream kind (trade, orderbook, ...).
	AttrStream = attribute.Key("stream")
	// AttrCommandType indicates which control-plane command was processed.
	AttrCommandType = attribute.Key("command.type")
	// AttrResult records the outcome of an operation (success, error, timeout).
	AttrResult = attribute.Key("result")
	// AttrConnectionState labels connection lifecycle signals.
	AttrConnectionState = attribute.Key("connection.state")
	// AttrReason provides free-form context for disconnects and errors.
	AttrReason = attribute.Key("reason")
)

// BaseAttributes returns the attribute set common to every streaming-core metric.
func BaseAttributes(environment, provider, stream string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
		AttrStream.String(stream),
	}
}

// ConnectionAttributes returns attributes for connection lifecycle metrics.
func ConnectionAttributes(environment, provider, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
		AttrConnectionState.String(state),
	}
}
