// Package exchange defines the per-venue strategy the Connection Supervisor
// is generic over: endpoint descriptor, ping policy, topic expansion for
// each logical subscribe method, and command-envelope encoding. The
// Supervisor itself never contains venue-specific logic; everything
// venue-shaped lives behind this interface (see the binance subpackage for
// the only implementation this repository ships).
package exchange

import (
	"time"

	"github.com/coachpo/marketfeed/internal/stream/ping"
	"github.com/coachpo/marketfeed/internal/stream/registry"
)

// Endpoint describes everything the Connection Supervisor needs to dial a
// venue and obey its wire limits.
type Endpoint struct {
	Venue                 string
	Market                string
	URL                   string
	ProxyURL              string
	MaxFrames             int
	Window                time.Duration
	MaxTopicsPerSubscribe int
	MaxFrameBytes         int
}

// Method is a logical command the Command Encoder translates to wire frames.
type Method string

const (
	MethodSubscribe   Method = "SUBSCRIBE"
	MethodUnsubscribe Method = "UNSUBSCRIBE"
)

// Frame is one encoded outbound wire message, tagged with the command id
// used to correlate it with the venue's (optional) acknowledgement.
type Frame struct {
	ID   uint64
	Data []byte
}

// CandleSubscription pairs a symbol with a candlestick interval expressed in
// seconds, per spec.md §6.
type CandleSubscription struct {
	Symbol          string
	IntervalSeconds int
}

// InboundKind classifies a decoded inbound message for the reader loop.
type InboundKind int

const (
	// InboundStreamData should be forwarded to the application sink.
	InboundStreamData InboundKind = iota
	// InboundControlAck is a subscribe/unsubscribe acknowledgement, consumed
	// internally and never forwarded.
	InboundControlAck
	// InboundProtocolError is a structured venue error; delivered to the
	// application as a notice on the separate notices channel, and the
	// connection is not torn down.
	InboundProtocolError
)

// ProtocolNotice describes a structured error the venue attached to a
// control message response.
type ProtocolNotice struct {
	CommandID uint64
	Code      int
	Message   string
}

// Strategy is the per-venue behavior the Connection Supervisor is generic over.
type Strategy interface {
	// Endpoint returns the dial target and wire limits for this strategy
	// instance (one Strategy is bound to one market, e.g. Binance USDT-Futures).
	Endpoint() Endpoint

	// PingPolicy returns the liveness protocol for this venue.
	PingPolicy() ping.Policy

	// EncodeCommand translates a logical subscribe/unsubscribe into one or
	// more wire frames, chunked to respect both MaxTopicsPerSubscribe and
	// MaxFrameBytes. nextID is called once per emitted frame.
	EncodeCommand(method Method, topics []registry.Topic, nextID func() uint64) ([]Frame, error)

	// EncodeRaw wraps a raw (already-serialized) application payload so it
	// still carries a command id where the venue's protocol requires one;
	// for most venues this is the identity function.
	EncodeRaw(payload []byte, nextID func() uint64) (Frame, error)

	// ExpandTrade, ExpandOrderbook, ExpandOrderbookTopK, ExpandBBO, and
	// ExpandTicker translate a logical subscribe call into topics.
	ExpandTrade(symbols []string) []registry.Topic
	ExpandOrderbook(symbols []string) []registry.Topic
	ExpandOrderbookTopK(symbols []string, depth int) []registry.Topic
	ExpandBBO(symbols []string) []registry.Topic
	ExpandTicker(symbols []string) []registry.Topic

	// ExpandCandlestick maps (symbol, interval_seconds) pairs to topics,
	// failing with an *errs.E of CodeInvalid for unknown intervals.
	ExpandCandlestick(pairs []CandleSubscription) ([]registry.Topic, error)

	// ExpandUserData wraps an opaque listen key into a topic the encoder
	// can subscribe to like any other.
	ExpandUserData(listenKey string) []registry.Topic

	// ClassifyInbound inspects one decoded inbound payload and reports
	// whether it is stream data, a control acknowledgement, or a
	// structured protocol error. When the kind is InboundStreamData, the
	// returned []byte is the payload to forward to the application sink
	// (unwrapped from any venue-specific multiplexing envelope); it is nil
	// for the other two kinds, which are never forwarded as-is.
	ClassifyInbound(data []byte) (InboundKind, []byte, *ProtocolNotice)
}
