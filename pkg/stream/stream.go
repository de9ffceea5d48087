// Package stream exposes the public streaming-core API: a Client bound to
// one exchange.Strategy that multiplexes logical subscribe calls onto a
// single managed WebSocket connection. Client is a thin facade over
// supervisor.Supervisor; all reconnect, restoration, and rate-limit policy
// lives there.
package stream

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/marketfeed/internal/errs"
	"github.com/coachpo/marketfeed/internal/stream/exchange"
	"github.com/coachpo/marketfeed/internal/stream/health"
	"github.com/coachpo/marketfeed/internal/stream/registry"
	"github.com/coachpo/marketfeed/internal/stream/supervisor"
	"github.com/coachpo/marketfeed/internal/telemetry"
)

// Topic is a venue-native subscription key, e.g. "btcusdt@trade".
type Topic = registry.Topic

// State is one of the Connection Supervisor's states.
type State = health.State

// Message is one inbound stream payload.
type Message = supervisor.Message

// Notice is a structured protocol-level error the venue reported without
// tearing the connection down.
type Notice = supervisor.Notice

// CandleSubscription pairs a symbol with a candlestick interval in seconds.
type CandleSubscription = exchange.CandleSubscription

// Option configures a Client at construction time.
type Option func(*supervisor.Config)

// WithMaxReconnectAttempts bounds consecutive dial failures before the
// client gives up and transitions to Failed. Zero (the default override
// behavior) means the supervisor's own default of 10 applies.
func WithMaxReconnectAttempts(n int) Option {
	return func(c *supervisor.Config) { c.MaxReconnectAttempts = n }
}

// WithBackoff overrides the reconnect backoff's initial and max intervals.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *supervisor.Config) { c.BackoffInitial = initial; c.BackoffMax = max }
}

// WithGracePeriod overrides how long Close waits for in-flight tasks.
func WithGracePeriod(d time.Duration) Option {
	return func(c *supervisor.Config) { c.GracePeriod = d }
}

// WithHandshakeTimeout bounds how long the initial WebSocket upgrade may take.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *supervisor.Config) { c.HandshakeTimeout = d }
}

// WithReadLimit overrides the maximum accepted inbound frame size in bytes.
func WithReadLimit(n int64) Option {
	return func(c *supervisor.Config) { c.ReadLimit = n }
}

// WithTelemetry exports connection lifecycle counters through provider in
// addition to the always-available Health snapshot.
func WithTelemetry(provider *telemetry.Provider) Option {
	return func(c *supervisor.Config) { c.Telemetry = provider }
}

// Client is a single managed connection to one venue endpoint.
type Client struct {
	sup      *supervisor.Supervisor
	strategy exchange.Strategy
	id       uuid.UUID
}

// New builds a Client for strategy. Inbound stream payloads are delivered to
// sink; structured protocol-level errors (if notices is non-nil) are
// delivered to notices. Run must be called to actually dial and serve the
// connection.
func New(strategy exchange.Strategy, sink chan<- Message, notices chan<- Notice, opts ...Option) *Client {
	cfg := supervisor.Config{Strategy: strategy, Sink: sink, Notices: notices}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{sup: supervisor.New(cfg), strategy: strategy, id: uuid.New()}
}

// CorrelationID identifies this Client instance in logs and traces; it is
// generated once at construction and stays stable across reconnects.
func (c *Client) CorrelationID() string {
	return c.id.String()
}

// SubscribeTrade subscribes to the trade stream for each symbol.
func (c *Client) SubscribeTrade(symbols ...string) error {
	return c.subscribe(c.strategy.ExpandTrade(symbols))
}

// SubscribeOrderbook subscribes to the full depth-diff stream for each symbol.
func (c *Client) SubscribeOrderbook(symbols ...string) error {
	return c.subscribe(c.strategy.ExpandOrderbook(symbols))
}

// SubscribeOrderbookTopK subscribes to a bounded top-of-book depth stream.
func (c *Client) SubscribeOrderbookTopK(depth int, symbols ...string) error {
	return c.subscribe(c.strategy.ExpandOrderbookTopK(symbols, depth))
}

// SubscribeBBO subscribes to the best-bid/offer stream for each symbol.
func (c *Client) SubscribeBBO(symbols ...string) error {
	return c.subscribe(c.strategy.ExpandBBO(symbols))
}

// SubscribeTicker subscribes to the rolling 24h ticker stream for each symbol.
func (c *Client) SubscribeTicker(symbols ...string) error {
	return c.subscribe(c.strategy.ExpandTicker(symbols))
}

// SubscribeCandlestick subscribes to one or more (symbol, interval) pairs.
// An unsupported interval fails with an *errs.E of CodeInvalid and
// subscribes none of the pairs.
func (c *Client) SubscribeCandlestick(pairs ...CandleSubscription) error {
	topics, err := c.strategy.ExpandCandlestick(pairs)
	if err != nil {
		return err
	}
	return c.subscribe(topics)
}

// SubscribeUserData subscribes to the private user-data stream identified by
// an out-of-band listen key (venue-issued, refreshed by the caller).
func (c *Client) SubscribeUserData(listenKey string) error {
	if listenKey == "" {
		return errs.New(c.strategy.Endpoint().Venue, errs.CodeInvalid, errs.WithMessage("listen key must not be empty"))
	}
	return c.subscribe(c.strategy.ExpandUserData(listenKey))
}

// Unsubscribe removes topics from the subscription set, sending an
// UNSUBSCRIBE command for whichever topics actually drop to zero references.
func (c *Client) Unsubscribe(topics ...Topic) {
	c.sup.Unsubscribe(topics)
}

func (c *Client) subscribe(topics []registry.Topic) error {
	if len(topics) == 0 {
		return nil
	}
	c.sup.Subscribe(topics)
	return nil
}

// Send enqueues one or more raw, pre-encoded application payloads for
// transmission in a single call. Each still passes through the Rate-Limit
// Governor; Send does not bypass pacing, only the Command Encoder. Payload
// size is not checked against the venue's frame cap.
func (c *Client) Send(ctx context.Context, raw [][]byte) error {
	return c.sup.Send(ctx, raw)
}

// Run dials the endpoint and serves it until ctx is done, Close is called,
// or the connection is classified Failed. Run is meant to be called once,
// typically from its own goroutine.
func (c *Client) Run(ctx context.Context) error {
	return c.sup.Run(ctx)
}

// Close requests a graceful shutdown and blocks until Run has returned, ctx
// is done, or the grace period elapses (the last two return an error).
// Close is idempotent.
func (c *Client) Close(ctx context.Context) error {
	return c.sup.Close(ctx)
}

// Health returns a torn-read-free snapshot of the connection's state and
// counters.
func (c *Client) Health() health.Snapshot {
	return c.sup.Health()
}
