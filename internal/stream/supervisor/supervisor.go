// Package supervisor implements the Connection Supervisor: the per-endpoint
// state machine that owns one transport.Conn at a time, replays the
// Subscription Registry after every reconnect, and drives the Rate-Limit
// Governor and Ping Supervisor around it. The connect/backoff/reconnect loop
// runs over any exchange.Strategy instead of being hard-wired to one venue,
// and is built around a single shutdown.Token so every supervised task
// observes shutdown the same way instead of racing independent stop signals.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/marketfeed/internal/errs"
	"github.com/coachpo/marketfeed/internal/stream/exchange"
	"github.com/coachpo/marketfeed/internal/stream/governor"
	"github.com/coachpo/marketfeed/internal/stream/health"
	"github.com/coachpo/marketfeed/internal/stream/ping"
	"github.com/coachpo/marketfeed/internal/stream/registry"
	"github.com/coachpo/marketfeed/internal/stream/shutdown"
	"github.com/coachpo/marketfeed/internal/stream/transport"
	"github.com/coachpo/marketfeed/internal/telemetry"
)

// Message is one inbound stream payload delivered to the application sink.
type Message struct {
	Data []byte
}

// Notice is a structured protocol-level error the venue attached to a
// control response, delivered on the Notices channel (not the message Sink)
// without tearing the connection down.
type Notice struct {
	CommandID uint64
	Code      int
	Message   string
}

// Config configures a Supervisor.
type Config struct {
	Strategy exchange.Strategy
	Sink     chan<- Message
	Notices  chan<- Notice

	// MaxReconnectAttempts bounds consecutive dial failures before the
	// supervisor gives up and transitions to Failed. Zero selects the default
	// of 10; a negative value means unlimited.
	MaxReconnectAttempts int

	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// GracePeriod bounds how long Close waits for in-flight reader/writer/
	// ping tasks to observe the shutdown token before Run returns anyway.
	GracePeriod time.Duration

	HandshakeTimeout time.Duration
	ReadLimit        int64

	// Telemetry is optional; when nil, connection lifecycle events are
	// tracked only in the Health snapshot, not exported as OTel metrics.
	Telemetry *telemetry.Provider
}

func (c *Config) setDefaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 2 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
}

// Supervisor owns a single venue connection's full lifecycle.
type Supervisor struct {
	cfg      Config
	strategy exchange.Strategy
	registry *registry.Registry
	governor *governor.Governor
	metrics  *health.Metrics
	token    *shutdown.Token

	commandID atomic.Uint64
	outbound  chan exchange.Frame
	otel      *otelInstruments

	mu    sync.Mutex
	state health.State

	stopped chan struct{}
}

// New builds a Supervisor bound to strategy. Run must be called to start the
// connection loop.
func New(cfg Config) *Supervisor {
	cfg.setDefaults()
	endpoint := cfg.Strategy.Endpoint()

	var instruments *otelInstruments
	if cfg.Telemetry != nil {
		instruments = newOtelInstruments(cfg.Telemetry)
	}

	return &Supervisor{
		cfg:      cfg,
		strategy: cfg.Strategy,
		registry: registry.New(),
		governor: governor.New(endpoint.MaxFrames, endpoint.Window),
		metrics:  health.New(),
		token:    shutdown.New(),
		outbound: make(chan exchange.Frame, 256),
		otel:     instruments,
		state:    health.Disconnected,
		stopped:  make(chan struct{}),
	}
}

func (s *Supervisor) nextCommandID() uint64 { return s.commandID.Add(1) }

func (s *Supervisor) getState() health.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(state health.State, lastErr string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.metrics.SetState(state, lastErr)
}

// Health returns a torn-read-free snapshot of the connection's health.
func (s *Supervisor) Health() health.Snapshot { return s.metrics.Snapshot() }

// Subscribe adds topics to the Subscription Registry and, if currently
// connected, sends the wire command immediately; otherwise the topics are
// picked up by the restoration protocol on the next successful connect.
func (s *Supervisor) Subscribe(topics []registry.Topic) {
	added := s.registry.AddTopics(topics)
	if len(added) == 0 {
		s.metrics.RecordRedundantSubscribe()
		return
	}
	s.enqueue(exchange.MethodSubscribe, added)
}

// Unsubscribe removes topics from the registry and sends an UNSUBSCRIBE
// command for whichever topics actually dropped to zero references.
func (s *Supervisor) Unsubscribe(topics []registry.Topic) {
	removed := s.registry.RemoveTopics(topics)
	if len(removed) == 0 {
		s.metrics.RecordRedundantUnsubscribe()
		return
	}
	s.enqueue(exchange.MethodUnsubscribe, removed)
}

func (s *Supervisor) enqueue(method exchange.Method, topics []registry.Topic) {
	if s.getState() != health.Connected {
		// The registry already reflects the desired state; the next
		// restoration pass will subscribe to it.
		return
	}
	frames, err := s.strategy.EncodeCommand(method, topics, s.nextCommandID)
	if err != nil {
		return
	}
	for _, f := range frames {
		select {
		case s.outbound <- f:
		case <-s.token.Done():
			return
		case <-time.After(time.Second):
			return
		}
	}
}

// Send enqueues one or more raw, already-encoded application payloads (used
// for venue-specific commands the logical Subscribe* API doesn't model, such
// as a listen-key keepalive ping). Frames are enqueued in order; each still
// passes through the Rate-Limit Governor in writeLoop before it's written,
// the same as every other outbound frame.
func (s *Supervisor) Send(ctx context.Context, raw [][]byte) error {
	for _, payload := range raw {
		frame, err := s.strategy.EncodeRaw(payload, s.nextCommandID)
		if err != nil {
			return err
		}
		select {
		case s.outbound <- frame:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.token.Done():
			return errs.New(s.strategy.Endpoint().Venue, errs.CodeTerminated, errs.WithMessage("client is shutting down"))
		}
	}
	return nil
}

// Close fires the shutdown token and blocks until Run has observed it and
// returned, ctx is done, or cfg.GracePeriod elapses, whichever comes first.
func (s *Supervisor) Close(ctx context.Context) error {
	s.token.Fire()

	grace := time.NewTimer(s.cfg.GracePeriod)
	defer grace.Stop()

	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-grace.C:
		return errs.New(s.strategy.Endpoint().Venue, errs.CodeTerminated, errs.WithMessage("in-flight tasks did not observe shutdown within the grace period"))
	}
}

// Run drives the connect/replay/serve/reconnect loop until the shutdown
// token fires, ctx is done, or the connection is classified Failed. Run
// returns nil on a clean shutdown and a non-nil error when it gives up
// permanently (fatal handshake rejection or exhausted reconnect attempts).
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.stopped)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffInitial
	bo.MaxInterval = s.cfg.BackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.25

	attempt := 0
	for {
		if s.token.Fired() {
			s.setState(health.Disconnected, "")
			return nil
		}
		select {
		case <-ctx.Done():
			s.setState(health.Disconnected, "")
			return nil
		default:
		}

		s.setState(health.Connecting, "")
		s.recordConnectionAttempt()

		endpoint := s.strategy.Endpoint()
		conn, err := transport.Dial(ctx, transport.Config{
			URL:              endpoint.URL,
			ProxyURL:         endpoint.ProxyURL,
			ReadLimit:        s.cfg.ReadLimit,
			HandshakeTimeout: s.cfg.HandshakeTimeout,
		})
		if err != nil {
			s.metrics.RecordConnectionFailure()

			var classified *transport.ClassifiedError
			if errors.As(err, &classified) && classified.Class == transport.ClassFatal {
				s.setState(health.Failed, err.Error())
				return errs.New(endpoint.Venue, errs.CodeAuth, errs.WithMessage("handshake rejected"), errs.WithCause(err))
			}

			attempt++
			if s.cfg.MaxReconnectAttempts > 0 && attempt > s.cfg.MaxReconnectAttempts {
				s.setState(health.Failed, "max reconnect attempts exceeded")
				return errs.New(endpoint.Venue, errs.CodeNetwork, errs.WithMessage("max reconnect attempts exceeded"), errs.WithCause(err))
			}

			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				wait = s.cfg.BackoffMax
			}
			if classified != nil && classified.Class == transport.ClassRateLimited && classified.RetryAfter > wait {
				wait = classified.RetryAfter
			}
			if !s.sleep(ctx, wait) {
				s.setState(health.Disconnected, "")
				return nil
			}
			continue
		}

		attempt = 0
		bo.Reset()
		s.metrics.RecordConnectionSuccess()
		s.setState(health.Connected, "")

		connErr := s.runConnection(ctx, conn)
		_ = conn.Close("reconnecting")

		if s.token.Fired() || ctx.Err() != nil {
			s.setState(health.Disconnected, "")
			return nil
		}
		if connErr == nil {
			s.setState(health.Disconnected, "")
			return nil
		}

		s.recordReconnectAttempt(connErr.Error())
		s.setState(health.Reconnecting, connErr.Error())

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = s.cfg.BackoffMax
		}
		if !s.sleep(ctx, wait) {
			s.setState(health.Disconnected, "")
			return nil
		}
	}
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.token.Done():
		return false
	}
}

// runConnection replays the Subscription Registry, then runs the reader,
// writer, and ping supervisor tasks until one of them fails, the shutdown
// token fires, or ctx is canceled. The three tasks share a child context so
// that any one failure tears the others down promptly (I5: only one
// reconnect decision is ever made per dead connection).
func (s *Supervisor) runConnection(ctx context.Context, conn *transport.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.token.Done():
			cancel()
		case <-connCtx.Done():
		}
	}()

	if err := s.replaySubscriptions(connCtx, conn); err != nil {
		return fmt.Errorf("restore subscriptions: %w", err)
	}

	activity := make(chan struct{}, 1)
	notifier := &deadNotifier{cancel: cancel, errCh: make(chan error, 1), onDead: s.recordPingFailure}
	pingSup := ping.New(s.strategy.PingPolicy(), connPingSender{conn: conn, sup: s}, notifier, s.token, activity)

	p := pool.New().WithContext(connCtx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		pingSup.Run(ctx)
		return notifier.result()
	})
	p.Go(func(ctx context.Context) error {
		return s.readLoop(ctx, conn, activity)
	})
	p.Go(func(ctx context.Context) error {
		return s.writeLoop(ctx, conn)
	})

	err := p.Wait()
	if s.token.Fired() {
		return nil
	}
	return err
}

func (s *Supervisor) replaySubscriptions(ctx context.Context, conn *transport.Conn) error {
	topics := s.registry.Snapshot()
	if len(topics) == 0 {
		return nil
	}
	frames, err := s.strategy.EncodeCommand(exchange.MethodSubscribe, topics, s.nextCommandID)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := s.governor.Wait(ctx); err != nil {
			return err
		}
		if err := conn.Write(ctx, transport.Text, f.Data); err != nil {
			return err
		}
		s.recordCommandSent(string(exchange.MethodSubscribe))
	}
	return nil
}

func (s *Supervisor) readLoop(ctx context.Context, conn *transport.Conn, activity chan<- struct{}) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if s.token.Fired() || ctx.Err() != nil {
				return nil
			}
			return err
		}

		s.metrics.RecordActivity()
		select {
		case activity <- struct{}{}:
		default:
		}

		kind, payload, notice := s.strategy.ClassifyInbound(data)
		switch kind {
		case exchange.InboundControlAck:
			continue
		case exchange.InboundProtocolError:
			s.deliverNotice(notice)
		default:
			s.deliver(payload)
		}
	}
}

func (s *Supervisor) deliver(data []byte) {
	if s.cfg.Sink == nil {
		return
	}
	select {
	case s.cfg.Sink <- Message{Data: data}:
	case <-s.token.Done():
	}
}

func (s *Supervisor) deliverNotice(notice *exchange.ProtocolNotice) {
	if s.cfg.Notices == nil || notice == nil {
		return
	}
	select {
	case s.cfg.Notices <- Notice{CommandID: notice.CommandID, Code: notice.Code, Message: notice.Message}:
	case <-s.token.Done():
	}
}

func (s *Supervisor) writeLoop(ctx context.Context, conn *transport.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.token.Done():
			return nil
		case frame := <-s.outbound:
			if err := s.governor.Wait(ctx); err != nil {
				return err
			}
			if err := conn.Write(ctx, transport.Text, frame.Data); err != nil {
				return err
			}
			s.recordCommandSent("application")
		}
	}
}

type connPingSender struct {
	conn *transport.Conn
	sup  *Supervisor
}

// SendPing consumes a Rate-Limit Governor token before emitting, the same as
// every other frame the client originates (subscribe/unsubscribe/raw/ping).
func (c connPingSender) SendPing(ctx context.Context, frame ping.Frame, payload []byte) error {
	if frame == ping.FrameNone {
		return nil
	}
	if err := c.sup.governor.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	var err error
	switch frame {
	case ping.FrameWebSocketPing:
		err = c.conn.Ping(ctx)
	case ping.FrameTextHeartbeat:
		err = c.conn.Write(ctx, transport.Text, payload)
	}
	if err == nil {
		c.sup.recordPingLatency(time.Since(start))
	}
	return err
}

// deadNotifier bridges the Ping Supervisor's DeadNotifier callback into a
// pool error that cancels the connection's shared context.
type deadNotifier struct {
	once   sync.Once
	cancel context.CancelFunc
	errCh  chan error
	onDead func()
}

func (d *deadNotifier) ConnectionDead(reason string) {
	d.once.Do(func() {
		d.errCh <- errors.New(reason)
		if d.onDead != nil {
			d.onDead()
		}
		d.cancel()
	})
}

func (d *deadNotifier) result() error {
	select {
	case err := <-d.errCh:
		return err
	default:
		return nil
	}
}
