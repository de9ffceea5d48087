package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/coachpo/marketfeed/internal/stream/exchange"
	"github.com/coachpo/marketfeed/internal/stream/health"
	"github.com/coachpo/marketfeed/internal/stream/ping"
	"github.com/coachpo/marketfeed/internal/stream/registry"
)

// scenarioStrategy is a minimal exchange.Strategy pointed at a test server,
// used to exercise Run's dial/restore/reconnect loop against a real
// httptest-backed WebSocket endpoint.
type scenarioStrategy struct {
	url       string
	maxFrames int
	window    time.Duration
}

func (s *scenarioStrategy) Endpoint() exchange.Endpoint {
	maxFrames := s.maxFrames
	if maxFrames == 0 {
		maxFrames = 50
	}
	window := s.window
	if window == 0 {
		window = time.Second
	}
	return exchange.Endpoint{
		Venue:                 "scenario",
		URL:                   s.url,
		MaxFrames:             maxFrames,
		Window:                window,
		MaxTopicsPerSubscribe: 200,
		MaxFrameBytes:         4096,
	}
}

func (s *scenarioStrategy) PingPolicy() ping.Policy {
	return ping.Policy{Frame: ping.FrameNone}
}

func (s *scenarioStrategy) EncodeCommand(method exchange.Method, topics []registry.Topic, nextID func() uint64) ([]exchange.Frame, error) {
	strs := make([]string, len(topics))
	for i, t := range topics {
		strs[i] = string(t)
	}
	return []exchange.Frame{{ID: nextID(), Data: []byte(string(method) + ":" + strings.Join(strs, ","))}}, nil
}

func (s *scenarioStrategy) EncodeRaw(payload []byte, nextID func() uint64) (exchange.Frame, error) {
	return exchange.Frame{ID: nextID(), Data: payload}, nil
}

func (s *scenarioStrategy) ExpandTrade(symbols []string) []registry.Topic           { return nil }
func (s *scenarioStrategy) ExpandOrderbook(symbols []string) []registry.Topic       { return nil }
func (s *scenarioStrategy) ExpandOrderbookTopK(symbols []string, depth int) []registry.Topic {
	return nil
}
func (s *scenarioStrategy) ExpandBBO(symbols []string) []registry.Topic    { return nil }
func (s *scenarioStrategy) ExpandTicker(symbols []string) []registry.Topic { return nil }
func (s *scenarioStrategy) ExpandCandlestick(pairs []exchange.CandleSubscription) ([]registry.Topic, error) {
	return nil, nil
}
func (s *scenarioStrategy) ExpandUserData(listenKey string) []registry.Topic { return nil }
func (s *scenarioStrategy) ClassifyInbound(data []byte) (exchange.InboundKind, []byte, *exchange.ProtocolNotice) {
	return exchange.InboundStreamData, data, nil
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// TestRunRestoresSubscriptionsAfterReconnect covers scenario S1: after a
// connection drop, reconnecting must replay the exact subscription set that
// was active before the drop.
func TestRunRestoresSubscriptionsAfterReconnect(t *testing.T) {
	var connCount int32
	payloads := make(chan string, 4)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		readCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err == nil {
			payloads <- string(data)
		}

		if atomic.AddInt32(&connCount, 1) == 1 {
			return // drop the first connection to force a reconnect
		}
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	strat := &scenarioStrategy{url: wsURL(server.URL)}
	s := New(Config{
		Strategy:       strat,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
	})
	s.Subscribe([]registry.Topic{"btcusdt@trade", "ethusdt@trade"})

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()

	var first, second string
	select {
	case first = <-payloads:
	case <-time.After(2 * time.Second):
		t.Fatal("expected initial subscribe payload")
	}
	select {
	case second = <-payloads:
	case <-time.After(2 * time.Second):
		t.Fatal("expected restored subscribe payload after reconnect")
	}

	if first != second {
		t.Fatalf("expected restored subscription set to match pre-drop set, got %q then %q", first, second)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	if err := s.Close(closeCtx); err != nil {
		t.Fatalf("close: %v", err)
	}
	<-runErr
}

// TestRunTransitionsToFailedOnFatalHandshake covers scenario S6: a fatal
// handshake rejection must end the reconnect loop after a single attempt and
// leave the supervisor in the Failed state.
func TestRunTransitionsToFailedOnFatalHandshake(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	strat := &scenarioStrategy{url: wsURL(server.URL)}
	s := New(Config{
		Strategy:             strat,
		MaxReconnectAttempts: 5,
		BackoffInitial:       5 * time.Millisecond,
	})

	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected Run to return a fatal-handshake error")
	}
	if got := s.Health().State; got != health.Failed {
		t.Fatalf("expected Failed state, got %v", got)
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Fatalf("expected exactly one dial attempt on fatal rejection, got %d", n)
	}

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close after Run already returned should be idempotent, got %v", err)
	}
}

// TestCloseStopsRunWithinGracePeriod covers property P4: every supervised
// task must observe shutdown and Run must return within GracePeriod of Close
// being called.
func TestCloseStopsRunWithinGracePeriod(t *testing.T) {
	connected := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		close(connected)
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	strat := &scenarioStrategy{url: wsURL(server.URL)}
	s := New(Config{Strategy: strat, GracePeriod: 200 * time.Millisecond})

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed a connection")
	}

	start := time.Now()
	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Close(closeCtx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("close took too long: %v", elapsed)
	}

	select {
	case <-runErr:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}

// TestSendPacesTwelvePayloadsThroughGovernor covers scenario S5: queuing 12
// raw frames in one Send call against a Governor configured at 5/s must let
// the first 5 through near-instantly and pace the remaining 7 roughly one
// every 200ms, all through the documented Send([][]byte) API rather than the
// bare Governor.
func TestSendPacesTwelvePayloadsThroughGovernor(t *testing.T) {
	if testing.Short() {
		t.Skip("scenario S5 pacing check needs real wall-clock time")
	}

	var mu sync.Mutex
	var arrivals []time.Duration
	var start time.Time

	connected := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		close(connected)
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
			mu.Lock()
			arrivals = append(arrivals, time.Since(start))
			mu.Unlock()
		}
	}))
	defer server.Close()

	strat := &scenarioStrategy{url: wsURL(server.URL), maxFrames: 5, window: time.Second}
	s := New(Config{Strategy: strat})

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed a connection")
	}

	raw := make([][]byte, 12)
	for i := range raw {
		raw[i] = []byte{byte(i)}
	}

	start = time.Now()
	if err := s.Send(context.Background(), raw); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		n := len(arrivals)
		mu.Unlock()
		if n == 12 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected 12 frames to arrive, got %d", n)
		case <-time.After(20 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if arrivals[4] > 300*time.Millisecond {
		t.Errorf("expected first burst of 5 to clear quickly, took %v", arrivals[4])
	}
	for i := 5; i < len(arrivals); i++ {
		if gap := arrivals[i] - arrivals[i-1]; gap < 100*time.Millisecond {
			t.Errorf("frame %d arrived only %v after frame %d, expected governor pacing", i, gap, i-1)
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Close(closeCtx); err != nil {
		t.Fatalf("close: %v", err)
	}
	<-runErr
}
