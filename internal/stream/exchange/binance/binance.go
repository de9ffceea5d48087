// Package binance implements exchange.Strategy for Binance's combined-stream
// WebSocket API across Spot, USDT-Margined Futures, and Coin-Margined
// Futures: an endpoint catalogue per market, chunk-by-count-and-byte-budget
// control-frame batching, and the SUBSCRIBE/UNSUBSCRIBE envelope shape.
package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	goccyjson "github.com/goccy/go-json"

	"github.com/coachpo/marketfeed/internal/errs"
	"github.com/coachpo/marketfeed/internal/stream/exchange"
	"github.com/coachpo/marketfeed/internal/stream/ping"
	"github.com/coachpo/marketfeed/internal/stream/registry"
)

const venue = "binance"

// Market selects which Binance WebSocket API this Strategy targets.
type Market string

const (
	Spot         Market = "spot"
	USDTFutures  Market = "usdt-futures"
	CoinFutures  Market = "coin-futures"
)

type catalogEntry struct {
	url                   string
	maxTopicsPerSubscribe int
	maxFrameBytes         int
}

var catalog = map[Market]catalogEntry{
	Spot: {
		url:                   "wss://stream.binance.com:9443/stream",
		maxTopicsPerSubscribe: 1024,
		maxFrameBytes:         4096,
	},
	USDTFutures: {
		url:                   "wss://fstream.binance.com/stream",
		maxTopicsPerSubscribe: 200,
		maxFrameBytes:         4096,
	},
	CoinFutures: {
		url:                   "wss://dstream.binance.com/stream",
		maxTopicsPerSubscribe: 200,
		maxFrameBytes:         4096,
	},
}

// intervalNames maps spec.md §6's interval-in-seconds encoding to Binance's
// kline interval strings.
var intervalNames = map[int]string{
	60:       "1m",
	180:      "3m",
	300:      "5m",
	900:      "15m",
	1800:     "30m",
	3600:     "1h",
	7200:     "2h",
	14400:    "4h",
	21600:    "6h",
	28800:    "8h",
	43200:    "12h",
	86400:    "1d",
	259200:   "3d",
	604800:   "1w",
	2592000:  "1M",
}

// Strategy implements exchange.Strategy for one Binance market.
type Strategy struct {
	market   Market
	proxyURL string
}

// New returns a Strategy bound to market, optionally tunneled through
// proxyURL (empty for a direct connection).
func New(market Market, proxyURL string) (*Strategy, error) {
	if _, ok := catalog[market]; !ok {
		return nil, errs.New(venue, errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown market %q", market)))
	}
	return &Strategy{market: market, proxyURL: proxyURL}, nil
}

func (s *Strategy) Endpoint() exchange.Endpoint {
	entry := catalog[s.market]
	return exchange.Endpoint{
		Venue:                 venue,
		Market:                string(s.market),
		URL:                   entry.url,
		ProxyURL:              s.proxyURL,
		MaxFrames:             5,
		Window:                time.Second,
		MaxTopicsPerSubscribe: entry.maxTopicsPerSubscribe,
		MaxFrameBytes:         entry.maxFrameBytes,
	}
}

func (s *Strategy) PingPolicy() ping.Policy {
	// Binance's server sends protocol-level pings every ~3 minutes; the
	// client must pong within 10 minutes or be disconnected. We drive the
	// liveness check off inbound activity rather than sending our own
	// application pings.
	return ping.Policy{
		Interval:    3 * time.Minute,
		Timeout:     10 * time.Minute,
		SendTimeout: 10 * time.Second,
		Frame:       ping.FrameWebSocketPing,
	}
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type controlResponse struct {
	ID     *uint64 `json:"id"`
	Result any     `json:"result"`
	Code   int     `json:"code"`
	Msg    string  `json:"msg"`
}

// combinedStreamEnvelope is the wrapper every market-data frame carries on
// the `/stream` combined endpoint (as opposed to the single-stream `/ws`
// endpoint, which sends the payload bare). Control responses are never
// wrapped this way on either endpoint.
type combinedStreamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (s *Strategy) EncodeCommand(method exchange.Method, topics []registry.Topic, nextID func() uint64) ([]exchange.Frame, error) {
	entry := catalog[s.market]
	params := make([]string, len(topics))
	for i, t := range topics {
		params[i] = string(t)
	}

	chunks := chunkParams(params, entry.maxTopicsPerSubscribe, entry.maxFrameBytes, string(method))

	frames := make([]exchange.Frame, 0, len(chunks))
	for _, chunk := range chunks {
		id := nextID()
		data, err := goccyjson.Marshal(subscribeRequest{Method: string(method), Params: chunk, ID: id})
		if err != nil {
			return nil, errs.New(venue, errs.CodeFatal, errs.WithMessage("encode command envelope"), errs.WithCause(err))
		}
		frames = append(frames, exchange.Frame{ID: id, Data: data})
	}
	return frames, nil
}

// chunkParams splits params across multiple batches so that each batch
// satisfies both maxTopics and, once wrapped in a subscribeRequest envelope
// for method, maxBytes. Count alone isn't enough: a single batch of long
// topic names can exceed the byte cap well before maxTopics is reached.
func chunkParams(params []string, maxTopics, maxBytes int, method string) [][]string {
	if len(params) == 0 {
		return nil
	}

	envelopeOverhead := len(method) + 30 + 20 // room for the json skeleton and a command id of up to 20 digits
	var chunks [][]string
	var current []string
	currentBytes := envelopeOverhead

	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			currentBytes = envelopeOverhead
		}
	}

	for _, p := range params {
		cost := len(p) + 3 // quotes + comma
		if len(current) >= maxTopics || (len(current) > 0 && currentBytes+cost > maxBytes) {
			flush()
		}
		current = append(current, p)
		currentBytes += cost
	}
	flush()
	return chunks
}

func (s *Strategy) EncodeRaw(payload []byte, nextID func() uint64) (exchange.Frame, error) {
	return exchange.Frame{ID: nextID(), Data: payload}, nil
}

func (s *Strategy) ExpandTrade(symbols []string) []registry.Topic {
	return mapStreams(symbols, func(sym string) string { return sym + "@trade" })
}

func (s *Strategy) ExpandOrderbook(symbols []string) []registry.Topic {
	return mapStreams(symbols, func(sym string) string { return sym + "@depth@100ms" })
}

func (s *Strategy) ExpandOrderbookTopK(symbols []string, depth int) []registry.Topic {
	return mapStreams(symbols, func(sym string) string {
		return fmt.Sprintf("%s@depth%d@100ms", sym, depth)
	})
}

func (s *Strategy) ExpandBBO(symbols []string) []registry.Topic {
	return mapStreams(symbols, func(sym string) string { return sym + "@bookTicker" })
}

func (s *Strategy) ExpandTicker(symbols []string) []registry.Topic {
	return mapStreams(symbols, func(sym string) string { return sym + "@ticker" })
}

func (s *Strategy) ExpandCandlestick(pairs []exchange.CandleSubscription) ([]registry.Topic, error) {
	topics := make([]registry.Topic, 0, len(pairs))
	for _, p := range pairs {
		name, ok := intervalNames[p.IntervalSeconds]
		if !ok {
			return nil, errs.New(venue, errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("unsupported candlestick interval: %ds", p.IntervalSeconds)))
		}
		topics = append(topics, registry.Topic(strings.ToLower(p.Symbol)+"@kline_"+name))
	}
	return topics, nil
}

func (s *Strategy) ExpandUserData(listenKey string) []registry.Topic {
	return []registry.Topic{registry.Topic(listenKey)}
}

func (s *Strategy) ClassifyInbound(data []byte) (exchange.InboundKind, []byte, *exchange.ProtocolNotice) {
	var resp controlResponse
	if err := goccyjson.Unmarshal(data, &resp); err == nil && resp.ID != nil {
		if resp.Code != 0 || resp.Msg != "" {
			return exchange.InboundProtocolError, nil, &exchange.ProtocolNotice{CommandID: *resp.ID, Code: resp.Code, Message: resp.Msg}
		}
		return exchange.InboundControlAck, nil, nil
	}

	var envelope combinedStreamEnvelope
	if err := goccyjson.Unmarshal(data, &envelope); err == nil && envelope.Stream != "" && len(envelope.Data) > 0 {
		return exchange.InboundStreamData, envelope.Data, nil
	}
	return exchange.InboundStreamData, data, nil
}

func mapStreams(symbols []string, format func(string) string) []registry.Topic {
	topics := make([]registry.Topic, len(symbols))
	for i, sym := range symbols {
		topics[i] = registry.Topic(format(strings.ToLower(sym)))
	}
	return topics
}

// IntervalSeconds is a convenience lookup for callers building
// exchange.CandleSubscription values from a Binance interval string
// (e.g. config files that speak Binance's native vocabulary).
func IntervalSeconds(name string) (int, bool) {
	for secs, n := range intervalNames {
		if n == name {
			return secs, true
		}
	}
	// allow bare numeric seconds too
	if secs, err := strconv.Atoi(name); err == nil {
		if _, ok := intervalNames[secs]; ok {
			return secs, true
		}
	}
	return 0, false
}
