// Command streamclient dials one or more venue WebSocket endpoints
// described by a YAML configuration file, subscribes to the configured
// streams, and exposes a health snapshot over HTTP.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	appconfig "github.com/coachpo/marketfeed/internal/config"
	"github.com/coachpo/marketfeed/internal/stream/exchange"
	"github.com/coachpo/marketfeed/internal/stream/exchange/binance"
	"github.com/coachpo/marketfeed/internal/telemetry"
	"github.com/coachpo/marketfeed/pkg/stream"
)

const (
	defaultConfigPath       = "config/streamclient.yaml"
	loggerPrefix            = "streamclient "
	healthServerAddr        = ":8890"
	healthReadHeaderTimeout = 5 * time.Second
	shutdownTimeout         = 15 * time.Second
	telemetryShutdownWindow = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)

	cfgPath := cfgPathFlag
	if cfgPath == "" {
		cfgPath = defaultConfigPath
	}
	cfg, err := appconfig.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration loaded: connections=%d", len(cfg.Connections))

	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	telemetryCfg.Environment = cfg.Telemetry.Environment
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	telemetryCfg.Enabled = cfg.Telemetry.Enabled

	telemetryProvider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	clients, err := buildClients(cfg, telemetryProvider, logger)
	if err != nil {
		logger.Fatalf("build clients: %v", err)
	}

	registry := newHealthRegistry(clients)
	healthServer := &http.Server{
		Addr:              healthServerAddr,
		Handler:           registry.handler(),
		ReadHeaderTimeout: healthReadHeaderTimeout,
	}

	var lifecycle conc.WaitGroup
	for name, client := range clients {
		name, client := name, client
		lifecycle.Go(func() {
			if err := client.Run(ctx); err != nil {
				logger.Printf("connection %s stopped: %v", name, err)
			}
		})
	}

	lifecycle.Go(func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("health server: %v", err)
		}
	})
	logger.Printf("health endpoint listening on %s", healthServerAddr)

	logger.Print("streamclient started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: health server: %v", err)
	}

	var wg sync.WaitGroup
	for name, client := range clients {
		name, client := name, client
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := client.Close(shutdownCtx); err != nil {
				logger.Printf("shutdown: connection %s: %v", name, err)
			}
		}()
	}
	wg.Wait()

	lifecycle.Wait()

	telemetryCtx, telemetryCancel := context.WithTimeout(context.Background(), telemetryShutdownWindow)
	defer telemetryCancel()
	if err := telemetryProvider.Shutdown(telemetryCtx); err != nil {
		logger.Printf("shutdown: telemetry: %v", err)
	}

	logger.Print("shutdown completed")
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("path to streamclient configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func buildClients(cfg appconfig.Config, telemetryProvider *telemetry.Provider, logger *log.Logger) (map[string]*stream.Client, error) {
	clients := make(map[string]*stream.Client, len(cfg.Connections))
	for _, conn := range cfg.Connections {
		strategy, err := buildStrategy(conn)
		if err != nil {
			return nil, fmt.Errorf("connection %s: %w", conn.Name, err)
		}

		backoffInitial, backoffMax, handshakeTimeout := conn.Durations()
		sink := make(chan stream.Message, 4096)
		notices := make(chan stream.Notice, 64)

		client := stream.New(strategy, sink, notices,
			stream.WithMaxReconnectAttempts(conn.MaxReconnectAttempts),
			stream.WithBackoff(backoffInitial, backoffMax),
			stream.WithHandshakeTimeout(handshakeTimeout),
			stream.WithTelemetry(telemetryProvider),
		)

		if err := subscribeAll(client, conn); err != nil {
			return nil, fmt.Errorf("connection %s: %w", conn.Name, err)
		}

		go drain(conn.Name, sink, notices, logger)

		logger.Printf("connection %s ready: venue=%s market=%s correlation=%s", conn.Name, conn.Venue, conn.Market, client.CorrelationID())
		clients[conn.Name] = client
	}
	return clients, nil
}

func buildStrategy(conn appconfig.ConnectionConfig) (exchange.Strategy, error) {
	switch conn.Venue {
	case "binance":
		return binance.New(binanceMarket(conn.Market), conn.ProxyURL)
	default:
		return nil, fmt.Errorf("unsupported venue %q", conn.Venue)
	}
}

func binanceMarket(market string) binance.Market {
	switch market {
	case "usdt-futures":
		return binance.USDTFutures
	case "coin-futures":
		return binance.CoinFutures
	default:
		return binance.Spot
	}
}

func subscribeAll(client *stream.Client, conn appconfig.ConnectionConfig) error {
	if conn.Trades {
		if err := client.SubscribeTrade(conn.Symbols...); err != nil {
			return err
		}
	}
	if conn.Orderbook {
		if err := client.SubscribeOrderbook(conn.Symbols...); err != nil {
			return err
		}
	}
	if conn.OrderbookTopK > 0 {
		if err := client.SubscribeOrderbookTopK(conn.OrderbookTopK, conn.Symbols...); err != nil {
			return err
		}
	}
	if conn.BBO {
		if err := client.SubscribeBBO(conn.Symbols...); err != nil {
			return err
		}
	}
	if conn.Ticker {
		if err := client.SubscribeTicker(conn.Symbols...); err != nil {
			return err
		}
	}
	if len(conn.CandleIntervals) > 0 {
		pairs, err := expandCandlePairs(conn.Symbols, conn.CandleIntervals)
		if err != nil {
			return err
		}
		if err := client.SubscribeCandlestick(pairs...); err != nil {
			return err
		}
	}
	return nil
}

func expandCandlePairs(symbols, intervals []string) ([]stream.CandleSubscription, error) {
	pairs := make([]stream.CandleSubscription, 0, len(symbols)*len(intervals))
	for _, sym := range symbols {
		for _, interval := range intervals {
			secs, ok := binance.IntervalSeconds(strings.TrimSpace(interval))
			if !ok {
				return nil, fmt.Errorf("unsupported candle interval %q", interval)
			}
			pairs = append(pairs, stream.CandleSubscription{Symbol: sym, IntervalSeconds: secs})
		}
	}
	return pairs, nil
}

// drain forwards stream data and protocol notices to the process log. A real
// application would instead route Messages to its own pipeline; this
// entrypoint exists to demonstrate the Client API end to end.
func drain(name string, sink <-chan stream.Message, notices <-chan stream.Notice, logger *log.Logger) {
	for {
		select {
		case msg, ok := <-sink:
			if !ok {
				return
			}
			_ = msg // application code would parse msg.Data here
		case notice, ok := <-notices:
			if !ok {
				return
			}
			logger.Printf("connection %s: protocol notice command=%d code=%d msg=%s", name, notice.CommandID, notice.Code, notice.Message)
		}
	}
}

type healthRegistry struct {
	clients map[string]*stream.Client
}

func newHealthRegistry(clients map[string]*stream.Client) *healthRegistry {
	return &healthRegistry{clients: clients}
}

func (h *healthRegistry) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.serveHealth)
	return mux
}

func (h *healthRegistry) serveHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := make(map[string]any, len(h.clients))
	for name, client := range h.clients {
		snapshot[name] = client.Health()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
