// Package transport opens the secure WebSocket connection each Connection
// Supervisor owns, optionally tunneled through a SOCKS5 proxy, and
// classifies dial/read/write errors the way the Connection Supervisor's
// state machine needs them classified (transient, rate-limited, or fatal).
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/net/proxy"
)

// MessageType mirrors the wire frame kinds the reader observes.
type MessageType int

const (
	// Text is a UTF-8 JSON (or heartbeat) payload.
	Text MessageType = iota
	// Binary is an opaque binary payload, possibly compressed per venue policy.
	Binary
)

// Class categorizes a transport failure for the Connection Supervisor.
type Class int

const (
	// ClassTransient covers connection resets, unexpected EOF, I/O errors,
	// and framing errors; the supervisor should reconnect.
	ClassTransient Class = iota
	// ClassRateLimited covers HTTP 429 on handshake or a venue rate-limit
	// error frame; the supervisor should reconnect after RetryAfter.
	ClassRateLimited
	// ClassFatal covers TLS failures, auth rejection, and malformed
	// handshake responses with a non-429 4xx status; the supervisor should
	// transition to Failed.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps a transport error with the classification the
// supervisor needs to pick a state transition.
type ClassifiedError struct {
	Class      Class
	RetryAfter time.Duration // meaningful only when Class == ClassRateLimited
	Err        error
}

func (e *ClassifiedError) Error() string {
	if e.Class == ClassRateLimited {
		return fmt.Sprintf("%s (retry after %s): %v", e.Class, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

const defaultRateLimitRetryAfter = 60 * time.Second

// Config describes how to dial a single venue endpoint.
type Config struct {
	URL              string
	ProxyURL         string // socks5://host:port, optional
	ReadLimit        int64
	HandshakeTimeout time.Duration
}

// Conn is a bidirectional WebSocket connection, already upgraded.
type Conn struct {
	ws *websocket.Conn
}

// Dial establishes a TLS WebSocket connection to cfg.URL. If cfg.ProxyURL is
// set, a SOCKS5 tunnel is opened first and the upstream TCP stream is
// upgraded over it. On failure the returned error is always a
// *ClassifiedError.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	httpClient, err := buildHTTPClient(cfg)
	if err != nil {
		return nil, &ClassifiedError{Class: ClassFatal, Err: fmt.Errorf("build proxy dialer: %w", err)}
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if cfg.HandshakeTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
	}

	ws, resp, err := websocket.Dial(dialCtx, cfg.URL, &websocket.DialOptions{HTTPClient: httpClient})
	if err != nil {
		return nil, classifyDialError(err, resp)
	}

	if cfg.ReadLimit > 0 {
		ws.SetReadLimit(cfg.ReadLimit)
	}
	return &Conn{ws: ws}, nil
}

// Read blocks until a frame arrives or ctx is done. The returned error, if
// any, is always a *ClassifiedError.
func (c *Conn) Read(ctx context.Context) (MessageType, []byte, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return 0, nil, classifyStreamError(err)
	}
	return fromWire(typ), data, nil
}

// Write sends a single frame, respecting ctx's deadline. Callers are
// expected to have already consumed a Rate-Limit Governor token before
// calling Write.
func (c *Conn) Write(ctx context.Context, typ MessageType, data []byte) error {
	if err := c.ws.Write(ctx, toWire(typ), data); err != nil {
		return classifyStreamError(err)
	}
	return nil
}

// Ping sends a protocol-level WebSocket ping and waits for the pong.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.ws.Ping(ctx); err != nil {
		return classifyStreamError(err)
	}
	return nil
}

// Close sends a normal-closure control frame and releases resources. Close
// is safe to call more than once.
func (c *Conn) Close(reason string) error {
	err := c.ws.Close(websocket.StatusNormalClosure, reason)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

func fromWire(t websocket.MessageType) MessageType {
	if t == websocket.MessageBinary {
		return Binary
	}
	return Text
}

func toWire(t MessageType) websocket.MessageType {
	if t == Binary {
		return websocket.MessageBinary
	}
	return websocket.MessageText
}

func classifyStreamError(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ClassifiedError{Class: ClassTransient, Err: err}
	}
	if errors.Is(err, net.ErrClosed) {
		return &ClassifiedError{Class: ClassTransient, Err: err}
	}
	if status := websocket.CloseStatus(err); status != -1 {
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			return &ClassifiedError{Class: ClassTransient, Err: err}
		}
		return &ClassifiedError{Class: ClassTransient, Err: fmt.Errorf("remote closed with status %d: %w", status, err)}
	}
	return &ClassifiedError{Class: ClassTransient, Err: err}
}

func classifyDialError(err error, resp *http.Response) *ClassifiedError {
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return &ClassifiedError{Class: ClassRateLimited, RetryAfter: retryAfter(resp), Err: err}
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return &ClassifiedError{Class: ClassFatal, Err: fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err)}
		}
	}

	if isCertificateError(err) {
		return &ClassifiedError{Class: ClassFatal, Err: fmt.Errorf("tls certificate validation failed: %w", err)}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ClassifiedError{Class: ClassTransient, Err: err}
	}
	return &ClassifiedError{Class: ClassTransient, Err: err}
}

// isCertificateError reports whether err is a TLS certificate verification
// failure. These never reach the HTTP layer, so resp is always nil for them,
// and they don't implement net.Error, so they'd otherwise fall through to
// ClassTransient and retry forever against a host that will never pass
// verification.
func isCertificateError(err error) bool {
	var certInvalid x509.CertificateInvalidError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var verifyErr *tls.CertificateVerificationError
	return errors.As(err, &certInvalid) ||
		errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &verifyErr)
}

func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return defaultRateLimitRetryAfter
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(raw); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return defaultRateLimitRetryAfter
}

func buildHTTPClient(cfg Config) (*http.Client, error) {
	if cfg.ProxyURL == "" {
		return nil, nil
	}

	parsed, err := url.Parse(cfg.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}

	dialer, err := proxy.FromURL(parsed, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("build socks5 dialer: %w", err)
	}

	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("proxy dialer does not support DialContext")
	}

	return &http.Client{
		Transport: &http.Transport{
			DialContext: contextDialer.DialContext,
		},
	}, nil
}
