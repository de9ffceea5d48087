// Package errs provides structured error envelopes for the streaming core.
package errs

import (
	"strconv"
	"strings"
)

// Code identifies a streaming-core error category.
type Code string

const (
	// CodeNetwork indicates a recoverable transport or framing failure.
	CodeNetwork Code = "transport"
	// CodeRateLimited indicates the venue asked the client to back off.
	CodeRateLimited Code = "rate_limited"
	// CodeExchange indicates the venue rejected a protocol-level request.
	CodeExchange Code = "protocol_rejected"
	// CodeAuth indicates a user-data listen key was rejected.
	CodeAuth Code = "auth_rejected"
	// CodeFatal indicates an unrecoverable handshake or TLS failure.
	CodeFatal Code = "fatal"
	// CodeTerminated indicates the operation was attempted after Close.
	CodeTerminated Code = "client_terminated"
	// CodeInvalid indicates invalid caller input (e.g. unknown interval).
	CodeInvalid Code = "invalid_argument"
)

// E captures structured error information produced by the streaming core.
type E struct {
	Venue   string
	Code    Code
	Message string
	RawCode string
	RawMsg  string
	Retry   string // operator-facing remediation, e.g. "rotate listen key"

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and error code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{
		Venue: strings.TrimSpace(venue),
		Code:  code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) { e.Message = trimmed }
}

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) { e.RawCode = trimmed }
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) { e.RawMsg = msg }
}

// WithRetry attaches caller-facing remediation guidance.
func WithRetry(retry string) Option {
	trimmed := strings.TrimSpace(retry)
	return func(e *E) { e.Retry = trimmed }
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) { e.cause = err }
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)
	parts = append(parts, "code="+string(e.Code))

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.Retry != "" {
		parts = append(parts, "retry="+strconv.Quote(e.Retry))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an *E with the same Code, so callers can
// write errors.Is(err, errs.New("", errs.CodeFatal)) without caring about
// venue or message.
func (e *E) Is(target error) bool {
	other, ok := target.(*E)
	if !ok {
		return false
	}
	return e.Code == other.Code
}
