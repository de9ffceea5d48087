// Package ping implements the per-connection liveness supervisor: it emits
// exchange-specific keepalive frames on a schedule and declares the
// connection dead when no inbound activity is observed within the venue's
// timeout.
package ping

import (
	"context"
	"time"

	"github.com/coachpo/marketfeed/internal/stream/shutdown"
)

// Frame identifies what kind of keepalive frame a venue expects.
type Frame int

const (
	// FrameWebSocketPing sends a protocol-level WebSocket ping frame.
	FrameWebSocketPing Frame = iota
	// FrameTextHeartbeat sends a text/JSON heartbeat payload.
	FrameTextHeartbeat
	// FrameNone means the server pings the client; this side never sends.
	FrameNone
)

// Policy describes a venue's liveness protocol.
type Policy struct {
	Interval       time.Duration
	Timeout        time.Duration // inbound-activity timeout after emission
	SendTimeout    time.Duration // bound on the ping frame write/round trip itself
	Frame          Frame
	HeartbeatBytes []byte // used when Frame == FrameTextHeartbeat
}

// Sender emits one keepalive frame and reports whether the remote
// acknowledged it (or, for FrameNone, whether the connection is still open).
type Sender interface {
	SendPing(ctx context.Context, frame Frame, payload []byte) error
}

// DeadNotifier is told the connection must be treated as dead.
type DeadNotifier interface {
	ConnectionDead(reason string)
}

// Supervisor runs one venue's liveness protocol for the lifetime of a single
// transport connection. A new Supervisor must be created per connection
// instance; it does not survive reconnects.
type Supervisor struct {
	policy   Policy
	sender   Sender
	notifier DeadNotifier
	token    *shutdown.Token
	activity <-chan struct{}
}

// New builds a Supervisor. activity must receive (or be closed-select-safe
// to read from) whenever the reader observes any inbound frame; the ping
// loop treats that as liveness and skips emitting its own ping for that
// tick.
func New(policy Policy, sender Sender, notifier DeadNotifier, token *shutdown.Token, activity <-chan struct{}) *Supervisor {
	return &Supervisor{
		policy:   policy,
		sender:   sender,
		notifier: notifier,
		token:    token,
		activity: activity,
	}
}

// Run blocks until the Shutdown Token fires or the connection is judged
// dead. It never returns an error: dead-connection detection is reported
// through notifier, and a shutdown mid-emit is always a silent, graceful
// return, per the no-error-on-expected-shutdown-race rule.
func (s *Supervisor) Run(ctx context.Context) {
	if s.policy.Frame == FrameNone || s.policy.Interval <= 0 {
		select {
		case <-s.token.Done():
		case <-ctx.Done():
		}
		return
	}

	ticker := time.NewTicker(s.policy.Interval)
	defer ticker.Stop()

	sawActivity := false
	for {
		select {
		case <-s.token.Done():
			return
		case <-ctx.Done():
			return
		case <-s.activity:
			// Any inbound frame counts as liveness for the current tick.
			sawActivity = true
		case <-ticker.C:
			if sawActivity {
				sawActivity = false
				continue
			}
			if s.tick(ctx) {
				return
			}
		}
	}
}

// tick emits one ping and waits for liveness within the policy timeout.
// It returns true if the caller should stop the supervisor (shutdown fired
// mid-emit, or the connection was declared dead).
func (s *Supervisor) tick(ctx context.Context) bool {
	sendTimeout := s.policy.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = s.policy.Timeout
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	err := s.sender.SendPing(sendCtx, s.policy.Frame, s.policy.HeartbeatBytes)
	if err != nil {
		if s.token.Fired() {
			// Shutdown raced the in-flight ping; this is expected and silent.
			return true
		}
		s.notifier.ConnectionDead("ping send failed: " + err.Error())
		return true
	}

	select {
	case <-s.token.Done():
		return true
	case <-ctx.Done():
		return true
	case <-s.activity:
		return false
	case <-time.After(s.policy.Timeout):
		s.notifier.ConnectionDead("no inbound activity within ping timeout")
		return true
	}
}
