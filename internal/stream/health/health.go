// Package health tracks per-connection liveness counters and exposes a
// read-only snapshot for operators, per spec.md §2 ("Health & Metrics") and
// invariant I6 (a snapshot never mixes state and counters from different
// moments).
package health

import (
	"sync"
	"sync/atomic"
	"time"
)

// State mirrors the Connection Supervisor's state machine states.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
	Failed       State = "failed"
)

const maxLastErrorLen = 512

// Metrics holds the atomic counters and last-error snapshot for a single
// Connection Supervisor. The zero value is ready to use.
type Metrics struct {
	totalConnectionAttempts      atomic.Int64
	successfulConnectionAttempts atomic.Int64
	failedConnectionAttempts     atomic.Int64
	reconnectAttempts            atomic.Int64
	pingFailures                 atomic.Int64
	redundantSubscribes          atomic.Int64
	redundantUnsubscribes        atomic.Int64

	startedAt    time.Time
	lastActivity atomic.Int64 // unix nanos

	mu        sync.Mutex
	state     State
	lastError string
}

// New returns Metrics with StartedAt set to now.
func New() *Metrics {
	m := &Metrics{startedAt: time.Now()}
	m.state = Disconnected
	return m
}

func (m *Metrics) RecordConnectionAttempt()    { m.totalConnectionAttempts.Add(1) }
func (m *Metrics) RecordConnectionSuccess()    { m.successfulConnectionAttempts.Add(1) }
func (m *Metrics) RecordConnectionFailure()    { m.failedConnectionAttempts.Add(1) }
func (m *Metrics) RecordReconnectAttempt()     { m.reconnectAttempts.Add(1) }
func (m *Metrics) RecordPingFailure()          { m.pingFailures.Add(1) }
func (m *Metrics) RecordRedundantSubscribe()   { m.redundantSubscribes.Add(1) }
func (m *Metrics) RecordRedundantUnsubscribe() { m.redundantUnsubscribes.Add(1) }

// RecordActivity stamps the last-activity timestamp; called whenever the
// reader observes any inbound frame (liveness for the Ping Supervisor too).
func (m *Metrics) RecordActivity() {
	m.lastActivity.Store(time.Now().UnixNano())
}

// SetState updates the current state and, atomically with it, the last
// error associated with that transition (satisfying I6: state and the
// error that explains it never appear out of sync in a snapshot).
func (m *Metrics) SetState(state State, lastError string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	if lastError != "" {
		m.lastError = truncate(lastError, maxLastErrorLen)
	}
}

// Snapshot is a consistent, read-only view of a connection's health.
type Snapshot struct {
	State                        State
	TotalConnectionAttempts      int64
	SuccessfulConnectionAttempts int64
	FailedConnectionAttempts     int64
	ReconnectAttempts            int64
	PingFailures                 int64
	RedundantSubscribes          int64
	RedundantUnsubscribes        int64
	LastError                    string
	StartedAt                    time.Time
	Uptime                       time.Duration
	LastActivity                 time.Time
}

// Snapshot returns a torn-read-free view of the current health.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	state := m.state
	lastErr := m.lastError
	m.mu.Unlock()

	var lastActivity time.Time
	if ns := m.lastActivity.Load(); ns != 0 {
		lastActivity = time.Unix(0, ns)
	}

	return Snapshot{
		State:                        state,
		TotalConnectionAttempts:      m.totalConnectionAttempts.Load(),
		SuccessfulConnectionAttempts: m.successfulConnectionAttempts.Load(),
		FailedConnectionAttempts:     m.failedConnectionAttempts.Load(),
		ReconnectAttempts:            m.reconnectAttempts.Load(),
		PingFailures:                 m.pingFailures.Load(),
		RedundantSubscribes:          m.redundantSubscribes.Load(),
		RedundantUnsubscribes:        m.redundantUnsubscribes.Load(),
		LastError:                    lastErr,
		StartedAt:                    m.startedAt,
		Uptime:                       time.Since(m.startedAt),
		LastActivity:                 lastActivity,
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
