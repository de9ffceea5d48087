// Package shutdown provides a single broadcast shutdown primitive shared by
// every task a Connection Supervisor spawns.
//
// A connection's reader, writer, and ping tasks previously raced two
// independent shutdown signals (a polled flag guarded by a one-shot sender,
// and a separate watch channel), producing benign but noisy "channel
// closed" errors at shutdown. Token exists so there is exactly one shutdown
// primitive, observed the same way by every supervised task: a selectable
// Done() channel, fired at most once.
package shutdown

import "sync"

// Token is a single-shot broadcast signal. The zero value is not usable;
// construct with New. Token is safe for concurrent use and Fire is
// idempotent, matching invariant I3 of the streaming core's state model.
type Token struct {
	once sync.Once
	done chan struct{}
}

// New returns a ready-to-use Token.
func New() *Token {
	return &Token{done: make(chan struct{})}
}

// Fire trips the token. Calling Fire more than once is a no-op; it is never
// an error for Fire to race with another Fire, or for Fired to already be
// true when Fire is called.
func (t *Token) Fire() {
	t.once.Do(func() { close(t.done) })
}

// Done returns a channel that is closed once Fire has been called. Every
// supervised task should select on this channel alongside its other
// suspension points rather than polling Fired.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Fired reports whether Fire has already been called.
func (t *Token) Fired() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
