// Package governor implements the client-side rate-limit gate every
// outbound frame must pass through before it reaches the transport writer.
package governor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Governor is a token bucket permitting at most MaxFrames outbound frames
// per Window, enforced before any write. It is safe for concurrent use.
type Governor struct {
	limiter *rate.Limiter
}

// New builds a Governor with capacity maxFrames and a refill rate of one
// token per window/maxFrames, so a burst of up to maxFrames frames is
// allowed before pacing kicks in (this is what lets scenario S5's first
// batch through immediately while the remainder is paced across the
// window).
func New(maxFrames int, window time.Duration) *Governor {
	if maxFrames <= 0 {
		maxFrames = 1
	}
	if window <= 0 {
		window = time.Second
	}
	perSecond := float64(maxFrames) / window.Seconds()
	return &Governor{limiter: rate.NewLimiter(rate.Limit(perSecond), maxFrames)}
}

// Wait blocks until a token is available or ctx is done, consuming exactly
// one token on success. Callers pass a context derived from the Shutdown
// Token so a blocked waiter unblocks promptly on Close.
func (g *Governor) Wait(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}
