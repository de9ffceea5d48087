package ping

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coachpo/marketfeed/internal/stream/shutdown"
)

type fakeSender struct {
	sendErr error
	calls   atomic.Int32
}

func (f *fakeSender) SendPing(ctx context.Context, frame Frame, payload []byte) error {
	f.calls.Add(1)
	return f.sendErr
}

type fakeNotifier struct {
	reason atomic.Value
}

func (f *fakeNotifier) ConnectionDead(reason string) {
	f.reason.Store(reason)
}

func (f *fakeNotifier) deadReason() string {
	v, _ := f.reason.Load().(string)
	return v
}

// TestGhostShutdownIsSilent exercises scenario S4: closing the client
// immediately after connecting, before the first ping fires, must produce a
// clean shutdown with no dead-connection notification.
func TestGhostShutdownIsSilent(t *testing.T) {
	sender := &fakeSender{}
	notifier := &fakeNotifier{}
	token := shutdown.New()
	activity := make(chan struct{})

	sup := New(Policy{
		Interval:    time.Hour, // never fires during the test
		Timeout:     time.Second,
		SendTimeout: time.Second,
		Frame:       FrameWebSocketPing,
	}, sender, notifier, token, activity)

	done := make(chan struct{})
	go func() {
		sup.Run(context.Background())
		close(done)
	}()

	token.Fire()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return promptly after shutdown")
	}

	if sender.calls.Load() != 0 {
		t.Errorf("expected no ping to have been sent, got %d calls", sender.calls.Load())
	}
	if notifier.deadReason() != "" {
		t.Errorf("expected no dead-connection notification, got %q", notifier.deadReason())
	}
}

func TestActivitySuppressesPing(t *testing.T) {
	sender := &fakeSender{}
	notifier := &fakeNotifier{}
	token := shutdown.New()
	defer token.Fire()
	activity := make(chan struct{}, 1)

	sup := New(Policy{
		Interval:    20 * time.Millisecond,
		Timeout:     50 * time.Millisecond,
		SendTimeout: 50 * time.Millisecond,
		Frame:       FrameWebSocketPing,
	}, sender, notifier, token, activity)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case activity <- struct{}{}:
				default:
				}
			}
		}
	}()

	sup.Run(ctx)

	if sender.calls.Load() != 0 {
		t.Errorf("expected continuous activity to suppress all pings, got %d", sender.calls.Load())
	}
}

func TestNoActivityAfterPingDeclaresConnectionDead(t *testing.T) {
	sender := &fakeSender{}
	notifier := &fakeNotifier{}
	token := shutdown.New()
	defer token.Fire()
	activity := make(chan struct{})

	sup := New(Policy{
		Interval:    10 * time.Millisecond,
		Timeout:     20 * time.Millisecond,
		SendTimeout: 20 * time.Millisecond,
		Frame:       FrameWebSocketPing,
	}, sender, notifier, token, activity)

	done := make(chan struct{})
	go func() {
		sup.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after declaring the connection dead")
	}

	if sender.calls.Load() == 0 {
		t.Error("expected at least one ping to have been sent")
	}
	if notifier.deadReason() == "" {
		t.Error("expected a dead-connection notification")
	}
}

func TestFrameNoneNeverSendsAndWaitsForShutdown(t *testing.T) {
	sender := &fakeSender{}
	notifier := &fakeNotifier{}
	token := shutdown.New()
	activity := make(chan struct{})

	sup := New(Policy{Frame: FrameNone}, sender, notifier, token, activity)

	done := make(chan struct{})
	go func() {
		sup.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected Run to block until shutdown when the server drives liveness")
	case <-time.After(30 * time.Millisecond):
	}

	token.Fire()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after shutdown")
	}
	if sender.calls.Load() != 0 {
		t.Error("expected FrameNone to never send a ping")
	}
}
