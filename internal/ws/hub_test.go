package ws

import (
	"sync"
	"testing"
	"time"
)

type captureSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	closed   bool
	fail     bool
}

func (c *captureSubscriber) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errSendFailed
	}
	c.payloads = append(c.payloads, payload)
	return nil
}

func (c *captureSubscriber) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *captureSubscriber) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.payloads))
	copy(out, c.payloads)
	return out
}

var errSendFailed = &sendError{}

type sendError struct{}

func (e *sendError) Error() string { return "send failed" }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never satisfied")
}

func TestHubFanOutPerTopic(t *testing.T) {
	h := NewHub()
	defer h.Close()

	a := &captureSubscriber{}
	b := &captureSubscriber{}
	other := &captureSubscriber{}
	h.Register("console", a)
	h.Register("console", b)
	h.Register("logs:fn-1", other)

	h.Broadcast("console", []byte("one"))
	h.Broadcast("console", []byte("two"))

	waitFor(t, func() bool { return len(a.received()) == 2 && len(b.received()) == 2 })

	got := a.received()
	if string(got[0]) != "one" || string(got[1]) != "two" {
		t.Fatalf("payloads out of order: %q %q", got[0], got[1])
	}
	if len(other.received()) != 0 {
		t.Fatalf("topic isolation violated, got %d payloads", len(other.received()))
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	h := NewHub()
	defer h.Close()

	bad := &captureSubscriber{fail: true}
	good := &captureSubscriber{}
	h.Register("console", bad)
	h.Register("console", good)

	h.Broadcast("console", []byte("x"))
	waitFor(t, func() bool { return len(good.received()) == 1 })

	h.Broadcast("console", []byte("y"))
	waitFor(t, func() bool { return len(good.received()) == 2 })

	bad.mu.Lock()
	closed := bad.closed
	count := len(bad.payloads)
	bad.mu.Unlock()
	if !closed {
		t.Fatalf("failing subscriber was not closed")
	}
	if count != 0 {
		t.Fatalf("failing subscriber recorded %d payloads", count)
	}
}

func TestHubCloseDisconnectsSubscribers(t *testing.T) {
	h := NewHub()

	sub := &captureSubscriber{}
	h.Register("console", sub)
	h.Close()

	waitFor(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return sub.closed
	})

	// Operations after close must not block.
	done := make(chan struct{})
	go func() {
		h.Broadcast("console", []byte("late"))
		h.Register("console", &captureSubscriber{})
		h.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("hub operations blocked after close")
	}
}
