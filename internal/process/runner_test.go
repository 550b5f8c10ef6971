package process

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/megha-narayanan/amplify-backend-sub000/internal/service/lifecycle"
	"github.com/megha-narayanan/amplify-backend-sub000/pkg/logger"
)

type captureSink struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureSink) Ingest(_ context.Context, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, text)
}

func (c *captureSink) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.lines, "\n")
}

type captureCallbacks struct {
	mu        sync.Mutex
	started   int
	succeeded int
	failed    int
	stopped   int
}

func (c *captureCallbacks) DeploymentStarted(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
}

func (c *captureCallbacks) DeploymentSucceeded(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.succeeded++
}

func (c *captureCallbacks) DeploymentFailed(context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed++
}

func (c *captureCallbacks) DeletionStarted(context.Context) {}

func (c *captureCallbacks) DeletionSucceeded(context.Context) {}

func (c *captureCallbacks) DeletionFailed(context.Context, error) {}

func (c *captureCallbacks) StopFailed(context.Context, error) {}

func (c *captureCallbacks) StopSucceeded(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped++
}

func (c *captureCallbacks) counts() (int, int, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started, c.succeeded, c.failed, c.stopped
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition never satisfied")
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test shells out via sh")
	}
}

func TestRunnerStreamsOutputAndReportsSuccess(t *testing.T) {
	requireUnix(t)
	sink := &captureSink{}
	cb := &captureCallbacks{}
	r := NewRunner("sh", []string{"-c"}, sink, logger.Discard())
	r.SetCallbacks(cb)

	err := r.Start(context.Background(), lifecycle.StartOptions{
		Args: []string{"echo 'hello from sandbox'; echo 'Deployment completed'"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, func() bool {
		_, succeeded, _, _ := cb.counts()
		return succeeded >= 1 && !r.Running()
	})

	started, _, failed, _ := cb.counts()
	if started == 0 {
		t.Fatalf("deployment start never reported")
	}
	if failed != 0 {
		t.Fatalf("unexpected failure callback")
	}
	if !strings.Contains(sink.joined(), "hello from sandbox") {
		t.Fatalf("output not delivered to sink: %q", sink.joined())
	}
}

func TestRunnerReportsFailureOnNonzeroExit(t *testing.T) {
	requireUnix(t)
	sink := &captureSink{}
	cb := &captureCallbacks{}
	r := NewRunner("sh", []string{"-c"}, sink, logger.Discard())
	r.SetCallbacks(cb)

	if err := r.Start(context.Background(), lifecycle.StartOptions{Args: []string{"exit 3"}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool {
		_, _, failed, _ := cb.counts()
		return failed >= 1
	})
}

func TestRunnerRejectsDoubleStart(t *testing.T) {
	requireUnix(t)
	sink := &captureSink{}
	cb := &captureCallbacks{}
	r := NewRunner("sh", []string{"-c"}, sink, logger.Discard())
	r.SetCallbacks(cb)

	if err := r.Start(context.Background(), lifecycle.StartOptions{Args: []string{"sleep 5"}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start(context.Background(), lifecycle.StartOptions{Args: []string{"true"}}); err == nil {
		t.Fatalf("second start should fail while running")
	}

	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, func() bool {
		_, _, _, stopped := cb.counts()
		return stopped >= 1 && !r.Running()
	})
}
