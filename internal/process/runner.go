// Package process supervises the sandbox CLI. Every line the process prints
// is handed to the event pipeline through an explicit sink; lifecycle
// callbacks fire as the underlying operation progresses.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"log/slog"

	"github.com/megha-narayanan/amplify-backend-sub000/internal/service/lifecycle"
)

// Sink receives raw process output, one chunk per line.
type Sink interface {
	Ingest(ctx context.Context, text string)
}

// Callbacks are the asynchronous lifecycle notifications the runner emits.
// lifecycle.Service satisfies this.
type Callbacks interface {
	DeploymentStarted(ctx context.Context)
	DeploymentSucceeded(ctx context.Context)
	DeploymentFailed(ctx context.Context, cause error)
	DeletionStarted(ctx context.Context)
	DeletionSucceeded(ctx context.Context)
	DeletionFailed(ctx context.Context, cause error)
	StopSucceeded(ctx context.Context)
	StopFailed(ctx context.Context, cause error)
}

// Output markers that signal deployment progress inside the watch stream.
var (
	deployStartMarkers   = []string{"Deployment in progress"}
	deploySuccessMarkers = []string{"Deployment completed", "Deployed in"}
	deployFailureMarkers = []string{"Failed to deploy", "Deployment failed", "ROLLBACK_COMPLETE"}
)

// Runner launches the sandbox CLI and tracks the watch process.
type Runner struct {
	command  string
	baseArgs []string
	sink     Sink
	logger   *slog.Logger

	mu            sync.Mutex
	callbacks     Callbacks
	cmd           *exec.Cmd
	running       bool
	stopRequested bool
}

// NewRunner constructs a runner for the given CLI command. baseArgs is the
// argument prefix shared by every invocation (e.g. "ampx sandbox").
func NewRunner(command string, baseArgs []string, sink Sink, logger *slog.Logger) *Runner {
	if logger != nil {
		logger = logger.With("component", "process")
	}
	return &Runner{
		command:  command,
		baseArgs: baseArgs,
		sink:     sink,
		logger:   logger,
	}
}

// SetCallbacks wires the lifecycle receiver. Must be called before Start.
func (r *Runner) SetCallbacks(cb Callbacks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = cb
}

// Start spawns the watch process. It returns once the process is running;
// deployment progress arrives through the callbacks.
func (r *Runner) Start(_ context.Context, opts lifecycle.StartOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("process: sandbox already running")
	}
	if r.callbacks == nil {
		return errors.New("process: callbacks not wired")
	}

	args := append([]string{}, r.baseArgs...)
	if opts.Once {
		args = append(args, "--once")
	}
	args = append(args, opts.Args...)

	cmd := exec.Command(r.command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("process: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("process: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("process: start %s: %w", r.command, err)
	}

	r.cmd = cmd
	r.running = true
	r.stopRequested = false
	cb := r.callbacks

	go cb.DeploymentStarted(context.Background())
	go r.scan(stdout, cb)
	go r.scan(stderr, cb)
	go r.monitor(cmd, cb)

	r.logger.Info("sandbox process started", "command", r.command, "args", strings.Join(args, " "))
	return nil
}

// Stop signals the watch process to terminate. Completion arrives via the
// stop callbacks once the process exits.
func (r *Runner) Stop(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.cmd == nil || r.cmd.Process == nil {
		return errors.New("process: sandbox not running")
	}
	r.stopRequested = true
	if err := r.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		r.stopRequested = false
		return fmt.Errorf("process: signal: %w", err)
	}
	return nil
}

// Delete runs the one-shot delete command. The watch process, if any, is
// expected to be stopped first by the state machine's transition rules.
func (r *Runner) Delete(_ context.Context) error {
	r.mu.Lock()
	cb := r.callbacks
	r.mu.Unlock()
	if cb == nil {
		return errors.New("process: callbacks not wired")
	}

	args := append([]string{}, r.baseArgs...)
	args = append(args, "delete", "--yes")
	cmd := exec.Command(r.command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("process: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("process: start delete: %w", err)
	}

	go cb.DeletionStarted(context.Background())
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			r.sink.Ingest(context.Background(), scanner.Text())
		}
		if err := cmd.Wait(); err != nil {
			cb.DeletionFailed(context.Background(), err)
			return
		}
		cb.DeletionSucceeded(context.Background())
	}()
	return nil
}

// Running reports whether the watch process is currently active.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// scan feeds process output to the sink line by line and watches for
// deployment progress markers.
func (r *Runner) scan(pipe io.Reader, cb Callbacks) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		r.sink.Ingest(context.Background(), line)
		switch {
		case containsAny(line, deployStartMarkers):
			cb.DeploymentStarted(context.Background())
		case containsAny(line, deploySuccessMarkers):
			cb.DeploymentSucceeded(context.Background())
		case containsAny(line, deployFailureMarkers):
			cb.DeploymentFailed(context.Background(), errors.New(strings.TrimSpace(line)))
		}
	}
}

// monitor waits for process exit and reports the outcome.
func (r *Runner) monitor(cmd *exec.Cmd, cb Callbacks) {
	err := cmd.Wait()

	r.mu.Lock()
	stopRequested := r.stopRequested
	r.running = false
	r.cmd = nil
	r.mu.Unlock()

	switch {
	case stopRequested:
		// SIGTERM makes the CLI exit nonzero; a requested stop that ended
		// the process still counts as success.
		cb.StopSucceeded(context.Background())
	case err != nil:
		r.logger.Warn("sandbox process exited with error", "error", err)
		cb.DeploymentFailed(context.Background(), err)
	default:
		// One-shot deploys exit cleanly after finishing.
		cb.DeploymentSucceeded(context.Background())
	}
}

func containsAny(line string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}
