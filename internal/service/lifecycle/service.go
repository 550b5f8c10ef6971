// Package lifecycle owns the single authoritative sandbox state and is the
// only gate for state-changing commands.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"log/slog"

	"github.com/megha-narayanan/amplify-backend-sub000/internal/cloud"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/domain"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/ws"
)

var (
	// ErrInvalidTransition rejects a command the current state does not allow.
	ErrInvalidTransition = errors.New("lifecycle: invalid transition")
)

// StartOptions configures a sandbox start command.
type StartOptions struct {
	// Once deploys a single time instead of watching for changes.
	Once bool
	// Args are extra arguments passed through to the sandbox process.
	Args []string
}

// Deployer launches and tears down the sandbox. Calls return once the
// operation is underway; completion arrives through the lifecycle callbacks.
type Deployer interface {
	Start(ctx context.Context, opts StartOptions) error
	Stop(ctx context.Context) error
	Delete(ctx context.Context) error
	// Running reports whether the watch process is currently active.
	Running() bool
}

// Service is the sandbox lifecycle state machine. All mutation goes through
// its command methods and callbacks; commands for one sandbox serialize on a
// single mutex.
type Service struct {
	identifier string
	stackName  string
	resolver   cloud.StackResolver
	deployer   Deployer
	hub        *ws.Hub
	logger     *slog.Logger

	mu           sync.Mutex
	state        domain.SandboxState
	beforeDelete domain.SandboxState
}

// New constructs the state machine in the Unknown state.
func New(identifier, stackName string, resolver cloud.StackResolver, deployer Deployer, hub *ws.Hub, logger *slog.Logger) *Service {
	if logger != nil {
		logger = logger.With("component", "lifecycle")
	}
	return &Service{
		identifier: identifier,
		stackName:  stackName,
		resolver:   resolver,
		deployer:   deployer,
		hub:        hub,
		logger:     logger,
		state:      domain.StateUnknown,
	}
}

// Identifier returns the sandbox identifier this machine governs.
func (s *Service) Identifier() string {
	return s.identifier
}

// State returns the current sandbox state, resolving it remotely only when it
// is still Unknown. Resolution failures leave the state Unknown; callers must
// tolerate Unknown indefinitely.
func (s *Service) State(ctx context.Context) domain.SandboxState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == domain.StateUnknown {
		if resolved, err := s.resolveLocked(ctx); err != nil {
			s.logger.Warn("sandbox state resolution failed", "error", err)
		} else {
			s.setStateLocked(resolved, "resolution", "")
		}
	}
	return s.state
}

// Start requests a deployment. Allowed from Stopped and Nonexistent; Unknown
// must resolve first.
func (s *Service) Start(ctx context.Context, opts StartOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.state
	if state == domain.StateUnknown {
		resolved, err := s.resolveLocked(ctx)
		if err != nil {
			return fmt.Errorf("lifecycle: cannot start while state is unresolved: %w", err)
		}
		s.setStateLocked(resolved, "resolution", "")
		state = resolved
	}
	if state != domain.StateStopped && state != domain.StateNonexistent {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, state)
	}

	if err := s.deployer.Start(ctx, opts); err != nil {
		s.commandFailedLocked(ctx, "start", err)
		return err
	}
	return nil
}

// Stop requests a shutdown of the running sandbox watcher.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != domain.StateRunning {
		return fmt.Errorf("%w: stop from %s", ErrInvalidTransition, s.state)
	}
	if err := s.deployer.Stop(ctx); err != nil {
		s.commandFailedLocked(ctx, "stop", err)
		return err
	}
	return nil
}

// Delete requests removal of the deployed stack. Allowed from Running and
// Stopped.
func (s *Service) Delete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != domain.StateRunning && s.state != domain.StateStopped {
		return fmt.Errorf("%w: delete from %s", ErrInvalidTransition, s.state)
	}
	if err := s.deployer.Delete(ctx); err != nil {
		s.commandFailedLocked(ctx, "delete", err)
		return err
	}
	return nil
}

// Lifecycle callbacks, invoked by the deployer as the external operation
// progresses.

// DeploymentStarted marks the sandbox as deploying.
func (s *Service) DeploymentStarted(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == domain.StateDeleting {
		return
	}
	s.setStateLocked(domain.StateDeploying, "deployment started", "")
}

// DeploymentSucceeded resolves the post-deploy state from the authoritative
// remote system. A one-shot deploy legitimately ends Stopped.
func (s *Service) DeploymentSucceeded(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resolved, err := s.resolveLocked(ctx)
	if err != nil {
		s.logger.Warn("post-deploy resolution failed", "error", err)
		s.setStateLocked(domain.StateUnknown, "deployment succeeded", "")
		return
	}
	s.setStateLocked(resolved, "deployment succeeded", "")
}

// DeploymentFailed re-resolves rather than assuming the pre-attempt state.
func (s *Service) DeploymentFailed(ctx context.Context, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveAfterFailureLocked(ctx, "deployment failed", cause)
}

// DeletionStarted marks the sandbox as deleting, remembering the prior state
// so a failed deletion can restore it.
func (s *Service) DeletionStarted(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeDelete = s.state
	s.setStateLocked(domain.StateDeleting, "deletion started", "")
}

// DeletionSucceeded marks the stack gone.
func (s *Service) DeletionSucceeded(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(domain.StateNonexistent, "deletion succeeded", "")
}

// DeletionFailed restores the state captured when deletion began, falling
// back to re-resolution when that capture was Unknown.
func (s *Service) DeletionFailed(ctx context.Context, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beforeDelete != domain.StateUnknown {
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		s.setStateLocked(s.beforeDelete, "deletion failed", msg)
		return
	}
	s.resolveAfterFailureLocked(ctx, "deletion failed", cause)
}

// StopSucceeded marks the watcher stopped.
func (s *Service) StopSucceeded(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(domain.StateStopped, "stop succeeded", "")
}

// StopFailed re-resolves the authoritative state.
func (s *Service) StopFailed(ctx context.Context, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveAfterFailureLocked(ctx, "stop failed", cause)
}

// resolveLocked queries the remote system and maps the answer onto a sandbox
// state. The watcher process distinguishes Running from Stopped.
func (s *Service) resolveLocked(ctx context.Context) (domain.SandboxState, error) {
	exists, err := s.resolver.StackExists(ctx, s.stackName)
	if err != nil {
		return domain.StateUnknown, err
	}
	if !exists {
		return domain.StateNonexistent, nil
	}
	if s.deployer != nil && s.deployer.Running() {
		return domain.StateRunning, nil
	}
	return domain.StateStopped, nil
}

func (s *Service) resolveAfterFailureLocked(ctx context.Context, reason string, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	resolved, err := s.resolveLocked(ctx)
	if err != nil {
		s.logger.Warn("state resolution after failure failed", "reason", reason, "error", err)
		s.setStateLocked(domain.StateUnknown, reason, msg)
		return
	}
	s.setStateLocked(resolved, reason, msg)
}

// commandFailedLocked handles a command call that itself failed: re-resolve
// the authoritative state and surface the error to observers.
func (s *Service) commandFailedLocked(ctx context.Context, command string, cause error) {
	s.logger.Error("sandbox command failed", "command", command, "error", cause)
	before := s.state
	s.resolveAfterFailureLocked(ctx, command+" failed", cause)
	if s.state == before {
		// No state edge to carry the failure; emit the error on its own.
		s.broadcast(ws.TypeError, map[string]string{
			"command": command,
			"error":   cause.Error(),
		})
	}
}

// setStateLocked applies a transition and announces it exactly once. No
// broadcast happens when the state is unchanged.
func (s *Service) setStateLocked(next domain.SandboxState, reason, errMsg string) {
	if next == s.state {
		return
	}
	s.state = next
	s.logger.Info("sandbox state changed", "state", next, "reason", reason)
	s.broadcast(ws.TypeStateChange, domain.StateChange{State: next, Reason: reason, Error: errMsg})
}

func (s *Service) broadcast(kind string, data any) {
	payload, err := ws.Payload(kind, data)
	if err != nil {
		s.logger.Warn("failed to marshal state payload", "error", err)
		return
	}
	s.hub.Broadcast(ws.ConsoleTopic, payload)
}
