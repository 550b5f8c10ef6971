package domain

// SandboxState is the lifecycle state of the watched sandbox stack.
type SandboxState string

const (
	StateUnknown     SandboxState = "unknown"
	StateStopped     SandboxState = "stopped"
	StateRunning     SandboxState = "running"
	StateDeploying   SandboxState = "deploying"
	StateDeleting    SandboxState = "deleting"
	StateNonexistent SandboxState = "nonexistent"
)

// Valid reports whether s is one of the defined sandbox states.
func (s SandboxState) Valid() bool {
	switch s {
	case StateUnknown, StateStopped, StateRunning, StateDeploying, StateDeleting, StateNonexistent:
		return true
	}
	return false
}

// StateChange describes one observed sandbox state transition. Reason names
// what triggered the change, not where the machine came from.
type StateChange struct {
	State  SandboxState `json:"state"`
	Reason string       `json:"reason"`
	Error  string       `json:"error,omitempty"`
}
