package domain

import "time"

// LogEntry is one line fetched from a resource's remote log source. Entries
// are append-only per resource; identical messages at different times are
// distinct entries.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// ResourceLoggingState records whether log tailing is enabled for a resource.
// ResourceType is kept so an active tail can be re-established after restart.
type ResourceLoggingState struct {
	IsActive     bool      `json:"isActive"`
	LastUpdated  time.Time `json:"lastUpdated"`
	ResourceType string    `json:"resourceType,omitempty"`
}

// LogStreamStatus values broadcast on the logging_status channel.
const (
	LogStreamStarting      = "starting"
	LogStreamActive        = "active"
	LogStreamAlreadyActive = "already-active"
	LogStreamStopped       = "stopped"
	LogStreamError         = "error"
	LogStreamUnavailable   = "unavailable"
)
