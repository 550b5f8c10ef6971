package ws

import (
	"encoding/json"
	"time"
)

// Stream message types carried in the payload envelope.
const (
	TypeStateChange     = "state_change"
	TypeDeploymentEvent = "deployment_event"
	TypeResourceUpdate  = "resource_update"
	TypeLogEntry        = "log_entry"
	TypeLoggingStatus   = "logging_status"
	TypeError           = "error"
)

// ConsoleTopic is the shared stream every observer subscribes to.
const ConsoleTopic = "console"

// LogTopic names the per-resource log stream.
func LogTopic(resourceID string) string {
	return "logs:" + resourceID
}

// Payload builds the JSON envelope used for every broadcast message.
func Payload(kind string, data any) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type": kind,
		"data": data,
		"ts":   time.Now().UTC().Format(time.RFC3339Nano),
	})
}
