package domain

import "time"

// ResourceStatus is the latest known deployment status for one stack resource.
// Key is "<resourceType>:<resourceName>"; the newest status for a key replaces
// the previous one.
type ResourceStatus struct {
	ResourceType string    `json:"resourceType"`
	ResourceName string    `json:"resourceName"`
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	Key          string    `json:"key"`
}

// StatusKey derives the snapshot map key for a resource type/name pair.
func StatusKey(resourceType, resourceName string) string {
	return resourceType + ":" + resourceName
}

// DeploymentEvent is one deduplicated deployment progress line. Events are
// append-only; ResourceStatus is nil for loose lines that carry no parseable
// resource information.
type DeploymentEvent struct {
	Message        string          `json:"message"`
	Timestamp      time.Time       `json:"timestamp"`
	ResourceStatus *ResourceStatus `json:"resourceStatus,omitempty"`
}
