package store

import (
	"context"
	"errors"

	"github.com/megha-narayanan/amplify-backend-sub000/internal/domain"
)

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("store: not found")

// ResourceStore persists the latest-known resource snapshot.
type ResourceStore interface {
	SaveResourceSnapshot(ctx context.Context, resources []domain.ResourceStatus) error
	ResourceSnapshot(ctx context.Context) ([]domain.ResourceStatus, error)
}

// EventStore persists deployment-event history.
type EventStore interface {
	AppendEvent(ctx context.Context, event domain.DeploymentEvent) error
	ListEvents(ctx context.Context) ([]domain.DeploymentEvent, error)
	ClearEvents(ctx context.Context) error
}

// LogStore persists per-resource log history and aggregate size accounting.
type LogStore interface {
	AppendLogs(ctx context.Context, resourceID string, entries []domain.LogEntry) error
	ListLogs(ctx context.Context, resourceID string) ([]domain.LogEntry, error)
	ClearLogs(ctx context.Context, resourceID string) error
	LogSizeBytes(ctx context.Context) (int64, error)
}

// LoggingStateStore persists the per-resource logging-enabled flags.
type LoggingStateStore interface {
	SetLoggingState(ctx context.Context, resourceID string, state domain.ResourceLoggingState) error
	LoggingStates(ctx context.Context) (map[string]domain.ResourceLoggingState, error)
}

// NameStore persists user-assigned friendly-name overrides.
type NameStore interface {
	SetFriendlyName(ctx context.Context, resourceID, name string) error
	RemoveFriendlyName(ctx context.Context, resourceID string) error
	FriendlyNames(ctx context.Context) (map[string]string, error)
}

// SettingsStore persists console settings that survive restarts.
type SettingsStore interface {
	SetMaxLogSizeMB(ctx context.Context, megabytes int) error
	MaxLogSizeMB(ctx context.Context) (int, error)
}

// Store aggregates every table the console persists for one sandbox.
type Store interface {
	ResourceStore
	EventStore
	LogStore
	LoggingStateStore
	NameStore
	SettingsStore
}
