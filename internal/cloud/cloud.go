// Package cloud defines the boundary to the remote cloud provider. The engine
// depends only on these interfaces; the aws subpackage supplies the real
// implementations.
package cloud

import (
	"context"
	"errors"

	"github.com/megha-narayanan/amplify-backend-sub000/internal/domain"
)

// ErrLogGroupNotFound reports that a resource's log source does not exist yet,
// typically because the resource has produced no logs. Callers should retry
// after the resource sees activity.
var ErrLogGroupNotFound = errors.New("cloud: log group not yet available")

// StackResolver answers whether the sandbox stack exists remotely. Used only
// to disambiguate the Unknown lifecycle state and to re-resolve after command
// failures.
type StackResolver interface {
	StackExists(ctx context.Context, stackName string) (bool, error)
}

// LogFetcher reads new entries from a remote log source. The cursor is opaque
// to callers; pass the previous call's cursor to receive only newer entries,
// or "" to start from the present.
type LogFetcher interface {
	FetchLogEntriesSince(ctx context.Context, logGroup, cursor string) ([]domain.LogEntry, string, error)
}

// TailSubscription is a live push-based log stream.
type TailSubscription interface {
	Events() <-chan domain.LogEntry
	Close()
}

// TailSubscriber opens push subscriptions to a log source. Implementations are
// optional; the poller is the fallback transport when Subscribe fails.
type TailSubscriber interface {
	Subscribe(ctx context.Context, logGroup string) (TailSubscription, error)
}
