// Package logtail streams remote resource logs into the durable store and out
// to observers, one tail per actively-logged resource.
package logtail

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"log/slog"

	"github.com/megha-narayanan/amplify-backend-sub000/internal/cloud"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/domain"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/store"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/ws"
)

const defaultPollInterval = 3 * time.Second

// Coordinator owns one tail per resource. Tails for different resources run
// independently; enabling and disabling are idempotent.
type Coordinator struct {
	fetcher    cloud.LogFetcher
	subscriber cloud.TailSubscriber
	logs       store.LogStore
	states     store.LoggingStateStore
	settings   store.SettingsStore
	hub        *ws.Hub
	logger     *slog.Logger
	interval   time.Duration

	mu      sync.Mutex
	tailers map[string]*tailer

	now func() time.Time
}

// tailer is the per-resource tail state. The loop goroutine owns the cursor.
type tailer struct {
	resourceID   string
	logGroup     string
	loggingSince time.Time
	cancel       context.CancelFunc
	done         chan struct{}
}

// New constructs a coordinator. subscriber may be nil; the poller is always
// available as the fallback transport.
func New(fetcher cloud.LogFetcher, subscriber cloud.TailSubscriber, logs store.LogStore, states store.LoggingStateStore, settings store.SettingsStore, hub *ws.Hub, logger *slog.Logger, interval time.Duration) *Coordinator {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger != nil {
		logger = logger.With("component", "logtail")
	}
	return &Coordinator{
		fetcher:    fetcher,
		subscriber: subscriber,
		logs:       logs,
		states:     states,
		settings:   settings,
		hub:        hub,
		logger:     logger,
		interval:   interval,
		tailers:    make(map[string]*tailer),
		now:        time.Now,
	}
}

// StartLogging enables tailing for a resource. Enabling an already-active
// resource reports already-active and changes nothing. Entries that predate
// this activation are never surfaced, so re-enabling does not replay history.
func (c *Coordinator) StartLogging(ctx context.Context, resourceID, resourceType string) (string, error) {
	logGroup, err := logGroupFor(resourceType, resourceID)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if _, active := c.tailers[resourceID]; active {
		c.mu.Unlock()
		c.broadcastStatus(resourceID, domain.LogStreamAlreadyActive, "")
		return domain.LogStreamAlreadyActive, nil
	}

	since := c.now().UTC()
	tailCtx, cancel := context.WithCancel(context.Background())
	t := &tailer{
		resourceID:   resourceID,
		logGroup:     logGroup,
		loggingSince: since,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	c.tailers[resourceID] = t
	c.mu.Unlock()

	c.broadcastStatus(resourceID, domain.LogStreamStarting, "")

	state := domain.ResourceLoggingState{IsActive: true, LastUpdated: since, ResourceType: resourceType}
	if err := c.states.SetLoggingState(ctx, resourceID, state); err != nil {
		c.logger.Warn("failed to persist logging state", "resource", resourceID, "error", err)
	}

	go c.run(tailCtx, t)

	c.broadcastStatus(resourceID, domain.LogStreamActive, "")
	return domain.LogStreamActive, nil
}

// StopLogging cancels a resource's tail and returns the accumulated history so
// the stopping caller does not lose data. Stopping is not clearing.
func (c *Coordinator) StopLogging(ctx context.Context, resourceID string) ([]domain.LogEntry, error) {
	c.mu.Lock()
	t, active := c.tailers[resourceID]
	if active {
		delete(c.tailers, resourceID)
	}
	c.mu.Unlock()

	if active {
		t.cancel()
		// An in-flight fetch may finish, but no further tick is scheduled
		// once the loop observes cancellation.
		<-t.done
	}

	state := domain.ResourceLoggingState{IsActive: false, LastUpdated: c.now().UTC()}
	if err := c.states.SetLoggingState(ctx, resourceID, state); err != nil {
		c.logger.Warn("failed to persist logging state", "resource", resourceID, "error", err)
	}
	c.broadcastStatus(resourceID, domain.LogStreamStopped, "")

	return c.logs.ListLogs(ctx, resourceID)
}

// ActiveResources lists the resources currently being tailed, sorted.
func (c *Coordinator) ActiveResources() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.tailers))
	for id := range c.tailers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// History returns one resource's persisted log history.
func (c *Coordinator) History(ctx context.Context, resourceID string) ([]domain.LogEntry, error) {
	return c.logs.ListLogs(ctx, resourceID)
}

// Restore re-establishes tails that were active before a restart.
func (c *Coordinator) Restore(ctx context.Context) error {
	states, err := c.states.LoggingStates(ctx)
	if err != nil {
		return err
	}
	for resourceID, state := range states {
		if !state.IsActive || state.ResourceType == "" {
			continue
		}
		if _, err := c.StartLogging(ctx, resourceID, state.ResourceType); err != nil {
			c.logger.Warn("failed to restore log tail", "resource", resourceID, "error", err)
		}
	}
	return nil
}

// Close cancels every tail without flipping persisted logging flags, so
// active tails resume on the next start.
func (c *Coordinator) Close() {
	c.mu.Lock()
	tailers := make([]*tailer, 0, len(c.tailers))
	for id, t := range c.tailers {
		tailers = append(tailers, t)
		delete(c.tailers, id)
	}
	c.mu.Unlock()
	for _, t := range tailers {
		t.cancel()
		<-t.done
	}
}

// run drives one resource's tail until cancellation, preferring the push
// subscription and falling back to the poller.
func (c *Coordinator) run(ctx context.Context, t *tailer) {
	defer close(t.done)

	if c.subscriber != nil {
		sub, err := c.subscriber.Subscribe(ctx, t.logGroup)
		if err == nil {
			c.pump(ctx, t, sub)
			return
		}
		// Best effort: a failed subscription is not an error by itself.
		c.logger.Debug("push subscription unavailable, polling", "resource", t.resourceID, "error", err)
	}
	c.poll(ctx, t)
}

// pump consumes a push subscription until cancellation.
func (c *Coordinator) pump(ctx context.Context, t *tailer, sub cloud.TailSubscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-sub.Events():
			if !ok {
				// Stream ended underneath us; fall back to polling.
				c.poll(ctx, t)
				return
			}
			c.deliver(ctx, t, []domain.LogEntry{entry})
		}
	}
}

// poll fetches on a fixed interval, advancing the cursor each tick. A failed
// tick is reported once and the loop continues.
func (c *Coordinator) poll(ctx context.Context, t *tailer) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	var cursor string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cursor = c.tick(ctx, t, cursor)
		}
	}
}

func (c *Coordinator) tick(ctx context.Context, t *tailer, cursor string) string {
	// A ticker fire can race cancellation in the poll select.
	if ctx.Err() != nil {
		return cursor
	}
	entries, newCursor, err := c.fetcher.FetchLogEntriesSince(ctx, t.logGroup, cursor)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return cursor
		}
		if errors.Is(err, cloud.ErrLogGroupNotFound) {
			c.broadcastStatus(t.resourceID, domain.LogStreamUnavailable, "log source not yet available, retry after activity")
			return cursor
		}
		c.logger.Warn("log fetch failed", "resource", t.resourceID, "error", err)
		c.broadcastStatus(t.resourceID, domain.LogStreamError, err.Error())
		return cursor
	}
	c.deliver(ctx, t, entries)
	return newCursor
}

// deliver filters, persists, and broadcasts fetched entries.
func (c *Coordinator) deliver(ctx context.Context, t *tailer, entries []domain.LogEntry) {
	kept := entries[:0]
	for _, entry := range entries {
		if entry.Timestamp.After(t.loggingSince) {
			kept = append(kept, entry)
		}
	}
	if len(kept) == 0 {
		return
	}

	if c.overCap(ctx) {
		c.logger.Warn("log volume cap reached, dropping entries", "resource", t.resourceID, "count", len(kept))
		return
	}

	if err := c.logs.AppendLogs(ctx, t.resourceID, kept); err != nil {
		c.logger.Warn("failed to persist log entries", "resource", t.resourceID, "error", err)
	}
	topic := ws.LogTopic(t.resourceID)
	for _, entry := range kept {
		payload, err := ws.Payload(ws.TypeLogEntry, map[string]any{
			"resourceId": t.resourceID,
			"timestamp":  entry.Timestamp,
			"message":    entry.Message,
		})
		if err != nil {
			continue
		}
		c.hub.Broadcast(topic, payload)
	}
}

// overCap consults the store's aggregate log volume against the soft cap.
func (c *Coordinator) overCap(ctx context.Context) bool {
	size, err := c.logs.LogSizeBytes(ctx)
	if err != nil {
		return false
	}
	capMB, err := c.settings.MaxLogSizeMB(ctx)
	if err != nil || capMB <= 0 {
		return false
	}
	return size > int64(capMB)*1024*1024
}

func (c *Coordinator) broadcastStatus(resourceID, status, detail string) {
	payload, err := ws.Payload(ws.TypeLoggingStatus, map[string]string{
		"resourceId": resourceID,
		"status":     status,
		"detail":     detail,
	})
	if err != nil {
		c.logger.Warn("failed to marshal logging status", "error", err)
		return
	}
	c.hub.Broadcast(ws.ConsoleTopic, payload)
}
