// Package events turns the sandbox process's raw output into deduplicated,
// persisted, broadcast deployment events.
package events

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/charmbracelet/x/ansi"

	"github.com/megha-narayanan/amplify-backend-sub000/internal/domain"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/store"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/ws"
)

// looseMarkers flag lines that read as deployment progress even when they do
// not parse as a structured status line.
var looseMarkers = []string{"_IN_PROGRESS", "CREATE_", "DELETE_", "UPDATE_", "COMPLETE", "FAILED"}

// Pipeline ingests raw text, extracts deployment events, suppresses repeats
// within a bounded recent window, and persists plus broadcasts the rest. It is
// the single text sink for process output and push notifications.
type Pipeline struct {
	events    store.EventStore
	resources store.ResourceStore
	hub       *ws.Hub
	logger    *slog.Logger

	mu     sync.Mutex
	recent *recentSet
	latest map[string]domain.ResourceStatus

	now func() time.Time
}

// New constructs the pipeline with the given dedup window capacity.
func New(events store.EventStore, resources store.ResourceStore, hub *ws.Hub, logger *slog.Logger, window int) *Pipeline {
	if logger != nil {
		logger = logger.With("component", "events")
	}
	return &Pipeline{
		events:    events,
		resources: resources,
		hub:       hub,
		logger:    logger,
		recent:    newRecentSet(window),
		latest:    make(map[string]domain.ResourceStatus),
		now:       time.Now,
	}
}

// Restore reconciles the in-memory resource cache from the durable store.
// Called once at startup; the store remains the ground truth.
func (p *Pipeline) Restore(ctx context.Context) error {
	snapshot, err := p.resources.ResourceSnapshot(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rs := range snapshot {
		p.latest[rs.Key] = rs
	}
	return nil
}

// Ingest processes one chunk of raw text. The chunk may span multiple lines
// and carry terminal escape sequences.
func (p *Pipeline) Ingest(ctx context.Context, text string) {
	clean := ansi.Strip(text)
	for _, line := range strings.Split(clean, "\n") {
		p.ingestLine(ctx, strings.TrimSpace(line))
	}
}

func (p *Pipeline) ingestLine(ctx context.Context, line string) {
	if line == "" {
		return
	}

	status, structured := parseStatusLine(line, p.now())
	if !structured && !isLooseStatusLine(line) {
		return
	}

	p.mu.Lock()
	changed := false
	if structured {
		prev, known := p.latest[status.Key]
		p.latest[status.Key] = status
		changed = !known || prev.Status != status.Status
	}
	if changed {
		// Persist while holding the lock so concurrent ingests cannot write
		// snapshots out of order and drop a resource from the durable copy.
		if err := p.resources.SaveResourceSnapshot(ctx, p.snapshotLocked()); err != nil {
			p.logger.Warn("failed to persist resource snapshot", "error", err)
		}
	}

	// Identity for dedup is the trimmed raw line text.
	duplicate := p.recent.Seen(line)
	p.mu.Unlock()

	if changed {
		p.broadcast(ws.TypeResourceUpdate, status)
	}
	if duplicate {
		return
	}

	event := domain.DeploymentEvent{
		Message:   line,
		Timestamp: p.now().UTC(),
	}
	if structured {
		event.ResourceStatus = &status
	}
	if err := p.events.AppendEvent(ctx, event); err != nil {
		p.logger.Warn("failed to persist deployment event", "error", err)
	}
	p.broadcast(ws.TypeDeploymentEvent, event)
}

// LatestResources returns the latest known status per resource key, ordered by
// key for stable display.
func (p *Pipeline) LatestResources() []domain.ResourceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// ClearHistory discards the persisted event history and the dedup window,
// typically after a successful deployment.
func (p *Pipeline) ClearHistory(ctx context.Context) error {
	p.mu.Lock()
	p.recent.Reset()
	p.mu.Unlock()
	return p.events.ClearEvents(ctx)
}

// History returns the persisted event history for late-joiner replay.
func (p *Pipeline) History(ctx context.Context) ([]domain.DeploymentEvent, error) {
	return p.events.ListEvents(ctx)
}

func (p *Pipeline) snapshotLocked() []domain.ResourceStatus {
	out := make([]domain.ResourceStatus, 0, len(p.latest))
	for _, rs := range p.latest {
		out = append(out, rs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (p *Pipeline) broadcast(kind string, data any) {
	payload, err := ws.Payload(kind, data)
	if err != nil {
		p.logger.Warn("failed to marshal broadcast payload", "kind", kind, "error", err)
		return
	}
	p.hub.Broadcast(ws.ConsoleTopic, payload)
}

// parseStatusLine recognizes "<time> | <STATUS_TOKEN> | <type> | <name>".
func parseStatusLine(line string, now time.Time) (domain.ResourceStatus, bool) {
	parts := strings.Split(line, "|")
	if len(parts) != 4 {
		return domain.ResourceStatus{}, false
	}
	rawTime := strings.TrimSpace(parts[0])
	statusToken := strings.TrimSpace(parts[1])
	resourceType := strings.TrimSpace(parts[2])
	resourceName := strings.TrimSpace(parts[3])
	if !isStatusToken(statusToken) || resourceType == "" || resourceName == "" {
		return domain.ResourceStatus{}, false
	}
	return domain.ResourceStatus{
		ResourceType: resourceType,
		ResourceName: resourceName,
		Status:       statusToken,
		Timestamp:    parseEventTime(rawTime, now),
		Key:          domain.StatusKey(resourceType, resourceName),
	}, true
}

// isStatusToken accepts uppercase-and-underscore tokens like CREATE_COMPLETE.
func isStatusToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && r != '_' {
			return false
		}
	}
	return s[0] != '_'
}

// isLooseStatusLine catches progress lines the structured parser misses.
func isLooseStatusLine(line string) bool {
	if !strings.Contains(line, "|") {
		return false
	}
	for _, marker := range looseMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

var eventTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"3:04:05 PM",
	"15:04:05",
}

// parseEventTime interprets the line's time field, combining time-only layouts
// with today's date. Unparseable fields fall back to now.
func parseEventTime(raw string, now time.Time) time.Time {
	for _, layout := range eventTimeLayouts {
		parsed, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		if parsed.Year() == 0 {
			return time.Date(now.Year(), now.Month(), now.Day(),
				parsed.Hour(), parsed.Minute(), parsed.Second(), parsed.Nanosecond(), now.Location())
		}
		return parsed
	}
	return now
}
