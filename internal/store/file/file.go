// Package file implements the console's durable store as a directory of JSON
// tables, namespaced per sandbox identifier so sandboxes on one machine do not
// collide.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/megha-narayanan/amplify-backend-sub000/internal/domain"
)

const (
	resourcesTable    = "resources.json"
	eventsTable       = "events.json"
	loggingStateTable = "logging_state.json"
	namesTable        = "friendly_names.json"
	settingsTable     = "settings.json"
	logsDir           = "logs"

	defaultMaxLogSizeMB = 50
)

type settings struct {
	MaxLogSizeMB int `json:"maxLogSizeMB"`
}

// Store is a file-backed durable store for one sandbox. Tables lock
// independently so pollers for unrelated resources never serialize on a
// single global lock.
type Store struct {
	dir string

	resourcesMu sync.Mutex
	eventsMu    sync.Mutex
	loggingMu   sync.Mutex
	namesMu     sync.Mutex
	settingsMu  sync.Mutex

	logMu    sync.Mutex
	logLocks map[string]*sync.Mutex
}

// New opens (creating if needed) the store directory for the given sandbox
// identifier under root.
func New(root, sandboxID string) (*Store, error) {
	if strings.TrimSpace(sandboxID) == "" {
		return nil, errors.New("file store: sandbox identifier required")
	}
	dir := filepath.Join(root, sanitize(sandboxID))
	if err := os.MkdirAll(filepath.Join(dir, logsDir), 0o755); err != nil {
		return nil, fmt.Errorf("file store: create %s: %w", dir, err)
	}
	return &Store{dir: dir, logLocks: make(map[string]*sync.Mutex)}, nil
}

// Dir returns the namespaced directory backing this store.
func (s *Store) Dir() string {
	return s.dir
}

// SaveResourceSnapshot replaces the persisted resource snapshot.
func (s *Store) SaveResourceSnapshot(_ context.Context, resources []domain.ResourceStatus) error {
	s.resourcesMu.Lock()
	defer s.resourcesMu.Unlock()
	return writeTable(s.path(resourcesTable), resources)
}

// ResourceSnapshot returns the persisted snapshot, empty when never written.
func (s *Store) ResourceSnapshot(_ context.Context) ([]domain.ResourceStatus, error) {
	s.resourcesMu.Lock()
	defer s.resourcesMu.Unlock()
	var out []domain.ResourceStatus
	if err := readTable(s.path(resourcesTable), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AppendEvent adds one deployment event to the history.
func (s *Store) AppendEvent(_ context.Context, event domain.DeploymentEvent) error {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	var events []domain.DeploymentEvent
	if err := readTable(s.path(eventsTable), &events); err != nil {
		return err
	}
	events = append(events, event)
	return writeTable(s.path(eventsTable), events)
}

// ListEvents returns the full deployment-event history.
func (s *Store) ListEvents(_ context.Context) ([]domain.DeploymentEvent, error) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	var events []domain.DeploymentEvent
	if err := readTable(s.path(eventsTable), &events); err != nil {
		return nil, err
	}
	return events, nil
}

// ClearEvents discards the deployment-event history.
func (s *Store) ClearEvents(_ context.Context) error {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	return removeTable(s.path(eventsTable))
}

// AppendLogs adds entries to one resource's log history.
func (s *Store) AppendLogs(_ context.Context, resourceID string, entries []domain.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	mu := s.logLock(resourceID)
	mu.Lock()
	defer mu.Unlock()
	path := s.logPath(resourceID)
	var logs []domain.LogEntry
	if err := readTable(path, &logs); err != nil {
		return err
	}
	logs = append(logs, entries...)
	return writeTable(path, logs)
}

// ListLogs returns one resource's accumulated log history.
func (s *Store) ListLogs(_ context.Context, resourceID string) ([]domain.LogEntry, error) {
	mu := s.logLock(resourceID)
	mu.Lock()
	defer mu.Unlock()
	var logs []domain.LogEntry
	if err := readTable(s.logPath(resourceID), &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// ClearLogs discards one resource's log history.
func (s *Store) ClearLogs(_ context.Context, resourceID string) error {
	mu := s.logLock(resourceID)
	mu.Lock()
	defer mu.Unlock()
	return removeTable(s.logPath(resourceID))
}

// LogSizeBytes reports the aggregate on-disk size of all resource logs.
func (s *Store) LogSizeBytes(_ context.Context) (int64, error) {
	var total int64
	err := filepath.WalkDir(filepath.Join(s.dir, logsDir), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("file store: log size: %w", err)
	}
	return total, nil
}

// SetLoggingState records whether tailing is enabled for a resource.
func (s *Store) SetLoggingState(_ context.Context, resourceID string, state domain.ResourceLoggingState) error {
	s.loggingMu.Lock()
	defer s.loggingMu.Unlock()
	states := make(map[string]domain.ResourceLoggingState)
	if err := readTable(s.path(loggingStateTable), &states); err != nil {
		return err
	}
	states[resourceID] = state
	return writeTable(s.path(loggingStateTable), states)
}

// LoggingStates returns the persisted logging-enabled map.
func (s *Store) LoggingStates(_ context.Context) (map[string]domain.ResourceLoggingState, error) {
	s.loggingMu.Lock()
	defer s.loggingMu.Unlock()
	states := make(map[string]domain.ResourceLoggingState)
	if err := readTable(s.path(loggingStateTable), &states); err != nil {
		return nil, err
	}
	return states, nil
}

// SetFriendlyName records a user-assigned display name for a resource.
func (s *Store) SetFriendlyName(_ context.Context, resourceID, name string) error {
	s.namesMu.Lock()
	defer s.namesMu.Unlock()
	names := make(map[string]string)
	if err := readTable(s.path(namesTable), &names); err != nil {
		return err
	}
	names[resourceID] = name
	return writeTable(s.path(namesTable), names)
}

// RemoveFriendlyName deletes a user-assigned display name.
func (s *Store) RemoveFriendlyName(_ context.Context, resourceID string) error {
	s.namesMu.Lock()
	defer s.namesMu.Unlock()
	names := make(map[string]string)
	if err := readTable(s.path(namesTable), &names); err != nil {
		return err
	}
	if _, ok := names[resourceID]; !ok {
		return nil
	}
	delete(names, resourceID)
	return writeTable(s.path(namesTable), names)
}

// FriendlyNames returns all user-assigned display names.
func (s *Store) FriendlyNames(_ context.Context) (map[string]string, error) {
	s.namesMu.Lock()
	defer s.namesMu.Unlock()
	names := make(map[string]string)
	if err := readTable(s.path(namesTable), &names); err != nil {
		return nil, err
	}
	return names, nil
}

// SetMaxLogSizeMB persists the log-volume soft cap.
func (s *Store) SetMaxLogSizeMB(_ context.Context, megabytes int) error {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	return writeTable(s.path(settingsTable), settings{MaxLogSizeMB: megabytes})
}

// MaxLogSizeMB returns the persisted soft cap, defaulting when never set.
func (s *Store) MaxLogSizeMB(_ context.Context) (int, error) {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	var cfg settings
	if err := readTable(s.path(settingsTable), &cfg); err != nil {
		return 0, err
	}
	if cfg.MaxLogSizeMB <= 0 {
		return defaultMaxLogSizeMB, nil
	}
	return cfg.MaxLogSizeMB, nil
}

func (s *Store) path(table string) string {
	return filepath.Join(s.dir, table)
}

func (s *Store) logPath(resourceID string) string {
	return filepath.Join(s.dir, logsDir, sanitize(resourceID)+".json")
}

func (s *Store) logLock(resourceID string) *sync.Mutex {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	mu, ok := s.logLocks[resourceID]
	if !ok {
		mu = &sync.Mutex{}
		s.logLocks[resourceID] = mu
	}
	return mu
}

// readTable decodes path into out. A missing table is not an error; out is
// left at its zero/empty value.
func readTable(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("file store: read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("file store: decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeTable persists v atomically via a temp file rename.
func writeTable(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("file store: encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("file store: write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("file store: replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

func removeTable(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file store: clear %s: %w", filepath.Base(path), err)
	}
	return nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
