// Package quarantine isolates artifacts that failed verification so they can
// be inspected instead of silently discarded.
package quarantine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/packstream/courier/pkg/audit"
)

const (
	quarantineDir = "Quarantine"
	indexFile     = "index.json"
)

// ErrNotInQuarantine reports a lookup for an artifact that is not held.
var ErrNotInQuarantine = errors.New("artifact not in quarantine")

// Entry describes one quarantined artifact.
type Entry struct {
	ID            string    `json:"id"`
	Module        string    `json:"module"`
	Reason        string    `json:"reason"`
	OriginalPath  string    `json:"original_path"`
	StoredPath    string    `json:"stored_path"`
	QuarantinedAt time.Time `json:"quarantined_at"`
}

// Manager moves artifacts into the quarantine directory and tracks them in a
// persistent index. It is safe for concurrent use; all index operations run
// under one lock.
type Manager struct {
	mu    sync.Mutex
	dir   string
	sink  audit.Sink
	clock func() time.Time
}

// Option tweaks a Manager at construction.
type Option func(*Manager)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// New builds a manager under root. The quarantine directory is created on
// first use.
func New(root string, sink audit.Sink, opts ...Option) *Manager {
	if sink == nil {
		sink = audit.Discard{}
	}
	m := &Manager{dir: filepath.Join(root, quarantineDir), sink: sink, clock: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Quarantine moves the artifact at path into the quarantine directory and
// records it. Re-quarantining the same module replaces the previous hold.
func (m *Manager) Quarantine(module, path, reason string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("quarantine: create %s: %w", m.dir, err)
	}

	entries, err := m.load()
	if err != nil {
		return nil, err
	}
	for i, existing := range entries {
		if existing.Module != module {
			continue
		}
		_ = os.RemoveAll(existing.StoredPath)
		entries = append(entries[:i], entries[i+1:]...)
		break
	}

	entry := &Entry{
		ID:            uuid.New().String(),
		Module:        module,
		Reason:        reason,
		OriginalPath:  path,
		QuarantinedAt: m.clock().UTC(),
	}
	entry.StoredPath = filepath.Join(m.dir, entry.ID+filepath.Ext(path))

	if err := os.Rename(path, entry.StoredPath); err != nil {
		return nil, fmt.Errorf("quarantine: move %s: %w", path, err)
	}

	entries = append(entries, *entry)
	if err := m.save(entries); err != nil {
		return nil, err
	}

	m.sink.Emit(audit.New(audit.ModuleQuarantined, module, map[string]any{
		"reason": reason, "stored": entry.StoredPath,
	}))
	return entry, nil
}

// Release moves a held artifact back and drops it from the index. An empty
// dest restores the recorded original path.
func (m *Manager) Release(module, dest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.load()
	if err != nil {
		return err
	}
	for i, entry := range entries {
		if entry.Module != module {
			continue
		}
		if dest == "" {
			dest = entry.OriginalPath
		}
		if err := os.Rename(entry.StoredPath, dest); err != nil {
			return fmt.Errorf("quarantine: release %s: %w", entry.StoredPath, err)
		}
		if err := m.save(append(entries[:i], entries[i+1:]...)); err != nil {
			return err
		}
		m.sink.Emit(audit.New(audit.QuarantineReleased, module, map[string]any{"dest": dest}))
		return nil
	}
	return ErrNotInQuarantine
}

// Delete destroys a held artifact.
func (m *Manager) Delete(module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.load()
	if err != nil {
		return err
	}
	for i, entry := range entries {
		if entry.Module != module {
			continue
		}
		if err := os.RemoveAll(entry.StoredPath); err != nil {
			return fmt.Errorf("quarantine: delete %s: %w", entry.StoredPath, err)
		}
		return m.save(append(entries[:i], entries[i+1:]...))
	}
	return ErrNotInQuarantine
}

// Get returns the entry for module, or ErrNotInQuarantine.
func (m *Manager) Get(module string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.load()
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.Module == module {
			return &entry, nil
		}
	}
	return nil, ErrNotInQuarantine
}

// List returns every held entry.
func (m *Manager) List() ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load()
}

func (m *Manager) indexPath() string {
	return filepath.Join(m.dir, indexFile)
}

func (m *Manager) load() ([]Entry, error) {
	data, err := os.ReadFile(m.indexPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("quarantine: read index: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("quarantine: decode index: %w", err)
	}
	return entries, nil
}

// save writes the index via a temp file and rename so a crash never leaves a
// truncated index behind.
func (m *Manager) save(entries []Entry) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("quarantine: create %s: %w", m.dir, err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("quarantine: encode index: %w", err)
	}
	tmp := m.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("quarantine: write index: %w", err)
	}
	if err := os.Rename(tmp, m.indexPath()); err != nil {
		return fmt.Errorf("quarantine: commit index: %w", err)
	}
	return nil
}
