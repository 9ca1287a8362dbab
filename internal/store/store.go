// Package store implements the C2 Persistent Store: an atomically
// written JSON registry of download records, user categories, and
// settings. It is grounded on the teacher's internal/config/settings.go
// write-temp-then-rename routine and internal/downloader/state.go's
// master-list persistence pattern, generalized to the single-document,
// single-lock contract spec.md §3.3/§4.2 requires.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/surge-downloader/surge/internal/applog"
	"github.com/surge-downloader/surge/internal/record"
	"github.com/surge-downloader/surge/internal/urlutil"
)

// Registry is the single document persisted to disk: every download
// record's snapshot, the user-visible category list, and a flat
// settings map.
type Registry struct {
	NextID     int64             `json:"next_id"`
	Downloads  []record.Snapshot `json:"downloads"`
	Categories []string          `json:"categories"`
	Settings   map[string]string `json:"settings"`
}

func newDefaultRegistry() *Registry {
	return &Registry{
		NextID:     1,
		Categories: urlutil.DefaultCategories(),
		Settings:   map[string]string{},
	}
}

// Store owns the on-disk registry file and serialises every read and
// write behind a single lock, per spec.md §3.3.
type Store struct {
	path string
	log  zerolog.Logger

	mu    sync.Mutex
	reg   *Registry
	dirty bool
}

// Open loads the registry at path, creating a default one (with the
// built-in categories) if the file does not yet exist. Parsing is
// tolerant: a corrupt or partially-written file falls back to defaults
// rather than failing startup.
func Open(path string) (*Store, error) {
	s := &Store{path: path, log: applog.For("store")}
	reg, err := loadFromDisk(path)
	if err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("registry unreadable, starting fresh")
		reg = newDefaultRegistry()
	}
	s.reg = reg
	return s, nil
}

func loadFromDisk(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newDefaultRegistry(), nil
		}
		return nil, err
	}
	reg := newDefaultRegistry()
	if err := json.Unmarshal(data, reg); err != nil {
		return nil, err
	}
	if reg.NextID < 1 {
		reg.NextID = 1
	}
	if reg.Categories == nil {
		reg.Categories = urlutil.DefaultCategories()
	}
	if reg.Settings == nil {
		reg.Settings = map[string]string{}
	}
	// Records previously in Downloading are loaded as Paused: the
	// previous process died mid-transfer and the user must explicitly
	// resume (§4.2).
	for i := range reg.Downloads {
		if reg.Downloads[i].Status == record.StatusDownloading {
			reg.Downloads[i].Status = record.StatusPaused
		}
	}
	return reg, nil
}

// Load returns live Record objects reconstructed from every persisted
// snapshot, in registry order.
func (s *Store) Load() []*record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*record.Record, 0, len(s.reg.Downloads))
	for _, snap := range s.reg.Downloads {
		out = append(out, record.FromSnapshot(snap))
	}
	return out
}

// NextID allocates the next monotonic download ID. IDs are never
// reused, including across removals (P1).
func (s *Store) NextID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.reg.NextID
	s.reg.NextID++
	s.dirty = true
	return id
}

// UpsertDownload writes rec's current snapshot into the registry,
// replacing any existing entry with the same ID.
func (s *Store) UpsertDownload(rec *record.Record) {
	snap := rec.ToSnapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.reg.Downloads {
		if s.reg.Downloads[i].ID == snap.ID {
			s.reg.Downloads[i] = snap
			s.dirty = true
			return
		}
	}
	s.reg.Downloads = append(s.reg.Downloads, snap)
	s.dirty = true
}

// DeleteDownload removes a record from the registry by ID. It is a
// no-op if the ID is not present.
func (s *Store) DeleteDownload(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.reg.Downloads {
		if s.reg.Downloads[i].ID == id {
			s.reg.Downloads = append(s.reg.Downloads[:i], s.reg.Downloads[i+1:]...)
			s.dirty = true
			return
		}
	}
}

// ReplaceAll overwrites the entire download list, used when the engine
// reconciles its in-memory set against the registry in bulk.
func (s *Store) ReplaceAll(records []*record.Record) {
	snaps := make([]record.Snapshot, 0, len(records))
	for _, r := range records {
		snaps = append(snaps, r.ToSnapshot())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reg.Downloads = snaps
	s.dirty = true
}

// Categories returns the user-visible category names.
func (s *Store) Categories() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.reg.Categories))
	copy(out, s.reg.Categories)
	return out
}

// AddCategory appends a user-defined category if not already present.
func (s *Store) AddCategory(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.reg.Categories {
		if c == name {
			return
		}
	}
	s.reg.Categories = append(s.reg.Categories, name)
	s.dirty = true
}

// GetSetting returns the stored value for key, or def if unset.
func (s *Store) GetSetting(key, def string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.reg.Settings[key]; ok {
		return v
	}
	return def
}

// SetSetting stores a key/value setting.
func (s *Store) SetSetting(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reg.Settings[key] = value
	s.dirty = true
}

// Dirty reports whether any mutation has occurred since the last flush.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Flush forces a write of the current registry to disk if dirty,
// via write-to-temp + atomic replace. On replace failure it falls back
// to delete-then-rename, and on that failure attempts a copy-back
// recovery from the temp file so a crash never leaves a truncated or
// mixed registry on disk (P9).
func (s *Store) Flush() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	data, err := json.MarshalIndent(s.reg, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return err
	}

	if err := atomicReplace(tmpPath, s.path); err != nil {
		s.log.Error().Err(err).Msg("atomic replace of registry failed")
		return err
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return nil
}

// atomicReplace attempts os.Rename first (atomic on the same filesystem
// on every platform Go supports); if that fails it falls back to
// removing the destination and renaming again, with a copy-back of the
// temp file's bytes into the destination as a last resort so a failed
// rename never leaves neither file present.
func atomicReplace(tmpPath, destPath string) error {
	if err := os.Rename(tmpPath, destPath); err == nil {
		return nil
	}
	_ = os.Remove(destPath)
	if err := os.Rename(tmpPath, destPath); err == nil {
		return nil
	}
	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		return err
	}
	_ = os.Remove(tmpPath)
	return nil
}
