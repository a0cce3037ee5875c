// Package state persists the ledger and guard to a single versioned JSON
// document, replaced atomically on every save.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"execution-core/internal/guard"
	"execution-core/internal/ledger"
)

// SchemaVersion is the only document version this build reads or writes.
const SchemaVersion = 1

// ErrUnsupportedVersion is returned when the file was written by an unknown schema.
var ErrUnsupportedVersion = errors.New("unsupported state schema version")

// Document is the on-disk layout.
type Document struct {
	Version int            `json:"version"`
	SavedAt time.Time      `json:"saved_at"`
	Ledger  ledger.Section `json:"ledger"`
	Guard   guard.State    `json:"guard"`
}

// Store owns the state file. It implements ledger.Persister and
// guard.Persister; each save rewrites the whole document.
type Store struct {
	mu   sync.Mutex
	path string
	doc  Document
	now  func() time.Time
}

// Open loads path if it exists. The returned bool reports whether a document
// was found; when false the caller seeds a fresh ledger.
func Open(path string) (*Store, bool, error) {
	s := &Store{path: path, doc: Document{Version: SchemaVersion}, now: time.Now}
	doc, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	s.doc = doc
	return s, true, nil
}

// Load reads and validates a state document.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decode state %s: %w", path, err)
	}
	if doc.Version != SchemaVersion {
		return Document{}, fmt.Errorf("%w: file has %d, expected %d", ErrUnsupportedVersion, doc.Version, SchemaVersion)
	}
	return doc, nil
}

// Document returns a copy of the last loaded or saved document.
func (s *Store) Document() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// SaveLedger replaces the ledger section.
func (s *Store) SaveLedger(sec ledger.Section) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.doc
	next.Ledger = sec
	return s.writeLocked(next)
}

// SaveGuard replaces the guard section.
func (s *Store) SaveGuard(st guard.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.doc
	next.Guard = st
	return s.writeLocked(next)
}

// writeLocked writes to a temp file in the same directory, syncs it and
// renames it over the target. The in-memory document only advances on
// success.
func (s *Store) writeLocked(doc Document) error {
	doc.Version = SchemaVersion
	doc.SavedAt = s.now().UTC()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace state: %w", err)
	}
	syncDir(dir)

	s.doc = doc
	return nil
}

// syncDir makes the rename durable where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}
