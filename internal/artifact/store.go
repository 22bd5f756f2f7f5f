// Package artifact is an optional on-disk cache of compiled kernel
// binaries keyed by signature. It wraps a compile backend that can export
// and import its binaries; hits skip the backend entirely, which makes
// cold process starts cheap for stable signature sets.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/samcharles93/kiln/internal/compile"
	"github.com/samcharles93/kiln/internal/kernel"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/signature"
)

const indexFile = "index.json"

type record struct {
	File      string    `json:"file"`
	Kernel    string    `json:"kernel"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a compile.Backend that persists compiled binaries under a
// directory with a JSON index mapping signature keys to artifact files.
type Store struct {
	dir   string
	inner compile.Backend
	exp   compile.Exporter
	log   logger.Logger

	mu    sync.Mutex
	index map[string]record
}

// Option configures a Store.
type Option func(*Store)

// WithLogger injects the logger used for load and persist events.
func WithLogger(log logger.Logger) Option {
	return func(s *Store) { s.log = log }
}

// Open loads (or initializes) the artifact directory over a backend that
// supports export. The directory is created if absent.
func Open(dir string, inner compile.Backend, opts ...Option) (*Store, error) {
	exp, ok := inner.(compile.Exporter)
	if !ok {
		return nil, fmt.Errorf("artifact: backend %T cannot export binaries", inner)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create %s: %w", dir, err)
	}
	s := &Store{
		dir:   dir,
		inner: inner,
		exp:   exp,
		log:   logger.Default(),
		index: make(map[string]record),
	}
	for _, opt := range opts {
		opt(s)
	}
	data, err := os.ReadFile(filepath.Join(dir, indexFile))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("artifact: read index: %w", err)
	default:
		if err := json.Unmarshal(data, &s.index); err != nil {
			return nil, fmt.Errorf("artifact: parse index: %w", err)
		}
	}
	return s, nil
}

// Compile satisfies compile.Backend: disk hit loads the stored binary,
// miss delegates to the wrapped backend and persists the result. A persist
// failure is logged, not surfaced; the compiled entry is still good.
func (s *Store) Compile(ctx context.Context, def kernel.Def, sig signature.Signature) (*compile.Entry, error) {
	id := fmt.Sprintf("%x", sig.Key())

	s.mu.Lock()
	rec, ok := s.index[id]
	s.mu.Unlock()
	if ok {
		entry, err := s.load(ctx, def, sig, rec)
		if err == nil {
			return entry, nil
		}
		// A corrupt or missing artifact falls through to a fresh compile.
		s.log.Warn("stored artifact unusable, recompiling", "kernel", def.Name, "file", rec.File, "error", err)
		s.drop(id, rec)
	}

	entry, err := s.inner.Compile(ctx, def, sig)
	if err != nil {
		return nil, err
	}
	if err := s.persist(id, def, entry); err != nil {
		s.log.Warn("failed to persist compiled artifact", "kernel", def.Name, "error", err)
	}
	return entry, nil
}

func (s *Store) load(ctx context.Context, def kernel.Def, sig signature.Signature, rec record) (*compile.Entry, error) {
	data, cleanup, err := mapFile(filepath.Join(s.dir, rec.File))
	if err != nil {
		return nil, err
	}
	defer cleanup()
	// Import must not retain data; the mapping is gone after this returns.
	return s.exp.Import(ctx, def, sig, data)
}

func (s *Store) persist(id string, def kernel.Def, entry *compile.Entry) error {
	data, err := s.exp.Export(entry)
	if err != nil {
		return err
	}
	name := uuid.NewString() + ".bin"
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return err
	}
	s.mu.Lock()
	s.index[id] = record{File: name, Kernel: def.Name, CreatedAt: time.Now().UTC()}
	err = s.writeIndexLocked()
	s.mu.Unlock()
	return err
}

func (s *Store) drop(id string, rec record) {
	s.mu.Lock()
	delete(s.index, id)
	_ = s.writeIndexLocked()
	s.mu.Unlock()
	_ = os.Remove(filepath.Join(s.dir, rec.File))
}

// writeIndexLocked rewrites the index atomically via rename.
func (s *Store) writeIndexLocked() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.dir, indexFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(s.dir, indexFile))
}

// Artifact describes one persisted binary for inspection tooling.
type Artifact struct {
	ID        string
	File      string
	Kernel    string
	CreatedAt time.Time
}

// Artifacts returns a snapshot of the index sorted by creation time.
func (s *Store) Artifacts() []Artifact {
	s.mu.Lock()
	out := make([]Artifact, 0, len(s.index))
	for id, rec := range s.index {
		out = append(out, Artifact{ID: id, File: rec.File, Kernel: rec.Kernel, CreatedAt: rec.CreatedAt})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of persisted artifacts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Clear removes every stored artifact and resets the index.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.index {
		_ = os.Remove(filepath.Join(s.dir, rec.File))
	}
	s.index = make(map[string]record)
	return s.writeIndexLocked()
}
