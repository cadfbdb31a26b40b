package docfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"
)

// Store reads and writes entity documents: structured, human-inspectable JSON
// files at deterministic per-id paths. Writes are atomic (temp file + rename)
// so a crash mid-write can never leave a truncated document behind. A small
// LRU keeps the raw bytes of recently used documents; it is invalidated on
// every write, and writers are expected to hold the per-analysis lock, so the
// cache can never serve a document older than the last completed transition.
type Store struct {
	cache *lru.Cache
}

// ErrNotExist implements "error", for the description see Error.
type ErrNotExist struct {
	Path string
}

func (err ErrNotExist) Error() string {
	return fmt.Sprintf("document '%s' does not exist", err.Path)
}

// New returns a document store with a read cache of the given size.
func New(cacheSize int) (*Store, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize document cache: %w", err)
	}
	return &Store{cache: cache}, nil
}

// Load reads the document at path into v.
func (s *Store) Load(path string, v any) error {
	if cached, ok := s.cache.Get(path); ok {
		return json.Unmarshal(cached.([]byte), v)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotExist{Path: path}
		}
		return fmt.Errorf("unable to read document '%s': %w", path, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("unable to parse document '%s': %w", path, err)
	}

	s.cache.Add(path, b)
	return nil
}

// Save marshals v and atomically replaces the document at path.
func (s *Store) Save(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("unable to serialize document '%s': %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("unable to create temp file for document '%s': %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("unable to write document '%s': %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("unable to close document '%s': %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("unable to replace document '%s': %w", path, err)
	}

	s.cache.Remove(path)
	return nil
}

// Exists reports whether a document is present at path.
func (s *Store) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
