// internal/store/file.go
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/api/schemas"
)

// FileStore keeps every entry in a single JSON object keyed by fingerprint. Each write replaces
// the file atomically through a temp file and rename.
type FileStore struct {
	path string
	mu   sync.Mutex
	log  *zap.Logger
}

// NewFileStore opens (or prepares) the store at path. A leading ~ is expanded.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand store path %q: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{path: expanded, log: logger.Named("file_store")}, nil
}

// Path is the expanded file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(ctx context.Context, fp string) (schemas.CacheEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return schemas.CacheEntry{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return schemas.CacheEntry{}, false, err
	}
	e, ok := records[fp]
	return e, ok, nil
}

func (s *FileStore) Save(ctx context.Context, e schemas.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return err
	}
	records[e.Fingerprint] = e
	return s.write(records)
}

func (s *FileStore) Delete(ctx context.Context, fp string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := records[fp]; !ok {
		return nil
	}
	delete(records, fp)
	return s.write(records)
}

func (s *FileStore) Purge(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(map[string]schemas.CacheEntry{})
}

func (s *FileStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (s *FileStore) Close() error { return nil }

// read decodes the file. Records that fail to decode or lack required fields are skipped. A file
// that is not a JSON object at all is moved aside to <path>.corrupt and the store starts empty;
// if it cannot be moved, read fails rather than let the next write replace it.
func (s *FileStore) read() (map[string]schemas.CacheEntry, error) {
	records := make(map[string]schemas.CacheEntry)

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return records, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return records, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		aside := s.path + ".corrupt"
		if rerr := os.Rename(s.path, aside); rerr != nil {
			return nil, fmt.Errorf("%s is not a JSON object and could not be moved aside: %w", s.path, rerr)
		}
		s.log.Warn("Selector store is not a JSON object; moved it aside and starting empty.",
			zap.String("path", s.path), zap.String("moved_to", aside), zap.Error(err))
		return records, nil
	}

	for key, msg := range raw {
		var e schemas.CacheEntry
		if err := json.Unmarshal(msg, &e); err != nil || !e.Valid() {
			s.log.Warn("Skipping corrupt selector record.", zap.String("key", key), zap.Error(err))
			continue
		}
		records[key] = e
	}
	return records, nil
}

func (s *FileStore) write(records map[string]schemas.CacheEntry) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode selector store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".selectors-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}
