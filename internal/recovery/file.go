package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	fileVersion     = 1
	fileMode        = 0o600
	dirMode         = 0o700
	tempFilePattern = ".recovery-*.toml.tmp"
)

type fileSchema struct {
	Version int     `toml:"version"`
	Entries []Entry `toml:"entries"`
}

// Compile-time interface satisfaction check.
var _ Storage = (*FileStore)(nil)

// FileStore keeps entries in one TOML document. Each write replaces the file
// atomically.
type FileStore struct {
	path string
	mu   sync.RWMutex
}

// NewFileStore creates a store backed by the TOML file at path. The file is
// created on first write.
func NewFileStore(path string) (*FileStore, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve recovery path: %w", err)
	}
	return &FileStore{path: filepath.Clean(abs)}, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Persist inserts or replaces the entry for e.GroupID.
func (s *FileStore) Persist(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.GroupID == "" {
		return errors.New("persist recovery entry: empty group id")
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = timeNow().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.read()
	if err != nil {
		return err
	}
	replaced := false
	for i := range file.Entries {
		if file.Entries[i].GroupID == e.GroupID {
			file.Entries[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		file.Entries = append(file.Entries, e)
	}
	return s.write(file)
}

// Remove deletes the entry for groupID.
func (s *FileStore) Remove(ctx context.Context, groupID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.read()
	if err != nil {
		return err
	}
	kept := file.Entries[:0]
	for _, e := range file.Entries {
		if e.GroupID != groupID {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(file.Entries) {
		return nil
	}
	file.Entries = kept
	return s.write(file)
}

// Get returns the entry for groupID.
func (s *FileStore) Get(ctx context.Context, groupID string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	file, err := s.read()
	if err != nil {
		return Entry{}, err
	}
	for _, e := range file.Entries {
		if e.GroupID == groupID {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}

// List returns every entry ordered by group id.
func (s *FileStore) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	file, err := s.read()
	if err != nil {
		return nil, err
	}
	sort.Slice(file.Entries, func(i, j int) bool {
		return file.Entries[i].GroupID < file.Entries[j].GroupID
	})
	return file.Entries, nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) read() (fileSchema, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileSchema{Version: fileVersion}, nil
		}
		return fileSchema{}, fmt.Errorf("read recovery file: %w", err)
	}

	var file fileSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return fileSchema{}, fmt.Errorf("decode recovery file: %w", err)
	}
	if file.Version > fileVersion {
		return fileSchema{}, fmt.Errorf("recovery file version %d is newer than supported %d", file.Version, fileVersion)
	}
	return file, nil
}

func (s *FileStore) write(file fileSchema) error {
	file.Version = fileVersion

	if err := os.MkdirAll(filepath.Dir(s.path), dirMode); err != nil {
		return fmt.Errorf("create recovery directory: %w", err)
	}

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode recovery file: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(s.path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp recovery file: %w", err)
	}
	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp recovery file: %w", err)
	}
	if err := tempFile.Chmod(fileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp recovery file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp recovery file: %w", err)
	}
	if err := os.Rename(tempName, s.path); err != nil {
		return fmt.Errorf("replace recovery file: %w", err)
	}
	cleanup = false
	return nil
}
