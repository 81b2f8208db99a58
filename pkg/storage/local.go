package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/archivist-dev/archivist/pkg/checksum"
)

// LocalStore keeps each key as a file below a root directory.
type LocalStore struct {
	root string
}

// NewLocalStore creates a store rooted at dir, creating it if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("local store: resolve root %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("local store: create root %q: %w", abs, err)
	}
	return &LocalStore{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *LocalStore) Root() string {
	return s.root
}

func (s *LocalStore) pathFor(key string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("local store: stat %q: %w", key, err)
	}
	return info.Mode().IsRegular(), nil
}

func (s *LocalStore) ReadAll(_ context.Context, key string) ([]byte, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("local store: %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("local store: read %q: %w", key, err)
	}
	return data, nil
}

// WriteAll writes data to a temporary file next to the target, syncs it,
// and renames it over the target.
func (s *LocalStore) WriteAll(_ context.Context, key string, data []byte) error {
	p, err := s.pathFor(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("local store: create directory for %q: %w", key, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p)+".*.tmp")
	if err != nil {
		return fmt.Errorf("local store: failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	// Clean up the temp file on any error path.
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("local store: failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("local store: failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("local store: failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return fmt.Errorf("local store: failed to rename temp file: %w", err)
	}
	tmpName = "" // prevent deferred Remove
	return nil
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	p, err := s.pathFor(key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("local store: %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("local store: delete %q: %w", key, err)
	}
	s.pruneEmptyParents(filepath.Dir(p))
	return nil
}

func (s *LocalStore) DigestOf(ctx context.Context, key string, h checksum.Hasher) (checksum.Checksum, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return checksum.Checksum{}, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return checksum.Checksum{}, fmt.Errorf("local store: %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return checksum.Checksum{}, fmt.Errorf("local store: open %q: %w", key, err)
	}
	defer f.Close()
	return h.Sum(f)
}

// pruneEmptyParents removes empty directories between dir and the root.
// Failures are ignored: a non-empty or concurrently re-populated directory
// simply stays.
func (s *LocalStore) pruneEmptyParents(dir string) {
	for dir != s.root && len(dir) > len(s.root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

var _ Store = (*LocalStore)(nil)
