package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/archivist-dev/archivist/pkg/checksum"
)

type memoryArchive struct {
	record   ArchiveRecord
	versions []VersionRecord
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu       sync.RWMutex
	archives map[string]*memoryArchive
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{archives: make(map[string]*memoryArchive)}
}

// lookup must be called with s.mu held.
func (s *MemoryStore) lookup(name string) (*memoryArchive, error) {
	a, ok := s.archives[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrArchiveNotFound, name)
	}
	return a, nil
}

func (s *MemoryStore) CreateArchive(_ context.Context, record *ArchiveRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.archives[record.Name]; ok {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, record.Name)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.archives[record.Name] = &memoryArchive{record: cloneArchive(*record)}
	return nil
}

func (s *MemoryStore) GetArchive(_ context.Context, name string) (*ArchiveRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	r := cloneArchive(a.record)
	return &r, nil
}

func (s *MemoryStore) ListArchives(_ context.Context, prefix string) ([]ArchiveRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ArchiveRecord, 0, len(s.archives))
	for name, a := range s.archives {
		if strings.HasPrefix(name, prefix) {
			out = append(out, cloneArchive(a.record))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) UpdateArchiveMetadata(_ context.Context, name string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.lookup(name)
	if err != nil {
		return err
	}
	a.record.Metadata = mergeAny(a.record.Metadata, metadata)
	return nil
}

func (s *MemoryStore) SetTags(_ context.Context, name string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.lookup(name)
	if err != nil {
		return err
	}
	a.record.Tags = append([]string(nil), tags...)
	return nil
}

func (s *MemoryStore) AppendVersion(_ context.Context, name string, record *VersionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.lookup(name)
	if err != nil {
		return err
	}
	if n := len(a.versions); n > 0 {
		if tip := a.versions[n-1].Version; !tip.Less(record.Version) {
			return fmt.Errorf("%w: %q: %s does not follow %s", ErrVersionConflict, name, record.Version, tip)
		}
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	a.versions = append(a.versions, cloneVersion(*record))
	return nil
}

func (s *MemoryStore) GetHistory(_ context.Context, name string) ([]VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	out := make([]VersionRecord, len(a.versions))
	for i, v := range a.versions {
		out[i] = cloneVersion(v)
	}
	return out, nil
}

func (s *MemoryStore) LatestVersion(_ context.Context, name string) (*VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	if len(a.versions) == 0 {
		return nil, fmt.Errorf("%w: %q has no versions", ErrVersionNotFound, name)
	}
	r := cloneVersion(a.versions[len(a.versions)-1])
	return &r, nil
}

func (s *MemoryStore) LatestDigest(ctx context.Context, name string) (checksum.Checksum, error) {
	return latestDigest(ctx, s, name)
}

func (s *MemoryStore) UpdateLatest(_ context.Context, name string, metadata map[string]any, dependencies map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.lookup(name)
	if err != nil {
		return err
	}
	if len(a.versions) == 0 {
		return fmt.Errorf("%w: %q has no versions", ErrVersionNotFound, name)
	}
	tip := &a.versions[len(a.versions)-1]
	if len(metadata) > 0 {
		tip.Metadata = mergeAny(tip.Metadata, metadata)
	}
	if len(dependencies) > 0 {
		tip.Dependencies = mergeStrings(tip.Dependencies, dependencies)
	}
	return nil
}

func (s *MemoryStore) DeleteArchive(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(name); err != nil {
		return err
	}
	delete(s.archives, name)
	return nil
}

// latestDigest implements LatestDigest on top of LatestVersion.
func latestDigest(ctx context.Context, s Store, name string) (checksum.Checksum, error) {
	tip, err := s.LatestVersion(ctx, name)
	if errors.Is(err, ErrVersionNotFound) {
		return checksum.Checksum{}, nil
	}
	if err != nil {
		return checksum.Checksum{}, err
	}
	return tip.Checksum, nil
}

var _ Store = (*MemoryStore)(nil)
