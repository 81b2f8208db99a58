package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/archivist-dev/archivist/pkg/checksum"
)

// memoryEntry holds stored bytes and their insertion order.
type memoryEntry struct {
	data []byte
	seq  uint64
}

// MemoryStore is a thread-safe in-memory Store. When maxEntries is
// positive and the store is full, the oldest entry (by insertion) is
// evicted to make room, which suits disposable caches.
type MemoryStore struct {
	mu         sync.RWMutex
	items      map[string]*memoryEntry
	maxEntries int
	seq        uint64
}

// NewMemoryStore creates an unbounded in-memory store.
func NewMemoryStore() *MemoryStore {
	return NewBoundedMemoryStore(0)
}

// NewBoundedMemoryStore creates an in-memory store holding at most
// maxEntries keys. maxEntries <= 0 means unbounded.
func NewBoundedMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &MemoryStore{
		items:      make(map[string]*memoryEntry),
		maxEntries: maxEntries,
	}
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	key, err := CleanKey(key)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[key]
	return ok, nil
}

func (s *MemoryStore) ReadAll(_ context.Context, key string) ([]byte, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[key]
	if !ok {
		return nil, fmt.Errorf("memory store: %q: %w", key, ErrNotFound)
	}
	return append([]byte(nil), e.data...), nil
}

// WriteAll stores a private copy of data. Replacing an existing key counts
// as a fresh insertion; adding a new key at capacity evicts the oldest.
func (s *MemoryStore) WriteAll(_ context.Context, key string, data []byte) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	copied := append([]byte(nil), data...)
	if _, ok := s.items[key]; ok {
		s.items[key] = &memoryEntry{data: copied, seq: s.seq}
		return nil
	}
	if s.maxEntries > 0 && len(s.items) >= s.maxEntries {
		s.evictOldest()
	}
	s.items[key] = &memoryEntry{data: copied, seq: s.seq}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		return fmt.Errorf("memory store: %q: %w", key, ErrNotFound)
	}
	delete(s.items, key)
	return nil
}

func (s *MemoryStore) DigestOf(ctx context.Context, key string, h checksum.Hasher) (checksum.Checksum, error) {
	return digestByReading(ctx, s, key, h)
}

// Keys returns the stored keys with the given prefix, sorted.
func (s *MemoryStore) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// evictOldest removes the entry with the lowest insertion sequence.
// Must be called with s.mu held.
func (s *MemoryStore) evictOldest() {
	var oldestKey string
	var oldestSeq uint64
	first := true

	for k, e := range s.items {
		if first || e.seq < oldestSeq {
			oldestKey = k
			oldestSeq = e.seq
			first = false
		}
	}

	if !first {
		delete(s.items, oldestKey)
	}
}

var _ Store = (*MemoryStore)(nil)
