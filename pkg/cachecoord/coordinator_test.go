package cachecoord

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archivist-dev/archivist/pkg/checksum"
	"github.com/archivist-dev/archivist/pkg/storage"
)

// countingStore counts full reads reaching the wrapped store.
type countingStore struct {
	storage.Store
	reads atomic.Int32
}

func (s *countingStore) ReadAll(ctx context.Context, key string) ([]byte, error) {
	s.reads.Add(1)
	return s.Store.ReadAll(ctx, key)
}

func readString(t *testing.T, c *Coordinator, key string) string {
	t.Helper()
	rc, err := c.Read(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func newCoordinator(t *testing.T, opts ...Option) (*Coordinator, *countingStore, *storage.MemoryStore) {
	t.Helper()
	authority := &countingStore{Store: storage.NewMemoryStore()}
	cache := storage.NewMemoryStore()
	opts = append([]Option{WithCache(cache), WithTempDir(t.TempDir())}, opts...)
	return New(authority, opts...), authority, cache
}

func TestRead_NoCache(t *testing.T) {
	ctx := context.Background()
	authority := storage.NewMemoryStore()
	c := New(authority, WithTempDir(t.TempDir()))
	require.NoError(t, authority.WriteAll(ctx, "k", []byte("v1")))

	assert.Equal(t, "v1", readString(t, c, "k"))
	assert.False(t, c.HasCache())

	cached, err := c.IsCached(ctx, "k")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.ErrorIs(t, c.Cache(ctx, "k"), ErrNoCache)
	assert.NoError(t, c.InvalidateCache(ctx, "k"))
}

func TestRead_ServesFromCacheUntilStale(t *testing.T) {
	ctx := context.Background()
	c, authority, cache := newCoordinator(t)
	require.NoError(t, authority.WriteAll(ctx, "a/1", []byte("first")))

	assert.Equal(t, "first", readString(t, c, "a/1"))
	assert.Equal(t, int32(1), authority.reads.Load())

	cached, err := c.IsCached(ctx, "a/1")
	require.NoError(t, err)
	assert.True(t, cached)

	assert.Equal(t, "first", readString(t, c, "a/1"))
	assert.Equal(t, int32(1), authority.reads.Load(), "second read must hit the cache")

	// Another client replaces the content at the authority.
	require.NoError(t, authority.WriteAll(ctx, "a/1", []byte("second")))
	assert.Equal(t, "second", readString(t, c, "a/1"))
	assert.Equal(t, int32(2), authority.reads.Load())

	data, err := cache.ReadAll(ctx, "a/1")
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestRead_TrustsRecordedDigestByDefault(t *testing.T) {
	ctx := context.Background()
	c, authority, cache := newCoordinator(t)
	require.NoError(t, authority.WriteAll(ctx, "k", []byte("genuine")))
	readString(t, c, "k")

	require.NoError(t, cache.WriteAll(ctx, "k", []byte("tampered")))
	assert.Equal(t, "tampered", readString(t, c, "k"))
}

func TestRead_VerifiedCacheRefetchesTamperedContent(t *testing.T) {
	ctx := context.Background()
	c, authority, cache := newCoordinator(t, WithVerifiedCache())
	require.NoError(t, authority.WriteAll(ctx, "k", []byte("genuine")))
	readString(t, c, "k")

	require.NoError(t, cache.WriteAll(ctx, "k", []byte("tampered")))
	assert.Equal(t, "genuine", readString(t, c, "k"))
	assert.Equal(t, int32(2), authority.reads.Load())
}

func TestRead_MissingKey(t *testing.T) {
	c, _, _ := newCoordinator(t)
	_, err := c.Read(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRead_ReservedKeys(t *testing.T) {
	c, _, _ := newCoordinator(t)
	_, err := c.Read(context.Background(), ".digests/k")
	assert.ErrorIs(t, err, storage.ErrInvalidKey)
}

func TestRead_RecordedDigestSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	authority := &countingStore{Store: storage.NewMemoryStore()}
	cache, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, authority.WriteAll(ctx, "k", []byte("payload")))

	first := New(authority, WithCache(cache))
	readString(t, first, "k")

	restarted := New(authority, WithCache(cache))
	assert.Equal(t, "payload", readString(t, restarted, "k"))
	assert.Equal(t, int32(1), authority.reads.Load())
}

func TestWrite(t *testing.T) {
	ctx := context.Background()
	c, authority, cache := newCoordinator(t)

	digest, err := c.Write(ctx, "k", strings.NewReader("hello"), false)
	require.NoError(t, err)
	assert.Equal(t, checksum.MustNew(checksum.SHA256).SumBytes([]byte("hello")), digest)

	data, err := authority.ReadAll(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	ok, err := cache.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "write without alsoCache must not populate the cache")

	_, err = c.Write(ctx, "k", strings.NewReader("cached"), true)
	require.NoError(t, err)
	before := authority.reads.Load()
	assert.Equal(t, "cached", readString(t, c, "k"))
	assert.Equal(t, before, authority.reads.Load(), "alsoCache write must make the next read a hit")
}

func TestWrite_LeavesStaleCacheForLazyRefresh(t *testing.T) {
	ctx := context.Background()
	c, _, cache := newCoordinator(t)
	_, err := c.Write(ctx, "k", strings.NewReader("one"), true)
	require.NoError(t, err)

	_, err = c.Write(ctx, "k", strings.NewReader("two"), false)
	require.NoError(t, err)

	stale, err := cache.ReadAll(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "one", string(stale))
	assert.Equal(t, "two", readString(t, c, "k"))
}

func TestRemoveAndInvalidate(t *testing.T) {
	ctx := context.Background()
	c, authority, cache := newCoordinator(t)
	_, err := c.Write(ctx, "k", strings.NewReader("v"), true)
	require.NoError(t, err)

	require.NoError(t, c.InvalidateCache(ctx, "k"))
	ok, err := c.IsCached(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, cache.Keys(""))
	require.NoError(t, c.InvalidateCache(ctx, "k"), "invalidating twice is fine")

	require.NoError(t, c.Cache(ctx, "k"))
	ok, err = c.IsCached(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Remove(ctx, "k"))
	exists, err := authority.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, cache.Keys(""))

	assert.ErrorIs(t, c.Remove(ctx, "k"), storage.ErrNotFound)
}

// failingStore fails every call with err.
type failingStore struct {
	storage.Store
	err error
}

func (s failingStore) DigestOf(context.Context, string, checksum.Hasher) (checksum.Checksum, error) {
	return checksum.Checksum{}, s.err
}

func (s failingStore) ReadAll(context.Context, string) ([]byte, error) {
	return nil, s.err
}

func (s failingStore) WriteAll(context.Context, string, []byte) error {
	return s.err
}

func TestBackendUnavailablePropagates(t *testing.T) {
	ctx := context.Background()
	down := failingStore{Store: storage.NewMemoryStore(), err: storage.ErrBackendUnavailable}
	c := New(down, WithCache(storage.NewMemoryStore()))

	_, err := c.Read(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrBackendUnavailable)

	_, err = c.Write(ctx, "k", strings.NewReader("x"), true)
	assert.ErrorIs(t, err, storage.ErrBackendUnavailable)
}

func TestWrite_CacheFailureDoesNotFailWrite(t *testing.T) {
	ctx := context.Background()
	authority := storage.NewMemoryStore()
	broken := failingStore{Store: storage.NewMemoryStore(), err: errors.New("disk full")}
	c := New(authority, WithCache(broken))

	_, err := c.Write(ctx, "k", strings.NewReader("x"), true)
	require.NoError(t, err)
	data, err := authority.ReadAll(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

// readOnlyStore serves reads but rejects every write.
type readOnlyStore struct {
	*storage.MemoryStore
}

func (readOnlyStore) WriteAll(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestRead_CacheFailureServesAuthorityContent(t *testing.T) {
	ctx := context.Background()
	authority := storage.NewMemoryStore()
	require.NoError(t, authority.WriteAll(ctx, "k", []byte("fresh")))
	cache := readOnlyStore{MemoryStore: storage.NewMemoryStore()}
	c := New(authority, WithCache(cache))

	r, err := c.Read(ctx, "k")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(data))

	cached, err := c.IsCached(ctx, "k")
	require.NoError(t, err)
	assert.False(t, cached)

	assert.EqualError(t, c.Cache(ctx, "k"), "disk full", "explicit prefetch reports the failure")
}

func TestOpenScope_MaterializesIntoTempDir(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()
	authority := storage.NewMemoryStore()
	c := New(authority, WithTempDir(tmp))
	require.NoError(t, authority.WriteAll(ctx, "arch/0.0.1", []byte("content")))

	s, err := c.OpenScope(ctx, "arch/0.0.1", ModeRead)
	require.NoError(t, err)
	assert.Equal(t, "0.0.1", filepath.Base(s.Path()))
	assert.True(t, strings.HasPrefix(s.Path(), tmp))
	assert.Equal(t, "arch/0.0.1", s.Key())

	require.NoError(t, s.Close(ctx))
	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, s.Close(ctx), "closing twice is a no-op")

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
