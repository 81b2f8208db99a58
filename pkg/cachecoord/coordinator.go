// Package cachecoord mediates access to resources held by an authority
// store and, optionally, a local cache store.
//
// The cache is never authoritative. For every cached key the coordinator
// records the digest the bytes had when they were fetched; a read serves the
// cached copy only while that digest matches the authority's current one.
// Local paths handed out by OpenScope are private snapshots: writes made by
// other clients after the scope was opened are not visible through it.
//
// No locking is done between clients. Concurrent writes to the same key
// race at the authority and the last completed write wins.
package cachecoord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/archivist-dev/archivist/pkg/checksum"
	"github.com/archivist-dev/archivist/pkg/storage"
)

var (
	// ErrConsistency is returned when the local file backing a write scope
	// disappears before the scope is closed.
	ErrConsistency = errors.New("resource removed during execution")

	// ErrNoCache is returned by Cache when no cache store is configured.
	ErrNoCache = errors.New("no cache configured")
)

// digestPrefix is the cache-store namespace holding recorded digests.
const digestPrefix = ".digests"

// Coordinator serves reads and writes for keys of an authority store
// through an optional cache store.
type Coordinator struct {
	authority storage.Store
	cache     storage.Store
	hasher    checksum.Hasher
	verify    bool
	tempDir   string
	logger    *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCache enables caching in store. The store should be private to this
// client.
func WithCache(store storage.Store) Option {
	return func(c *Coordinator) { c.cache = store }
}

// WithHasher sets the digest algorithm. Defaults to sha256.
func WithHasher(h checksum.Hasher) Option {
	return func(c *Coordinator) { c.hasher = h }
}

// WithVerifiedCache re-hashes cached bytes before serving them, so content
// modified in the cache behind the coordinator's back is refetched.
func WithVerifiedCache() Option {
	return func(c *Coordinator) { c.verify = true }
}

// WithTempDir sets where scoped local copies are materialized. Defaults to
// os.TempDir().
func WithTempDir(dir string) Option {
	return func(c *Coordinator) { c.tempDir = dir }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New creates a Coordinator for authority.
func New(authority storage.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		authority: authority,
		hasher:    checksum.MustNew(checksum.SHA256),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Hasher returns the digest algorithm used for staleness checks.
func (c *Coordinator) Hasher() checksum.Hasher {
	return c.hasher
}

// HasCache reports whether a cache store is configured.
func (c *Coordinator) HasCache() bool {
	return c.cache != nil
}

func validateKey(key string) (string, error) {
	key, err := storage.CleanKey(key)
	if err != nil {
		return "", err
	}
	if key == digestPrefix || strings.HasPrefix(key, digestPrefix+"/") {
		return "", fmt.Errorf("%w: %q is reserved", storage.ErrInvalidKey, key)
	}
	return key, nil
}

func digestKey(key string) string {
	return digestPrefix + "/" + key
}

// Read returns the current content of key.
func (c *Coordinator) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	data, err := c.readBytes(ctx, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// readBytes returns the content of key. Failing to refresh the cache only
// costs the next read a refetch, so it is logged rather than returned.
func (c *Coordinator) readBytes(ctx context.Context, key string) ([]byte, error) {
	data, cacheErr, err := c.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	if cacheErr != nil {
		c.logger.Warn("caching fetched content failed", "key", key, "error", cacheErr)
	}
	return data, nil
}

// fetch returns the content of key, serving it from the cache when the
// recorded digest matches the authority and refreshing the cache
// otherwise. cacheErr reports a failed refresh of content that was read.
func (c *Coordinator) fetch(ctx context.Context, key string) (data []byte, cacheErr, err error) {
	key, err = validateKey(key)
	if err != nil {
		return nil, nil, err
	}
	if c.cache == nil {
		data, err = c.authority.ReadAll(ctx, key)
		return data, nil, err
	}

	current, err := c.authority.DigestOf(ctx, key, c.hasher)
	if err != nil {
		return nil, nil, err
	}
	data, hit, err := c.cached(ctx, key, current)
	if err != nil {
		return nil, nil, err
	}
	if hit {
		c.logger.Debug("cache hit", "key", key)
		return data, nil, nil
	}

	c.logger.Debug("cache miss", "key", key)
	data, err = c.authority.ReadAll(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return data, c.store(ctx, key, data, c.hasher.SumBytes(data)), nil
}

// cached returns the cached bytes for key if their recorded digest equals
// want.
func (c *Coordinator) cached(ctx context.Context, key string, want checksum.Checksum) ([]byte, bool, error) {
	recorded, err := c.recordedDigest(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if recorded.IsZero() || recorded != want {
		return nil, false, nil
	}
	data, err := c.cache.ReadAll(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if c.verify && c.hasher.SumBytes(data) != recorded {
		c.logger.Warn("cached content does not match recorded digest", "key", key)
		return nil, false, nil
	}
	return data, true, nil
}

// recordedDigest returns the digest recorded for key, or the zero Checksum
// if there is none.
func (c *Coordinator) recordedDigest(ctx context.Context, key string) (checksum.Checksum, error) {
	raw, err := c.cache.ReadAll(ctx, digestKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return checksum.Checksum{}, nil
	}
	if err != nil {
		return checksum.Checksum{}, err
	}
	recorded, err := checksum.ParseChecksum(string(raw))
	if err != nil {
		c.logger.Warn("discarding unreadable cache digest", "key", key, "error", err)
		return checksum.Checksum{}, nil
	}
	return recorded, nil
}

// store writes data to the cache and records its digest. The old record is
// dropped first so an interrupted refresh can never pair a digest with
// bytes it does not describe.
func (c *Coordinator) store(ctx context.Context, key string, data []byte, digest checksum.Checksum) error {
	if err := c.cache.Delete(ctx, digestKey(key)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := c.cache.WriteAll(ctx, key, data); err != nil {
		return err
	}
	return c.cache.WriteAll(ctx, digestKey(key), []byte(digest.String()))
}

// Write stores the content of r at key in the authority and returns its
// digest. With alsoCache the bytes are cached too; otherwise any cached
// copy is left alone and refreshed on the next read.
func (c *Coordinator) Write(ctx context.Context, key string, r io.Reader, alsoCache bool) (checksum.Checksum, error) {
	key, err := validateKey(key)
	if err != nil {
		return checksum.Checksum{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return checksum.Checksum{}, fmt.Errorf("reading content for %q: %w", key, err)
	}
	if err := c.authority.WriteAll(ctx, key, data); err != nil {
		return checksum.Checksum{}, err
	}
	digest := c.hasher.SumBytes(data)
	if alsoCache && c.cache != nil {
		if err := c.store(ctx, key, data, digest); err != nil {
			c.logger.Warn("caching written content failed", "key", key, "error", err)
		}
	}
	return digest, nil
}

// Remove deletes key from the authority and, best effort, from the cache.
// A key missing from the authority is still dropped from the cache and
// storage.ErrNotFound is returned.
func (c *Coordinator) Remove(ctx context.Context, key string) error {
	key, err := validateKey(key)
	if err != nil {
		return err
	}
	err = c.authority.Delete(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if cerr := c.InvalidateCache(ctx, key); cerr != nil {
		c.logger.Warn("removing cached copy failed", "key", key, "error", cerr)
	}
	return err
}

// InvalidateCache drops the cached copy of key so the next read refetches
// it. Missing entries are not an error.
func (c *Coordinator) InvalidateCache(ctx context.Context, key string) error {
	key, err := validateKey(key)
	if err != nil {
		return err
	}
	if c.cache == nil {
		return nil
	}
	for _, k := range []string{digestKey(key), key} {
		if err := c.cache.Delete(ctx, k); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

// IsCached reports whether the cache holds a copy of key. The copy may be
// stale.
func (c *Coordinator) IsCached(ctx context.Context, key string) (bool, error) {
	key, err := validateKey(key)
	if err != nil {
		return false, err
	}
	if c.cache == nil {
		return false, nil
	}
	return c.cache.Exists(ctx, key)
}

// Cache fetches key into the cache if it is missing or stale.
func (c *Coordinator) Cache(ctx context.Context, key string) error {
	if c.cache == nil {
		return ErrNoCache
	}
	_, cacheErr, err := c.fetch(ctx, key)
	if err != nil {
		return err
	}
	return cacheErr
}
