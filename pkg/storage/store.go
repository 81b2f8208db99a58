// Package storage defines the byte-store capability shared by archive
// authorities and caches, and the adapters that implement it: in-memory,
// local disk, zstd-compressed, and HTTP.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strings"

	"github.com/archivist-dev/archivist/pkg/checksum"
)

var (
	// ErrNotFound is returned when a key does not exist in the store.
	ErrNotFound = errors.New("not found")

	// ErrBackendUnavailable marks transient connectivity failures. Callers
	// decide whether and how to retry.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrUnauthorized is returned when a remote store rejects credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidKey is returned for keys that are empty, absolute, or
	// escape the store root.
	ErrInvalidKey = errors.New("invalid key")
)

// Store is a flat key to bytes mapping.
//
// WriteAll must be atomic: concurrent readers observe either the previous
// content or the new content, never a partial write. Keys are
// slash-separated relative paths.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	ReadAll(ctx context.Context, key string) ([]byte, error)
	WriteAll(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	DigestOf(ctx context.Context, key string, h checksum.Hasher) (checksum.Checksum, error)
}

// CleanKey validates key and returns its canonical form.
func CleanKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w %q: must be a relative slash-separated path", ErrInvalidKey, key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w %q: escapes the store root", ErrInvalidKey, key)
	}
	return cleaned, nil
}

// digestByReading computes a digest by hashing the full content. Stores
// without a native digest use it.
func digestByReading(ctx context.Context, s Store, key string, h checksum.Hasher) (checksum.Checksum, error) {
	data, err := s.ReadAll(ctx, key)
	if err != nil {
		return checksum.Checksum{}, err
	}
	return h.SumBytes(data), nil
}

// unavailable wraps err with ErrBackendUnavailable when it looks like a
// connectivity failure.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return err
}
