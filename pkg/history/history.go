// Package history persists archives and their append-only version history.
//
// Two implementations of Store are provided: GormStore for SQL databases
// shared between clients, and MemoryStore for tests and throwaway setups.
// Neither takes locks across clients; concurrent writers race and the last
// completed write wins, except that AppendVersion refuses a version that
// does not sort after the current tip.
package history

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/archivist-dev/archivist/pkg/checksum"
	"github.com/archivist-dev/archivist/pkg/storage"
	"github.com/archivist-dev/archivist/pkg/version"
)

var (
	// ErrArchiveNotFound is returned for operations on an unknown archive.
	ErrArchiveNotFound = errors.New("archive not found")

	// ErrVersionNotFound is returned when a version is not in an archive's
	// history, or the history is empty.
	ErrVersionNotFound = errors.New("version not found")

	// ErrAlreadyExists is returned when creating an archive whose name is
	// taken.
	ErrAlreadyExists = errors.New("archive already exists")

	// ErrVersionConflict is returned when an appended version does not sort
	// after the current tip, which happens when another client appended
	// first.
	ErrVersionConflict = errors.New("version conflict")

	// ErrBackendUnavailable is the storage sentinel, shared so callers can
	// test for connectivity failures uniformly.
	ErrBackendUnavailable = storage.ErrBackendUnavailable
)

// ArchiveRecord describes one archive.
type ArchiveRecord struct {
	Name      string         `json:"name" yaml:"name"`
	Authority string         `json:"authority,omitempty" yaml:"authority,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Tags      []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	CreatedBy string         `json:"createdBy,omitempty" yaml:"createdBy,omitempty"`
	CreatedAt time.Time      `json:"createdAt" yaml:"createdAt"`
}

// VersionRecord is one immutable entry of an archive's history.
type VersionRecord struct {
	ID           string            `json:"id" yaml:"id"`
	Version      version.Version   `json:"version" yaml:"version"`
	Checksum     checksum.Checksum `json:"checksum" yaml:"checksum"`
	Author       string            `json:"author,omitempty" yaml:"author,omitempty"`
	Contact      string            `json:"contact,omitempty" yaml:"contact,omitempty"`
	CreatedAt    time.Time         `json:"createdAt" yaml:"createdAt"`
	Metadata     map[string]any    `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// Store is the metadata/history store consumed by the archive layer.
type Store interface {
	// CreateArchive registers a new archive. Fails with ErrAlreadyExists
	// if the name is taken.
	CreateArchive(ctx context.Context, record *ArchiveRecord) error

	// GetArchive returns the archive record or ErrArchiveNotFound.
	GetArchive(ctx context.Context, name string) (*ArchiveRecord, error)

	// ListArchives returns archives whose names start with prefix,
	// sorted by name.
	ListArchives(ctx context.Context, prefix string) ([]ArchiveRecord, error)

	// UpdateArchiveMetadata merges metadata into the archive's metadata.
	// A nil value removes the key.
	UpdateArchiveMetadata(ctx context.Context, name string, metadata map[string]any) error

	// SetTags replaces the archive's tags.
	SetTags(ctx context.Context, name string, tags []string) error

	// AppendVersion adds record at the tip of the archive's history.
	AppendVersion(ctx context.Context, name string, record *VersionRecord) error

	// GetHistory returns the archive's versions in chronological order.
	GetHistory(ctx context.Context, name string) ([]VersionRecord, error)

	// LatestVersion returns the tip of the history or ErrVersionNotFound
	// when the history is empty.
	LatestVersion(ctx context.Context, name string) (*VersionRecord, error)

	// LatestDigest returns the tip's checksum, or the zero Checksum when
	// the history is empty.
	LatestDigest(ctx context.Context, name string) (checksum.Checksum, error)

	// UpdateLatest merges metadata and dependencies into the tip record.
	// Returns ErrVersionNotFound when the history is empty.
	UpdateLatest(ctx context.Context, name string, metadata map[string]any, dependencies map[string]string) error

	// DeleteArchive removes the archive and its whole history.
	DeleteArchive(ctx context.Context, name string) error
}

// FindVersion returns the record for v in records, comparing versions
// semantically.
func FindVersion(records []VersionRecord, v version.Version) (*VersionRecord, bool) {
	for i := range records {
		if records[i].Version.Equal(v) {
			return &records[i], true
		}
	}
	return nil, false
}

// mergeAny merges src into dst; nil values delete keys.
func mergeAny(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if v == nil {
			delete(dst, k)
			continue
		}
		dst[k] = v
	}
	return dst
}

// mergeStrings merges src into dst. An empty value is kept: for
// dependencies it means "any version".
func mergeStrings(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	maps.Copy(dst, src)
	return dst
}

func cloneArchive(r ArchiveRecord) ArchiveRecord {
	r.Metadata = maps.Clone(r.Metadata)
	r.Tags = append([]string(nil), r.Tags...)
	return r
}

func cloneVersion(r VersionRecord) VersionRecord {
	r.Metadata = maps.Clone(r.Metadata)
	r.Dependencies = maps.Clone(r.Dependencies)
	return r
}
