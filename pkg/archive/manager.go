// Package archive exposes versioned archives: named artifacts whose
// successive contents are kept in an authority store and recorded in an
// append-only history.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/archivist-dev/archivist/pkg/cachecoord"
	"github.com/archivist-dev/archivist/pkg/history"
	"github.com/archivist-dev/archivist/pkg/storage"
	"github.com/archivist-dev/archivist/pkg/version"
)

var (
	ErrArchiveNotFound = history.ErrArchiveNotFound
	ErrVersionNotFound = history.ErrVersionNotFound
	ErrAlreadyExists   = history.ErrAlreadyExists

	// ErrMissingMetadata is returned when an archive is created, or its
	// metadata updated, without a key the manager requires.
	ErrMissingMetadata = errors.New("missing required metadata")

	// ErrInvalidName is returned for archive names that cannot be used as
	// store keys.
	ErrInvalidName = errors.New("invalid archive name")

	// ErrDeleted is returned by operations on an archive after Delete.
	ErrDeleted = errors.New("archive deleted")
)

// User identifies who records new versions.
type User struct {
	Name  string
	Email string
}

// Manager creates and looks up archives.
type Manager struct {
	history   history.Store
	coord     *cachecoord.Coordinator
	user      User
	required  []string
	authority string
	logger    *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithUser sets the author and contact recorded on new versions.
func WithUser(u User) ManagerOption {
	return func(m *Manager) { m.user = u }
}

// WithRequiredMetadata makes Create fail unless every key is present in the
// archive metadata.
func WithRequiredMetadata(keys ...string) ManagerOption {
	return func(m *Manager) { m.required = append(m.required, keys...) }
}

// WithAuthorityName sets the authority description stored on new archives.
func WithAuthorityName(name string) ManagerOption {
	return func(m *Manager) { m.authority = name }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager recording history in h and moving bytes
// through coord.
func NewManager(h history.Store, coord *cachecoord.Coordinator, opts ...ManagerOption) *Manager {
	m := &Manager{history: h, coord: coord, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Coordinator returns the coordinator used for archive contents.
func (m *Manager) Coordinator() *cachecoord.Coordinator {
	return m.coord
}

// CreateOptions configures Create.
type CreateOptions struct {
	Metadata map[string]any
	Tags     []string
	// IgnoreExisting returns the existing archive instead of
	// ErrAlreadyExists.
	IgnoreExisting bool
}

// validateName accepts clean store keys that do not start with "." and
// have no segment spelled like a version. Content keys put the version
// right after the archive name, so such a segment would let one archive's
// content collide with another archive's namespace.
func validateName(name string) error {
	clean, err := storage.CleanKey(name)
	if err != nil || clean != name || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, segment := range strings.Split(name, "/") {
		if _, err := version.Parse(segment); err == nil {
			return fmt.Errorf("%w: %q: segment %q reads as a version", ErrInvalidName, name, segment)
		}
	}
	return nil
}

// Create registers a new archive with an empty history.
func (m *Manager) Create(ctx context.Context, name string, opts CreateOptions) (*Archive, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := m.checkRequired(opts.Metadata); err != nil {
		return nil, err
	}
	record := &history.ArchiveRecord{
		Name:      name,
		Authority: m.authority,
		Metadata:  opts.Metadata,
		Tags:      normalizeTags(opts.Tags...).ToSlice(),
		CreatedBy: m.user.Name,
	}
	sort.Strings(record.Tags)

	err := m.history.CreateArchive(ctx, record)
	if errors.Is(err, ErrAlreadyExists) && opts.IgnoreExisting {
		return m.Get(ctx, name)
	}
	if err != nil {
		return nil, err
	}
	m.logger.Info("archive created", "archive", name)
	return &Archive{m: m, record: *record}, nil
}

// checkRequired reports the required keys missing from metadata.
func (m *Manager) checkRequired(metadata map[string]any) error {
	var missing []string
	for _, key := range m.required {
		if v, ok := metadata[key]; !ok || v == nil {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingMetadata, strings.Join(missing, ", "))
	}
	return nil
}

// Get returns an existing archive.
func (m *Manager) Get(ctx context.Context, name string) (*Archive, error) {
	record, err := m.history.GetArchive(ctx, name)
	if err != nil {
		return nil, err
	}
	return &Archive{m: m, record: *record}, nil
}

// List returns the archives whose names start with prefix and that carry
// every tag in tags.
func (m *Manager) List(ctx context.Context, prefix string, tags ...string) ([]*Archive, error) {
	records, err := m.history.ListArchives(ctx, prefix)
	if err != nil {
		return nil, err
	}
	want := normalizeTags(tags...)
	out := make([]*Archive, 0, len(records))
	for _, r := range records {
		if !want.IsSubset(normalizeTags(r.Tags...)) {
			continue
		}
		out = append(out, &Archive{m: m, record: r})
	}
	return out, nil
}

func normalizeTags(tags ...string) mapset.Set[string] {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, t := range tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			set.Add(t)
		}
	}
	return set
}
