package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/archivist-dev/archivist/pkg/cachecoord"
	"github.com/archivist-dev/archivist/pkg/checksum"
	"github.com/archivist-dev/archivist/pkg/history"
	"github.com/archivist-dev/archivist/pkg/storage"
	"github.com/archivist-dev/archivist/pkg/version"
)

// ErrPinnedWrite is returned when a write is requested for a specific
// version; writes always create the next version.
var ErrPinnedWrite = errors.New("writes cannot target a specific version")

// Archive is a handle on one archive. The handle is not safe for concurrent
// use; the stores behind it are shared freely.
type Archive struct {
	m       *Manager
	record  history.ArchiveRecord
	deleted bool
}

// Name returns the archive name.
func (a *Archive) Name() string {
	return a.record.Name
}

// Record returns the archive record as it was when the handle was
// obtained.
func (a *Archive) Record() history.ArchiveRecord {
	return a.record
}

func (a *Archive) active() error {
	if a.deleted {
		return fmt.Errorf("%w: %q", ErrDeleted, a.record.Name)
	}
	return nil
}

// keyDigestLen is the number of hex digits of the content digest carried
// in a content key.
const keyDigestLen = 16

// Key returns the store key holding the content of r. The key ends in a
// digest prefix, so updaters racing for the same version only share a key
// when their content is identical.
func (a *Archive) Key(r history.VersionRecord) string {
	return contentKey(a.record.Name, r.Version, r.Checksum)
}

func contentKey(name string, v version.Version, sum checksum.Checksum) string {
	digest := sum.Digest
	if len(digest) > keyDigestLen {
		digest = digest[:keyDigestLen]
	}
	return name + "/" + v.String() + "/" + digest
}

// UpdateOptions configures Update. With neither Bump nor Prerelease set,
// a patch bump is applied.
type UpdateOptions struct {
	Bump         version.Kind
	Prerelease   version.Stage
	Metadata     map[string]any
	Dependencies map[string]string
	AlsoCache    bool
}

// Update records the content of r as the next version. If the content is
// identical to the latest version, only the metadata and dependencies of
// the latest record are updated and Update returns a nil record.
func (a *Archive) Update(ctx context.Context, r io.Reader, opts UpdateOptions) (*history.VersionRecord, error) {
	if err := a.active(); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading content for %q: %w", a.record.Name, err)
	}
	digest := a.m.coord.Hasher().SumBytes(data)

	tip, err := a.m.history.LatestVersion(ctx, a.record.Name)
	if err != nil && !errors.Is(err, ErrVersionNotFound) {
		return nil, err
	}
	if tip != nil && tip.Checksum == digest {
		if len(opts.Metadata) > 0 || len(opts.Dependencies) > 0 {
			if err := a.m.history.UpdateLatest(ctx, a.record.Name, opts.Metadata, opts.Dependencies); err != nil {
				return nil, err
			}
		}
		a.m.logger.Info("content unchanged, no new version",
			"archive", a.record.Name, "version", tip.Version.String())
		return nil, nil
	}

	current := version.Initial()
	if tip != nil {
		current = tip.Version
	}
	kind := opts.Bump
	if kind == version.KindNone && opts.Prerelease == version.StageNone {
		kind = version.KindPatch
	}
	next, err := current.Bump(kind, opts.Prerelease)
	if err != nil {
		return nil, err
	}

	key := contentKey(a.record.Name, next, digest)
	written, err := a.m.coord.Write(ctx, key, bytes.NewReader(data), opts.AlsoCache)
	if err != nil {
		return nil, err
	}
	record := &history.VersionRecord{
		Version:      next,
		Checksum:     written,
		Author:       a.m.user.Name,
		Contact:      a.m.user.Email,
		Metadata:     opts.Metadata,
		Dependencies: opts.Dependencies,
	}
	if err := a.m.history.AppendVersion(ctx, a.record.Name, record); err != nil {
		a.dropUnrecorded(ctx, key, next, written)
		return nil, err
	}
	a.m.logger.Info("version created",
		"archive", a.record.Name, "version", next.String(), "checksum", written.String())
	return record, nil
}

// dropUnrecorded removes content written under key when no history record
// refers to it, which happens when another updater won the race for v.
// Content is kept whenever the history cannot be read.
func (a *Archive) dropUnrecorded(ctx context.Context, key string, v version.Version, sum checksum.Checksum) {
	records, err := a.m.history.GetHistory(ctx, a.record.Name)
	if err != nil {
		return
	}
	if r, ok := history.FindVersion(records, v); ok && r.Checksum == sum {
		return
	}
	if err := a.m.coord.Remove(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		a.m.logger.Warn("removing unrecorded content failed", "archive", a.record.Name, "key", key, "error", err)
	}
}

// OpenOptions configures Open and GetLocalPath. Version pins a read; nil
// means the latest version. The remaining fields apply to writes.
type OpenOptions struct {
	Mode         cachecoord.Mode
	Version      *version.Version
	Bump         version.Kind
	Prerelease   version.Stage
	Metadata     map[string]any
	Dependencies map[string]string
	AlsoCache    bool
}

func (o OpenOptions) update() UpdateOptions {
	return UpdateOptions{
		Bump:         o.Bump,
		Prerelease:   o.Prerelease,
		Metadata:     o.Metadata,
		Dependencies: o.Dependencies,
		AlsoCache:    o.AlsoCache,
	}
}

// scope resolves the key and scope options for opts. A write starts from
// the latest content and commits through Update.
func (a *Archive) scope(ctx context.Context, opts OpenOptions) (string, []cachecoord.ScopeOption, error) {
	if err := a.active(); err != nil {
		return "", nil, err
	}
	if opts.Mode != cachecoord.ModeWrite {
		record, err := a.resolve(ctx, opts.Version)
		if err != nil {
			return "", nil, err
		}
		return a.Key(*record), nil, nil
	}
	if opts.Version != nil {
		return "", nil, ErrPinnedWrite
	}

	commit := cachecoord.OnCommit(func(ctx context.Context, r io.Reader) error {
		_, err := a.Update(ctx, r, opts.update())
		return err
	})
	tip, err := a.m.history.LatestVersion(ctx, a.record.Name)
	if errors.Is(err, ErrVersionNotFound) {
		key := a.record.Name + "/" + version.Initial().String()
		return key, []cachecoord.ScopeOption{commit, cachecoord.Empty()}, nil
	}
	if err != nil {
		return "", nil, err
	}
	return a.Key(*tip), []cachecoord.ScopeOption{commit}, nil
}

// Open opens the archive content as a file. In write mode the file starts
// empty and closing it records a new version.
func (a *Archive) Open(ctx context.Context, opts OpenOptions) (*cachecoord.File, error) {
	key, scopeOpts, err := a.scope(ctx, opts)
	if err != nil {
		return nil, err
	}
	return a.m.coord.Open(ctx, key, opts.Mode, scopeOpts...)
}

// GetLocalPath runs fn with the path of a private copy of the archive
// content. In write mode the copy starts from the latest version and, if
// fn succeeds, its final content is recorded as a new version.
func (a *Archive) GetLocalPath(ctx context.Context, opts OpenOptions, fn func(path string) error) error {
	key, scopeOpts, err := a.scope(ctx, opts)
	if err != nil {
		return err
	}
	return a.m.coord.WithLocalPath(ctx, key, opts.Mode, fn, scopeOpts...)
}

// resolve returns the record for v, or the latest record when v is nil.
func (a *Archive) resolve(ctx context.Context, v *version.Version) (*history.VersionRecord, error) {
	if v == nil {
		return a.m.history.LatestVersion(ctx, a.record.Name)
	}
	records, err := a.m.history.GetHistory(ctx, a.record.Name)
	if err != nil {
		return nil, err
	}
	record, ok := history.FindVersion(records, *v)
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrVersionNotFound, a.record.Name, v)
	}
	return record, nil
}

func (a *Archive) resolveKey(ctx context.Context, v *version.Version) (string, error) {
	if err := a.active(); err != nil {
		return "", err
	}
	record, err := a.resolve(ctx, v)
	if err != nil {
		return "", err
	}
	return a.Key(*record), nil
}

// Cache fetches version v (nil for latest) into the local cache.
func (a *Archive) Cache(ctx context.Context, v *version.Version) error {
	key, err := a.resolveKey(ctx, v)
	if err != nil {
		return err
	}
	return a.m.coord.Cache(ctx, key)
}

// RemoveFromCache drops the cached copy of version v (nil for latest).
func (a *Archive) RemoveFromCache(ctx context.Context, v *version.Version) error {
	key, err := a.resolveKey(ctx, v)
	if err != nil {
		return err
	}
	return a.m.coord.InvalidateCache(ctx, key)
}

// IsCached reports whether version v (nil for latest) is in the local
// cache.
func (a *Archive) IsCached(ctx context.Context, v *version.Version) (bool, error) {
	key, err := a.resolveKey(ctx, v)
	if err != nil {
		return false, err
	}
	return a.m.coord.IsCached(ctx, key)
}

// History returns all version records, oldest first.
func (a *Archive) History(ctx context.Context) ([]history.VersionRecord, error) {
	if err := a.active(); err != nil {
		return nil, err
	}
	return a.m.history.GetHistory(ctx, a.record.Name)
}

// Versions returns the recorded versions in ascending order.
func (a *Archive) Versions(ctx context.Context) ([]version.Version, error) {
	records, err := a.History(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]version.Version, len(records))
	for i, r := range records {
		out[i] = r.Version
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

// LatestVersion returns the newest version, or ErrVersionNotFound when the
// history is empty.
func (a *Archive) LatestVersion(ctx context.Context) (version.Version, error) {
	if err := a.active(); err != nil {
		return version.Version{}, err
	}
	record, err := a.m.history.LatestVersion(ctx, a.record.Name)
	if err != nil {
		return version.Version{}, err
	}
	return record.Version, nil
}

// VersionHash returns the checksum of version v (nil for latest).
func (a *Archive) VersionHash(ctx context.Context, v *version.Version) (checksum.Checksum, error) {
	if err := a.active(); err != nil {
		return checksum.Checksum{}, err
	}
	record, err := a.resolve(ctx, v)
	if err != nil {
		return checksum.Checksum{}, err
	}
	return record.Checksum, nil
}

// Dependencies returns the dependencies of version v (nil for latest). An
// empty constraint means any version.
func (a *Archive) Dependencies(ctx context.Context, v *version.Version) (map[string]string, error) {
	if err := a.active(); err != nil {
		return nil, err
	}
	record, err := a.resolve(ctx, v)
	if err != nil {
		return nil, err
	}
	if record.Dependencies == nil {
		return map[string]string{}, nil
	}
	return record.Dependencies, nil
}

// Delete removes every version's content and then the history. Content
// already absent from the authority is skipped. The handle is unusable
// afterwards.
func (a *Archive) Delete(ctx context.Context) error {
	if err := a.active(); err != nil {
		return err
	}
	records, err := a.m.history.GetHistory(ctx, a.record.Name)
	if err != nil {
		return err
	}
	for _, r := range records {
		err := a.m.coord.Remove(ctx, a.Key(r))
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("removing %s %s: %w", a.record.Name, r.Version, err)
		}
	}
	if err := a.m.history.DeleteArchive(ctx, a.record.Name); err != nil {
		return err
	}
	a.deleted = true
	a.m.logger.Info("archive deleted", "archive", a.record.Name, "versions", len(records))
	return nil
}
