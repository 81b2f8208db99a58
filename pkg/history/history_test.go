package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archivist-dev/archivist/pkg/checksum"
	"github.com/archivist-dev/archivist/pkg/version"
)

func newTestGormStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := Open(context.Background(), DatabaseSQLite, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(v string, digest string) *VersionRecord {
	return &VersionRecord{
		Version:  version.MustParse(v),
		Checksum: checksum.Checksum{Algorithm: checksum.SHA256, Digest: digest},
		Author:   "tester",
	}
}

// storeContract runs the behaviour both Store implementations share.
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateArchive(ctx, &ArchiveRecord{
			Name:      "models/bert",
			Authority: "file:///data",
			Metadata:  map[string]any{"owner": "ml"},
			Tags:      []string{"nlp"},
			CreatedBy: "alice",
		}))

		got, err := s.GetArchive(ctx, "models/bert")
		require.NoError(t, err)
		assert.Equal(t, "models/bert", got.Name)
		assert.Equal(t, "file:///data", got.Authority)
		assert.Equal(t, "ml", got.Metadata["owner"])
		assert.Equal(t, []string{"nlp"}, got.Tags)
		assert.Equal(t, "alice", got.CreatedBy)
		assert.False(t, got.CreatedAt.IsZero())

		err = s.CreateArchive(ctx, &ArchiveRecord{Name: "models/bert"})
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("UnknownArchive", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetArchive(ctx, "nope")
		assert.ErrorIs(t, err, ErrArchiveNotFound)
		_, err = s.GetHistory(ctx, "nope")
		assert.ErrorIs(t, err, ErrArchiveNotFound)
		_, err = s.LatestVersion(ctx, "nope")
		assert.ErrorIs(t, err, ErrArchiveNotFound)
		err = s.AppendVersion(ctx, "nope", record("0.0.1", "aa"))
		assert.ErrorIs(t, err, ErrArchiveNotFound)
		err = s.DeleteArchive(ctx, "nope")
		assert.ErrorIs(t, err, ErrArchiveNotFound)
	})

	t.Run("EmptyHistory", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateArchive(ctx, &ArchiveRecord{Name: "a"}))

		records, err := s.GetHistory(ctx, "a")
		require.NoError(t, err)
		assert.Empty(t, records)

		_, err = s.LatestVersion(ctx, "a")
		assert.ErrorIs(t, err, ErrVersionNotFound)

		digest, err := s.LatestDigest(ctx, "a")
		require.NoError(t, err)
		assert.True(t, digest.IsZero())

		err = s.UpdateLatest(ctx, "a", map[string]any{"k": "v"}, nil)
		assert.ErrorIs(t, err, ErrVersionNotFound)
	})

	t.Run("AppendAndHistoryOrder", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateArchive(ctx, &ArchiveRecord{Name: "a"}))

		for i, v := range []string{"0.0.1", "0.1", "0.1.1a1", "0.1.1"} {
			r := record(v, string(rune('a'+i)))
			r.Dependencies = map[string]string{"base": "1.0"}
			require.NoError(t, s.AppendVersion(ctx, "a", r))
			assert.NotEmpty(t, r.ID)
		}

		records, err := s.GetHistory(ctx, "a")
		require.NoError(t, err)
		require.Len(t, records, 4)
		got := make([]string, len(records))
		for i, r := range records {
			got[i] = r.Version.String()
		}
		assert.Equal(t, []string{"0.0.1", "0.1", "0.1.1a1", "0.1.1"}, got)
		assert.Equal(t, map[string]string{"base": "1.0"}, records[0].Dependencies)

		latest, err := s.LatestVersion(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "0.1.1", latest.Version.String())

		digest, err := s.LatestDigest(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, checksum.Checksum{Algorithm: checksum.SHA256, Digest: "d"}, digest)

		found, ok := FindVersion(records, version.MustParse("0.1.0"))
		require.True(t, ok)
		assert.Equal(t, "b", found.Checksum.Digest)
	})

	t.Run("AppendRejectsNonIncreasingVersion", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateArchive(ctx, &ArchiveRecord{Name: "a"}))
		require.NoError(t, s.AppendVersion(ctx, "a", record("0.2", "x")))

		err := s.AppendVersion(ctx, "a", record("0.2", "y"))
		assert.ErrorIs(t, err, ErrVersionConflict)
		err = s.AppendVersion(ctx, "a", record("0.1", "y"))
		assert.ErrorIs(t, err, ErrVersionConflict)

		records, err := s.GetHistory(ctx, "a")
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})

	t.Run("UpdateLatestMerges", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateArchive(ctx, &ArchiveRecord{Name: "a"}))
		first := record("0.0.1", "x")
		first.Metadata = map[string]any{"keep": "me"}
		require.NoError(t, s.AppendVersion(ctx, "a", first))
		second := record("0.0.2", "y")
		second.Metadata = map[string]any{"stage": "dev", "drop": "me"}
		second.Dependencies = map[string]string{"lib": "1.0"}
		require.NoError(t, s.AppendVersion(ctx, "a", second))

		require.NoError(t, s.UpdateLatest(ctx, "a",
			map[string]any{"stage": "prod", "drop": nil},
			map[string]string{"other": ""}))

		records, err := s.GetHistory(ctx, "a")
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, map[string]any{"keep": "me"}, records[0].Metadata)
		assert.Equal(t, map[string]any{"stage": "prod"}, records[1].Metadata)
		assert.Equal(t, map[string]string{"lib": "1.0", "other": ""}, records[1].Dependencies)
		assert.Equal(t, "y", records[1].Checksum.Digest)
	})

	t.Run("ArchiveMetadataAndTags", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateArchive(ctx, &ArchiveRecord{Name: "a", Metadata: map[string]any{"a": "1"}}))

		require.NoError(t, s.UpdateArchiveMetadata(ctx, "a", map[string]any{"b": "2", "a": nil}))
		require.NoError(t, s.SetTags(ctx, "a", []string{"x", "y"}))

		got, err := s.GetArchive(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"b": "2"}, got.Metadata)
		assert.Equal(t, []string{"x", "y"}, got.Tags)

		err = s.SetTags(ctx, "missing", nil)
		assert.ErrorIs(t, err, ErrArchiveNotFound)
	})

	t.Run("ListByPrefix", func(t *testing.T) {
		s := newStore(t)
		for _, name := range []string{"models/b", "data/x", "models/a", "models_old"} {
			require.NoError(t, s.CreateArchive(ctx, &ArchiveRecord{Name: name}))
		}

		all, err := s.ListArchives(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "data/x", all[0].Name)

		models, err := s.ListArchives(ctx, "models/")
		require.NoError(t, err)
		require.Len(t, models, 2)
		assert.Equal(t, "models/a", models[0].Name)
		assert.Equal(t, "models/b", models[1].Name)
	})

	t.Run("DeleteRemovesHistory", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateArchive(ctx, &ArchiveRecord{Name: "a"}))
		require.NoError(t, s.AppendVersion(ctx, "a", record("0.0.1", "x")))
		require.NoError(t, s.DeleteArchive(ctx, "a"))

		_, err := s.GetArchive(ctx, "a")
		assert.ErrorIs(t, err, ErrArchiveNotFound)

		// The name can be reused with a fresh history.
		require.NoError(t, s.CreateArchive(ctx, &ArchiveRecord{Name: "a"}))
		records, err := s.GetHistory(ctx, "a")
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("ReturnedRecordsAreCopies", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateArchive(ctx, &ArchiveRecord{Name: "a", Metadata: map[string]any{"k": "v"}}))
		got, err := s.GetArchive(ctx, "a")
		require.NoError(t, err)
		got.Metadata["k"] = "changed"

		again, err := s.GetArchive(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "v", again.Metadata["k"])
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestGormStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store { return newTestGormStore(t) })
}

func TestGormStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	s, err := Open(ctx, DatabaseSQLite, path)
	require.NoError(t, err)
	require.NoError(t, s.CreateArchive(ctx, &ArchiveRecord{Name: "a"}))
	r := record("1.0.1", "x")
	r.CreatedAt = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.AppendVersion(ctx, "a", r))
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, DatabaseSQLite, path)
	require.NoError(t, err)
	defer reopened.Close()

	latest, err := reopened.LatestVersion(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", latest.Version.String())
	assert.True(t, r.CreatedAt.Equal(latest.CreatedAt))
	assert.Equal(t, r.ID, latest.ID)
}

func TestDialector(t *testing.T) {
	for _, dbType := range []string{"sqlite", "postgres", "mysql", "POSTGRESQL", ""} {
		d, err := Dialector(dbType, "dsn")
		require.NoError(t, err, dbType)
		assert.NotNil(t, d)
	}
	_, err := Dialector("oracle", "dsn")
	assert.Error(t, err)
}
