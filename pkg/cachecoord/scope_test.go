package cachecoord

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archivist-dev/archivist/pkg/storage"
)

func TestScope_ReadSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	authority := storage.NewMemoryStore()
	reader := New(authority, WithCache(storage.NewMemoryStore()), WithTempDir(t.TempDir()))
	writer := New(authority, WithTempDir(t.TempDir()))
	_, err := writer.Write(ctx, "k", strings.NewReader("original"), false)
	require.NoError(t, err)

	err = reader.WithLocalPath(ctx, "k", ModeRead, func(path string) error {
		f, err := os.Open(path)
		require.NoError(t, err)
		defer f.Close()

		head := make([]byte, 4)
		_, err = io.ReadFull(f, head)
		require.NoError(t, err)
		assert.Equal(t, "orig", string(head))

		_, err = writer.Write(ctx, "k", strings.NewReader("replaced by someone else"), false)
		require.NoError(t, err)

		rest, err := io.ReadAll(f)
		require.NoError(t, err)
		assert.Equal(t, "inal", string(rest))

		again, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "original", string(again))
		return nil
	})
	require.NoError(t, err)

	err = reader.WithLocalPath(ctx, "k", ModeRead, func(path string) error {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "replaced by someone else", string(data))
		return nil
	})
	require.NoError(t, err)
}

func TestScope_WriteCommitsOnClose(t *testing.T) {
	ctx := context.Background()
	authority := storage.NewMemoryStore()
	c := New(authority, WithTempDir(t.TempDir()))
	require.NoError(t, authority.WriteAll(ctx, "k", []byte("base")))

	err := c.WithLocalPath(ctx, "k", ModeWrite, func(path string) error {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "base", string(data), "write scopes start from the current content")
		return os.WriteFile(path, append(data, "+edit"...), 0o600)
	})
	require.NoError(t, err)

	data, err := authority.ReadAll(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "base+edit", string(data))
}

func TestScope_WriteToNewKeyStartsEmpty(t *testing.T) {
	ctx := context.Background()
	authority := storage.NewMemoryStore()
	c := New(authority, WithTempDir(t.TempDir()))

	err := c.WithLocalPath(ctx, "new", ModeWrite, func(path string) error {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Empty(t, data)
		return os.WriteFile(path, []byte("fresh"), 0o600)
	})
	require.NoError(t, err)

	data, err := authority.ReadAll(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(data))

	_, err = c.OpenScope(ctx, "still-missing", ModeRead)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestScope_RemovedFileRaisesConsistencyError(t *testing.T) {
	ctx := context.Background()
	authority := storage.NewMemoryStore()
	c := New(authority, WithTempDir(t.TempDir()))
	require.NoError(t, authority.WriteAll(ctx, "k", []byte("untouched")))

	s, err := c.OpenScope(ctx, "k", ModeWrite)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), []byte("edited"), 0o600))
	require.NoError(t, os.Remove(s.Path()))

	err = s.Close(ctx)
	require.ErrorIs(t, err, ErrConsistency)
	assert.Contains(t, err.Error(), "removed during execution")

	data, err := authority.ReadAll(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "untouched", string(data))
}

func TestWithLocalPath_FailureDiscards(t *testing.T) {
	ctx := context.Background()
	authority := storage.NewMemoryStore()
	tmp := t.TempDir()
	c := New(authority, WithTempDir(tmp))
	require.NoError(t, authority.WriteAll(ctx, "k", []byte("keep")))

	boom := errors.New("boom")
	err := c.WithLocalPath(ctx, "k", ModeWrite, func(path string) error {
		require.NoError(t, os.WriteFile(path, []byte("half-done"), 0o600))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	data, err := authority.ReadAll(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWithLocalPath_PanicRemovesCopy(t *testing.T) {
	ctx := context.Background()
	authority := storage.NewMemoryStore()
	tmp := t.TempDir()
	c := New(authority, WithTempDir(tmp))
	require.NoError(t, authority.WriteAll(ctx, "k", []byte("keep")))

	for _, mode := range []Mode{ModeRead, ModeWrite} {
		assert.PanicsWithValue(t, "boom", func() {
			_ = c.WithLocalPath(ctx, "k", mode, func(path string) error {
				require.NoError(t, os.WriteFile(path, []byte("half-done"), 0o600))
				panic("boom")
			})
		}, mode.String())

		entries, err := os.ReadDir(tmp)
		require.NoError(t, err)
		assert.Empty(t, entries, mode.String())
	}

	data, err := authority.ReadAll(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}

func TestScope_CommitHook(t *testing.T) {
	ctx := context.Background()
	authority := storage.NewMemoryStore()
	c := New(authority, WithTempDir(t.TempDir()))

	var got []byte
	hook := func(_ context.Context, r io.Reader) error {
		var err error
		got, err = io.ReadAll(r)
		return err
	}
	err := c.WithLocalPath(ctx, "k", ModeWrite, func(path string) error {
		return os.WriteFile(path, []byte("to the hook"), 0o600)
	}, OnCommit(hook), Empty())
	require.NoError(t, err)

	assert.Equal(t, "to the hook", string(got))
	exists, err := authority.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists, "the hook replaces the default write")
}

func TestOpen_ReadAndWrite(t *testing.T) {
	ctx := context.Background()
	authority := storage.NewMemoryStore()
	cache := storage.NewMemoryStore()
	c := New(authority, WithCache(cache), WithTempDir(t.TempDir()))
	require.NoError(t, authority.WriteAll(ctx, "k", []byte("old content")))

	w, err := c.Open(ctx, "k", ModeWrite, AlsoCache(true))
	require.NoError(t, err)
	_, err = w.WriteString("new")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := c.Open(ctx, "k", ModeRead)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "new", buf.String())

	cached, err := cache.ReadAll(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "new", string(cached))
}

func TestOpen_Abort(t *testing.T) {
	ctx := context.Background()
	authority := storage.NewMemoryStore()
	c := New(authority, WithTempDir(t.TempDir()))
	require.NoError(t, authority.WriteAll(ctx, "k", []byte("keep")))

	w, err := c.Open(ctx, "k", ModeWrite)
	require.NoError(t, err)
	_, err = w.WriteString("discarded")
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	data, err := authority.ReadAll(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}
