package cachecoord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/archivist-dev/archivist/pkg/storage"
)

// Mode selects whether a scope commits its local file back on close.
type Mode int

const (
	// ModeRead materializes a read-only snapshot.
	ModeRead Mode = iota
	// ModeWrite materializes the current content and writes the local file
	// back when the scope is closed.
	ModeWrite
)

func (m Mode) String() string {
	if m == ModeWrite {
		return "write"
	}
	return "read"
}

// CommitFunc receives the content of a write scope on close, replacing the
// default write to the scope's key.
type CommitFunc func(ctx context.Context, r io.Reader) error

type scopeConfig struct {
	alsoCache bool
	empty     bool
	commit    CommitFunc
}

// ScopeOption configures OpenScope, WithLocalPath and Open.
type ScopeOption func(*scopeConfig)

// AlsoCache caches the committed content of a write scope.
func AlsoCache(v bool) ScopeOption {
	return func(c *scopeConfig) { c.alsoCache = v }
}

// Empty starts the local file empty instead of materializing the current
// content.
func Empty() ScopeOption {
	return func(c *scopeConfig) { c.empty = true }
}

// OnCommit hands the content of a write scope to fn instead of writing it
// to the scope's key.
func OnCommit(fn CommitFunc) ScopeOption {
	return func(c *scopeConfig) { c.commit = fn }
}

// Scope is a private local copy of a resource. Close must be called exactly
// once the caller is done with Path; Discard drops the copy without
// committing.
type Scope struct {
	c      *Coordinator
	key    string
	mode   Mode
	dir    string
	path   string
	cfg    scopeConfig
	closed bool
}

// OpenScope materializes key into a private temporary file. In ModeWrite a
// key that does not exist yet starts out empty.
func (c *Coordinator) OpenScope(ctx context.Context, key string, mode Mode, opts ...ScopeOption) (*Scope, error) {
	key, err := validateKey(key)
	if err != nil {
		return nil, err
	}
	var cfg scopeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	var data []byte
	if !cfg.empty {
		data, err = c.readBytes(ctx, key)
		if errors.Is(err, storage.ErrNotFound) && mode == ModeWrite {
			err = nil
		}
		if err != nil {
			return nil, err
		}
	}

	dir, err := os.MkdirTemp(c.tempDir, "archivist-*")
	if err != nil {
		return nil, fmt.Errorf("creating scope directory: %w", err)
	}
	s := &Scope{
		c:    c,
		key:  key,
		mode: mode,
		dir:  dir,
		path: filepath.Join(dir, path.Base(key)),
		cfg:  cfg,
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("materializing %q: %w", key, err)
	}
	c.logger.Debug("scope opened", "key", key, "mode", mode.String(), "path", s.path)
	return s, nil
}

// Path returns the local file backing the scope.
func (s *Scope) Path() string {
	return s.path
}

// Key returns the resource key the scope was opened for.
func (s *Scope) Key() string {
	return s.key
}

// Close ends the scope. A write scope commits its local file first; if the
// file was removed in the meantime Close fails with ErrConsistency and
// nothing is written. The local copy is removed in every case.
func (s *Scope) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	defer s.cleanup()

	if s.mode != ModeWrite {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrConsistency, s.key)
	}
	if err != nil {
		return fmt.Errorf("reading back %q: %w", s.key, err)
	}
	if s.cfg.commit != nil {
		return s.cfg.commit(ctx, bytes.NewReader(data))
	}
	_, err = s.c.Write(ctx, s.key, bytes.NewReader(data), s.cfg.alsoCache)
	return err
}

// Discard ends the scope without committing.
func (s *Scope) Discard() {
	if s.closed {
		return
	}
	s.closed = true
	s.cleanup()
}

func (s *Scope) cleanup() {
	if err := os.RemoveAll(s.dir); err != nil {
		s.c.logger.Warn("removing scope directory failed", "path", s.dir, "error", err)
	}
}

// WithLocalPath runs fn with the path of a private copy of key. In
// ModeWrite the file is committed after fn returns successfully; when fn
// fails or panics nothing is committed. The copy is removed on every path.
func (c *Coordinator) WithLocalPath(ctx context.Context, key string, mode Mode, fn func(path string) error, opts ...ScopeOption) error {
	s, err := c.OpenScope(ctx, key, mode, opts...)
	if err != nil {
		return err
	}
	// Covers a panicking fn; a no-op once Close or Discard has run.
	defer s.Discard()
	if err := fn(s.Path()); err != nil {
		s.Discard()
		return err
	}
	return s.Close(ctx)
}

// File is an open scoped file. Closing it ends the scope.
type File struct {
	*os.File
	scope *Scope
	ctx   context.Context
}

// Open opens a private copy of key. In ModeWrite the file starts empty and
// its content is committed on Close.
func (c *Coordinator) Open(ctx context.Context, key string, mode Mode, opts ...ScopeOption) (*File, error) {
	flag := os.O_RDONLY
	if mode == ModeWrite {
		opts = append(opts, Empty())
		flag = os.O_WRONLY | os.O_TRUNC
	}
	s, err := c.OpenScope(ctx, key, mode, opts...)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.Path(), flag, 0)
	if err != nil {
		s.Discard()
		return nil, fmt.Errorf("opening scoped copy of %q: %w", key, err)
	}
	return &File{File: f, scope: s, ctx: ctx}, nil
}

// Close closes the file and ends its scope.
func (f *File) Close() error {
	closeErr := f.File.Close()
	if closeErr != nil {
		f.scope.Discard()
		return closeErr
	}
	return f.scope.Close(f.ctx)
}

// Abort closes the file without committing.
func (f *File) Abort() error {
	err := f.File.Close()
	f.scope.Discard()
	return err
}
