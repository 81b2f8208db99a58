package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/archivist-dev/archivist/pkg/archive"
	"github.com/archivist-dev/archivist/pkg/cachecoord"
	"github.com/archivist-dev/archivist/pkg/checksum"
	"github.com/archivist-dev/archivist/pkg/config"
	"github.com/archivist-dev/archivist/pkg/history"
	"github.com/archivist-dev/archivist/pkg/storage"
)

// buildManager wires the stores named by cfg into an archive manager. The
// returned function releases the history database.
func buildManager(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*archive.Manager, func() error, error) {
	hasher, err := checksum.New(cfg.Checksum)
	if err != nil {
		return nil, nil, err
	}
	authority, authorityName, err := buildAuthority(cfg.Authority)
	if err != nil {
		return nil, nil, fmt.Errorf("authority: %w", err)
	}

	coordOpts := []cachecoord.Option{
		cachecoord.WithHasher(hasher),
		cachecoord.WithLogger(logger),
	}
	if cfg.Cache.Enabled {
		cache, err := buildCache(cfg.Cache)
		if err != nil {
			return nil, nil, fmt.Errorf("cache: %w", err)
		}
		coordOpts = append(coordOpts, cachecoord.WithCache(cache))
		if cfg.Cache.Verify {
			coordOpts = append(coordOpts, cachecoord.WithVerifiedCache())
		}
	}

	h, closeHistory, err := buildHistory(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("history: %w", err)
	}

	manager := archive.NewManager(h, cachecoord.New(authority, coordOpts...),
		archive.WithUser(archive.User{Name: cfg.User.Name, Email: cfg.User.Email}),
		archive.WithRequiredMetadata(cfg.RequiredMetadata...),
		archive.WithAuthorityName(authorityName),
		archive.WithLogger(logger),
	)
	return manager, closeHistory, nil
}

func buildAuthority(cfg config.AuthorityConfig) (storage.Store, string, error) {
	var (
		store storage.Store
		name  string
	)
	switch cfg.Type {
	case config.TypeLocal:
		local, err := storage.NewLocalStore(cfg.Path)
		if err != nil {
			return nil, "", err
		}
		store, name = local, "file://"+local.Root()
	case config.TypeHTTP:
		var opts []storage.HTTPOption
		if cfg.Token != "" {
			opts = append(opts, storage.WithToken(cfg.Token))
		}
		if cfg.UploadRate > 0 {
			opts = append(opts, storage.WithUploadRate(cfg.UploadRate))
		}
		remote, err := storage.NewHTTPStore(cfg.URL, opts...)
		if err != nil {
			return nil, "", err
		}
		store, name = remote, cfg.URL
	case config.TypeMemory:
		store, name = storage.NewMemoryStore(), "memory://"
	default:
		return nil, "", fmt.Errorf("unknown type %q", cfg.Type)
	}
	if cfg.Compress {
		store = storage.NewCompressedStore(store)
	}
	return store, name, nil
}

func buildCache(cfg config.CacheConfig) (storage.Store, error) {
	switch cfg.Type {
	case config.TypeLocal:
		return storage.NewLocalStore(cfg.Path)
	case config.TypeMemory:
		if cfg.MaxEntries > 0 {
			return storage.NewBoundedMemoryStore(cfg.MaxEntries), nil
		}
		return storage.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown type %q", cfg.Type)
}

func buildHistory(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (history.Store, func() error, error) {
	if cfg.Type == config.TypeMemory {
		return history.NewMemoryStore(), func() error { return nil }, nil
	}
	if cfg.Type == config.TypeSQLite && !strings.HasPrefix(cfg.DSN, "file:") && cfg.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	s, err := history.Open(ctx, cfg.Type, cfg.DSN, history.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}
