package history

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/archivist-dev/archivist/pkg/checksum"
)

// Supported database types for Open.
const (
	DatabaseSQLite   = "sqlite"
	DatabasePostgres = "postgres"
	DatabaseMySQL    = "mysql"
)

// GormStore is a Store backed by a SQL database through GORM.
type GormStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// GormOption configures a GormStore.
type GormOption func(*GormStore)

// WithLogger sets the logger used for store diagnostics.
func WithLogger(l *slog.Logger) GormOption {
	return func(s *GormStore) { s.logger = l }
}

// Dialector returns the GORM dialector for dbType.
func Dialector(dbType, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(dbType) {
	case DatabaseSQLite, "sqlite3", "":
		return sqlite.Open(dsn), nil
	case DatabasePostgres, "postgresql":
		return postgres.Open(dsn), nil
	case DatabaseMySQL:
		return mysql.Open(dsn), nil
	}
	return nil, fmt.Errorf("unsupported database type %q", dbType)
}

// Open connects to the database and migrates the history schema.
func Open(ctx context.Context, dbType, dsn string, opts ...GormOption) (*GormStore, error) {
	dialector, err := Dialector(dbType, dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("opening %s database: %w", dbType, err))
	}
	s := NewGormStore(db, opts...)
	if err := s.AutoMigrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// NewGormStore wraps an open database. The caller is responsible for the
// schema; see AutoMigrate.
func NewGormStore(db *gorm.DB, opts ...GormOption) *GormStore {
	s := &GormStore{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AutoMigrate creates or updates the history tables. Concurrent callers
// are serialized by a schema lock.
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	locker, err := newSchemaLocker(s.db.WithContext(ctx), s.logger)
	if err != nil {
		return classify(err)
	}
	err = locker.withLock(ctx, func(db *gorm.DB) error {
		return db.AutoMigrate(&archiveModel{}, &versionModel{})
	})
	if err != nil {
		return classify(fmt.Errorf("migrating history schema: %w", err))
	}
	return nil
}

// DB returns the underlying database handle.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// Close releases the database connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) CreateArchive(ctx context.Context, record *ArchiveRecord) error {
	m := archiveModel{
		ID:        uuid.NewString(),
		Name:      record.Name,
		Authority: record.Authority,
		Metadata:  JSONAny(record.Metadata),
		Tags:      JSONStringSlice(record.Tags),
		CreatedBy: record.CreatedBy,
		CreatedAt: record.CreatedAt,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&archiveModel{}).Where("name = ?", record.Name).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %q", ErrAlreadyExists, record.Name)
		}
		return tx.Create(&m).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, record.Name)
	}
	if err != nil {
		return classify(err)
	}
	record.CreatedAt = m.CreatedAt
	s.logger.Debug("archive created", "archive", record.Name)
	return nil
}

// findArchive loads the archive row or returns ErrArchiveNotFound.
func findArchive(tx *gorm.DB, name string) (*archiveModel, error) {
	var m archiveModel
	err := tx.Where("name = ?", name).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrArchiveNotFound, name)
	}
	if err != nil {
		return nil, classify(err)
	}
	return &m, nil
}

func (s *GormStore) GetArchive(ctx context.Context, name string) (*ArchiveRecord, error) {
	m, err := findArchive(s.db.WithContext(ctx), name)
	if err != nil {
		return nil, err
	}
	r := archiveFromModel(m)
	return &r, nil
}

func (s *GormStore) ListArchives(ctx context.Context, prefix string) ([]ArchiveRecord, error) {
	q := s.db.WithContext(ctx).Order("name ASC")
	// LIKE wildcards only widen the match and are filtered below; a
	// backslash is an escape character in some dialects, so skip LIKE then.
	if prefix != "" && !strings.Contains(prefix, `\`) {
		q = q.Where("name LIKE ?", prefix+"%")
	}
	var rows []archiveModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, classify(err)
	}
	out := make([]ArchiveRecord, 0, len(rows))
	for i := range rows {
		if strings.HasPrefix(rows[i].Name, prefix) {
			out = append(out, archiveFromModel(&rows[i]))
		}
	}
	// Collation differs between dialects; keep byte order.
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *GormStore) UpdateArchiveMetadata(ctx context.Context, name string, metadata map[string]any) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		m, err := findArchive(tx, name)
		if err != nil {
			return err
		}
		merged := mergeAny(map[string]any(m.Metadata), metadata)
		return tx.Model(m).Update("metadata", JSONAny(merged)).Error
	})
}

func (s *GormStore) SetTags(ctx context.Context, name string, tags []string) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		m, err := findArchive(tx, name)
		if err != nil {
			return err
		}
		return tx.Model(m).Update("tags", JSONStringSlice(tags)).Error
	})
}

// tip returns the newest history row, or nil for an empty history.
func tip(tx *gorm.DB, name string) (*versionModel, error) {
	var m versionModel
	err := tx.Where("archive_name = ?", name).Order("seq DESC").First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *GormStore) AppendVersion(ctx context.Context, name string, record *VersionRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		if _, err := findArchive(tx, name); err != nil {
			return err
		}
		last, err := tip(tx, name)
		if err != nil {
			return err
		}
		var seq int64 = 1
		if last != nil {
			current, err := versionFromModel(last)
			if err != nil {
				return err
			}
			if !current.Version.Less(record.Version) {
				return fmt.Errorf("%w: %q: %s does not follow %s", ErrVersionConflict, name, record.Version, current.Version)
			}
			seq = last.Seq + 1
		}
		return tx.Create(&versionModel{
			ID:           record.ID,
			ArchiveName:  name,
			Seq:          seq,
			Version:      record.Version.String(),
			Algorithm:    record.Checksum.Algorithm,
			Digest:       record.Checksum.Digest,
			Author:       record.Author,
			Contact:      record.Contact,
			CreatedAt:    record.CreatedAt,
			Metadata:     JSONAny(record.Metadata),
			Dependencies: JSONStringMap(record.Dependencies),
		}).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %q: concurrent append", ErrVersionConflict, name)
	}
	return err
}

func (s *GormStore) GetHistory(ctx context.Context, name string) ([]VersionRecord, error) {
	var out []VersionRecord
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		if _, err := findArchive(tx, name); err != nil {
			return err
		}
		var rows []versionModel
		if err := tx.Where("archive_name = ?", name).Order("seq ASC").Find(&rows).Error; err != nil {
			return err
		}
		out = make([]VersionRecord, 0, len(rows))
		for i := range rows {
			r, err := versionFromModel(&rows[i])
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

func (s *GormStore) LatestVersion(ctx context.Context, name string) (*VersionRecord, error) {
	var out *VersionRecord
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		if _, err := findArchive(tx, name); err != nil {
			return err
		}
		last, err := tip(tx, name)
		if err != nil {
			return err
		}
		if last == nil {
			return fmt.Errorf("%w: %q has no versions", ErrVersionNotFound, name)
		}
		r, err := versionFromModel(last)
		if err != nil {
			return err
		}
		out = &r
		return nil
	})
	return out, err
}

func (s *GormStore) LatestDigest(ctx context.Context, name string) (checksum.Checksum, error) {
	return latestDigest(ctx, s, name)
}

func (s *GormStore) UpdateLatest(ctx context.Context, name string, metadata map[string]any, dependencies map[string]string) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		if _, err := findArchive(tx, name); err != nil {
			return err
		}
		last, err := tip(tx, name)
		if err != nil {
			return err
		}
		if last == nil {
			return fmt.Errorf("%w: %q has no versions", ErrVersionNotFound, name)
		}
		updates := map[string]any{}
		if len(metadata) > 0 {
			updates["metadata"] = JSONAny(mergeAny(map[string]any(last.Metadata), metadata))
		}
		if len(dependencies) > 0 {
			updates["dependencies"] = JSONStringMap(mergeStrings(map[string]string(last.Dependencies), dependencies))
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(last).Updates(updates).Error
	})
}

func (s *GormStore) DeleteArchive(ctx context.Context, name string) error {
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("archive_name = ?", name).Delete(&versionModel{}).Error; err != nil {
			return err
		}
		res := tx.Where("name = ?", name).Delete(&archiveModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %q", ErrArchiveNotFound, name)
		}
		return nil
	})
	if err == nil {
		s.logger.Debug("archive history deleted", "archive", name)
	}
	return err
}

// transaction runs fn in a transaction and classifies the resulting error.
func (s *GormStore) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return classify(s.db.WithContext(ctx).Transaction(fn))
}

// classify marks connectivity failures with ErrBackendUnavailable. Errors
// that already carry a history sentinel pass through unchanged.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return err
}

var _ Store = (*GormStore)(nil)
