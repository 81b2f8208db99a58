package history

import (
	"context"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"time"

	"gorm.io/gorm"
)

// schemaLocker serializes AutoMigrate across clients sharing a database.
// fn must run its statements on the handle it is given, which may be
// pinned to the connection holding the lock.
type schemaLocker interface {
	withLock(ctx context.Context, fn func(db *gorm.DB) error) error
}

// newSchemaLocker picks an advisory lock on PostgreSQL and a lock row
// elsewhere.
func newSchemaLocker(db *gorm.DB, logger *slog.Logger) (schemaLocker, error) {
	if db.Dialector.Name() == "postgres" {
		return &advisoryLock{
			db:     db,
			logger: logger,
			lockID: int64(crc32.ChecksumIEEE([]byte("archivist-history-schema"))),
		}, nil
	}
	if err := db.AutoMigrate(&schemaLockRecord{}); err != nil {
		return nil, fmt.Errorf("creating schema lock table: %w", err)
	}
	return &rowLock{db: db, logger: logger, retries: 30, interval: time.Second, staleAfter: 5 * time.Minute}, nil
}

type advisoryLock struct {
	db     *gorm.DB
	logger *slog.Logger
	lockID int64
}

// withLock pins a single connection from lock to unlock. Advisory locks
// belong to the session that took them, so an unlock sent on another
// pooled connection would leave the lock held.
func (l *advisoryLock) withLock(ctx context.Context, fn func(db *gorm.DB) error) error {
	return l.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := conn.Exec("SELECT pg_advisory_lock(?)", l.lockID).Error; err != nil {
			return fmt.Errorf("acquiring schema advisory lock: %w", err)
		}
		defer func() {
			err := conn.WithContext(context.WithoutCancel(ctx)).Exec("SELECT pg_advisory_unlock(?)", l.lockID).Error
			if err != nil {
				l.logger.Warn("releasing schema advisory lock failed", "lock_id", l.lockID, "error", err)
			}
		}()
		return fn(conn)
	})
}

type schemaLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (schemaLockRecord) TableName() string { return "archivist_schema_lock" }

// rowLock relies on primary key uniqueness: only one client can insert the
// lock row. Rows older than staleAfter are assumed to belong to a crashed
// holder and are removed.
type rowLock struct {
	db         *gorm.DB
	logger     *slog.Logger
	retries    int
	interval   time.Duration
	staleAfter time.Duration
}

const schemaLockID = "schema"

func (l *rowLock) withLock(ctx context.Context, fn func(db *gorm.DB) error) error {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	row := schemaLockRecord{ID: schemaLockID, LockedBy: hostname}

	for i := 0; ; i++ {
		l.db.WithContext(ctx).
			Where("id = ? AND locked_at < ?", schemaLockID, time.Now().Add(-l.staleAfter)).
			Delete(&schemaLockRecord{})

		row.LockedAt = time.Now()
		err := l.db.WithContext(ctx).Create(&row).Error
		if err == nil {
			break
		}
		if i >= l.retries-1 {
			return fmt.Errorf("acquiring schema lock after %d attempts: %w", l.retries, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.interval):
		}
	}

	defer func() {
		err := l.db.WithContext(context.WithoutCancel(ctx)).Where("id = ?", schemaLockID).Delete(&schemaLockRecord{}).Error
		if err != nil {
			l.logger.Warn("releasing schema lock failed", "holder", hostname, "error", err)
		}
	}()
	return fn(l.db.WithContext(ctx))
}
