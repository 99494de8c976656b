// Package pg persists accepted entries and archive metadata in Postgres.
// It is a write-behind copy of the live window: the in-memory store stays
// authoritative and keeps serving when the database is down.
package pg

import (
	"context"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/domain"
)

// Open connects and migrates the telemetry tables.
func Open(url string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(url), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&domain.LogEntry{}, &domain.ArchiveFile{}); err != nil {
		return nil, err
	}
	return db, nil
}

// Ping reports whether the database answers on the wire.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Sink writes entry batches to Postgres. Inserts ignore conflicting ids so
// a batch replayed after a breaker reopen does not fail.
type Sink struct {
	db        *gorm.DB
	batchSize int
}

func NewSink(db *gorm.DB, batchSize int) *Sink {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sink{db: db, batchSize: batchSize}
}

func (s *Sink) Write(ctx context.Context, entries []domain.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(entries, s.batchSize).Error
}

func (s *Sink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Catalog is the SQL-backed archive catalog used when the database is
// enabled; rotation metadata then survives server restarts and is shared
// across instances.
type Catalog struct {
	db *gorm.DB
}

func NewCatalog(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

func (c *Catalog) Save(ctx context.Context, file domain.ArchiveFile) error {
	return c.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&file).Error
}

func (c *Catalog) List(ctx context.Context) ([]domain.ArchiveFile, error) {
	var files []domain.ArchiveFile
	if err := c.db.WithContext(ctx).Order("created_at asc").Find(&files).Error; err != nil {
		return nil, err
	}
	return files, nil
}

func (c *Catalog) Remove(ctx context.Context, filename string) error {
	return c.db.WithContext(ctx).Delete(&domain.ArchiveFile{}, "filename = ?", filename).Error
}
