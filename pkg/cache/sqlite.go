package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type sqlEntry struct {
	Scope      string `gorm:"primaryKey;type:varchar(255)"`
	Key        string `gorm:"primaryKey;column:cache_key;type:varchar(512)"`
	Size       int64
	BlobKey    string
	CreatedAt  time.Time `gorm:"index"`
	LastAccess time.Time
}

func (sqlEntry) TableName() string { return "cache_entries" }

func (e sqlEntry) entry() Entry {
	return Entry{
		Key:        e.Key,
		Scope:      e.Scope,
		Size:       e.Size,
		BlobKey:    e.BlobKey,
		CreatedAt:  e.CreatedAt,
		LastAccess: e.LastAccess,
	}
}

// SQLIndex is an Index kept in a SQLite database, so entries outlive the
// process that wrote them.
type SQLIndex struct {
	db *gorm.DB
}

// OpenSQLIndex opens or creates the index database at path.
func OpenSQLIndex(path string) (*SQLIndex, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// job instances save concurrently; one connection avoids SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&sqlEntry{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("cache: migrate: %w", err)
	}
	return &SQLIndex{db: db}, nil
}

func (s *SQLIndex) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLIndex) Get(ctx context.Context, scope, key string) (Entry, error) {
	var row sqlEntry
	err := s.db.WithContext(ctx).Where("scope = ? AND cache_key = ?", scope, key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, ErrEntryNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	return row.entry(), nil
}

func (s *SQLIndex) Put(ctx context.Context, e Entry) (bool, error) {
	row := sqlEntry{
		Scope:      e.Scope,
		Key:        e.Key,
		Size:       e.Size,
		BlobKey:    e.BlobKey,
		CreatedAt:  e.CreatedAt,
		LastAccess: e.LastAccess,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *SQLIndex) List(ctx context.Context, scope string) ([]Entry, error) {
	var rows []sqlEntry
	if err := s.db.WithContext(ctx).Where("scope = ?", scope).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	sortByCreated(out)
	return out, nil
}

func (s *SQLIndex) Touch(ctx context.Context, scope, key string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&sqlEntry{}).
		Where("scope = ? AND cache_key = ?", scope, key).
		Update("last_access", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (s *SQLIndex) Delete(ctx context.Context, scope, key string) error {
	return s.db.WithContext(ctx).
		Where("scope = ? AND cache_key = ?", scope, key).
		Delete(&sqlEntry{}).Error
}
