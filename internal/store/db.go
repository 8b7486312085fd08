// Package store provides sqlite-backed persistence for trackers, pairs,
// issue mappings, conflicts, user mappings and the sync audit log.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps the database handle. One Store is shared by the API server,
// the scheduler and every engine run.
type Store struct {
	db *gorm.DB
}

// Open initializes the database at path and runs migrations. Use ":memory:"
// for tests.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); path != ":memory:" && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	config := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		// TranslateError maps sqlite unique violations to
		// gorm.ErrDuplicatedKey, which InsertMapping relies on.
		TranslateError: true,
	}

	db, err := gorm.Open(sqlite.Open(path), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise open its own empty
		// in-memory database.
		sqlDB.SetMaxOpenConns(1)
	} else {
		// SQLite supports multiple readers but only one writer; a small pool
		// still allows concurrent pair runs to read while one commits.
		sqlDB.SetMaxOpenConns(5)
		sqlDB.SetMaxIdleConns(2)

		if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if err := db.Exec("PRAGMA busy_timeout=5000").Error; err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.AutoMigrate(
		&Tracker{},
		&Pair{},
		&Mapping{},
		&Conflict{},
		&SyncLog{},
		&UserMapping{},
	); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// DB exposes the gorm handle for callers with bespoke queries (dashboard).
func (s *Store) DB() *gorm.DB {
	return s.db
}
