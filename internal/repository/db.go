package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yuelin/studydesk/internal/config"
	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/logger"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// InitVFSDB opens the catalog/index database and migrates its tables.
func InitVFSDB(cfg *config.DatabaseConfig, path string) (*gorm.DB, error) {
	db, err := openDB(cfg, path)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := db.AutoMigrate(
			&domain.Blob{},
			&domain.Resource{},
			&domain.Folder{},
			&domain.FolderItem{},
			&domain.IndexUnit{},
			&domain.IndexSegment{},
			&domain.EmbeddingDim{},
		); err != nil {
			return nil, fmt.Errorf("failed to migrate vfs database: %w", err)
		}
	}
	return db, nil
}

// InitChatDB opens the chat database and migrates its tables.
func InitChatDB(cfg *config.DatabaseConfig, path string) (*gorm.DB, error) {
	db, err := openDB(cfg, path)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := db.AutoMigrate(
			&domain.ChatSession{},
			&domain.ChatMessage{},
			&domain.MessageBlock{},
			&domain.SessionSequence{},
			&domain.SubagentTask{},
		); err != nil {
			return nil, fmt.Errorf("failed to migrate chat database: %w", err)
		}
	}
	return db, nil
}

func openDB(cfg *config.DatabaseConfig, path string) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	}

	var db *gorm.DB
	var err error

	switch cfg.Driver {
	case "postgres":
		db, err = initPostgres(cfg, gormConfig)
	case "sqlite":
		db, err = initSQLite(cfg, path, gormConfig)
	default:
		logger.Warn("Unknown database driver %q, defaulting to SQLite", cfg.Driver)
		db, err = initSQLite(cfg, path, gormConfig)
	}
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

// initPostgres connects using the unified DSN. PreferSimpleProtocol keeps
// compatibility with transaction poolers.
func initPostgres(cfg *config.DatabaseConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  cfg.DSN,
		PreferSimpleProtocol: true,
	}), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return db, nil
}

func initSQLite(cfg *config.DatabaseConfig, path string, gormConfig *gorm.Config) (*gorm.DB, error) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}

	busyTimeout := cfg.BusyTimeout
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA foreign_keys=ON")
	db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds()))

	return db, nil
}
