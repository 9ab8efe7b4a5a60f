package database

import (
	"fmt"
	"fuzzhub/config"
	"strings"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const sqliteScheme = "sqlite://"

func NewDBConnection(appConfig *config.AppConfig, logger *zap.Logger) *gorm.DB {
	db, err := Open(appConfig.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect database", zap.Error(err))
	}
	if err := Migrate(db); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}
	logger.Debug("connected to database", zap.String("dialect", db.Dialector.Name()))
	return db
}

// Open connects to postgres, or to sqlite when the url uses the sqlite:// scheme.
func Open(url string) (*gorm.DB, error) {
	gormConfig := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	if path, ok := strings.CutPrefix(url, sqliteScheme); ok {
		// WAL plus a single connection keeps collectors and the manager from
		// tripping over SQLITE_BUSY
		dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
		db, err := gorm.Open(sqlite.Open(dsn), gormConfig)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	}

	return gorm.Open(postgres.Open(url), gormConfig)
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Campaign{},
		&FuzzerInstance{},
		&Crash{},
		&MetricSnapshot{},
		&WorkerNode{},
	)
}
