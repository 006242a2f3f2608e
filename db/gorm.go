package db

import (
	"fmt"
	"time"

	"trackingest/config"
	"trackingest/logger"
	"trackingest/model"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ConnectGormDB opens the MySQL or SQLite database named by cfg and migrates the tracks table.
func ConnectGormDB(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.MetadataBackend {
	case config.MetadataMySQL:
		dialector = mysql.Open(cfg.MySQLDSN())
	case config.MetadataSQLite:
		dialector = sqlite.Open(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("metadata backend %q is not served by GORM", cfg.MetadataBackend)
	}

	db, err := OpenGorm(dialector)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if cfg.MetadataBackend == config.MetadataSQLite {
		// SQLite 只允许单写连接
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	logger.Info("Successfully connected to the database with GORM.",
		logger.String("backend", cfg.MetadataBackend))
	return db, nil
}

// OpenGorm opens dialector and auto-migrates the track model.
func OpenGorm(dialector gorm.Dialector) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Warn),
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database with GORM: %w", err)
	}
	if err := db.AutoMigrate(&model.TrackRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate models: %w", err)
	}
	return db, nil
}

// CloseGormDB 关闭 GORM 数据库连接
func CloseGormDB(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
