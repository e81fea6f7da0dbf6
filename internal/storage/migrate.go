package storage

import (
	"fmt"
	"time"

	"roomchat/backend/internal/models"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to PostgreSQL. Duplicate-key errors are translated to
// gorm.ErrDuplicatedKey so classify can map them.
func Open(dsn string, log zerolog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(32)
	sqlDB.SetMaxIdleConns(8)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	log.Info().Msg("connected to PostgreSQL")
	return db, nil
}

// AutoMigrate creates or updates the chat tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.Room{},
		&models.RoomMembership{},
		&models.Message{},
	); err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	return nil
}
