package db

import (
	"fmt"

	"gasless-backend/internal/config"
	"gasless-backend/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// InitDB connects to postgres and migrates the schema.
func InitDB() error {
	if config.AppConfig == nil || config.AppConfig.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}

	var err error
	DB, err = gorm.Open(postgres.Open(config.AppConfig.Database.DSN), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		PrepareStmt:                              true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	logrus.Info("Database connected")

	if err := DB.AutoMigrate(
		&models.DelegationRecord{},
		&models.SponsoredOperation{},
	); err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}

	logrus.Info("Database schema migrated")
	return nil
}
