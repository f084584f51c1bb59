package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/ScriptSmith/hadrian-sub008/internal/models"
)

// Migrate applies the schema via AutoMigrate. Heavier migration tooling is
// expected to live outside the gateway.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Organization{},
		&models.User{},
		&models.APIKey{},
		&models.SSOConfig{},
		&models.Usage{},
		&models.Audit{},
		&models.DLQEntry{},
	); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
