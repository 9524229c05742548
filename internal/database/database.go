package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/aegisgate/aegis/internal/models"
)

// Open bootstraps a SQLite database using the provided filesystem path.
func Open(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	return db, nil
}

// Migrate applies the schema for every durable model.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Rule{},
		&models.SecurityEvent{},
		&models.IngestCursor{},
		&models.PolicySet{},
		&models.PolicyVersion{},
		&models.Setting{},
		&models.AuditEntry{},
	)
}
