package db

import (
	"vaultsettle/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil {
		return nil
	}
	return db.Gorm.AutoMigrate(
		&models.MatchSettlement{},
		&models.SystemSetting{},
	)
}
