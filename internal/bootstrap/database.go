package bootstrap

import (
	"fmt"

	"gorm.io/gorm"

	"vpnbot/internal/models"
)

// Migrate ensures the users and subscriptions tables exist.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}
	return nil
}

// Reset drops every table and recreates the schema. All data is lost.
func Reset(db *gorm.DB) error {
	// subscriptions reference users, so drop in reverse order
	tables := allModels()
	for i := len(tables) - 1; i >= 0; i-- {
		if err := db.Migrator().DropTable(tables[i]); err != nil {
			return fmt.Errorf("drop table failed: %w", err)
		}
	}
	return Migrate(db)
}

func allModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Subscription{},
	}
}
