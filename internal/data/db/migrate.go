package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/cmdledger/internal/domain/commands"
	"github.com/yungbote/cmdledger/internal/domain/keys"
)

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(
		// Command log (orchestrator and control components)
		&commands.Command{},

		// Node-local key material
		&keys.KeyMaterial{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
