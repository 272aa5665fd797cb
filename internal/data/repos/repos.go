package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/cmdledger/internal/data/repos/commands"
	"github.com/yungbote/cmdledger/internal/data/repos/keys"
	"github.com/yungbote/cmdledger/internal/pkg/logger"
)

type CommandRepo = commands.CommandRepo
type KeyMaterialRepo = keys.KeyMaterialRepo

func NewCommandRepo(db *gorm.DB, baseLog *logger.Logger) CommandRepo {
	return commands.NewCommandRepo(db, baseLog)
}

func NewKeyMaterialRepo(db *gorm.DB, baseLog *logger.Logger) KeyMaterialRepo {
	return keys.NewKeyMaterialRepo(db, baseLog)
}
