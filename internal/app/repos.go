package app

import (
	"gorm.io/gorm"

	"github.com/yungbote/cmdledger/internal/data/repos"
	"github.com/yungbote/cmdledger/internal/pkg/logger"
)

type Repos struct {
	Commands    repos.CommandRepo
	KeyMaterial repos.KeyMaterialRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Commands:    repos.NewCommandRepo(db, log),
		KeyMaterial: repos.NewKeyMaterialRepo(db, log),
	}
}
