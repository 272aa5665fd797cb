package keys

import (
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/cmdledger/internal/data/dberr"
	"github.com/yungbote/cmdledger/internal/domain/commands"
	types "github.com/yungbote/cmdledger/internal/domain/keys"
	"github.com/yungbote/cmdledger/internal/pkg/dbctx"
	"github.com/yungbote/cmdledger/internal/pkg/logger"
)

type KeyMaterialRepo interface {
	// Save stores material once per (context, node, kind). A second save of
	// the same slot keeps the first row and reports false.
	Save(dbc dbctx.Context, km *types.KeyMaterial) (bool, error)
	Get(dbc dbctx.Context, contextID, nodeID, kind string) (*types.KeyMaterial, error)
}

type keyMaterialRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewKeyMaterialRepo(db *gorm.DB, baseLog *logger.Logger) KeyMaterialRepo {
	return &keyMaterialRepo{
		db:  db,
		log: baseLog.With("repo", "KeyMaterialRepo"),
	}
}

func (r *keyMaterialRepo) Save(dbc dbctx.Context, km *types.KeyMaterial) (bool, error) {
	const op = "key_material.save"
	if km == nil || strings.TrimSpace(km.ContextID) == "" || strings.TrimSpace(km.NodeID) == "" || strings.TrimSpace(km.Kind) == "" {
		return false, commands.NewError(commands.CodePreconditionViolation, op, "context_id, node_id and kind are required", nil)
	}
	if km.CreatedAt.IsZero() {
		km.CreatedAt = time.Now().UTC()
	}
	res := dbc.DB(r.db).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(km)
	if res.Error != nil {
		return false, dberr.Map(op, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *keyMaterialRepo) Get(dbc dbctx.Context, contextID, nodeID, kind string) (*types.KeyMaterial, error) {
	var out types.KeyMaterial
	res := dbc.DB(r.db).
		Where("context_id = ? AND node_id = ? AND kind = ?", contextID, nodeID, kind).
		Limit(1).
		Find(&out)
	if res.Error != nil {
		return nil, dberr.Map("key_material.get", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &out, nil
}
