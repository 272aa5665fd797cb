package commands

import (
	"database/sql"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/cmdledger/internal/data/dberr"
	types "github.com/yungbote/cmdledger/internal/domain/commands"
	"github.com/yungbote/cmdledger/internal/pkg/dbctx"
	"github.com/yungbote/cmdledger/internal/pkg/logger"
)

// InsertResult is the outcome of an insert-if-absent write.
type InsertResult int

const (
	// Inserted: this writer created the row and owns the work.
	Inserted InsertResult = iota + 1
	// Conflict: the identity already existed; another writer owns the work.
	Conflict
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

type CommandRepo interface {
	SaveRequest(dbc dbctx.Context, id types.CommandID, payload []byte, at time.Time) (InsertResult, error)
	SaveReplay(dbc dbctx.Context, id types.CommandID, request []byte, response []byte, at time.Time) (InsertResult, error)
	SaveResponse(dbc dbctx.Context, id types.CommandID, payload []byte, at time.Time) error
	MarkEmitted(dbc dbctx.Context, id types.CommandID, at time.Time) error

	ExistsExact(dbc dbctx.Context, id types.CommandID) (bool, error)
	FindExact(dbc dbctx.Context, id types.CommandID) (*types.Command, error)
	FindSemantic(dbc dbctx.Context, sid types.SemanticID) ([]*types.Command, error)
	IsOperationStarted(dbc dbctx.Context, contextID, contextName string) (bool, error)

	CountRequests(dbc dbctx.Context, correlationID string) (int64, error)
	CountResponses(dbc dbctx.Context, correlationID string) (int64, error)
	ListResponses(dbc dbctx.Context, correlationID string) ([]*types.Command, error)
	ListByCorrelation(dbc dbctx.Context, correlationID string) ([]*types.Command, error)
}

type commandRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCommandRepo(db *gorm.DB, baseLog *logger.Logger) CommandRepo {
	return &commandRepo{
		db:  db,
		log: baseLog.With("repo", "CommandRepo"),
	}
}

const exactWhere = "context_id = ? AND context = ? AND correlation_id = ? AND node_id = ?"

func exactArgs(id types.CommandID) []interface{} {
	return []interface{}{id.ContextID, id.Context, id.CorrelationID, id.NodeID}
}

func (r *commandRepo) SaveRequest(dbc dbctx.Context, id types.CommandID, payload []byte, at time.Time) (InsertResult, error) {
	if err := id.Validate(); err != nil {
		return 0, err
	}
	return r.insertIfAbsent(dbc, types.NewRequest(id, nonNil(payload), at), "command.save_request")
}

func (r *commandRepo) SaveReplay(dbc dbctx.Context, id types.CommandID, request []byte, response []byte, at time.Time) (InsertResult, error) {
	if err := id.Validate(); err != nil {
		return 0, err
	}
	row := types.NewRequest(id, nonNil(request), at)
	respAt := at
	row.ResponsePayload = nonNil(response)
	row.ResponseTime = &respAt
	return r.insertIfAbsent(dbc, row, "command.save_replay")
}

func (r *commandRepo) insertIfAbsent(dbc dbctx.Context, row *types.Command, op string) (InsertResult, error) {
	res := dbc.DB(r.db).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row)
	if res.Error != nil {
		mapped := dberr.Map(op, res.Error)
		if types.IsCode(mapped, types.CodeDuplicateWork) {
			return Conflict, nil
		}
		return 0, mapped
	}
	if res.RowsAffected == 0 {
		r.log.Debug("Command identity already present", "op", op, "command_id", row.ID().String())
		return Conflict, nil
	}
	return Inserted, nil
}

func (r *commandRepo) SaveResponse(dbc dbctx.Context, id types.CommandID, payload []byte, at time.Time) error {
	const op = "command.save_response"
	if err := id.Validate(); err != nil {
		return err
	}
	payload = nonNil(payload)
	row, err := r.FindExact(dbc, id)
	if err != nil {
		return err
	}
	if row == nil {
		return types.NewError(types.CodeNotFound, op, "no request row for "+id.String(), nil)
	}
	if row.Answered() {
		if row.SameResponse(payload) {
			return nil
		}
		return types.NewError(types.CodeDuplicateWork, op, "response already recorded with different bytes for "+id.String(), nil)
	}

	res := dbc.DB(r.db).
		Model(&types.Command{}).
		Where(exactWhere, exactArgs(id)...).
		Where("version = ? AND response_time IS NULL", row.Version).
		Updates(map[string]interface{}{
			"response_payload": payload,
			"response_time":    at,
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return dberr.Map(op, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	// Another writer answered between our read and our update.
	cur, err := r.FindExact(dbc, id)
	if err != nil {
		return err
	}
	if cur.SameResponse(payload) {
		return nil
	}
	return types.NewError(types.CodeDuplicateWork, op, "concurrent response for "+id.String(), nil)
}

// MarkEmitted stamps an answered row once. Unanswered or already stamped rows
// are left alone.
func (r *commandRepo) MarkEmitted(dbc dbctx.Context, id types.CommandID, at time.Time) error {
	const op = "command.mark_emitted"
	if err := id.Validate(); err != nil {
		return err
	}
	res := dbc.DB(r.db).
		Model(&types.Command{}).
		Where(exactWhere, exactArgs(id)...).
		Where("response_time IS NOT NULL AND emitted_at IS NULL").
		Update("emitted_at", at)
	if res.Error != nil {
		return dberr.Map(op, res.Error)
	}
	return nil
}

func (r *commandRepo) ExistsExact(dbc dbctx.Context, id types.CommandID) (bool, error) {
	if err := id.Validate(); err != nil {
		return false, err
	}
	var n int64
	if err := dbc.DB(r.db).
		Model(&types.Command{}).
		Where(exactWhere, exactArgs(id)...).
		Count(&n).Error; err != nil {
		return false, dberr.Map("command.exists_exact", err)
	}
	return n > 0, nil
}

func (r *commandRepo) FindExact(dbc dbctx.Context, id types.CommandID) (*types.Command, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	var row types.Command
	res := dbc.DB(r.db).
		Where(exactWhere, exactArgs(id)...).
		Limit(1).
		Find(&row)
	if res.Error != nil {
		return nil, dberr.Map("command.find_exact", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &row, nil
}

// FindSemantic returns every row for the business operation on one node,
// answered rows first (earliest response first), then unanswered ones.
func (r *commandRepo) FindSemantic(dbc dbctx.Context, sid types.SemanticID) ([]*types.Command, error) {
	if blank(sid.ContextID, sid.Context, sid.NodeID) {
		return nil, types.NewError(types.CodePreconditionViolation, "command.find_semantic", "context_id, context and node_id are required", nil)
	}
	var out []*types.Command
	if err := dbc.DB(r.db).
		Where("context_id = ? AND context = ? AND node_id = ?", sid.ContextID, sid.Context, sid.NodeID).
		Order("CASE WHEN response_time IS NULL THEN 1 ELSE 0 END").
		Order("response_time ASC").
		Order("request_time ASC").
		Find(&out).Error; err != nil {
		return nil, dberr.Map("command.find_semantic", err)
	}
	return out, nil
}

func (r *commandRepo) IsOperationStarted(dbc dbctx.Context, contextID, contextName string) (bool, error) {
	if blank(contextID, contextName) {
		return false, types.NewError(types.CodePreconditionViolation, "command.is_operation_started", "context_id and context are required", nil)
	}
	var n int64
	if err := dbc.DB(r.db).
		Model(&types.Command{}).
		Where("context_id = ? AND context = ?", contextID, contextName).
		Count(&n).Error; err != nil {
		return false, dberr.Map("command.is_operation_started", err)
	}
	return n > 0, nil
}

func (r *commandRepo) CountRequests(dbc dbctx.Context, correlationID string) (int64, error) {
	return r.count(dbc, "command.count_requests", correlationID, false)
}

func (r *commandRepo) CountResponses(dbc dbctx.Context, correlationID string) (int64, error) {
	return r.count(dbc, "command.count_responses", correlationID, true)
}

func (r *commandRepo) count(dbc dbctx.Context, op string, correlationID string, answeredOnly bool) (int64, error) {
	if blank(correlationID) {
		return 0, types.NewError(types.CodePreconditionViolation, op, "correlation_id is required", nil)
	}
	var n int64
	err := r.strict(dbc, func(tx *gorm.DB) error {
		q := tx.Model(&types.Command{}).Where("correlation_id = ?", correlationID)
		if answeredOnly {
			q = q.Where("response_time IS NOT NULL")
		}
		return q.Count(&n).Error
	})
	if err != nil {
		return 0, dberr.Map(op, err)
	}
	return n, nil
}

func (r *commandRepo) ListResponses(dbc dbctx.Context, correlationID string) ([]*types.Command, error) {
	return r.list(dbc, "command.list_responses", correlationID, true)
}

func (r *commandRepo) ListByCorrelation(dbc dbctx.Context, correlationID string) ([]*types.Command, error) {
	return r.list(dbc, "command.list_by_correlation", correlationID, false)
}

func (r *commandRepo) list(dbc dbctx.Context, op string, correlationID string, answeredOnly bool) ([]*types.Command, error) {
	if blank(correlationID) {
		return nil, types.NewError(types.CodePreconditionViolation, op, "correlation_id is required", nil)
	}
	var out []*types.Command
	err := r.strict(dbc, func(tx *gorm.DB) error {
		q := tx.Where("correlation_id = ?", correlationID)
		if answeredOnly {
			q = q.Where("response_time IS NOT NULL")
		}
		return q.Order("node_id ASC").Find(&out).Error
	})
	if err != nil {
		return nil, dberr.Map(op, err)
	}
	return out, nil
}

// strict runs fn inside the caller's transaction when there is one, otherwise
// inside a serializable transaction of its own.
func (r *commandRepo) strict(dbc dbctx.Context, fn func(tx *gorm.DB) error) error {
	if dbc.InTx() {
		return fn(dbc.DB(r.db))
	}
	return dbc.DB(r.db).Transaction(fn, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

func blank(vals ...string) bool {
	for _, v := range vals {
		if strings.TrimSpace(v) == "" {
			return true
		}
	}
	return false
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
