package tx

import (
	"context"
	"database/sql"

	"gorm.io/gorm"

	"github.com/yungbote/cmdledger/internal/data/dberr"
	"github.com/yungbote/cmdledger/internal/domain/commands"
	"github.com/yungbote/cmdledger/internal/pkg/dbctx"
)

// Runner provides the transaction boundary for command log writes and reads.
// Every call opens a fresh transaction on the root handle; it never joins a
// transaction the caller may already hold.
type Runner interface {
	InTx(ctx context.Context, fn func(dbc dbctx.Context) error) error
	// InSerializableTx runs fn at the strictest isolation level so counts
	// observed inside fn cannot include phantom or partial inserts.
	InSerializableTx(ctx context.Context, fn func(dbc dbctx.Context) error) error
}

type gormRunner struct {
	db *gorm.DB
}

func NewGormRunner(db *gorm.DB) Runner {
	return &gormRunner{db: db}
}

func (r *gormRunner) InTx(ctx context.Context, fn func(dbc dbctx.Context) error) error {
	return r.run(ctx, nil, fn)
}

func (r *gormRunner) InSerializableTx(ctx context.Context, fn func(dbc dbctx.Context) error) error {
	return r.run(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, fn)
}

func (r *gormRunner) run(ctx context.Context, opts *sql.TxOptions, fn func(dbc dbctx.Context) error) error {
	if fn == nil {
		return nil
	}
	if r == nil || r.db == nil {
		return commands.NewError(commands.CodeInternal, "tx.run", "transaction runner has nil db", nil)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	txFn := func(tx *gorm.DB) error {
		return fn(dbctx.Context{Ctx: ctx, Tx: tx})
	}
	var err error
	if opts == nil {
		err = r.db.WithContext(ctx).Transaction(txFn)
	} else {
		err = r.db.WithContext(ctx).Transaction(txFn, opts)
	}
	// Command errors raised inside fn pass through; driver and commit
	// failures are classified.
	return dberr.Map("tx.run", err)
}
