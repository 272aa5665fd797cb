package testutil

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/cmdledger/internal/data/db"
	"github.com/yungbote/cmdledger/internal/pkg/dbctx"
	"github.com/yungbote/cmdledger/internal/pkg/logger"
)

var (
	logOnce sync.Once
	logg    *logger.Logger
	logErr  error
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	logOnce.Do(func() {
		logg, logErr = logger.New("test")
	})
	if logErr != nil {
		tb.Fatalf("failed to init logger: %v", logErr)
	}
	return logg
}

// DB returns a migrated database for one test. TEST_POSTGRES_DSN selects a
// real Postgres; otherwise every call gets its own in-memory sqlite database.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()

	opts := db.Options{Driver: db.DriverSQLite}
	if dsn := os.Getenv("TEST_POSTGRES_DSN"); dsn != "" {
		opts = db.Options{Driver: db.DriverPostgres, DSN: dsn}
	} else {
		opts.DSN = "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	}

	svc, err := db.NewService(Logger(tb), opts)
	if err != nil {
		tb.Fatalf("failed to init test db: %v", err)
	}
	if opts.Driver == db.DriverPostgres {
		// Shared database: start from an empty log.
		if err := svc.DB().Exec(`DROP TABLE IF EXISTS command, key_material`).Error; err != nil {
			tb.Fatalf("reset test db: %v", err)
		}
	}
	if err := svc.AutoMigrateAll(); err != nil {
		tb.Fatalf("migrate test db: %v", err)
	}
	tb.Cleanup(func() { _ = svc.Close() })
	return svc.DB()
}

// Tx opens a transaction that is rolled back when the test ends.
func Tx(tb testing.TB, gdb *gorm.DB) dbctx.Context {
	tb.Helper()
	tx := gdb.Begin()
	if tx.Error != nil {
		tb.Fatalf("begin tx: %v", tx.Error)
	}
	tb.Cleanup(func() {
		_ = tx.Rollback().Error
	})
	return dbctx.Context{Ctx: context.Background(), Tx: tx}
}
