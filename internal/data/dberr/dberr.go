package dberr

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/yungbote/cmdledger/internal/domain/commands"
)

// Map classifies infrastructure failures into command error codes.
func Map(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*commands.Error); ok {
		return err
	}
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return commands.Wrap(commands.CodeDuplicateWork, op, err)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return commands.Wrap(commands.CodeNotFound, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return commands.Wrap(commands.CodeRetryable, op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "23505":
			return commands.Wrap(commands.CodeDuplicateWork, op, err) // unique_violation
		case "40001", "40P01", "55P03":
			return commands.Wrap(commands.CodeRetryable, op, err) // serialization/deadlock/lock_not_available
		}
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "duplicate key"),
		strings.Contains(msg, "unique constraint failed"):
		return commands.Wrap(commands.CodeDuplicateWork, op, err)
	case strings.Contains(msg, "deadlock"),
		strings.Contains(msg, "serialization"),
		strings.Contains(msg, "database is locked"):
		return commands.Wrap(commands.CodeRetryable, op, err)
	default:
		return commands.Wrap(commands.CodeInternal, op, err)
	}
}
