package commands

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies command log and aggregation failures.
type ErrorCode string

const (
	// CodeDuplicateWork: another writer owns this identity. Expected under races.
	CodeDuplicateWork ErrorCode = "duplicate_work"
	// CodeInconsistentAggregation: response count differs from the expected node count.
	CodeInconsistentAggregation ErrorCode = "inconsistent_aggregation"
	// CodeAggregationTimeout: quorum not reached in time; work continues in the background.
	CodeAggregationTimeout    ErrorCode = "aggregation_timeout"
	CodeSerialization         ErrorCode = "serialization_failure"
	CodePreconditionViolation ErrorCode = "precondition_violation"
	CodeNotFound              ErrorCode = "not_found"
	// CodeAbandoned: a request row never received its response and is past the stale bound.
	CodeAbandoned ErrorCode = "abandoned"
	CodeRetryable ErrorCode = "retryable"
	CodeInternal  ErrorCode = "internal"
)

type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	op := strings.TrimSpace(e.Op)
	msg := strings.TrimSpace(e.Message)
	switch {
	case op != "" && msg != "":
		return fmt.Sprintf("%s: %s (%s)", op, msg, e.Code)
	case op != "":
		return fmt.Sprintf("%s (%s)", op, e.Code)
	case msg != "":
		return fmt.Sprintf("%s (%s)", msg, e.Code)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

func NewError(code ErrorCode, op, message string, cause error) error {
	return &Error{
		Code:    code,
		Op:      strings.TrimSpace(op),
		Message: strings.TrimSpace(message),
		Cause:   cause,
	}
}

// Wrap annotates err with code. A nil err stays nil.
func Wrap(code ErrorCode, op string, err error) error {
	if err == nil {
		return nil
	}
	return NewError(code, op, err.Error(), err)
}

func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the outermost code in err's chain, or "" when there is none.
func CodeOf(err error) ErrorCode {
	var cmdErr *Error
	if !errors.As(err, &cmdErr) {
		return ""
	}
	return cmdErr.Code
}
