package response

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	types "github.com/yungbote/cmdledger/internal/domain/commands"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`

	// Op names the command log operation that failed, when known.
	Op        string `json:"op,omitempty"`
	// Retryable tells the caller a new broadcast (fresh correlation id) is
	// safe and may succeed.
	Retryable bool   `json:"retryable,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// RespondCommandError writes err with the status, code and op derived from it.
func RespondCommandError(c *gin.Context, err error) {
	code := types.CodeOf(err)
	if code == "" {
		code = types.CodeInternal
	}
	apiErr := APIError{
		Message:   "unknown error",
		Code:      string(code),
		Retryable: retryable(code),
	}
	if err != nil {
		apiErr.Message = err.Error()
	}
	var cmdErr *types.Error
	if errors.As(err, &cmdErr) {
		apiErr.Op = cmdErr.Op
	}
	c.JSON(StatusFor(err), ErrorEnvelope{Error: apiErr})
}

// StatusFor maps a command log error code onto an HTTP status.
func StatusFor(err error) int {
	switch types.CodeOf(err) {
	case types.CodePreconditionViolation, types.CodeSerialization:
		return http.StatusBadRequest
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeDuplicateWork, types.CodeAbandoned:
		return http.StatusConflict
	case types.CodeAggregationTimeout:
		return http.StatusGatewayTimeout
	case types.CodeRetryable:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) {
		// nginx's "client closed request"
		return 499
	}
	return http.StatusInternalServerError
}

// Nodes keep working after a timeout, so a retry usually replays their
// recorded results.
func retryable(code types.ErrorCode) bool {
	switch code {
	case types.CodeAggregationTimeout, types.CodeAbandoned, types.CodeRetryable:
		return true
	}
	return false
}
