package response

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	types "github.com/yungbote/cmdledger/internal/domain/commands"
)

func TestRespondCommandError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name      string
		err       error
		status    int
		code      string
		op        string
		retryable bool
	}{
		{"timeout", types.NewError(types.CodeAggregationTimeout, "broadcast.dispatch", "2 of 3", nil), http.StatusGatewayTimeout, "aggregation_timeout", "broadcast.dispatch", true},
		{"wrapped precondition", fmt.Errorf("handler: %w", types.NewError(types.CodePreconditionViolation, "command.id", "missing node_id", nil)), http.StatusBadRequest, "precondition_violation", "command.id", false},
		{"not found", types.NewError(types.CodeNotFound, "commands.status", "", nil), http.StatusNotFound, "not_found", "commands.status", false},
		{"abandoned", types.NewError(types.CodeAbandoned, "executor.await", "", nil), http.StatusConflict, "abandoned", "executor.await", true},
		{"canceled", context.Canceled, 499, "internal", "", false},
		{"plain", errors.New("boom"), http.StatusInternalServerError, "internal", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(rec)
			RespondCommandError(c, tc.err)

			require.Equal(t, tc.status, rec.Code)
			var body ErrorEnvelope
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Equal(t, tc.code, body.Error.Code)
			require.Equal(t, tc.op, body.Error.Op)
			require.Equal(t, tc.retryable, body.Error.Retryable)
			require.Equal(t, tc.err.Error(), body.Error.Message)
		})
	}
}
