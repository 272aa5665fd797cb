package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/cmdledger/internal/data/repos"
	"github.com/yungbote/cmdledger/internal/data/repos/testutil"
	"github.com/yungbote/cmdledger/internal/data/tx"
	types "github.com/yungbote/cmdledger/internal/domain/commands"
	"github.com/yungbote/cmdledger/internal/services"
)

type stubDispatcher struct {
	got  services.BroadcastRequest
	rows []*types.Command
	err  error
}

func (d *stubDispatcher) Dispatch(_ context.Context, req services.BroadcastRequest) ([]*types.Command, error) {
	d.got = req
	return d.rows, d.err
}

func newTestEngine(t *testing.T, d Dispatcher) (*gin.Engine, services.CommandService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.DB(t)
	log := testutil.Logger(t)
	commands := services.NewCommandService(log, repos.NewCommandRepo(db, log), tx.NewGormRunner(db))
	h := NewCommandHandler(commands, d, "cc.request.", []string{"node-1", "node-2"})

	r := gin.New()
	r.GET("/api/commands/:correlationId", h.GetCorrelation)
	r.GET("/api/operations/:contextId/:context", h.GetOperation)
	r.POST("/api/operations/:contextId/:context", h.StartOperation)
	return r, commands
}

func do(r *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestGetCorrelationReportsProgress(t *testing.T) {
	r, commands := newTestEngine(t, &stubDispatcher{})
	ctx := context.Background()
	ids := []types.CommandID{
		{ContextID: "EE1", Context: "GEN_KEYS", CorrelationID: "c1", NodeID: "node-1"},
		{ContextID: "EE1", Context: "GEN_KEYS", CorrelationID: "c1", NodeID: "node-2"},
	}
	require.NoError(t, commands.SaveRequests(ctx, ids, []byte(`{}`)))
	require.NoError(t, commands.SaveResponse(ctx, ids[1], []byte(`{"ok":true}`)))

	rec := do(r, http.MethodGet, "/api/commands/c1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var status services.CorrelationStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "c1", status.CorrelationID)
	require.EqualValues(t, 2, status.Progress.Requests)
	require.EqualValues(t, 1, status.Progress.Responses)
	require.Len(t, status.Rows, 2)

	rec = do(r, http.MethodGet, "/api/commands/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), string(types.CodeNotFound))
}

func TestGetOperationReportsStarted(t *testing.T) {
	r, commands := newTestEngine(t, &stubDispatcher{})

	rec := do(r, http.MethodGet, "/api/operations/EE1/GEN_KEYS", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"context_id":"EE1","context":"GEN_KEYS","started":false}`, rec.Body.String())

	_, err := commands.SaveRequest(context.Background(), types.CommandID{ContextID: "EE1", Context: "GEN_KEYS", CorrelationID: "c1", NodeID: "node-1"}, []byte(`{}`))
	require.NoError(t, err)

	rec = do(r, http.MethodGet, "/api/operations/EE1/GEN_KEYS", nil)
	require.JSONEq(t, `{"context_id":"EE1","context":"GEN_KEYS","started":true}`, rec.Body.String())
}

func TestStartOperationBroadcastsToRoster(t *testing.T) {
	d := &stubDispatcher{rows: []*types.Command{
		{CorrelationID: "c9", NodeID: "node-1", ResponsePayload: []byte(`{"public_key":"abc"}`)},
		{CorrelationID: "c9", NodeID: "node-2", ResponsePayload: []byte{0xff, 0x00}},
	}}
	r, _ := newTestEngine(t, d)

	rec := do(r, http.MethodPost, "/api/operations/EE1/GEN_KEYS", []byte(`{"payload":{"kind":"box"}}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.JSONEq(t, `{
		"correlation_id": "c9",
		"responses": [
			{"node_id": "node-1", "payload": {"public_key": "abc"}},
			{"node_id": "node-2", "payload": "/wA="}
		]
	}`, rec.Body.String())

	require.Equal(t, "EE1", d.got.ContextID)
	require.Equal(t, "GEN_KEYS", d.got.Context)
	require.Equal(t, "cc.request.", d.got.QueuePattern)
	require.Equal(t, []string{"node-1", "node-2"}, d.got.NodeIDs)
	require.Equal(t, json.RawMessage(`{"kind":"box"}`), d.got.Payload)
}

func TestStartOperationDefaultsAndNarrowing(t *testing.T) {
	d := &stubDispatcher{}
	r, _ := newTestEngine(t, d)

	rec := do(r, http.MethodPost, "/api/operations/EE1/SPLIT_SECRET", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, json.RawMessage(`{}`), d.got.Payload)

	rec = do(r, http.MethodPost, "/api/operations/EE1/SPLIT_SECRET", []byte(`{"node_ids":["node-2"]}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"node-2"}, d.got.NodeIDs)

	rec = do(r, http.MethodPost, "/api/operations/EE1/SPLIT_SECRET", []byte(`{not json`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartOperationMapsErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{types.NewError(types.CodeAggregationTimeout, "broadcast", "", nil), http.StatusGatewayTimeout},
		{types.NewError(types.CodePreconditionViolation, "broadcast", "no nodes", nil), http.StatusBadRequest},
		{types.NewError(types.CodeDuplicateWork, "broadcast", "", nil), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		r, _ := newTestEngine(t, &stubDispatcher{err: tc.err})
		rec := do(r, http.MethodPost, "/api/operations/EE1/GEN_KEYS", []byte(`{}`))
		require.Equal(t, tc.status, rec.Code, "err %v", tc.err)
	}
}

func TestStartOperationRejectsNodesOutsideRoster(t *testing.T) {
	d := &stubDispatcher{}
	r, _ := newTestEngine(t, d)

	rec := do(r, http.MethodPost, "/api/operations/EE1/GEN_KEYS", []byte(`{"node_ids":["node-1","node-9"]}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "precondition_violation", body.Error.Code)
	require.Contains(t, body.Error.Message, "node-9")
	// Nothing was broadcast.
	require.Empty(t, d.got.ContextID)
}
