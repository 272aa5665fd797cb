package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/cmdledger/internal/data/db"
	"github.com/yungbote/cmdledger/internal/http/handlers"
	"github.com/yungbote/cmdledger/internal/jobs/pipeline/split_secret"
	"github.com/yungbote/cmdledger/internal/pkg/logger"
)

func standaloneConfig() Config {
	return Config{
		Role:                 RoleStandalone,
		NodeIDs:              []string{"node-1", "node-2", "node-3"},
		DBDriver:             db.DriverSQLite,
		DatabaseDSN:          "file:" + uuid.NewString() + "?mode=memory&cache=shared",
		RequestQueuePattern:  "cc.request.",
		ResponseQueuePattern: "cc.response.",
		BroadcastTimeout:     10 * time.Second,
		PendingCapacity:      100,
		PendingTTL:           time.Minute,
		ExecutorPollInterval: 5 * time.Millisecond,
		ExecutorAwaitTimeout: time.Second,
		ExecutorStaleAfter:   time.Minute,
		WorkerConcurrency:    2,
		HTTPAddr:             "127.0.0.1:0",
		MetricsEnabled:       true,
	}
}

func TestStandaloneSplitSecretRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, standaloneConfig(), logger.Nop())
	require.NoError(t, err)
	defer a.Close()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	body := []byte(`{"payload":{"shares":3,"threshold":2,"secret_len":16}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/operations/EE1/"+split_secret.Context, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.Server.Engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out handlers.StartOperationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out.CorrelationID)
	require.Len(t, out.Responses, 3)
	for i, want := range []string{"node-1", "node-2", "node-3"} {
		require.Equal(t, want, out.Responses[i].NodeID)
	}

	rec = httptest.NewRecorder()
	a.Server.Engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/commands/"+out.CorrelationID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.Server.Engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/operations/EE1/"+split_secret.Context, nil))
	require.JSONEq(t, `{"context_id":"EE1","context":"SPLIT_SECRET","started":true}`, rec.Body.String())

	rec = httptest.NewRecorder()
	a.Server.Engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
