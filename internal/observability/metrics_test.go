package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.IncExecution("GEN_KEYS", "computed")
	m.ObserveBroadcast("GEN_KEYS", "ok", time.Second)
	m.IncAggregation("local")
	m.SetPendingWaiters(3)
	m.ApiInflightInc()
	require.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsRecordAndServe(t *testing.T) {
	m := NewMetrics()
	m.IncExecution("GEN_KEYS", "computed")
	m.IncExecution("GEN_KEYS", "computed")
	m.IncExecution("GEN_KEYS", "replayed_exact")
	m.IncAggregation("remote")

	require.Equal(t, 2.0, testutil.ToFloat64(m.executions.WithLabelValues("GEN_KEYS", "computed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.aggregations.WithLabelValues("remote")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "cmdledger_executions_total"))
}
