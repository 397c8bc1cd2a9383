package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector("test", zap.NewNop())

	assert.NotNil(t, collector.Registry())
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.rpcRequestsTotal)
	assert.NotNil(t, collector.authFailures)

	// a second collector with the same namespace must not panic
	assert.NotPanics(t, func() { NewCollector("test", nil) })
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector("test", zap.NewNop())

	collector.RecordHTTPRequest("POST", "/a2a", 200, 10*time.Millisecond)
	collector.RecordHTTPRequest("POST", "/a2a", 201, 10*time.Millisecond)
	collector.RecordHTTPRequest("POST", "/a2a", 429, 10*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/a2a", "2xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/a2a", "4xx")))
}

func TestCollector_RecordRPC(t *testing.T) {
	collector := NewCollector("test", zap.NewNop())

	collector.RecordRPC("ping", 0, time.Millisecond)
	collector.RecordRPC("ping", -32429, time.Millisecond)
	collector.RecordRPC("", -32700, time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.rpcRequestsTotal.WithLabelValues("ping", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.rpcRequestsTotal.WithLabelValues("ping", "-32429")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.rpcRequestsTotal.WithLabelValues("unknown", "-32700")))
}

func TestCollector_SecurityMetrics(t *testing.T) {
	collector := NewCollector("test", zap.NewNop())

	collector.RecordAuthFailure("expired")
	collector.RecordAuthFailure("expired")
	collector.RecordAuthFailure("revoked")
	collector.RecordRateLimited()
	collector.RecordValidationReject("PAN_DETECTED")

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.authFailures.WithLabelValues("expired")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.authFailures.WithLabelValues("revoked")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.rateLimited))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.validationRejects.WithLabelValues("PAN_DETECTED")))
}

func TestCollector_Gauges(t *testing.T) {
	collector := NewCollector("test", zap.NewNop())

	collector.SetRegisteredAgents(3)
	collector.SetDiscoveryCacheSize(5)
	collector.SetTokens(7, 2)
	collector.SetWebSocketConnections(1)
	collector.RecordAgentStateTransition("unknown", "authenticated")
	collector.RecordBroadcast(3, 1)
	collector.RecordOutboundRequest("timeout")

	assert.Equal(t, float64(3), testutil.ToFloat64(collector.registeredAgents))
	assert.Equal(t, float64(5), testutil.ToFloat64(collector.discoveryCacheSize))
	assert.Equal(t, float64(7), testutil.ToFloat64(collector.activeTokens))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.revokedTokens))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.wsConnections))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.agentStateTransitions.WithLabelValues("unknown", "authenticated")))
	assert.Equal(t, float64(3), testutil.ToFloat64(collector.broadcastMessages.WithLabelValues("delivered")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.outboundRequests.WithLabelValues("timeout")))
}

func TestCollector_Handler(t *testing.T) {
	collector := NewCollector("cyreal", zap.NewNop())
	collector.RecordRateLimited()

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(string(body), "cyreal_rate_limited_total 1"))
}

func TestCollector_RegisterDBStats(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	collector := NewCollector("cyreal", zap.NewNop())
	require.NoError(t, collector.RegisterDBStats("audit", db))
	assert.Error(t, collector.RegisterDBStats("audit", db), "duplicate registration")

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `go_sql_max_open_connections{db_name="audit"}`)
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(204))
	assert.Equal(t, "3xx", statusCode(301))
	assert.Equal(t, "4xx", statusCode(404))
	assert.Equal(t, "5xx", statusCode(503))
	assert.Equal(t, "unknown", statusCode(0))
}
