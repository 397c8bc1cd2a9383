package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/macawi-ai/cyreal-sub001/agent/coordination"
	"github.com/macawi-ai/cyreal-sub001/agent/protocol/a2a"
	"github.com/macawi-ai/cyreal-sub001/config"
	"github.com/macawi-ai/cyreal-sub001/internal/audit"
	"github.com/macawi-ai/cyreal-sub001/testutil"
	"github.com/macawi-ai/cyreal-sub001/testutil/fixtures"
)

func loopback(network, _ string) (net.Listener, error) {
	return net.Listen(network, "127.0.0.1:0")
}

func testDaemonConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.AllowInsecureHTTP = true
	cfg.Tokens.Secret = "daemon-test-secret-0123456789abcdef"
	cfg.Discovery.Enabled = false
	cfg.Audit.Driver = "sqlite"
	cfg.Audit.DSN = ":memory:"
	cfg.Serial.Ports = []string{"/dev/ttyUSB0"}
	cfg.Log.Level = "debug"
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config, opts ...DaemonOption) *Daemon {
	t.Helper()
	opts = append([]DaemonOption{WithDaemonListenFunc(loopback)}, opts...)
	d, err := NewDaemon(cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { d.Shutdown(context.Background()) })
	return d
}

func TestDaemon_ServesCoordinationAndMetrics(t *testing.T) {
	d := newTestDaemon(t, testDaemonConfig())
	ctx := testutil.TestContext(t)
	require.NoError(t, d.Start(ctx))

	// 注册一个 Agent
	card := fixtures.ValidCard(time.Now())
	msg, err := a2a.NewRequest(a2a.MethodAgentRegister, a2a.RegisterParams{AgentCard: *card})
	require.NoError(t, err)
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	resp, err := http.Post("http://"+d.coordinator.Addr()+coordination.PathRPC, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	var reply a2a.Message
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.Nil(t, reply.Error)
	var result a2a.RegisterResult
	require.NoError(t, reply.DecodeResult(&result))
	assert.NotEmpty(t, result.Token)
	assert.True(t, result.ServerAgent.HasCapability(a2a.MethodSerialList))

	// 审计落库
	entries, err := d.auditStore.Query(ctx, audit.Filter{Type: audit.EventAgentRegistered})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, card.AgentID, entries[0].AgentID)

	started, err := d.auditStore.Query(ctx, audit.Filter{Type: audit.EventServerStarted})
	require.NoError(t, err)
	assert.Len(t, started, 1)

	// 独立指标监听
	resp, err = http.Get("http://" + d.metricsSrv.Addr() + "/metrics")
	require.NoError(t, err)
	metricsBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(metricsBody), "cyreal_rpc_requests_total")
	assert.Contains(t, string(metricsBody), `go_sql_open_connections{db_name="audit"}`)

	// /metrics 不在协调监听上
	resp, err = http.Get("http://" + d.coordinator.Addr() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	d.Shutdown(context.Background())
	assert.False(t, d.coordinator.IsRunning())
	d.Shutdown(context.Background())
}

func TestDaemon_RedisDiscovery(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testDaemonConfig()
	cfg.Audit.Driver = ""
	cfg.Discovery.Enabled = true
	cfg.Discovery.Transport = "redis"
	cfg.Redis.Addr = mr.Addr()

	d := newTestDaemon(t, cfg)
	require.Len(t, d.transports, 1)
	assert.Equal(t, "redis", d.transports[0].Name())
	require.NotNil(t, d.discovery)

	require.NoError(t, d.Start(testutil.TestContext(t)))
	d.discovery.Announce(context.Background())

	// 服务器自身的名片作为在线快照写入 Redis
	assert.Eventually(t, func() bool {
		return len(mr.Keys()) > 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDaemon_RedisUnavailable(t *testing.T) {
	cfg := testDaemonConfig()
	cfg.Discovery.Enabled = true
	cfg.Discovery.Transport = "redis"
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := NewDaemon(cfg, zap.NewNop())
	assert.ErrorContains(t, err, "redis transport")
}

func TestDaemon_UnknownTransport(t *testing.T) {
	cfg := testDaemonConfig()
	cfg.Discovery.Enabled = true
	cfg.Discovery.Transport = "carrier-pigeon"

	_, err := NewDaemon(cfg, zap.NewNop())
	assert.ErrorContains(t, err, "unknown discovery transport")
}

func TestDaemon_RejectsBadSerialConfig(t *testing.T) {
	cfg := testDaemonConfig()
	cfg.Serial.Ports = []string{"../../etc/passwd"}

	_, err := NewDaemon(cfg, zap.NewNop())
	assert.ErrorContains(t, err, "serial")
}

func TestDaemon_RefusesPublicMetricsBind(t *testing.T) {
	cfg := testDaemonConfig()
	cfg.Metrics.Addr = "0.0.0.0:9091"

	d := newTestDaemon(t, cfg)
	err := d.Start(testutil.TestContext(t))
	require.Error(t, err)
	assert.Nil(t, d.metricsSrv)
}

func TestDaemon_RefusesPublicBind(t *testing.T) {
	cfg := testDaemonConfig()
	cfg.Server.Host = "8.8.8.8"

	d := newTestDaemon(t, cfg)
	require.Error(t, d.Start(testutil.TestContext(t)))
	assert.False(t, d.coordinator.IsRunning())

	violations, err := d.auditStore.Query(context.Background(), audit.Filter{Type: audit.EventPolicyViolation})
	require.NoError(t, err)
	assert.Len(t, violations, 1)
}

func TestDaemon_PruneAudit(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	cfg := testDaemonConfig()
	cfg.Audit.Retention = 24 * time.Hour

	d := newTestDaemon(t, cfg, WithDaemonClock(fc))
	ctx := context.Background()
	require.NoError(t, d.auditStore.LogEvent(ctx, audit.Entry{Type: audit.EventAuthFailure, Time: fc.Now().Add(-48 * time.Hour)}))
	require.NoError(t, d.auditStore.LogEvent(ctx, audit.Entry{Type: audit.EventAuthFailure, Time: fc.Now().Add(-time.Hour)}))

	assert.Equal(t, int64(1), d.pruneAudit(ctx))

	remaining, err := d.auditStore.Query(ctx, audit.Filter{Type: audit.EventAuthFailure})
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestDaemon_ApplyReload(t *testing.T) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	cfg := testDaemonConfig()
	cfg.Audit.Driver = ""
	d := newTestDaemon(t, cfg, WithLogLevel(level))

	next := *cfg
	next.Log.Level = "error"
	d.applyReload(&next)
	assert.Equal(t, zapcore.ErrorLevel, level.Level())

	// 非热更新字段只告警，不改变运行配置
	next.Server.Port = 4000
	d.applyReload(&next)
	assert.Equal(t, 3500, d.cfg.Server.Port)
}

func TestCoordinationConfig_FromDaemonConfig(t *testing.T) {
	cfg := testDaemonConfig()
	cfg.Server.Host = "192.168.1.50"
	cfg.Server.MaxBodyBytes = 4096
	cfg.Registry.HeartbeatTimeout = 90 * time.Second

	d := &Daemon{cfg: cfg}
	cc := d.coordinationConfig()
	assert.Equal(t, "192.168.1.50:3500", cc.Addr)
	assert.True(t, cc.EnforceRFC1918)
	assert.True(t, cc.AllowInsecureHTTP)
	assert.Equal(t, int64(4096), cc.MaxBodyBytes)
	assert.Equal(t, 90*time.Second, cc.HeartbeatTimeout)
	assert.False(t, cc.EnableDiscovery)
	assert.Equal(t, cfg.Server.MaxConnections, cc.HTTP.MaxConnections)
}
