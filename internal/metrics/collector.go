// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，所有指标注册在自有 Registry 上
type Collector struct {
	registry *prometheus.Registry

	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// RPC 指标
	rpcRequestsTotal   *prometheus.CounterVec
	rpcRequestDuration *prometheus.HistogramVec

	// 安全指标
	authFailures      *prometheus.CounterVec
	rateLimited       prometheus.Counter
	validationRejects *prometheus.CounterVec

	// Agent 指标
	registeredAgents      prometheus.Gauge
	agentStateTransitions *prometheus.CounterVec
	discoveryCacheSize    prometheus.Gauge

	// Token 指标
	activeTokens  prometheus.Gauge
	revokedTokens prometheus.Gauge

	// 连接指标
	wsConnections     prometheus.Gauge
	broadcastMessages *prometheus.CounterVec
	outboundRequests  *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RPC 指标
	c.rpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "Total number of coordination RPC requests by method and result code",
		},
		[]string{"method", "code"},
	)

	c.rpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_request_duration_seconds",
			Help:      "Coordination RPC duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"method"},
	)

	// 安全指标
	c.authFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of rejected credentials by reason",
		},
		[]string{"reason"},
	)

	c.rateLimited = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the rate limiter",
		},
	)

	c.validationRejects = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_rejects_total",
			Help:      "Total number of messages rejected by validation by error code",
		},
		[]string{"code"},
	)

	// Agent 指标
	c.registeredAgents = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_agents",
			Help:      "Number of agents in the registry",
		},
	)

	c.agentStateTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_state_transitions_total",
			Help:      "Total number of agent lifecycle transitions",
		},
		[]string{"from_state", "to_state"},
	)

	c.discoveryCacheSize = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "discovery_cache_size",
			Help:      "Number of agents in the discovery cache",
		},
	)

	// Token 指标
	c.activeTokens = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tokens",
			Help:      "Number of issued tokens that have not expired",
		},
	)

	c.revokedTokens = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "revoked_tokens",
			Help:      "Number of revoked tokens retained until expiry",
		},
	)

	// 连接指标
	c.wsConnections = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Number of live agent WebSocket connections",
		},
	)

	c.broadcastMessages = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_messages_total",
			Help:      "Total number of broadcast deliveries by result",
		},
		[]string{"result"},
	)

	c.outboundRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_requests_total",
			Help:      "Total number of server-initiated requests by outcome",
		},
		[]string{"outcome"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Registry 返回底层 Registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 返回 /metrics 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RegisterDBStats 导出连接池统计，name 作为 db_name 标签
func (c *Collector) RegisterDBStats(name string, db *sql.DB) error {
	return c.registry.Register(collectors.NewDBStatsCollector(db, name))
}

// =============================================================================
// 🎯 HTTP 与 RPC 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRPC 记录一次 RPC，code 为 0 表示成功
func (c *Collector) RecordRPC(method string, code int, duration time.Duration) {
	if method == "" {
		method = "unknown"
	}
	label := "ok"
	if code != 0 {
		label = strconv.Itoa(code)
	}
	c.rpcRequestsTotal.WithLabelValues(method, label).Inc()
	c.rpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// =============================================================================
// 🔐 安全指标记录
// =============================================================================

// RecordAuthFailure 记录认证失败
func (c *Collector) RecordAuthFailure(reason string) {
	c.authFailures.WithLabelValues(reason).Inc()
}

// RecordRateLimited 记录限流拒绝
func (c *Collector) RecordRateLimited() {
	c.rateLimited.Inc()
}

// RecordValidationReject 记录校验拒绝
func (c *Collector) RecordValidationReject(code string) {
	c.validationRejects.WithLabelValues(code).Inc()
}

// =============================================================================
// 🎭 Agent 与 Token 指标记录
// =============================================================================

// SetRegisteredAgents 设置注册 Agent 数
func (c *Collector) SetRegisteredAgents(n int) {
	c.registeredAgents.Set(float64(n))
}

// RecordAgentStateTransition 记录 Agent 生命周期转换
func (c *Collector) RecordAgentStateTransition(fromState, toState string) {
	c.agentStateTransitions.WithLabelValues(fromState, toState).Inc()
}

// SetDiscoveryCacheSize 设置发现缓存大小
func (c *Collector) SetDiscoveryCacheSize(n int) {
	c.discoveryCacheSize.Set(float64(n))
}

// SetTokens 设置 Token 计数
func (c *Collector) SetTokens(active, revoked int) {
	c.activeTokens.Set(float64(active))
	c.revokedTokens.Set(float64(revoked))
}

// =============================================================================
// 🔌 连接指标记录
// =============================================================================

// SetWebSocketConnections 设置在线连接数
func (c *Collector) SetWebSocketConnections(n int) {
	c.wsConnections.Set(float64(n))
}

// RecordBroadcast 记录广播投递结果
func (c *Collector) RecordBroadcast(delivered, failed int) {
	c.broadcastMessages.WithLabelValues("delivered").Add(float64(delivered))
	c.broadcastMessages.WithLabelValues("failed").Add(float64(failed))
}

// RecordOutboundRequest 记录主动请求结果：ok、timeout、error
func (c *Collector) RecordOutboundRequest(outcome string) {
	c.outboundRequests.WithLabelValues(outcome).Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
