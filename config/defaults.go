// =============================================================================
// 📦 Cyreal 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Tokens:    DefaultTokensConfig(),
		Registry:  DefaultRegistryConfig(),
		Discovery: DefaultDiscoveryConfig(),
		Redis:     DefaultRedisConfig(),
		Audit:     DefaultAuditConfig(),
		Serial:    DefaultSerialConfig(),
		Metrics:   DefaultMetricsConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "127.0.0.1",
		Port:            3500,
		EnforceRFC1918:  true,
		CertFile:        "/etc/cyreal/tls/server.crt",
		KeyFile:         "/etc/cyreal/tls/server.key",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxConnections:  256,
		MaxBodyBytes:    1 << 20,
		RateLimit:       100,
		RateWindow:      time.Minute,
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// DefaultTokensConfig 返回默认 Token 配置
func DefaultTokensConfig() TokensConfig {
	return TokensConfig{
		DefaultTTL:    time.Hour,
		SweepInterval: 60 * time.Second,
	}
}

// DefaultRegistryConfig 返回默认注册表配置
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		HeartbeatTimeout: 120 * time.Second,
		SweepInterval:    60 * time.Second,
	}
}

// DefaultDiscoveryConfig 返回默认服务发现配置
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		Enabled:           true,
		BroadcastInterval: 30 * time.Second,
		AgentTimeout:      120 * time.Second,
		Transport:         "none",
		MulticastAddress:  "239.255.42.99",
		MulticastPort:     3501,
		RedisChannel:      "cyreal:announce",
		PresenceTTL:       120 * time.Second,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		KeyPrefix:    "cyreal:",
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultAuditConfig 返回默认审计配置（仅日志）
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		Retention: 30 * 24 * time.Hour,
	}
}

// DefaultSerialConfig 返回默认串口配置
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		Ports: []string{},
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Addr:      "127.0.0.1:9091",
		Namespace: "cyreal",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "cyreald",
		SampleRate:   0.1,
		Insecure:     true,
	}
}
