// =============================================================================
// 📦 Cyreal 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("cyreal.yaml").
//	    WithEnvPrefix("CYREAL").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量 → 校验
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	env "github.com/caarlos0/env/v11"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/macawi-ai/cyreal-sub001/internal/netpolicy"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 cyreald 的完整配置结构
type Config struct {
	// Server 协调服务器配置
	Server ServerConfig `yaml:"server" envPrefix:"SERVER_"`

	// Tokens Token 签发配置
	Tokens TokensConfig `yaml:"tokens" envPrefix:"TOKENS_"`

	// Registry Agent 注册表配置
	Registry RegistryConfig `yaml:"registry" envPrefix:"REGISTRY_"`

	// Discovery 服务发现配置
	Discovery DiscoveryConfig `yaml:"discovery" envPrefix:"DISCOVERY_"`

	// Redis 发现传输使用的 Redis 配置
	Redis RedisConfig `yaml:"redis" envPrefix:"REDIS_"`

	// Audit 审计存储配置
	Audit AuditConfig `yaml:"audit" envPrefix:"AUDIT_"`

	// Serial 串口能力配置
	Serial SerialConfig `yaml:"serial" envPrefix:"SERIAL_"`

	// Metrics Prometheus 指标配置
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`

	// Log 日志配置
	Log LogConfig `yaml:"log" envPrefix:"LOG_"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// ServerConfig 协调服务器配置
type ServerConfig struct {
	// 监听主机，必须是私有地址字面量或 localhost
	Host string `yaml:"host" env:"HOST"`
	// 监听端口
	Port int `yaml:"port" env:"PORT"`
	// 是否强制 RFC-1918 绑定
	EnforceRFC1918 bool `yaml:"enforce_rfc1918" env:"ENFORCE_RFC1918"`
	// 是否允许明文 HTTP（降级，启动时告警）
	AllowInsecureHTTP bool `yaml:"allow_insecure_http" env:"ALLOW_INSECURE_HTTP"`
	// TLS 证书
	CertFile string `yaml:"cert_file" env:"CERT_FILE"`
	// TLS 私钥
	KeyFile string `yaml:"key_file" env:"KEY_FILE"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	// 最大并发连接
	MaxConnections int `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	// 请求体上限（字节）
	MaxBodyBytes int `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	// 每个来源 IP 每窗口允许的请求数
	RateLimit int `yaml:"rate_limit" env:"RATE_LIMIT"`
	// 限流窗口
	RateWindow time.Duration `yaml:"rate_window" env:"RATE_WINDOW"`
	// 主动请求等待响应的超时
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// Addr 返回 host:port
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// TokensConfig Token 配置
type TokensConfig struct {
	// HMAC 密钥，为空时随机生成
	Secret string `yaml:"secret" json:"-" env:"SECRET"`
	// 默认有效期
	DefaultTTL time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
	// 过期清理间隔
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// RegistryConfig 注册表配置
type RegistryConfig struct {
	// 心跳超时
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" env:"HEARTBEAT_TIMEOUT"`
	// 清理间隔
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// DiscoveryConfig 服务发现配置
type DiscoveryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 广播间隔
	BroadcastInterval time.Duration `yaml:"broadcast_interval" env:"BROADCAST_INTERVAL"`
	// Agent 超时
	AgentTimeout time.Duration `yaml:"agent_timeout" env:"AGENT_TIMEOUT"`
	// 传输：none, multicast, redis
	Transport string `yaml:"transport" env:"TRANSPORT"`
	// 组播地址
	MulticastAddress string `yaml:"multicast_address" env:"MULTICAST_ADDRESS"`
	// 组播端口
	MulticastPort int `yaml:"multicast_port" env:"MULTICAST_PORT"`
	// 组播网卡
	MulticastInterface string `yaml:"multicast_interface" env:"MULTICAST_INTERFACE"`
	// Redis 频道
	RedisChannel string `yaml:"redis_channel" env:"REDIS_CHANNEL"`
	// Redis 在线快照有效期
	PresenceTTL time.Duration `yaml:"presence_ttl" env:"PRESENCE_TTL"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" json:"-" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// AuditConfig 审计配置
type AuditConfig struct {
	// 持久化驱动：空（仅日志）、sqlite、postgres、mysql
	Driver string `yaml:"driver" env:"DRIVER"`
	// DSN
	DSN string `yaml:"dsn" json:"-" env:"DSN"`
	// 保留时长，0 表示不清理
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
}

// SerialConfig 串口能力配置
type SerialConfig struct {
	// 暴露的串口路径
	Ports []string `yaml:"ports" env:"PORTS"`
	// 回环模式：写入的数据可被读回，用于无设备环境
	Loopback bool `yaml:"loopback" env:"LOOPBACK"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 独立监听地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// 是否使用明文 gRPC
	Insecure bool `yaml:"insecure" env:"INSECURE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	environ    map[string]string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CYREAL",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithEnvironment 使用给定的环境变量表替代进程环境
func (l *Loader) WithEnvironment(environ map[string]string) *Loader {
	l.environ = environ
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	opts := env.Options{}
	if l.envPrefix != "" {
		opts.Prefix = strings.TrimSuffix(l.envPrefix, "_") + "_"
	}
	if l.environ != nil {
		opts.Environment = l.environ
	}
	return env.ParseWithOptions(cfg, opts)
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	// 服务器
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "invalid server port")
	}
	if c.Server.EnforceRFC1918 {
		if err := netpolicy.ValidateHost(c.Server.Host); err != nil {
			errs = append(errs, fmt.Sprintf("server host: %v", err))
		}
	}
	if !c.Server.AllowInsecureHTTP && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		errs = append(errs, "cert_file and key_file are required unless allow_insecure_http is set")
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, "max_body_bytes must be positive")
	}
	if c.Server.RateLimit <= 0 || c.Server.RateWindow <= 0 {
		errs = append(errs, "rate_limit and rate_window must be positive")
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, "request_timeout must be positive")
	}

	// Token 与注册表
	if c.Tokens.DefaultTTL <= 0 || c.Tokens.SweepInterval <= 0 {
		errs = append(errs, "token default_ttl and sweep_interval must be positive")
	}
	if c.Registry.HeartbeatTimeout <= 0 || c.Registry.SweepInterval <= 0 {
		errs = append(errs, "registry heartbeat_timeout and sweep_interval must be positive")
	}

	// 服务发现
	if c.Discovery.Enabled {
		if c.Discovery.BroadcastInterval <= 0 || c.Discovery.AgentTimeout <= 0 {
			errs = append(errs, "discovery broadcast_interval and agent_timeout must be positive")
		}
		switch c.Discovery.Transport {
		case "", "none", "multicast":
		case "redis":
			if c.Redis.Addr == "" {
				errs = append(errs, "redis addr is required for the redis discovery transport")
			}
		default:
			errs = append(errs, fmt.Sprintf("unknown discovery transport %q", c.Discovery.Transport))
		}
	}

	// 审计
	switch strings.ToLower(c.Audit.Driver) {
	case "":
	case "sqlite", "sqlite3", "postgres", "postgresql", "mysql", "mariadb":
		if c.Audit.DSN == "" {
			errs = append(errs, "audit dsn is required when a driver is set")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown audit driver %q", c.Audit.Driver))
	}

	// 日志与遥测
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("invalid log level %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Sprintf("invalid log format %q", c.Log.Format))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
