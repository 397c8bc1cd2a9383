package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/macawi-ai/cyreal-sub001/agent/capabilities"
	"github.com/macawi-ai/cyreal-sub001/agent/capabilities/serial"
	"github.com/macawi-ai/cyreal-sub001/agent/coordination"
	"github.com/macawi-ai/cyreal-sub001/agent/discovery"
	"github.com/macawi-ai/cyreal-sub001/agent/guardrails"
	"github.com/macawi-ai/cyreal-sub001/agent/tokens"
	"github.com/macawi-ai/cyreal-sub001/config"
	"github.com/macawi-ai/cyreal-sub001/internal/audit"
	"github.com/macawi-ai/cyreal-sub001/internal/cache"
	"github.com/macawi-ai/cyreal-sub001/internal/database"
	"github.com/macawi-ai/cyreal-sub001/internal/metrics"
	"github.com/macawi-ai/cyreal-sub001/internal/netpolicy"
	"github.com/macawi-ai/cyreal-sub001/internal/server"
	"github.com/macawi-ai/cyreal-sub001/internal/telemetry"
)

const auditRetentionInterval = time.Hour

// =============================================================================
// 🖥️ Daemon 结构
// =============================================================================

// Daemon 持有 cyreald 的全部组件
type Daemon struct {
	cfg    *config.Config
	logger *zap.Logger
	level  zap.AtomicLevel
	loader *config.Loader
	clock  clock.WithTicker
	listen server.ListenFunc

	tokens      *tokens.Manager
	registry    *discovery.AgentRegistry
	discovery   *discovery.ServiceDiscovery
	transports  []discovery.Transport
	redis       *cache.Manager
	db          *database.PoolManager
	auditStore  *audit.GormSink
	collector   *metrics.Collector
	coordinator *coordination.Server
	metricsSrv  *server.Manager
	otel        *telemetry.Providers

	errCh    chan error
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	shutdown sync.Once
}

// DaemonOption 配置 Daemon
type DaemonOption func(*Daemon)

// WithLogLevel 设置可在重载时调整的日志级别
func WithLogLevel(level zap.AtomicLevel) DaemonOption {
	return func(d *Daemon) { d.level = level }
}

// WithConfigLoader 启用配置文件轮询重载
func WithConfigLoader(loader *config.Loader) DaemonOption {
	return func(d *Daemon) { d.loader = loader }
}

// WithDaemonClock 替换时间源
func WithDaemonClock(c clock.WithTicker) DaemonOption {
	return func(d *Daemon) { d.clock = c }
}

// WithDaemonListenFunc 替换协调与指标监听使用的 listen 函数
func WithDaemonListenFunc(fn server.ListenFunc) DaemonOption {
	return func(d *Daemon) { d.listen = fn }
}

// NewDaemon 按配置组装全部组件，不打开任何监听
func NewDaemon(cfg *config.Config, logger *zap.Logger, opts ...DaemonOption) (*Daemon, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Daemon{
		cfg:    cfg,
		logger: logger,
		level:  zap.NewAtomicLevel(),
		clock:  clock.RealClock{},
		errCh:  make(chan error, 2),
	}
	for _, opt := range opts {
		opt(d)
	}

	// 任何一步失败都要释放已创建的资源
	if err := d.build(); err != nil {
		d.release()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build() error {
	var err error

	// 1. 遥测
	d.otel, err = telemetry.Init(d.cfg.Telemetry, d.logger)
	if err != nil {
		d.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	// 2. 指标
	if d.cfg.Metrics.Enabled {
		d.collector = metrics.NewCollector(d.cfg.Metrics.Namespace, d.logger)
	}

	// 3. 审计
	sink, err := d.initAudit()
	if err != nil {
		return err
	}

	// 4. Token 与注册表
	d.tokens, err = tokens.NewManager(tokens.Config{
		Secret:        d.cfg.Tokens.Secret,
		DefaultTTL:    d.cfg.Tokens.DefaultTTL,
		SweepInterval: d.cfg.Tokens.SweepInterval,
	}, d.logger, tokens.WithClock(d.clock))
	if err != nil {
		return fmt.Errorf("token manager: %w", err)
	}

	d.registry = discovery.NewAgentRegistry(&discovery.RegistryConfig{
		HeartbeatTimeout: d.cfg.Registry.HeartbeatTimeout,
		SweepInterval:    d.cfg.Registry.SweepInterval,
	}, d.logger, discovery.WithRegistryClock(d.clock))

	// 5. 服务发现
	if err := d.initDiscovery(); err != nil {
		return err
	}

	// 6. 能力
	caps := capabilities.NewRegistry(d.logger)
	provider, err := newSerialProvider(d.cfg.Serial)
	if err != nil {
		return fmt.Errorf("serial: %w", err)
	}
	if err := caps.RegisterCapability(serial.New(provider, d.logger)); err != nil {
		return fmt.Errorf("serial: %w", err)
	}

	// 7. 协调服务器
	opts := []coordination.Option{coordination.WithClock(d.clock)}
	if d.listen != nil {
		opts = append(opts, coordination.WithListenFunc(d.listen))
	}
	d.coordinator, err = coordination.New(d.coordinationConfig(), coordination.Dependencies{
		Tokens:       d.tokens,
		Registry:     d.registry,
		Discovery:    d.discovery,
		Validator:    guardrails.NewMessageValidator(nil),
		Capabilities: caps,
		Audit:        sink,
		Metrics:      d.collector,
	}, d.logger, opts...)
	if err != nil {
		return err
	}
	return nil
}

func (d *Daemon) coordinationConfig() coordination.Config {
	s := d.cfg.Server
	cfg := coordination.DefaultConfig()
	cfg.Addr = s.Addr()
	cfg.EnforceRFC1918 = s.EnforceRFC1918
	cfg.AllowInsecureHTTP = s.AllowInsecureHTTP
	cfg.CertFile = s.CertFile
	cfg.KeyFile = s.KeyFile
	cfg.MaxBodyBytes = int64(s.MaxBodyBytes)
	cfg.RateLimit = s.RateLimit
	cfg.RateWindow = s.RateWindow
	cfg.RequestTimeout = s.RequestTimeout
	cfg.RegistrySweepInterval = d.cfg.Registry.SweepInterval
	cfg.HeartbeatTimeout = d.cfg.Registry.HeartbeatTimeout
	cfg.EnableDiscovery = d.cfg.Discovery.Enabled
	cfg.Version = Version
	cfg.HTTP = server.Config{
		ReadTimeout:     s.ReadTimeout,
		WriteTimeout:    s.WriteTimeout,
		IdleTimeout:     s.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		MaxConnections:  s.MaxConnections,
		ShutdownTimeout: s.ShutdownTimeout,
	}
	return cfg
}

// initAudit 审计总是写入日志，配置了驱动时同时落库
func (d *Daemon) initAudit() (audit.Sink, error) {
	sinks := audit.MultiSink{audit.NewZapSink(d.logger)}
	if d.cfg.Audit.Driver == "" {
		return sinks, nil
	}

	pool, err := database.Open(database.Config{
		Driver: d.cfg.Audit.Driver,
		DSN:    d.cfg.Audit.DSN,
		Pool:   database.DefaultPoolConfig(),
	}, d.logger)
	if err != nil {
		return nil, fmt.Errorf("audit store: %w", err)
	}
	d.db = pool
	if d.collector != nil {
		if err := d.collector.RegisterDBStats("audit", pool.SQLDB()); err != nil {
			d.logger.Warn("failed to register audit pool metrics", zap.Error(err))
		}
	}

	store := audit.NewGormSink(pool, d.logger)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	d.auditStore = store
	d.logger.Info("audit store ready", zap.String("driver", string(pool.Driver())))
	return append(sinks, store), nil
}

func (d *Daemon) initDiscovery() error {
	dc := d.cfg.Discovery
	if !dc.Enabled {
		return nil
	}

	switch strings.ToLower(dc.Transport) {
	case "", "none":
	case "multicast":
		t, err := discovery.NewMulticastTransport(&discovery.MulticastConfig{
			Address:   dc.MulticastAddress,
			Port:      dc.MulticastPort,
			Interface: dc.MulticastInterface,
		}, d.logger)
		if err != nil {
			return fmt.Errorf("multicast transport: %w", err)
		}
		d.transports = append(d.transports, t)
	case "redis":
		rc := cache.DefaultConfig()
		rc.Addr = d.cfg.Redis.Addr
		rc.Password = d.cfg.Redis.Password
		rc.DB = d.cfg.Redis.DB
		rc.KeyPrefix = d.cfg.Redis.KeyPrefix
		rc.PoolSize = d.cfg.Redis.PoolSize
		rc.MinIdleConns = d.cfg.Redis.MinIdleConns
		mgr, err := cache.NewManager(rc, d.logger)
		if err != nil {
			return fmt.Errorf("redis transport: %w", err)
		}
		d.redis = mgr
		d.transports = append(d.transports, discovery.NewRedisTransport(mgr, &discovery.RedisTransportConfig{
			Channel:     dc.RedisChannel,
			PresenceTTL: dc.PresenceTTL,
		}, d.logger))
	default:
		return fmt.Errorf("unknown discovery transport %q", dc.Transport)
	}

	d.discovery = discovery.NewServiceDiscovery(&discovery.ServiceConfig{
		BroadcastInterval: dc.BroadcastInterval,
		AgentTimeout:      dc.AgentTimeout,
	}, d.registry, d.logger,
		discovery.WithServiceClock(d.clock),
		discovery.WithTransports(d.transports...),
	)
	return nil
}

func newSerialProvider(cfg config.SerialConfig) (*serial.StaticProvider, error) {
	ports := make([]serial.Port, 0, len(cfg.Ports))
	for _, path := range cfg.Ports {
		ports = append(ports, serial.Port{Path: path, Settings: serial.DefaultSettings()})
	}
	return serial.NewStaticProvider(ports, cfg.Loopback)
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动协调服务器、指标监听与后台任务
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.coordinator.Start(ctx); err != nil {
		return err
	}
	d.started = true
	d.forwardErrors(d.coordinator.Errors())

	if d.collector != nil {
		if err := d.startMetricsServer(); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	if d.auditStore != nil && d.cfg.Audit.Retention > 0 {
		d.wg.Add(1)
		go d.retentionLoop(loopCtx)
	}
	if err := d.startReloader(loopCtx); err != nil && !errors.Is(err, config.ErrNoConfigPath) {
		d.logger.Warn("config reload disabled", zap.Error(err))
	}

	d.logger.Info("cyreald started",
		zap.String("addr", d.coordinator.Addr()),
		zap.String("server_id", d.coordinator.ID()),
		zap.Int("discovery_transports", len(d.transports)),
		zap.Bool("audit_store", d.auditStore != nil),
	)
	return nil
}

// startMetricsServer 在独立监听上暴露 /metrics
func (d *Daemon) startMetricsServer() error {
	if d.cfg.Server.EnforceRFC1918 {
		if err := netpolicy.ValidateBindAddr(d.cfg.Metrics.Addr); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", d.collector.Handler())

	serverConfig := server.Config{
		Addr:            d.cfg.Metrics.Addr,
		ReadTimeout:     d.cfg.Server.ReadTimeout,
		WriteTimeout:    d.cfg.Server.WriteTimeout,
		ShutdownTimeout: d.cfg.Server.ShutdownTimeout,
	}
	var opts []server.Option
	if d.listen != nil {
		opts = append(opts, server.WithListenFunc(d.listen))
	}
	d.metricsSrv = server.NewManager(mux, serverConfig, d.logger, opts...)
	if err := d.metricsSrv.Start(); err != nil {
		return err
	}
	d.forwardErrors(d.metricsSrv.Errors())

	d.logger.Info("Metrics server started", zap.String("addr", d.metricsSrv.Addr()))
	return nil
}

// startReloader 只热更新日志级别，其余字段变化需要重启
func (d *Daemon) startReloader(ctx context.Context) error {
	if d.loader == nil {
		return config.ErrNoConfigPath
	}
	reloader, err := config.NewReloader(d.loader, d.logger, config.WithReloadClock(d.clock))
	if err != nil {
		return err
	}
	reloader.OnReload(d.applyReload)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		reloader.Run(ctx)
	}()
	return nil
}

func (d *Daemon) applyReload(next *config.Config) {
	level := parseLevel(next.Log.Level)
	if level != d.level.Level() {
		d.level.SetLevel(level)
		d.logger.Info("log level changed", zap.String("level", level.String()))
	}
	if next.Server != d.cfg.Server || next.Discovery != d.cfg.Discovery || next.Audit != d.cfg.Audit {
		d.logger.Warn("configuration changed in fields that require a restart")
	}
}

// retentionLoop 定期删除超出保留期的审计记录
func (d *Daemon) retentionLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := d.clock.NewTicker(auditRetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			d.pruneAudit(ctx)
		}
	}
}

func (d *Daemon) pruneAudit(ctx context.Context) int64 {
	before := d.clock.Now().Add(-d.cfg.Audit.Retention)
	n, err := d.auditStore.Prune(ctx, before)
	if err != nil {
		d.logger.Warn("audit retention failed", zap.Error(err))
		return 0
	}
	if n > 0 {
		d.logger.Info("audit entries pruned", zap.Int64("count", n))
	}
	return n
}

func (d *Daemon) forwardErrors(ch <-chan error) {
	if ch == nil {
		return
	}
	go func() {
		for err := range ch {
			select {
			case d.errCh <- err:
			default:
			}
		}
	}()
}

// Errors 报告启动后监听失败
func (d *Daemon) Errors() <-chan error { return d.errCh }

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// Shutdown 停止全部组件，可重复调用
func (d *Daemon) Shutdown(ctx context.Context) {
	d.shutdown.Do(func() {
		d.logger.Info("Starting shutdown...")

		if d.cancel != nil {
			d.cancel()
		}

		// 1. 协调服务器（关闭连接、吊销 Token、停止发现）
		if d.coordinator != nil {
			if err := d.coordinator.Stop(); err != nil {
				d.logger.Error("coordination server shutdown error", zap.Error(err))
			}
		}

		// 2. 指标监听
		if d.metricsSrv != nil {
			if err := d.metricsSrv.Shutdown(ctx); err != nil {
				d.logger.Error("Metrics server shutdown error", zap.Error(err))
			}
		}

		d.wg.Wait()
		d.release()

		// 3. 遥测最后刷新
		if d.otel != nil {
			if err := d.otel.Shutdown(ctx); err != nil {
				d.logger.Warn("telemetry shutdown error", zap.Error(err))
			}
		}
		d.logger.Info("Shutdown completed")
	})
}

// release 关闭未交给协调服务器管理的资源
func (d *Daemon) release() {
	// 发现服务启动过才会自行关闭传输
	if !d.started || !d.cfg.Discovery.Enabled {
		for _, t := range d.transports {
			_ = t.Close()
		}
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			d.logger.Warn("redis close error", zap.Error(err))
		}
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.logger.Warn("database close error", zap.Error(err))
		}
	}
}
