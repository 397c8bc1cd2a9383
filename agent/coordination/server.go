package coordination

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/macawi-ai/cyreal-sub001/agent/capabilities"
	"github.com/macawi-ai/cyreal-sub001/agent/discovery"
	"github.com/macawi-ai/cyreal-sub001/agent/guardrails"
	"github.com/macawi-ai/cyreal-sub001/agent/protocol/a2a"
	"github.com/macawi-ai/cyreal-sub001/agent/tokens"
	"github.com/macawi-ai/cyreal-sub001/internal/audit"
	"github.com/macawi-ai/cyreal-sub001/internal/metrics"
	"github.com/macawi-ai/cyreal-sub001/internal/netpolicy"
	"github.com/macawi-ai/cyreal-sub001/internal/server"
	"github.com/macawi-ai/cyreal-sub001/internal/tlsutil"
)

// HTTP surface.
const (
	PathRPC         = "/a2a"
	PathWebSocket   = "/a2a/ws"
	PathHealth      = "/health"
	HeaderAgentID   = "X-Agent-ID"
	HeaderRequestID = "X-Request-ID"
)

// Lifecycle errors.
var (
	ErrAlreadyStarted = errors.New("coordination: server already started")
	ErrStopped        = errors.New("coordination: server stopped")
)

// =============================================================================
// ⚙️ 配置
// =============================================================================

// Config holds coordination server settings.
type Config struct {
	// Addr is the host:port to bind.
	Addr string `json:"addr"`

	// EnforceRFC1918 refuses to bind outside the private ranges.
	EnforceRFC1918 bool `json:"enforce_rfc1918"`

	// AllowInsecureHTTP serves plain HTTP instead of HTTPS.
	AllowInsecureHTTP bool `json:"allow_insecure_http"`

	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`

	// TLSConfig takes precedence over CertFile/KeyFile when set.
	TLSConfig *tls.Config `json:"-"`

	// MaxBodyBytes caps the request body.
	MaxBodyBytes int64 `json:"max_body_bytes"`

	// RateLimit requests are allowed per RateWindow and source IP.
	RateLimit  int           `json:"rate_limit"`
	RateWindow time.Duration `json:"rate_window"`

	// RequestTimeout bounds SendRequest.
	RequestTimeout time.Duration `json:"request_timeout"`

	// RegistrySweepInterval is the period of the heartbeat sweep.
	RegistrySweepInterval time.Duration `json:"registry_sweep_interval"`

	// HeartbeatTimeout defaults to the registry's configured timeout.
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout"`

	// EnableDiscovery starts the ServiceDiscovery loops with the server.
	EnableDiscovery bool `json:"enable_discovery"`

	// Identity advertised on the server's agent card.
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// HTTP tunes the listener. Its Addr is ignored.
	HTTP server.Config `json:"http"`
}

// DefaultConfig returns the default coordination settings.
func DefaultConfig() Config {
	return Config{
		Addr:                  "127.0.0.1:3500",
		EnforceRFC1918:        true,
		MaxBodyBytes:          1 << 20,
		RateLimit:             100,
		RateWindow:            time.Minute,
		RequestTimeout:        30 * time.Second,
		RegistrySweepInterval: 60 * time.Second,
		EnableDiscovery:       true,
		Name:                  "cyreal coordinator",
		Description:           "Cyreal agent coordination server",
		Version:               "1.0.0",
		HTTP:                  server.DefaultConfig(),
	}
}

// Dependencies are the collaborators the server drives. Discovery, Audit and
// Metrics are optional.
type Dependencies struct {
	Tokens       *tokens.Manager
	Registry     *discovery.AgentRegistry
	Discovery    *discovery.ServiceDiscovery
	Validator    *guardrails.MessageValidator
	Capabilities *capabilities.Registry
	Audit        audit.Sink
	Metrics      *metrics.Collector
}

// Option customises a Server.
type Option func(*Server)

// WithClock sets the time source for sweeps, rate limiting and request
// timeouts.
func WithClock(c clock.WithTicker) Option {
	return func(s *Server) { s.clock = c }
}

// WithListenFunc replaces the function that opens the listening socket.
func WithListenFunc(fn server.ListenFunc) Option {
	return func(s *Server) { s.listen = fn }
}

// =============================================================================
// 🌐 协调服务器
// =============================================================================

// Server is the coordination server.
type Server struct {
	id     string
	config Config

	tokens       *tokens.Manager
	registry     *discovery.AgentRegistry
	discovery    *discovery.ServiceDiscovery
	validator    *guardrails.MessageValidator
	capabilities *capabilities.Registry
	audit        audit.Sink
	metrics      *metrics.Collector

	builtins map[string]builtin
	limiter  *rateLimiter
	hub      *hub
	handler  http.Handler

	clock  clock.WithTicker
	listen server.ListenFunc
	logger *zap.Logger

	mu        sync.RWMutex
	sessions  map[string]*session
	selfCard  *a2a.AgentCard
	listener  *server.Manager
	running   bool
	stopped   bool
	startedAt time.Time
	subID     string
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a coordination server. Tokens, Registry, Validator and
// Capabilities are required.
func New(config Config, deps Dependencies, logger *zap.Logger, opts ...Option) (*Server, error) {
	if deps.Tokens == nil || deps.Registry == nil || deps.Validator == nil || deps.Capabilities == nil {
		return nil, fmt.Errorf("coordination: tokens, registry, validator and capabilities are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config = withDefaults(config, deps.Registry)
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}

	s := &Server{
		id:           uuid.NewString(),
		config:       config,
		tokens:       deps.Tokens,
		registry:     deps.Registry,
		discovery:    deps.Discovery,
		validator:    deps.Validator,
		capabilities: deps.Capabilities,
		audit:        deps.Audit,
		metrics:      deps.Metrics,
		clock:        clock.RealClock{},
		logger:       logger.With(zap.String("component", "coordination")),
		sessions:     make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.limiter = newRateLimiter(config.RateLimit, config.RateWindow, s.clock)
	s.hub = newHub(s.logger)
	s.builtins = s.builtinMethods()
	s.selfCard = s.buildSelfCard()
	s.handler = s.buildHandler()
	s.subID = s.registry.Subscribe(s.onRegistryEvent)
	return s, nil
}

func withDefaults(config Config, registry *discovery.AgentRegistry) Config {
	defaults := DefaultConfig()
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaults.RateLimit
	}
	if config.RateWindow <= 0 {
		config.RateWindow = defaults.RateWindow
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.RegistrySweepInterval <= 0 {
		config.RegistrySweepInterval = registry.Config().SweepInterval
	}
	if config.RegistrySweepInterval <= 0 {
		config.RegistrySweepInterval = defaults.RegistrySweepInterval
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = registry.Config().HeartbeatTimeout
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = discovery.DefaultRegistryConfig().HeartbeatTimeout
	}
	if config.Name == "" {
		config.Name = defaults.Name
	}
	if config.Version == "" {
		config.Version = defaults.Version
	}
	if config.HTTP == (server.Config{}) {
		config.HTTP = defaults.HTTP
	}
	return config
}

// ID returns the server's agent id.
func (s *Server) ID() string { return s.id }

// Handler returns the HTTP handler serving the coordination endpoints.
func (s *Server) Handler() http.Handler { return s.handler }

// SelfCard returns a copy of the server's agent card.
func (s *Server) SelfCard() *a2a.AgentCard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selfCard.Clone()
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr()
}

// IsRunning reports whether Start succeeded and Stop has not been called.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PathRPC, s.handleRPC)
	mux.HandleFunc(PathWebSocket, s.handleWebSocket)
	mux.HandleFunc(PathHealth, s.handleHealth)

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(!s.config.AllowInsecureHTTP),
		CORS(),
		RequestLogger(s.logger, s.clock),
	}
	if s.metrics != nil {
		middlewares = append(middlewares, MetricsMiddleware(s.metrics, s.clock))
	}
	middlewares = append(middlewares, OTelTracing())
	return Chain(mux, middlewares...)
}

// buildSelfCard describes this server: built-in methods, registered
// capabilities and the endpoints it will listen on.
func (s *Server) buildSelfCard() *a2a.AgentCard {
	card := a2a.NewAgentCard(s.id, s.config.Name, s.config.Description, s.config.Version, s.clock.Now())
	card.AddCapability(a2a.MethodAgentDiscover, "Agent Discover", "List registered agents", a2a.CategoryNetwork)
	card.AddCapability(a2a.MethodGovernanceStatus, "Governance Status", "Report coordinator health", a2a.CategoryGovernance)
	card.AddCapability(a2a.MethodPing, "Ping", "Liveness check", a2a.CategoryMonitoring)
	card.Capabilities = append(card.Capabilities, s.capabilities.Descriptors()...)

	scheme, wsScheme := "https", "wss"
	if s.config.AllowInsecureHTTP {
		scheme, wsScheme = "http", "ws"
	}
	card.AddEndpoint(scheme+"://"+s.config.Addr+PathRPC, scheme, "POST")
	card.AddEndpoint(wsScheme+"://"+s.config.Addr+PathWebSocket, "websocket", "GET")
	card.SetMetadata("rfc1918", strconv.FormatBool(s.config.EnforceRFC1918))
	return card
}

// =============================================================================
// 🎯 启动与停止
// =============================================================================

// Start validates the bind address, opens the listener and starts the
// background loops. With EnforceRFC1918 a public or unspecified host is
// rejected before any socket is opened.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.running {
		return ErrAlreadyStarted
	}

	if s.config.EnforceRFC1918 {
		if err := netpolicy.ValidateBindAddr(s.config.Addr); err != nil {
			s.logger.Error("refusing to bind outside private networks", zap.String("addr", s.config.Addr), zap.Error(err))
			s.recordAudit(ctx, audit.Entry{
				Type:     audit.EventPolicyViolation,
				Severity: audit.SeverityCritical,
				Message:  "bind address rejected by private network policy",
				Details:  map[string]any{"addr": s.config.Addr},
			})
			return fmt.Errorf("coordination: %w", err)
		}
	}

	httpConfig := s.config.HTTP
	httpConfig.Addr = s.config.Addr
	var serverOpts []server.Option
	if s.listen != nil {
		serverOpts = append(serverOpts, server.WithListenFunc(s.listen))
	}
	mgr := server.NewManager(s.handler, httpConfig, s.logger, serverOpts...)

	if s.config.AllowInsecureHTTP {
		s.logger.Warn("serving plain HTTP: TLS disabled by configuration", zap.String("addr", s.config.Addr))
		if err := mgr.Start(); err != nil {
			return fmt.Errorf("coordination: %w", err)
		}
	} else {
		tlsConfig, err := s.tlsConfig()
		if err != nil {
			return fmt.Errorf("coordination: %w", err)
		}
		if err := mgr.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("coordination: %w", err)
		}
	}
	s.listener = mgr

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.tokens.Start(loopCtx)
	if s.discovery != nil && s.config.EnableDiscovery {
		s.discovery.SetLocalCard(s.selfCard)
		s.discovery.Start(loopCtx)
	}
	s.wg.Add(1)
	go s.sweepLoop(loopCtx)

	s.running = true
	s.startedAt = s.clock.Now()
	s.logger.Info("coordination server started",
		zap.String("server_id", s.id),
		zap.String("addr", mgr.Addr()),
		zap.Bool("tls", !s.config.AllowInsecureHTTP),
		zap.Bool("rfc1918", s.config.EnforceRFC1918),
	)
	s.recordAudit(ctx, audit.Entry{
		Type:     audit.EventServerStarted,
		Severity: audit.SeverityInfo,
		Message:  "coordination server started",
		Details:  map[string]any{"addr": s.config.Addr, "tls": !s.config.AllowInsecureHTTP},
	})
	return nil
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	if s.config.TLSConfig != nil {
		return s.config.TLSConfig, nil
	}
	return tlsutil.ServerConfig(s.config.CertFile, s.config.KeyFile)
}

// Stop closes every connection, removes every agent (revoking its token),
// stops the loops and closes the listener. It does not drain.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	wasRunning := s.running
	s.running = false
	cancel := s.cancel
	mgr := s.listener
	s.mu.Unlock()

	closed := s.hub.closeAll()
	for _, agent := range s.registry.List() {
		if !s.removeAgent(agent.Card.AgentID, ReasonShutdown) {
			_, _ = s.registry.Unregister(agent.Card.AgentID)
		}
	}
	s.registry.Unsubscribe(s.subID)

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if wasRunning {
		s.tokens.Stop()
		if s.discovery != nil && s.config.EnableDiscovery {
			s.discovery.Stop()
		}
	}

	var err error
	if mgr != nil {
		err = mgr.Close()
	}
	s.logger.Info("coordination server stopped", zap.Int("connections_closed", closed))
	s.recordAudit(context.Background(), audit.Entry{
		Type:     audit.EventServerStopped,
		Severity: audit.SeverityInfo,
		Message:  "coordination server stopped",
	})
	return err
}

// Errors returns listener failures reported after Start.
func (s *Server) Errors() <-chan error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Errors()
}

// =============================================================================
// 🔄 后台清理
// =============================================================================

func (s *Server) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.config.RegistrySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.sweepOnce()
		}
	}
}

// sweepOnce runs one maintenance pass. A panic is logged and the loop keeps
// running.
func (s *Server) sweepOnce() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("coordination sweep panicked", zap.Any("panic", r))
		}
	}()

	expired := s.expireStale()
	visitors := s.limiter.Prune()
	sessions := s.pruneSessions()
	if len(expired) > 0 || visitors > 0 || sessions > 0 {
		s.logger.Debug("coordination sweep",
			zap.Strings("expired_agents", expired),
			zap.Int("rate_limit_entries_pruned", visitors),
			zap.Int("sessions_pruned", sessions),
		)
	}
	s.refreshGauges()
}

func (s *Server) refreshGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.SetRegisteredAgents(len(s.registry.List()))
	stats := s.tokens.Stats()
	s.metrics.SetTokens(stats.Active, stats.Revoked)
	s.metrics.SetWebSocketConnections(s.hub.count())
	if s.discovery != nil {
		s.metrics.SetDiscoveryCacheSize(s.discovery.Stats().TotalDiscovered)
	}
}

// =============================================================================
// 📋 审计
// =============================================================================

func (s *Server) recordAudit(ctx context.Context, e audit.Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = s.clock.Now()
	}
	if e.RequestID == "" {
		e.RequestID = requestIDFrom(ctx)
	}
	if err := s.audit.LogEvent(ctx, e); err != nil {
		s.logger.Warn("audit sink failed", zap.String("event", string(e.Type)), zap.Error(err))
	}
}
