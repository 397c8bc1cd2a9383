package coordination

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/macawi-ai/cyreal-sub001/agent/capabilities"
	"github.com/macawi-ai/cyreal-sub001/agent/capabilities/serial"
	"github.com/macawi-ai/cyreal-sub001/agent/discovery"
	"github.com/macawi-ai/cyreal-sub001/agent/guardrails"
	"github.com/macawi-ai/cyreal-sub001/agent/protocol/a2a"
	"github.com/macawi-ai/cyreal-sub001/agent/tokens"
	"github.com/macawi-ai/cyreal-sub001/internal/audit"
	"github.com/macawi-ai/cyreal-sub001/internal/metrics"
	"github.com/macawi-ai/cyreal-sub001/testutil/fixtures"
	"github.com/macawi-ai/cyreal-sub001/testutil/mocks"
)

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

const testSecret = "coordination-test-secret-0123456789"

// =============================================================================
// 📋 审计记录
// =============================================================================

type recordingSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *recordingSink) LogEvent(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *recordingSink) ofType(t audit.EventType) []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Entry
	for _, e := range s.entries {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// =============================================================================
// 🧰 测试装置
// =============================================================================

type harness struct {
	t         *testing.T
	fc        *testingclock.FakeClock
	tokens    *tokens.Manager
	registry  *discovery.AgentRegistry
	discovery *discovery.ServiceDiscovery
	provider  *mocks.MockProvider
	sink      *recordingSink
	metrics   *metrics.Collector
	srv       *Server
	ts        *httptest.Server

	// url and client reach whichever listener serves srv
	url    string
	client *http.Client
}

type harnessOptions struct {
	config   func(*Config)
	noSerial bool
	logger   *zap.Logger
	opts     []Option
}

func withConfig(fn func(*Config)) func(*harnessOptions) {
	return func(o *harnessOptions) { o.config = fn }
}

func withoutSerial() func(*harnessOptions) {
	return func(o *harnessOptions) { o.noSerial = true }
}

func withLogger(logger *zap.Logger) func(*harnessOptions) {
	return func(o *harnessOptions) { o.logger = logger }
}

func withServerOptions(opts ...Option) func(*harnessOptions) {
	return func(o *harnessOptions) { o.opts = append(o.opts, opts...) }
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AllowInsecureHTTP = true
	cfg.RateLimit = 1000
	return cfg
}

// newServerHarness builds a server on a fake clock without serving it.
func newServerHarness(t *testing.T, options ...func(*harnessOptions)) *harness {
	t.Helper()
	var o harnessOptions
	for _, fn := range options {
		fn(&o)
	}

	logger := zap.NewNop()
	h := &harness{
		t:        t,
		fc:       testingclock.NewFakeClock(epoch),
		provider: mocks.NewMockProvider().WithPort("/dev/ttyUSB0").WithPort("/dev/ttyUSB1"),
		sink:     &recordingSink{},
		metrics:  metrics.NewCollector("test", logger),
	}

	var err error
	h.tokens, err = tokens.NewManager(tokens.Config{Secret: testSecret}, logger, tokens.WithClock(h.fc))
	require.NoError(t, err)
	h.registry = discovery.NewAgentRegistry(nil, logger, discovery.WithRegistryClock(h.fc))
	h.discovery = discovery.NewServiceDiscovery(nil, h.registry, logger, discovery.WithServiceClock(h.fc))

	caps := capabilities.NewRegistry(logger)
	if !o.noSerial {
		require.NoError(t, caps.RegisterCapability(serial.New(h.provider, logger)))
	}

	cfg := testConfig()
	if o.config != nil {
		o.config(&cfg)
	}
	opts := append([]Option{WithClock(h.fc)}, o.opts...)
	serverLogger := logger
	if o.logger != nil {
		serverLogger = o.logger
	}
	h.srv, err = New(cfg, Dependencies{
		Tokens:       h.tokens,
		Registry:     h.registry,
		Discovery:    h.discovery,
		Validator:    guardrails.NewMessageValidator(nil),
		Capabilities: caps,
		Audit:        h.sink,
		Metrics:      h.metrics,
	}, serverLogger, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.srv.Stop() })
	return h
}

// newHarness serves the handler on an httptest server.
func newHarness(t *testing.T, options ...func(*harnessOptions)) *harness {
	t.Helper()
	h := newServerHarness(t, options...)
	h.ts = httptest.NewServer(h.srv.Handler())
	t.Cleanup(h.ts.Close)
	h.url, h.client = h.ts.URL, h.ts.Client()
	return h
}

// =============================================================================
// 📮 HTTP 调用
// =============================================================================

type rpcResponse struct {
	status int
	header http.Header
	msg    *a2a.Message
}

func (r rpcResponse) errorReason() string {
	if r.msg == nil || r.msg.Error == nil {
		return ""
	}
	data, _ := r.msg.Error.Data.(map[string]any)
	reason, _ := data["reason"].(string)
	return reason
}

type identity struct {
	agentID string
	token   string
}

func (h *harness) post(body []byte, id identity) rpcResponse {
	h.t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.url+PathRPC, bytes.NewReader(body))
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	if id.agentID != "" {
		req.Header.Set(HeaderAgentID, id.agentID)
	}
	if id.token != "" {
		req.Header.Set("Authorization", "Bearer "+id.token)
	}
	return h.do(req)
}

func (h *harness) do(req *http.Request) rpcResponse {
	h.t.Helper()
	resp, err := h.client.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)

	out := rpcResponse{status: resp.StatusCode, header: resp.Header}
	if len(bytes.TrimSpace(raw)) > 0 {
		var msg a2a.Message
		require.NoError(h.t, json.Unmarshal(raw, &msg), "body: %s", raw)
		out.msg = &msg
	}
	return out
}

func (h *harness) call(method string, params any, id identity) rpcResponse {
	h.t.Helper()
	msg, err := a2a.NewRequest(method, params)
	require.NoError(h.t, err)
	body, err := json.Marshal(msg)
	require.NoError(h.t, err)
	return h.post(body, id)
}

// register registers a fresh valid card and returns its identity.
func (h *harness) register() (identity, *a2a.AgentCard) {
	h.t.Helper()
	card := fixtures.ValidCard(h.fc.Now())
	return h.registerCard(card), card
}

func (h *harness) registerCard(card *a2a.AgentCard) identity {
	h.t.Helper()
	resp := h.call(a2a.MethodAgentRegister, a2a.RegisterParams{AgentCard: *card}, identity{})
	require.Equal(h.t, http.StatusOK, resp.status)
	require.NotNil(h.t, resp.msg)
	require.Nil(h.t, resp.msg.Error, "register failed: %+v", resp.msg.Error)

	var result a2a.RegisterResult
	require.NoError(h.t, resp.msg.DecodeResult(&result))
	require.NotEmpty(h.t, result.Token)
	return identity{agentID: card.AgentID, token: result.Token}
}

// =============================================================================
// 🔌 WebSocket
// =============================================================================

func (h *harness) dial(ctx context.Context, id identity) *websocket.Conn {
	h.t.Helper()
	header := http.Header{}
	header.Set(HeaderAgentID, id.agentID)
	header.Set("Authorization", "Bearer "+id.token)

	url := "ws" + strings.TrimPrefix(h.url, "http") + PathWebSocket
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: h.client, HTTPHeader: header})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readMessage(ctx context.Context, t *testing.T, conn *websocket.Conn) *a2a.Message {
	t.Helper()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	var msg a2a.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return &msg
}

func writeMessageWS(ctx context.Context, t *testing.T, conn *websocket.Conn, msg *a2a.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}
