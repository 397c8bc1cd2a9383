package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/macawi-ai/cyreal-sub001/agent/protocol/a2a"
)

// Connection and correlation errors.
var (
	ErrDuplicateRequest  = errors.New("coordination: a request with this id is already pending")
	ErrAgentNotConnected = errors.New("coordination: agent has no live connection")
	ErrRequestTimeout    = errors.New("coordination: request timed out")
	ErrMissingRequestID  = errors.New("coordination: request id is required")
)

const (
	broadcastWriteTimeout = 5 * time.Second
	broadcastParallelism  = 16
)

// =============================================================================
// 🔌 Agent 连接
// =============================================================================

// agentConn 是一个 Agent 的 WebSocket 连接，写操作串行化
type agentConn struct {
	agentID string
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func newAgentConn(agentID string, conn *websocket.Conn) *agentConn {
	return &agentConn{agentID: agentID, conn: conn}
}

func (c *agentConn) send(ctx context.Context, msg *a2a.Message) error {
	if c.closed.Load() {
		return fmt.Errorf("connection to %s is closed", c.agentID)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// close 发送关闭帧；握手在后台完成，不阻塞调用方
func (c *agentConn) close(code websocket.StatusCode, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	go func() { _ = c.conn.Close(code, reason) }()
}

// closeSync 在当前 goroutine 完成关闭握手，只能由读循环调用
func (c *agentConn) closeSync(code websocket.StatusCode, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	_ = c.conn.Close(code, reason)
}

// closeNow 立即断开
func (c *agentConn) closeNow() {
	c.closed.Store(true)
	_ = c.conn.CloseNow()
}

// =============================================================================
// 🧭 连接表与请求关联
// =============================================================================

type pendingRequest struct {
	target string
	ch     chan *a2a.Message
}

// hub 持有在线连接表与未完成的请求关联
type hub struct {
	mu    sync.RWMutex
	conns map[string]*agentConn

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	logger *zap.Logger
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		conns:   make(map[string]*agentConn),
		pending: make(map[string]*pendingRequest),
		logger:  logger,
	}
}

// add 登记连接，同一 Agent 的旧连接被关闭
func (h *hub) add(c *agentConn) {
	h.mu.Lock()
	old := h.conns[c.agentID]
	h.conns[c.agentID] = c
	h.mu.Unlock()

	if old != nil {
		old.close(websocket.StatusPolicyViolation, "superseded by a new connection")
	}
}

// remove 仅当表中仍是 c 时才删除
func (h *hub) remove(c *agentConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[c.agentID] == c {
		delete(h.conns, c.agentID)
	}
}

func (h *hub) get(agentID string) (*agentConn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[agentID]
	return c, ok
}

func (h *hub) closeAgent(agentID string, code websocket.StatusCode, reason string) {
	h.mu.Lock()
	c, ok := h.conns[agentID]
	delete(h.conns, agentID)
	h.mu.Unlock()

	if ok {
		c.close(code, reason)
	}
}

func (h *hub) closeAll() int {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*agentConn)
	h.mu.Unlock()

	for _, c := range conns {
		c.closeNow()
	}
	return len(conns)
}

func (h *hub) snapshot() []*agentConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*agentConn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *hub) addPending(key string, p *pendingRequest) bool {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	if _, exists := h.pending[key]; exists {
		return false
	}
	h.pending[key] = p
	return true
}

func (h *hub) removePending(key string, p *pendingRequest) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	if h.pending[key] == p {
		delete(h.pending, key)
	}
}

// resolve 将回复交给等待中的请求，只接受目标 Agent 发来的首个回复
func (h *hub) resolve(from string, reply *a2a.Message) bool {
	key := reply.Key()

	h.pendingMu.Lock()
	p, ok := h.pending[key]
	if ok && p.target == from {
		delete(h.pending, key)
	}
	h.pendingMu.Unlock()

	if !ok || p.target != from {
		h.logger.Debug("dropping uncorrelated reply", zap.String("agent_id", from), zap.String("id", key))
		return false
	}
	p.ch <- reply
	return true
}

func (h *hub) pendingCount() int {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	return len(h.pending)
}

// =============================================================================
// 📣 广播与主动请求
// =============================================================================

// Broadcast sends msg to every live connection except excludeID. Delivery is
// best effort: failures are logged and counted, never returned. It returns
// the number of connections the message was written to.
func (s *Server) Broadcast(ctx context.Context, msg *a2a.Message, excludeID string) int {
	var delivered, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(broadcastParallelism)
	for _, c := range s.hub.snapshot() {
		if c.agentID == excludeID {
			continue
		}
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, broadcastWriteTimeout)
			defer cancel()
			if err := c.send(sendCtx, msg); err != nil {
				failed.Add(1)
				s.logger.Debug("broadcast delivery failed", zap.String("agent_id", c.agentID), zap.Error(err))
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if s.metrics != nil {
		s.metrics.RecordBroadcast(int(delivered.Load()), int(failed.Load()))
	}
	return int(delivered.Load())
}

// SendRequest writes msg to targetID's connection and waits for the first
// reply carrying the same id. Only one request per id may be outstanding.
func (s *Server) SendRequest(ctx context.Context, targetID string, msg *a2a.Message) (*a2a.Message, error) {
	if msg == nil || len(msg.ID) == 0 || string(msg.ID) == "null" {
		return nil, ErrMissingRequestID
	}
	conn, ok := s.hub.get(targetID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotConnected, targetID)
	}

	key := msg.Key()
	p := &pendingRequest{target: targetID, ch: make(chan *a2a.Message, 1)}
	if !s.hub.addPending(key, p) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, key)
	}
	defer s.hub.removePending(key, p)

	if err := conn.send(ctx, msg); err != nil {
		s.recordOutbound("error")
		return nil, fmt.Errorf("send request to %s: %w", targetID, err)
	}

	timer := s.clock.NewTimer(s.config.RequestTimeout)
	defer timer.Stop()

	select {
	case reply := <-p.ch:
		s.recordOutbound("ok")
		return reply, nil
	case <-timer.C():
		s.recordOutbound("timeout")
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, key, s.config.RequestTimeout)
	case <-ctx.Done():
		s.recordOutbound("canceled")
		return nil, ctx.Err()
	}
}

func (s *Server) recordOutbound(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordOutboundRequest(outcome)
	}
}
