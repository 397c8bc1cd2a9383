package coordination

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/macawi-ai/cyreal-sub001/agent/guardrails"
	"github.com/macawi-ai/cyreal-sub001/agent/protocol/a2a"
	"github.com/macawi-ai/cyreal-sub001/agent/tokens"
	"github.com/macawi-ai/cyreal-sub001/internal/audit"
	"github.com/macawi-ai/cyreal-sub001/internal/netpolicy"
	"github.com/macawi-ai/cyreal-sub001/internal/telemetry"
	"github.com/macawi-ai/cyreal-sub001/types"
)

// caller identifies the sender of one message.
type caller struct {
	agentID  string
	token    string
	remoteIP string
	claims   *tokens.Claims
}

func callerFrom(r *http.Request) caller {
	return caller{
		agentID:  strings.TrimSpace(r.Header.Get(HeaderAgentID)),
		token:    bearerToken(r.Header.Get("Authorization")),
		remoteIP: netpolicy.RemoteAddr(r.RemoteAddr),
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func requestIDFrom(ctx context.Context) string {
	id, _ := types.RequestID(ctx)
	return id
}

// =============================================================================
// 📮 POST /a2a
// =============================================================================

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST, OPTIONS")
		writeMessage(w, http.StatusMethodNotAllowed, a2a.NewErrorResponse(nil,
			types.NewInvalidRequestError("method "+r.Method+" not allowed").WithHTTPStatus(http.StatusMethodNotAllowed)))
		return
	}

	if !isJSONMediaType(r.Header.Get("Content-Type")) {
		rpcErr := types.NewInvalidRequestError("Content-Type must be application/json").
			WithHTTPStatus(http.StatusUnsupportedMediaType)
		s.observe("", rpcErr, s.clock.Now())
		writeMessage(w, statusFor(rpcErr), a2a.NewErrorResponse(nil, rpcErr))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		rpcErr := types.NewParseError("failed to read request body")
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			rpcErr = types.NewParseError(fmt.Sprintf("request body exceeds %d bytes", s.config.MaxBodyBytes)).
				WithHTTPStatus(http.StatusRequestEntityTooLarge)
		}
		s.observe("", rpcErr, s.clock.Now())
		writeMessage(w, statusFor(rpcErr), a2a.NewErrorResponse(nil, rpcErr))
		return
	}

	reply := s.process(r.Context(), body, callerFrom(r))
	if reply == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	status := http.StatusOK
	if reply.Error != nil {
		status = statusFor(reply.Error)
	}
	writeMessage(w, status, reply)
}

func isJSONMediaType(header string) bool {
	mediaType, _, err := mime.ParseMediaType(header)
	return err == nil && mediaType == "application/json"
}

// =============================================================================
// 🔁 消息流水线
// =============================================================================

// process runs one raw message through parse, authentication, rate limiting,
// validation, heartbeat and dispatch. It returns nil when no reply is due.
func (s *Server) process(ctx context.Context, raw []byte, c caller) *a2a.Message {
	start := s.clock.Now()

	msg, rpcErr := parseEnvelope(raw)
	if rpcErr != nil {
		s.observe("", rpcErr, start)
		return a2a.NewErrorResponse(nil, rpcErr)
	}

	ctx = types.WithRemoteIP(ctx, c.remoteIP)
	if c.agentID != "" {
		ctx = types.WithAgentID(ctx, c.agentID)
	}
	ctx, span := telemetry.Tracer().Start(ctx, "a2a "+spanName(msg))
	defer span.End()
	span.SetAttributes(
		attribute.String("a2a.method", msg.Method),
		attribute.String("a2a.type", string(msg.Type)),
		attribute.String("a2a.agent_id", c.agentID),
	)

	reply, rpcErr := s.handle(ctx, raw, msg, c)
	s.observe(msg.Method, rpcErr, start)
	if rpcErr != nil {
		span.SetStatus(codes.Error, rpcErr.Message)
		span.SetAttributes(attribute.Int("a2a.error_code", int(rpcErr.Code)))
		if rpcErr.Code == types.ErrInternal {
			s.logger.Error("request failed",
				zap.String("method", msg.Method),
				zap.String("agent_id", c.agentID),
				zap.String("request_id", requestIDFrom(ctx)),
				zap.Error(rpcErr.Cause),
			)
		}
		return a2a.NewErrorResponse(msg.ID, rpcErr)
	}
	return reply
}

func (s *Server) handle(ctx context.Context, raw []byte, msg *a2a.Message, c caller) (*a2a.Message, *types.Error) {
	claims, rpcErr := s.authenticate(ctx, msg, c)
	if rpcErr != nil {
		return nil, rpcErr
	}
	c.claims = claims

	if !s.limiter.Allow(c.remoteIP) {
		if s.metrics != nil {
			s.metrics.RecordRateLimited()
		}
		s.recordAudit(ctx, audit.Entry{
			Type:     audit.EventRateLimited,
			Severity: audit.SeverityWarning,
			AgentID:  c.agentID,
			RemoteIP: c.remoteIP,
			Method:   msg.Method,
			Message:  "rate limit exceeded",
		})
		return nil, types.NewRateLimitError(fmt.Sprintf("rate limit of %d requests per %s exceeded", s.config.RateLimit, s.config.RateWindow))
	}

	checked := s.validator.Validate(raw)
	if !checked.Valid {
		return nil, s.validationError(ctx, msg, c, checked.Blocking())
	}
	sanitized, err := checked.Message()
	if err != nil {
		return nil, types.NewInternalError(err)
	}
	if sanitized.Method != msg.Method || sanitized.Type != msg.Type {
		return nil, envelopeError(guardrails.ErrCodeAmbiguousField, "method")
	}

	if c.claims != nil {
		if _, err := s.registry.Heartbeat(c.agentID); err != nil {
			s.logger.Debug("heartbeat update skipped", zap.String("agent_id", c.agentID), zap.Error(err))
		}
	}

	switch sanitized.Type {
	case a2a.MessageTypeResponse, a2a.MessageTypeError:
		s.hub.resolve(c.agentID, sanitized)
		return nil, nil
	}

	result, rpcErr := s.dispatch(ctx, sanitized, c)
	if sanitized.Type == a2a.MessageTypeNotification {
		if rpcErr != nil {
			s.logger.Debug("notification failed", zap.String("method", sanitized.Method), zap.String("error", rpcErr.Message))
		}
		return nil, nil
	}
	if rpcErr != nil {
		return nil, rpcErr
	}
	reply, err := a2a.NewResponse(msg.ID, result)
	if err != nil {
		return nil, types.NewInternalError(err)
	}
	return reply, nil
}

// envelopeFields are the top-level keys the pipeline routes on.
var envelopeFields = []string{"jsonrpc", "id", "type", "method", "params", "result", "error"}

// parseEnvelope reads id, type and method from the exact top-level keys, the
// same keys the validator later checks, so authentication and dispatch always
// see one method. Only malformed JSON is a parse error; well-formed JSON of
// the wrong shape is an invalid request.
func parseEnvelope(raw []byte) (*a2a.Message, *types.Error) {
	if !json.Valid(raw) {
		return nil, types.NewParseError("message is not valid JSON")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, envelopeError(guardrails.ErrCodeNotObject, "message")
	}
	for key := range fields {
		for _, name := range envelopeFields {
			if key != name && strings.EqualFold(key, name) {
				return nil, envelopeError(guardrails.ErrCodeAmbiguousField, key)
			}
		}
	}

	msg := &a2a.Message{}
	if id, ok := fields["id"]; ok {
		if !routableID(id) {
			return nil, envelopeError(guardrails.ErrCodeInvalidType, "id")
		}
		msg.ID = id
	}
	if !decodeOptionalString(fields["type"], (*string)(&msg.Type)) {
		return nil, envelopeError(guardrails.ErrCodeInvalidType, "type")
	}
	if !decodeOptionalString(fields["method"], &msg.Method) {
		return nil, envelopeError(guardrails.ErrCodeInvalidType, "method")
	}
	return msg, nil
}

// routableID accepts null, numbers and strings that survive sanitization
// unchanged, so every reply can echo the id verbatim.
func routableID(raw json.RawMessage) bool {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return false
	}
	switch id := v.(type) {
	case nil, json.Number:
		return true
	case string:
		return guardrails.SanitizeString(id, 0) == id
	default:
		return false
	}
}

// decodeOptionalString leaves dst empty for an absent or null field.
func decodeOptionalString(raw json.RawMessage, dst *string) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return true
	}
	return json.Unmarshal(raw, dst) == nil
}

func envelopeError(code, field string) *types.Error {
	return types.NewInvalidRequestError("invalid request").WithData(map[string]any{
		"issues": []validationIssue{{Code: code, Field: field}},
	})
}

func spanName(msg *a2a.Message) string {
	if msg.Method != "" {
		return msg.Method
	}
	return string(msg.Type)
}

// =============================================================================
// 🔐 认证
// =============================================================================

// authenticate admits agent.register without a session. Everything else
// needs a token whose subject is the X-Agent-ID caller and a live session.
func (s *Server) authenticate(ctx context.Context, msg *a2a.Message, c caller) (*tokens.Claims, *types.Error) {
	if msg.Method == a2a.MethodAgentRegister && msg.Type != a2a.MessageTypeResponse && msg.Type != a2a.MessageTypeError {
		return nil, nil
	}
	return s.authenticateSession(ctx, c, msg.Method)
}

func (s *Server) authenticateSession(ctx context.Context, c caller, method string) (*tokens.Claims, *types.Error) {
	if c.agentID == "" {
		return nil, s.authFailure(ctx, c, method, "missing_agent_id", HeaderAgentID+" header is required")
	}
	if c.token == "" {
		return nil, s.authFailure(ctx, c, method, "missing_token", "bearer token is required")
	}
	claims, err := s.tokens.Verify(c.token)
	if err != nil {
		reason := "malformed"
		switch {
		case errors.Is(err, tokens.ErrExpired):
			reason = "expired"
		case errors.Is(err, tokens.ErrRevoked):
			reason = "revoked"
		case errors.Is(err, tokens.ErrBadSignature):
			reason = "bad_signature"
		}
		return nil, s.authFailure(ctx, c, method, reason, "token rejected: "+reason)
	}
	if claims.Subject != c.agentID {
		return nil, s.authFailure(ctx, c, method, "subject_mismatch", "token was not issued to "+HeaderAgentID)
	}
	if !s.authenticated(c.agentID) {
		return nil, s.authFailure(ctx, c, method, "no_session", "agent is not registered")
	}
	return claims, nil
}

func (s *Server) authFailure(ctx context.Context, c caller, method, reason, message string) *types.Error {
	if s.metrics != nil {
		s.metrics.RecordAuthFailure(reason)
	}
	s.recordAudit(ctx, audit.Entry{
		Type:     audit.EventAuthFailure,
		Severity: audit.SeverityWarning,
		AgentID:  c.agentID,
		RemoteIP: c.remoteIP,
		Method:   method,
		Message:  "authentication failed",
		Details:  map[string]any{"reason": reason},
	})
	return types.NewAuthenticationError(message).WithData(map[string]any{"reason": reason})
}

// =============================================================================
// 🧪 校验错误
// =============================================================================

// validationIssue is the client-visible form of a blocking validation error.
// Offending values are never echoed.
type validationIssue struct {
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

func (s *Server) validationError(ctx context.Context, msg *a2a.Message, c caller, blocking []guardrails.ValidationError) *types.Error {
	issues := make([]validationIssue, 0, len(blocking))
	inParams := false
	methodRejected := false
	for _, e := range blocking {
		issues = append(issues, validationIssue{Code: e.Code, Field: e.Field})
		if s.metrics != nil {
			s.metrics.RecordValidationReject(e.Code)
		}
		if e.Code == guardrails.ErrCodeMethodNotAllowed {
			methodRejected = true
		}
		if strings.HasPrefix(e.Field, "params") {
			inParams = true
		}
	}
	s.recordAudit(ctx, audit.Entry{
		Type:     audit.EventValidationRejected,
		Severity: audit.SeverityWarning,
		AgentID:  c.agentID,
		RemoteIP: c.remoteIP,
		Method:   msg.Method,
		Message:  "message rejected by validation",
		Details:  map[string]any{"issues": issues},
	})

	switch {
	case methodRejected:
		return s.methodNotFound(msg.Method)
	case inParams:
		return types.NewError(types.ErrInvalidParams, "invalid params").WithData(map[string]any{"issues": issues})
	default:
		return types.NewInvalidRequestError("invalid request").WithData(map[string]any{"issues": issues})
	}
}

// observe records one RPC outcome.
func (s *Server) observe(method string, rpcErr *types.Error, start time.Time) {
	if s.metrics == nil {
		return
	}
	code := 0
	if rpcErr != nil {
		code = int(rpcErr.Code)
	}
	s.metrics.RecordRPC(method, code, s.clock.Since(start))
}

// =============================================================================
// 🔌 GET /a2a/ws
// =============================================================================

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeMessage(w, http.StatusMethodNotAllowed, a2a.NewErrorResponse(nil,
			types.NewInvalidRequestError("method "+r.Method+" not allowed").WithHTTPStatus(http.StatusMethodNotAllowed)))
		return
	}
	if origin := r.Header.Get("Origin"); origin != "" && netpolicy.AllowedOrigin(origin) == "null" {
		rpcErr := types.NewAuthorizationError("origin not allowed")
		writeMessage(w, statusFor(rpcErr), a2a.NewErrorResponse(nil, rpcErr))
		return
	}

	c := callerFrom(r)
	if _, rpcErr := s.authenticateSession(r.Context(), c, "websocket"); rpcErr != nil {
		writeMessage(w, statusFor(rpcErr), a2a.NewErrorResponse(nil, rpcErr))
		return
	}
	if !s.limiter.Allow(c.remoteIP) {
		if s.metrics != nil {
			s.metrics.RecordRateLimited()
		}
		rpcErr := types.NewRateLimitError("rate limit exceeded")
		writeMessage(w, statusFor(rpcErr), a2a.NewErrorResponse(nil, rpcErr))
		return
	}

	// 来源已按私网策略检查
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("agent_id", c.agentID), zap.Error(err))
		return
	}
	conn.SetReadLimit(s.config.MaxBodyBytes)

	ac := newAgentConn(c.agentID, conn)
	s.hub.add(ac)
	s.refreshGauges()
	s.logger.Info("agent connected", zap.String("agent_id", c.agentID), zap.String("remote_ip", c.remoteIP))

	defer func() {
		s.hub.remove(ac)
		ac.closeNow()
		s.refreshGauges()
		s.logger.Info("agent disconnected", zap.String("agent_id", c.agentID))
	}()
	s.serveConn(r.Context(), ac, c)
}

// serveConn reads messages until the connection closes. Every message goes
// through the same pipeline as POST /a2a.
func (s *Server) serveConn(ctx context.Context, ac *agentConn, c caller) {
	for {
		typ, data, err := ac.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && !ac.closed.Load() {
				s.logger.Debug("websocket read failed", zap.String("agent_id", ac.agentID), zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText {
			ac.closeSync(websocket.StatusUnsupportedData, "text frames only")
			return
		}
		reply := s.process(ctx, data, c)
		if reply == nil {
			continue
		}
		if err := ac.send(ctx, reply); err != nil {
			s.logger.Debug("websocket reply failed", zap.String("agent_id", ac.agentID), zap.Error(err))
			return
		}
	}
}

// =============================================================================
// ❤️ GET /health
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.Health())
}
