package coordination

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/macawi-ai/cyreal-sub001/agent/capabilities"
	"github.com/macawi-ai/cyreal-sub001/agent/discovery"
	"github.com/macawi-ai/cyreal-sub001/agent/protocol/a2a"
	"github.com/macawi-ai/cyreal-sub001/agent/tokens"
	"github.com/macawi-ai/cyreal-sub001/internal/audit"
	"github.com/macawi-ai/cyreal-sub001/types"
)

// builtin is a method served by the coordinator itself.
type builtin struct {
	permission capabilities.Permission
	handle     func(ctx context.Context, msg *a2a.Message, c caller) (any, *types.Error)
}

func (s *Server) builtinMethods() map[string]builtin {
	return map[string]builtin{
		a2a.MethodAgentRegister:    {handle: s.handleRegister},
		a2a.MethodAgentDiscover:    {permission: capabilities.PermissionRead, handle: s.handleDiscover},
		a2a.MethodAgentUnregister:  {permission: capabilities.PermissionRead, handle: s.handleUnregister},
		a2a.MethodHeartbeat:        {permission: capabilities.PermissionRead, handle: s.handleHeartbeat},
		a2a.MethodPing:             {permission: capabilities.PermissionRead, handle: s.handlePing},
		a2a.MethodGovernanceStatus: {permission: capabilities.PermissionRead, handle: s.handleGovernanceStatus},
	}
}

// SupportedMethods returns every method with a handler, sorted.
func (s *Server) SupportedMethods() []string {
	methods := make([]string, 0, len(s.builtins))
	for name := range s.builtins {
		methods = append(methods, name)
	}
	methods = append(methods, s.capabilities.Methods()...)
	sort.Strings(methods)
	return methods
}

// dispatch routes a validated request to a built-in method or the capability
// table.
func (s *Server) dispatch(ctx context.Context, msg *a2a.Message, c caller) (any, *types.Error) {
	if b, ok := s.builtins[msg.Method]; ok {
		if b.permission != "" {
			if rpcErr := s.authorize(ctx, msg.Method, b.permission, c); rpcErr != nil {
				return nil, rpcErr
			}
		}
		return b.handle(ctx, msg, c)
	}

	fn, meta, ok := s.capabilities.Lookup(msg.Method)
	if !ok {
		return nil, s.methodNotFound(msg.Method)
	}
	if rpcErr := s.authorize(ctx, msg.Method, meta.Permission, c); rpcErr != nil {
		return nil, rpcErr
	}

	callCtx, cancel := context.WithTimeout(ctx, meta.Timeout)
	defer cancel()
	result, err := fn(callCtx, msg.Params)
	if err != nil {
		if rpcErr, ok := types.AsError(err); ok {
			return nil, rpcErr
		}
		return nil, types.NewInternalError(err)
	}
	return result, nil
}

func (s *Server) methodNotFound(method string) *types.Error {
	return types.NewError(types.ErrMethodNotFound, "method not found: "+method).
		WithData(map[string]any{"supported": s.SupportedMethods()})
}

// authorize checks the caller's token grants against the method's permission.
func (s *Server) authorize(ctx context.Context, method string, need capabilities.Permission, c caller) *types.Error {
	if c.claims != nil && permits(c.claims.Permissions, need) {
		return nil
	}
	s.recordAudit(ctx, audit.Entry{
		Type:     audit.EventPermissionDenied,
		Severity: audit.SeverityWarning,
		AgentID:  c.agentID,
		RemoteIP: c.remoteIP,
		Method:   method,
		Message:  "permission denied",
		Details:  map[string]any{"required": string(need)},
	})
	return types.NewAuthorizationError(string(need) + " permission required for " + method)
}

func permits(p tokens.Permissions, need capabilities.Permission) bool {
	switch need {
	case capabilities.PermissionRead:
		return p.Read
	case capabilities.PermissionWrite:
		return p.Write
	case capabilities.PermissionConfigure:
		return p.Configure
	default:
		return false
	}
}

// =============================================================================
// 🤝 agent.register
// =============================================================================

func (s *Server) handleRegister(ctx context.Context, msg *a2a.Message, c caller) (any, *types.Error) {
	var params a2a.RegisterParams
	if err := msg.DecodeParams(&params); err != nil {
		return nil, types.NewError(types.ErrInvalidParams, "agentCard is required")
	}
	card := &params.AgentCard
	if c.agentID != "" && c.agentID != card.AgentID {
		return nil, s.authFailure(ctx, c, msg.Method, "subject_mismatch", HeaderAgentID+" does not match agentCard.agentId")
	}

	pair, err := s.tokens.AuthenticateAgentCard(card)
	if err != nil {
		if errors.Is(err, tokens.ErrInvalidCard) {
			c.agentID = card.AgentID
			return nil, s.authFailure(ctx, c, msg.Method, "invalid_card", "agent card rejected").
				WithData(map[string]any{"reason": "invalid_card", "detail": err.Error()})
		}
		return nil, types.NewInternalError(err)
	}

	if prev, ok := s.admit(card.AgentID, pair.ID, pair.ExpiresAt); ok && prev.state == StateAuthenticated {
		s.tokens.RevokeID(prev.tokenID, prev.expiresAt)
	}
	cred := discovery.Credential{ID: pair.ID, Token: pair.Token, ExpiresAt: pair.ExpiresAt}
	if err := s.registry.Register(card, cred); err != nil {
		return nil, types.NewInternalError(err)
	}

	s.recordAudit(ctx, audit.Entry{
		Type:     audit.EventAgentRegistered,
		Severity: audit.SeverityInfo,
		AgentID:  card.AgentID,
		RemoteIP: c.remoteIP,
		Method:   msg.Method,
		Message:  "agent registered",
		Details:  map[string]any{"name": card.Name, "version": card.Version, "token_id": pair.ID},
	})
	s.refreshGauges()

	return a2a.RegisterResult{
		Token:       pair.Token,
		TokenID:     pair.ID,
		ExpiresAt:   pair.ExpiresAt,
		ServerAgent: s.SelfCard(),
	}, nil
}

// =============================================================================
// 🔍 agent.discover / agent.unregister / heartbeat / ping
// =============================================================================

// handleDiscover lists registered agents, optionally filtered by capability,
// followed by agents known only through discovery announcements. Agents past
// their heartbeat timeout are removed first.
func (s *Server) handleDiscover(_ context.Context, msg *a2a.Message, _ caller) (any, *types.Error) {
	var params a2a.DiscoverParams
	if err := msg.DecodeParams(&params); err != nil && !errors.Is(err, a2a.ErrMessageNoParams) {
		return nil, types.NewError(types.ErrInvalidParams, "params must be an object")
	}
	s.expireStale()

	var registered []*discovery.RegisteredAgent
	if params.Capability != "" {
		registered = s.registry.FindByCapability(params.Capability)
	} else {
		registered = s.registry.List()
	}

	seen := map[string]bool{s.id: true}
	agents := make([]*a2a.AgentCard, 0, len(registered))
	for _, agent := range registered {
		seen[agent.Card.AgentID] = true
		agents = append(agents, agent.Card)
	}
	if s.discovery != nil {
		var remote []*a2a.AgentCard
		if params.Capability != "" {
			remote = s.discovery.DiscoverByCapability(params.Capability)
		} else {
			remote = s.discovery.Discover()
		}
		for _, card := range remote {
			if !seen[card.AgentID] {
				seen[card.AgentID] = true
				agents = append(agents, card)
			}
		}
	}
	return a2a.DiscoverResult{Agents: agents}, nil
}

func (s *Server) handleUnregister(_ context.Context, _ *a2a.Message, c caller) (any, *types.Error) {
	removed := s.removeAgent(c.agentID, ReasonUnregistered)
	return a2a.UnregisterResult{AgentID: c.agentID, Unregistered: removed}, nil
}

func (s *Server) handleHeartbeat(_ context.Context, _ *a2a.Message, c caller) (any, *types.Error) {
	agent, err := s.registry.Get(c.agentID)
	if err != nil {
		return nil, types.NewAuthenticationError("agent is not registered")
	}
	return a2a.HeartbeatResult{AgentID: c.agentID, LastHeartbeat: agent.LastHeartbeat}, nil
}

func (s *Server) handlePing(context.Context, *a2a.Message, caller) (any, *types.Error) {
	return a2a.PingResult{Pong: true, Timestamp: s.clock.Now()}, nil
}

// =============================================================================
// 🏛️ governance.status 与健康信息
// =============================================================================

// Health is the coordinator status served on /health and governance.status.
type Health struct {
	Status      string                    `json:"status"`
	ServerID    string                    `json:"serverId"`
	Uptime      float64                   `json:"uptimeSeconds"`
	TLS         bool                      `json:"tls"`
	RFC1918     bool                      `json:"rfc1918Enforced"`
	Registry    discovery.RegistryStats   `json:"registry"`
	Discovery   *discovery.DiscoveryStats `json:"discovery,omitempty"`
	Tokens      tokens.Stats              `json:"tokens"`
	Connections int                       `json:"connections"`
	Pending     int                       `json:"pendingRequests"`
	Methods     []string                  `json:"methods"`
}

// Health reports the coordinator's current status.
func (s *Server) Health() Health {
	s.mu.RLock()
	running, startedAt := s.running, s.startedAt
	s.mu.RUnlock()

	h := Health{
		Status:      "stopped",
		ServerID:    s.id,
		TLS:         !s.config.AllowInsecureHTTP,
		RFC1918:     s.config.EnforceRFC1918,
		Registry:    s.registry.Stats(),
		Tokens:      s.tokens.Stats(),
		Connections: s.hub.count(),
		Pending:     s.hub.pendingCount(),
		Methods:     s.SupportedMethods(),
	}
	if running {
		h.Status = "running"
		h.Uptime = s.clock.Since(startedAt).Round(time.Second).Seconds()
	}
	if s.discovery != nil {
		stats := s.discovery.Stats()
		h.Discovery = &stats
	}
	return h
}

func (s *Server) handleGovernanceStatus(context.Context, *a2a.Message, caller) (any, *types.Error) {
	return s.Health(), nil
}
