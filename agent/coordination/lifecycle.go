package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/macawi-ai/cyreal-sub001/agent/discovery"
	"github.com/macawi-ai/cyreal-sub001/agent/protocol/a2a"
	"github.com/macawi-ai/cyreal-sub001/internal/audit"
)

// AgentState is the position of an agent in the session lifecycle.
type AgentState string

const (
	StateUnknown       AgentState = "unknown"
	StateAuthenticated AgentState = "authenticated"
	StateRemoved       AgentState = "removed"
)

// Removal reasons carried by the agent.unregister notification.
const (
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonUnregistered     = "unregistered"
	ReasonRevoked          = "revoked"
	ReasonShutdown         = "shutdown"
)

const removalBroadcastTimeout = 5 * time.Second

// session tracks the credential an agent registered with. Removed sessions
// are kept until that credential would have expired.
type session struct {
	state     AgentState
	tokenID   string
	expiresAt time.Time
	changedAt time.Time
}

// State returns the lifecycle state of agentID.
func (s *Server) State(agentID string) AgentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[agentID]; ok {
		return sess.state
	}
	return StateUnknown
}

// RevokeAgent removes an authenticated agent and revokes its token.
func (s *Server) RevokeAgent(agentID string) error {
	if !s.removeAgent(agentID, ReasonRevoked) {
		return fmt.Errorf("%w: %s", discovery.ErrAgentNotFound, agentID)
	}
	return nil
}

// authenticated reports whether agentID holds a live session.
func (s *Server) authenticated(agentID string) bool {
	s.mu.RLock()
	sess, ok := s.sessions[agentID]
	s.mu.RUnlock()
	return ok && sess.state == StateAuthenticated && s.registry.Has(agentID)
}

// admit moves agentID to authenticated with a fresh credential and returns
// the previous session, if any.
func (s *Server) admit(agentID, tokenID string, expiresAt time.Time) (session, bool) {
	s.mu.Lock()
	prev, ok := s.sessions[agentID]
	s.sessions[agentID] = &session{
		state:     StateAuthenticated,
		tokenID:   tokenID,
		expiresAt: expiresAt,
		changedAt: s.clock.Now(),
	}
	s.mu.Unlock()

	from := StateUnknown
	if ok {
		from = prev.state
	}
	if s.metrics != nil {
		s.metrics.RecordAgentStateTransition(string(from), string(StateAuthenticated))
	}
	if !ok {
		return session{}, false
	}
	return *prev, true
}

// removeAgent is the single removal path. It reports false when agentID had
// no authenticated session.
func (s *Server) removeAgent(agentID, reason string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[agentID]
	if !ok || sess.state != StateAuthenticated {
		s.mu.Unlock()
		return false
	}
	sess.state = StateRemoved
	sess.changedAt = s.clock.Now()
	tokenID, expiresAt := sess.tokenID, sess.expiresAt
	s.mu.Unlock()

	// 注册表事件会回到 onRegistryEvent，此时会话已是 removed，不会重入
	_, _ = s.registry.Unregister(agentID)
	s.tokens.RevokeID(tokenID, expiresAt)
	s.hub.closeAgent(agentID, websocket.StatusPolicyViolation, reason)
	if s.discovery != nil {
		s.discovery.Forget(agentID)
	}
	if s.metrics != nil {
		s.metrics.RecordAgentStateTransition(string(StateAuthenticated), string(StateRemoved))
	}

	s.logger.Info("agent removed", zap.String("agent_id", agentID), zap.String("reason", reason))
	s.recordAudit(context.Background(), audit.Entry{
		Type:     removalEvent(reason),
		Severity: removalSeverity(reason),
		AgentID:  agentID,
		Message:  "agent removed: " + reason,
	})

	notice, err := a2a.NewNotification(a2a.MethodAgentUnregister, a2a.RemovedNotice{AgentID: agentID, Reason: reason})
	if err != nil {
		s.logger.Error("failed to build removal notice", zap.Error(err))
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), removalBroadcastTimeout)
	defer cancel()
	s.Broadcast(ctx, notice, agentID)
	return true
}

// onRegistryEvent turns removals made directly on the registry, including
// heartbeat sweeps, into lifecycle removals.
func (s *Server) onRegistryEvent(ev discovery.Event) {
	switch ev.Type {
	case discovery.EventExpired:
		s.removeAgent(ev.AgentID, ReasonHeartbeatTimeout)
	case discovery.EventUnregistered:
		s.removeAgent(ev.AgentID, ReasonUnregistered)
	}
}

// expireStale runs the heartbeat sweep inline.
func (s *Server) expireStale() []string {
	return s.registry.SweepExpired(s.config.HeartbeatTimeout)
}

// pruneSessions drops removed sessions whose credential has expired.
func (s *Server) pruneSessions() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, sess := range s.sessions {
		if sess.state == StateRemoved && !now.Before(sess.expiresAt) {
			delete(s.sessions, id)
			pruned++
		}
	}
	return pruned
}

func removalEvent(reason string) audit.EventType {
	switch reason {
	case ReasonHeartbeatTimeout:
		return audit.EventAgentExpired
	case ReasonRevoked:
		return audit.EventAgentRevoked
	default:
		return audit.EventAgentUnregistered
	}
}

func removalSeverity(reason string) audit.Severity {
	if reason == ReasonRevoked {
		return audit.SeverityWarning
	}
	return audit.SeverityInfo
}
