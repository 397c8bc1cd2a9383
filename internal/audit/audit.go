// Package audit records security-relevant coordination events. Sinks are
// narrow: the coordination server only ever calls LogEvent.
package audit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EventType identifies what happened.
type EventType string

const (
	EventServerStarted      EventType = "server.started"
	EventServerStopped      EventType = "server.stopped"
	EventPolicyViolation    EventType = "policy.violation"
	EventAgentRegistered    EventType = "agent.registered"
	EventAgentUnregistered  EventType = "agent.unregistered"
	EventAgentExpired       EventType = "agent.expired"
	EventAgentRevoked       EventType = "agent.revoked"
	EventAuthFailure        EventType = "auth.failure"
	EventPermissionDenied   EventType = "auth.denied"
	EventRateLimited        EventType = "ratelimit.exceeded"
	EventValidationRejected EventType = "validation.rejected"
)

// Severity of an audit entry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Entry is a single audit record.
type Entry struct {
	ID        string         `json:"id"`
	Time      time.Time      `json:"time"`
	Type      EventType      `json:"type"`
	Severity  Severity       `json:"severity"`
	AgentID   string         `json:"agentId,omitempty"`
	RemoteIP  string         `json:"remoteIp,omitempty"`
	Method    string         `json:"method,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Sink receives audit entries.
type Sink interface {
	LogEvent(ctx context.Context, e Entry) error
}

// =============================================================================
// Zap sink
// =============================================================================

// ZapSink writes entries to a dedicated zap logger.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink returns a sink that logs through logger.
func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger.Named("audit")}
}

// LogEvent implements Sink.
func (s *ZapSink) LogEvent(_ context.Context, e Entry) error {
	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.Time("event_time", e.Time),
		zap.String("event_type", string(e.Type)),
	}
	if e.AgentID != "" {
		fields = append(fields, zap.String("agent_id", e.AgentID))
	}
	if e.RemoteIP != "" {
		fields = append(fields, zap.String("remote_ip", e.RemoteIP))
	}
	if e.Method != "" {
		fields = append(fields, zap.String("method", e.Method))
	}
	if e.RequestID != "" {
		fields = append(fields, zap.String("request_id", e.RequestID))
	}
	if len(e.Details) > 0 {
		fields = append(fields, zap.Any("details", e.Details))
	}
	if ce := s.logger.Check(levelFor(e.Severity), e.Message); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

func levelFor(s Severity) zapcore.Level {
	switch s {
	case SeverityCritical:
		return zapcore.ErrorLevel
	case SeverityWarning:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// =============================================================================
// Fan-out
// =============================================================================

// MultiSink delivers each entry to every sink and joins their errors.
type MultiSink []Sink

// LogEvent implements Sink.
func (m MultiSink) LogEvent(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.LogEvent(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards entries.
type Nop struct{}

// LogEvent implements Sink.
func (Nop) LogEvent(context.Context, Entry) error { return nil }
