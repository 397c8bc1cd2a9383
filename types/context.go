package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyRequestID contextKey = "request_id"
	keyAgentID   contextKey = "agent_id"
	keyRemoteIP  contextKey = "remote_ip"
)

// WithRequestID adds request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// RequestID extracts request ID from context.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}

// WithAgentID adds the authenticated caller's agent ID to context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, keyAgentID, agentID)
}

// AgentID extracts the caller's agent ID from context.
func AgentID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyAgentID).(string)
	return v, ok && v != ""
}

// WithRemoteIP adds the client IP to context.
func WithRemoteIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, keyRemoteIP, ip)
}

// RemoteIP extracts the client IP from context.
func RemoteIP(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRemoteIP).(string)
	return v, ok && v != ""
}
