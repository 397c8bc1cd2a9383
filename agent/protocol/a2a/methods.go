package a2a

import "time"

// RegisterParams is the params member of agent.register.
type RegisterParams struct {
	AgentCard AgentCard `json:"agentCard"`
}

// RegisterResult is returned by agent.register.
type RegisterResult struct {
	Token       string     `json:"token"`
	TokenID     string     `json:"tokenId"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	ServerAgent *AgentCard `json:"serverAgent,omitempty"`
}

// DiscoverParams is the optional params member of agent.discover.
type DiscoverParams struct {
	Capability string `json:"capability,omitempty"`
}

// DiscoverResult is returned by agent.discover.
type DiscoverResult struct {
	Agents []*AgentCard `json:"agents"`
}

// UnregisterResult is returned by agent.unregister.
type UnregisterResult struct {
	AgentID      string `json:"agentId"`
	Unregistered bool   `json:"unregistered"`
}

// HeartbeatResult is returned by heartbeat.
type HeartbeatResult struct {
	AgentID       string    `json:"agentId"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// PingResult is returned by ping.
type PingResult struct {
	Pong      bool      `json:"pong"`
	Timestamp time.Time `json:"timestamp"`
}

// RemovedNotice is the params of the notification broadcast when an agent
// leaves the registry.
type RemovedNotice struct {
	AgentID string `json:"agentId"`
	Reason  string `json:"reason"`
}
