package discovery

import (
	"context"
	"errors"
	"time"

	"github.com/macawi-ai/cyreal-sub001/agent/protocol/a2a"
)

// ErrAgentNotFound is returned for operations on unknown agent ids.
var ErrAgentNotFound = errors.New("discovery: agent not found")

// Credential is the token a registered agent authenticated with.
type Credential struct {
	ID        string    `json:"id"`
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RegisteredAgent is one entry of the registry.
type RegisteredAgent struct {
	Card            *a2a.AgentCard `json:"agentCard"`
	Credential      Credential     `json:"credential"`
	RegisteredAt    time.Time      `json:"registeredAt"`
	LastHeartbeat   time.Time      `json:"lastHeartbeat"`
	ConnectionCount int            `json:"connectionCount"`
}

func (a *RegisteredAgent) clone() *RegisteredAgent {
	out := *a
	out.Card = a.Card.Clone()
	return &out
}

// ReliabilityScore is connectionCount plus session age in seconds.
func (a *RegisteredAgent) ReliabilityScore(now time.Time) float64 {
	return float64(a.ConnectionCount) + now.Sub(a.RegisteredAt).Seconds()
}

// EventType names a registry event.
type EventType string

const (
	EventRegistered   EventType = "agent_registered"
	EventReregistered EventType = "agent_reregistered"
	EventUnregistered EventType = "agent_unregistered"
	EventExpired      EventType = "agent_expired"
)

// Event is delivered to registry subscribers.
type Event struct {
	Type      EventType `json:"type"`
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

// EventHandler receives registry events.
type EventHandler func(Event)

// RegistryStats summarises the registry.
type RegistryStats struct {
	TotalAgents            int                            `json:"totalAgents"`
	AverageSessionDuration float64                        `json:"averageSessionDurationSeconds"`
	CapabilityDistribution map[a2a.CapabilityCategory]int `json:"capabilityDistribution"`
	ConnectionHealth       float64                        `json:"connectionHealth"`
}

// CacheEntry is one entry of the discovery cache.
type CacheEntry struct {
	Card     *a2a.AgentCard `json:"agentCard"`
	LastSeen time.Time      `json:"lastSeen"`
}

// DiscoveryStats summarises the discovery cache.
type DiscoveryStats struct {
	TotalDiscovered  int     `json:"totalDiscovered"`
	ActiveAgents     int     `json:"activeAgents"`
	AverageStaleness float64 `json:"averageStalenessSeconds"`
	DiscoveryHealth  float64 `json:"discoveryHealth"`
}

// AgentSource is the read side of the registry consumed by ServiceDiscovery.
type AgentSource interface {
	List() []*RegisteredAgent
}

// Transport carries agent announcements between processes.
type Transport interface {
	// Name identifies the transport in logs.
	Name() string
	// Announce publishes cards to peers.
	Announce(ctx context.Context, cards []*a2a.AgentCard) error
	// Listen delivers cards announced by peers until ctx is done.
	Listen(ctx context.Context, handler func(*a2a.AgentCard)) error
	// Close releases the transport.
	Close() error
}

// Announcement is the wire format shared by the transports.
type Announcement struct {
	Sender string           `json:"sender"`
	SentAt time.Time        `json:"sentAt"`
	Cards  []*a2a.AgentCard `json:"cards"`
}
