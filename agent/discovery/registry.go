package discovery

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/macawi-ai/cyreal-sub001/agent/protocol/a2a"
)

// AgentRegistry owns the set of registered agents. Entries are created on
// first registration, updated in place on re-registration or heartbeat, and
// deleted on unregister or heartbeat timeout.
type AgentRegistry struct {
	mu sync.RWMutex

	// agents stores registered agents by agentId.
	agents map[string]*RegisteredAgent

	// eventHandlers stores event handlers by subscription id.
	eventHandlers map[string]EventHandler
	handlerMu     sync.RWMutex

	config *RegistryConfig
	clock  clock.PassiveClock
	logger *zap.Logger
}

// RegistryConfig holds configuration for the agent registry.
type RegistryConfig struct {
	// HeartbeatTimeout is how long an agent may stay silent before a sweep
	// removes it.
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout"`

	// SweepInterval is the period between sweeps.
	SweepInterval time.Duration `json:"sweep_interval"`
}

// DefaultRegistryConfig returns a RegistryConfig with sensible defaults.
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		HeartbeatTimeout: 120 * time.Second,
		SweepInterval:    60 * time.Second,
	}
}

// RegistryOption customises an AgentRegistry.
type RegistryOption func(*AgentRegistry)

// WithRegistryClock sets the registry's time source.
func WithRegistryClock(c clock.PassiveClock) RegistryOption {
	return func(r *AgentRegistry) { r.clock = c }
}

// NewAgentRegistry creates a new registry.
func NewAgentRegistry(config *RegistryConfig, logger *zap.Logger, opts ...RegistryOption) *AgentRegistry {
	if config == nil {
		config = DefaultRegistryConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &AgentRegistry{
		agents:        make(map[string]*RegisteredAgent),
		eventHandlers: make(map[string]EventHandler),
		config:        config,
		clock:         clock.RealClock{},
		logger:        logger.With(zap.String("component", "agent_registry")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the registry configuration.
func (r *AgentRegistry) Config() RegistryConfig {
	return *r.config
}

// Register upserts an agent. Re-registration replaces the card and
// credential, refreshes the heartbeat and increments the connection count.
func (r *AgentRegistry) Register(card *a2a.AgentCard, cred Credential) error {
	if card == nil || card.AgentID == "" {
		return fmt.Errorf("register: agent card with agentId is required")
	}
	now := r.clock.Now()

	r.mu.Lock()
	existing, ok := r.agents[card.AgentID]
	entry := &RegisteredAgent{
		Card:            card.Clone(),
		Credential:      cred,
		RegisteredAt:    now,
		LastHeartbeat:   now,
		ConnectionCount: 1,
	}
	if ok {
		entry.RegisteredAt = existing.RegisteredAt
		entry.ConnectionCount = existing.ConnectionCount + 1
	}
	r.agents[card.AgentID] = entry
	r.mu.Unlock()

	eventType := EventRegistered
	if ok {
		eventType = EventReregistered
	}
	r.logger.Info("agent registered",
		zap.String("agent_id", card.AgentID),
		zap.String("name", card.Name),
		zap.Int("connection_count", entry.ConnectionCount),
	)
	r.emitEvent(Event{Type: eventType, AgentID: card.AgentID, Timestamp: now})
	return nil
}

// Unregister removes an agent immediately and returns the removed entry.
func (r *AgentRegistry) Unregister(agentID string) (*RegisteredAgent, error) {
	r.mu.Lock()
	entry, ok := r.agents[agentID]
	if ok {
		delete(r.agents, agentID)
	}
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	r.logger.Info("agent unregistered", zap.String("agent_id", agentID))
	r.emitEvent(Event{Type: EventUnregistered, AgentID: agentID, Timestamp: r.clock.Now()})
	return entry, nil
}

// Get returns a copy of the registered agent.
func (r *AgentRegistry) Get(agentID string) (*RegisteredAgent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return entry.clone(), nil
}

// Has reports whether agentID is registered.
func (r *AgentRegistry) Has(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// List returns copies of all agents ordered by agentId.
func (r *AgentRegistry) List() []*RegisteredAgent {
	r.mu.RLock()
	result := make([]*RegisteredAgent, 0, len(r.agents))
	for _, entry := range r.agents {
		result = append(result, entry.clone())
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Card.AgentID < result[j].Card.AgentID
	})
	return result
}

// FindByCapability returns agents exposing a capability whose id equals q or
// whose name contains q.
func (r *AgentRegistry) FindByCapability(q string) []*RegisteredAgent {
	var result []*RegisteredAgent
	for _, entry := range r.List() {
		if entry.Card.MatchesCapability(q) {
			result = append(result, entry)
		}
	}
	return result
}

// ListByReliability returns agents sorted by descending reliability score.
func (r *AgentRegistry) ListByReliability() []*RegisteredAgent {
	now := r.clock.Now()
	result := r.List()
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ReliabilityScore(now) > result[j].ReliabilityScore(now)
	})
	return result
}

// Heartbeat refreshes the agent's lastHeartbeat and card lastSeen.
func (r *AgentRegistry) Heartbeat(agentID string) (time.Time, error) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.agents[agentID]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	entry.LastHeartbeat = now
	entry.Card.LastSeen = now
	return now, nil
}

// SweepExpired removes every agent silent for longer than timeout and
// returns the removed ids.
func (r *AgentRegistry) SweepExpired(timeout time.Duration) []string {
	now := r.clock.Now()

	r.mu.Lock()
	var removed []string
	for id, entry := range r.agents {
		if now.Sub(entry.LastHeartbeat) > timeout {
			delete(r.agents, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(removed)
	for _, id := range removed {
		r.logger.Info("agent heartbeat expired", zap.String("agent_id", id))
		r.emitEvent(Event{Type: EventExpired, AgentID: id, Timestamp: now})
	}
	return removed
}

// Stats summarises the registry. ConnectionHealth is the percentage of
// agents that heartbeated within half the heartbeat timeout; an empty
// registry reports 100.
func (r *AgentRegistry) Stats() RegistryStats {
	now := r.clock.Now()
	half := r.config.HeartbeatTimeout / 2

	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		TotalAgents:            len(r.agents),
		CapabilityDistribution: make(map[a2a.CapabilityCategory]int),
		ConnectionHealth:       100,
	}
	if len(r.agents) == 0 {
		return stats
	}

	var totalSession time.Duration
	healthy := 0
	for _, entry := range r.agents {
		totalSession += now.Sub(entry.RegisteredAt)
		if now.Sub(entry.LastHeartbeat) < half {
			healthy++
		}
		for _, capability := range entry.Card.Capabilities {
			stats.CapabilityDistribution[capability.Category]++
		}
	}
	stats.AverageSessionDuration = (totalSession / time.Duration(len(r.agents))).Seconds()
	stats.ConnectionHealth = float64(healthy) * 100 / float64(len(r.agents))
	return stats
}

// Subscribe registers a handler for registry events and returns its id.
func (r *AgentRegistry) Subscribe(handler EventHandler) string {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()

	id := uuid.NewString()
	r.eventHandlers[id] = handler
	return id
}

// Unsubscribe removes an event handler.
func (r *AgentRegistry) Unsubscribe(subscriptionID string) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	delete(r.eventHandlers, subscriptionID)
}

// emitEvent delivers event synchronously. A panicking handler is logged and
// does not affect the others.
func (r *AgentRegistry) emitEvent(event Event) {
	r.handlerMu.RLock()
	handlers := make([]EventHandler, 0, len(r.eventHandlers))
	for _, handler := range r.eventHandlers {
		handlers = append(handlers, handler)
	}
	r.handlerMu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("registry event handler panicked",
						zap.String("event", string(event.Type)),
						zap.Any("panic", rec),
					)
				}
			}()
			handler(event)
		}()
	}
}

// Ensure AgentRegistry satisfies AgentSource.
var _ AgentSource = (*AgentRegistry)(nil)
