package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/macawi-ai/cyreal-sub001/agent/guardrails"
	"github.com/macawi-ai/cyreal-sub001/agent/protocol/a2a"
)

// ServiceConfig holds configuration for ServiceDiscovery.
type ServiceConfig struct {
	// BroadcastInterval is the period of the announce loop.
	BroadcastInterval time.Duration `json:"broadcast_interval"`

	// AgentTimeout is how long a cache entry survives without a refresh.
	// The cleanup loop runs every AgentTimeout/2.
	AgentTimeout time.Duration `json:"agent_timeout"`
}

// DefaultServiceConfig returns a ServiceConfig with sensible defaults.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		BroadcastInterval: 30 * time.Second,
		AgentTimeout:      120 * time.Second,
	}
}

// ServiceDiscovery maintains a liveness cache of known agents.
type ServiceDiscovery struct {
	mu    sync.RWMutex
	cache map[string]*CacheEntry

	source     AgentSource
	transports []Transport
	localCard  *a2a.AgentCard

	callbackMu   sync.RWMutex
	onDiscovered []func(*a2a.AgentCard)
	onLost       []func(string)

	config *ServiceConfig
	clock  clock.WithTicker
	logger *zap.Logger

	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// ServiceOption customises ServiceDiscovery.
type ServiceOption func(*ServiceDiscovery)

// WithServiceClock sets the time source for the cache and both loops.
func WithServiceClock(c clock.WithTicker) ServiceOption {
	return func(s *ServiceDiscovery) { s.clock = c }
}

// WithTransports attaches announcement transports.
func WithTransports(transports ...Transport) ServiceOption {
	return func(s *ServiceDiscovery) { s.transports = append(s.transports, transports...) }
}

// NewServiceDiscovery creates a discovery service reading from source.
func NewServiceDiscovery(config *ServiceConfig, source AgentSource, logger *zap.Logger, opts ...ServiceOption) *ServiceDiscovery {
	if config == nil {
		config = DefaultServiceConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ServiceDiscovery{
		cache:  make(map[string]*CacheEntry),
		source: source,
		config: config,
		clock:  clock.RealClock{},
		logger: logger.With(zap.String("component", "service_discovery")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetLocalCard sets the card announced on behalf of this process.
func (s *ServiceDiscovery) SetLocalCard(card *a2a.AgentCard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localCard = card.Clone()
}

// OnDiscovered registers a callback fired the first time an agent is seen.
func (s *ServiceDiscovery) OnDiscovered(fn func(*a2a.AgentCard)) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.onDiscovered = append(s.onDiscovered, fn)
}

// OnLost registers a callback fired once when an agent is evicted.
func (s *ServiceDiscovery) OnLost(fn func(agentID string)) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.onLost = append(s.onLost, fn)
}

// Start launches the announce and cleanup loops and the transport listeners.
func (s *ServiceDiscovery) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.runEvery(ctx, done, s.config.BroadcastInterval, "announce", func() { s.Announce(ctx) })
	s.runEvery(ctx, done, s.config.AgentTimeout/2, "cleanup", func() { s.SweepLost() })

	for _, t := range s.transports {
		t := t
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			listenCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				select {
				case <-done:
					cancel()
				case <-listenCtx.Done():
				}
			}()
			if err := t.Listen(listenCtx, s.handleRemote); err != nil && listenCtx.Err() == nil {
				s.logger.Warn("transport listener stopped", zap.String("transport", t.Name()), zap.Error(err))
			}
		}()
	}

	s.logger.Info("service discovery started",
		zap.Duration("broadcast_interval", s.config.BroadcastInterval),
		zap.Duration("agent_timeout", s.config.AgentTimeout),
		zap.Int("transports", len(s.transports)),
	)
}

// runEvery runs fn on every tick. A panicking tick is logged and the loop
// keeps running.
func (s *ServiceDiscovery) runEvery(ctx context.Context, done <-chan struct{}, interval time.Duration, name string, fn func()) {
	ticker := s.clock.NewTicker(interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C():
				func() {
					defer func() {
						if r := recover(); r != nil {
							s.logger.Error("discovery loop panicked", zap.String("loop", name), zap.Any("panic", r))
						}
					}()
					fn()
				}()
			}
		}
	}()
}

// Stop halts the loops and closes the transports.
func (s *ServiceDiscovery) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	for _, t := range s.transports {
		if err := t.Close(); err != nil {
			s.logger.Warn("failed to close transport", zap.String("transport", t.Name()), zap.Error(err))
		}
	}
	s.logger.Info("service discovery stopped")
}

// Announce refreshes the cache from the registry and pushes the registry's
// cards, plus the local card, to every transport.
func (s *ServiceDiscovery) Announce(ctx context.Context) {
	s.refresh()
	if len(s.transports) == 0 {
		return
	}

	var cards []*a2a.AgentCard
	s.mu.RLock()
	if s.localCard != nil {
		cards = append(cards, s.localCard.Clone())
	}
	s.mu.RUnlock()
	if s.source != nil {
		for _, agent := range s.source.List() {
			cards = append(cards, agent.Card)
		}
	}
	if len(cards) == 0 {
		return
	}

	for _, t := range s.transports {
		if err := t.Announce(ctx, cards); err != nil {
			s.logger.Warn("announce failed", zap.String("transport", t.Name()), zap.Error(err))
		}
	}
}

// Discover refreshes the cache from the registry and returns the cards seen
// within the agent timeout, ordered by agentId.
func (s *ServiceDiscovery) Discover() []*a2a.AgentCard {
	s.refresh()
	now := s.clock.Now()

	s.mu.RLock()
	cards := make([]*a2a.AgentCard, 0, len(s.cache))
	for _, entry := range s.cache {
		if now.Sub(entry.LastSeen) <= s.config.AgentTimeout {
			cards = append(cards, entry.Card.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(cards, func(i, j int) bool { return cards[i].AgentID < cards[j].AgentID })
	return cards
}

// DiscoverByCapability filters Discover by capability id or name.
func (s *ServiceDiscovery) DiscoverByCapability(q string) []*a2a.AgentCard {
	var result []*a2a.AgentCard
	for _, card := range s.Discover() {
		if card.MatchesCapability(q) {
			result = append(result, card)
		}
	}
	return result
}

// refresh upserts every registry agent whose heartbeat is still within the
// agent timeout. Stale agents are not re-added.
func (s *ServiceDiscovery) refresh() {
	if s.source == nil {
		return
	}
	now := s.clock.Now()
	for _, agent := range s.source.List() {
		if now.Sub(agent.LastHeartbeat) > s.config.AgentTimeout {
			continue
		}
		s.upsert(agent.Card, agent.LastHeartbeat)
	}
}

// OnAnnouncement records a card announced by a peer.
func (s *ServiceDiscovery) OnAnnouncement(card *a2a.AgentCard) {
	if card == nil || card.AgentID == "" {
		return
	}
	s.upsert(card, s.clock.Now())
}

func (s *ServiceDiscovery) handleRemote(card *a2a.AgentCard) {
	result := guardrails.ValidateAgentCard(card, s.clock.Now())
	if !result.Valid {
		s.logger.Debug("dropping invalid announcement", zap.Any("errors", result.Blocking()))
		return
	}
	s.OnAnnouncement(card)
}

func (s *ServiceDiscovery) upsert(card *a2a.AgentCard, seen time.Time) {
	s.mu.Lock()
	entry, ok := s.cache[card.AgentID]
	if ok {
		entry.Card = card.Clone()
		if seen.After(entry.LastSeen) {
			entry.LastSeen = seen
		}
	} else {
		s.cache[card.AgentID] = &CacheEntry{Card: card.Clone(), LastSeen: seen}
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("agent discovered", zap.String("agent_id", card.AgentID))
		s.fireDiscovered(card.Clone())
	}
}

// SweepLost evicts entries idle longer than the agent timeout and fires the
// lost callback once per evicted id.
func (s *ServiceDiscovery) SweepLost() []string {
	now := s.clock.Now()

	s.mu.Lock()
	var evicted []string
	for id, entry := range s.cache {
		if now.Sub(entry.LastSeen) > s.config.AgentTimeout {
			delete(s.cache, id)
			evicted = append(evicted, id)
		}
	}
	s.mu.Unlock()

	sort.Strings(evicted)
	for _, id := range evicted {
		s.fireLost(id)
	}
	return evicted
}

// Forget evicts agentID immediately. It reports whether an entry existed.
func (s *ServiceDiscovery) Forget(agentID string) bool {
	s.mu.Lock()
	_, ok := s.cache[agentID]
	delete(s.cache, agentID)
	s.mu.Unlock()

	if ok {
		s.fireLost(agentID)
	}
	return ok
}

// Entries returns a copy of the cache.
func (s *ServiceDiscovery) Entries() []CacheEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]CacheEntry, 0, len(s.cache))
	for _, entry := range s.cache {
		out = append(out, CacheEntry{Card: entry.Card.Clone(), LastSeen: entry.LastSeen})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Card.AgentID < out[j].Card.AgentID })
	return out
}

// Stats summarises the cache. An empty cache reports 100% health.
func (s *ServiceDiscovery) Stats() DiscoveryStats {
	now := s.clock.Now()
	half := s.config.AgentTimeout / 2

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := DiscoveryStats{TotalDiscovered: len(s.cache), DiscoveryHealth: 100}
	if len(s.cache) == 0 {
		return stats
	}
	var staleness time.Duration
	for _, entry := range s.cache {
		age := now.Sub(entry.LastSeen)
		staleness += age
		if age <= half {
			stats.ActiveAgents++
		}
	}
	stats.AverageStaleness = (staleness / time.Duration(len(s.cache))).Seconds()
	stats.DiscoveryHealth = float64(stats.ActiveAgents) * 100 / float64(len(s.cache))
	return stats
}

func (s *ServiceDiscovery) fireDiscovered(card *a2a.AgentCard) {
	s.callbackMu.RLock()
	callbacks := append([]func(*a2a.AgentCard){}, s.onDiscovered...)
	s.callbackMu.RUnlock()

	for _, fn := range callbacks {
		s.safeCall("discovered", card.AgentID, func() { fn(card) })
	}
}

func (s *ServiceDiscovery) fireLost(agentID string) {
	s.callbackMu.RLock()
	callbacks := append([]func(string){}, s.onLost...)
	s.callbackMu.RUnlock()

	for _, fn := range callbacks {
		s.safeCall("lost", agentID, func() { fn(agentID) })
	}
}

func (s *ServiceDiscovery) safeCall(kind, agentID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("discovery callback panicked",
				zap.String("callback", kind),
				zap.String("agent_id", agentID),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}
