package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/macawi-ai/cyreal-sub001/agent/protocol/a2a"
	"github.com/macawi-ai/cyreal-sub001/internal/cache"
	"github.com/macawi-ai/cyreal-sub001/testutil"
)

type cardSink struct {
	mu    sync.Mutex
	cards map[string]*a2a.AgentCard
}

func newCardSink() *cardSink { return &cardSink{cards: make(map[string]*a2a.AgentCard)} }

func (s *cardSink) handle(card *a2a.AgentCard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[card.AgentID] = card
}

func (s *cardSink) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cards[id]
	return ok
}

func newTestRedisManager(t *testing.T) (*miniredis.Miniredis, *cache.Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	config := cache.DefaultConfig()
	config.Addr = mr.Addr()
	config.HealthCheckInterval = 0
	manager, err := cache.NewManager(config, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return mr, manager
}

// =============================================================================
// RedisTransport 测试
// =============================================================================

func TestRedisTransport_AnnounceReachesPeer(t *testing.T) {
	_, manager := newTestRedisManager(t)
	listener := NewRedisTransport(manager, nil, zap.NewNop())
	announcer := NewRedisTransport(manager, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := newCardSink()
	go listener.Listen(ctx, sink.handle)

	card := newCard(uuid.NewString(), time.Now())
	// the subscription may not be active yet, so keep announcing until it lands
	require.Eventually(t, func() bool {
		if err := announcer.Announce(ctx, []*a2a.AgentCard{card}); err != nil {
			return false
		}
		return sink.has(card.AgentID)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRedisTransport_IgnoresOwnAnnouncements(t *testing.T) {
	_, manager := newTestRedisManager(t)
	transport := NewRedisTransport(manager, nil, zap.NewNop())
	peer := NewRedisTransport(manager, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := newCardSink()
	go transport.Listen(ctx, sink.handle)

	ready := newCard(uuid.NewString(), time.Now())
	require.Eventually(t, func() bool {
		if err := peer.Announce(ctx, []*a2a.AgentCard{ready}); err != nil {
			return false
		}
		return sink.has(ready.AgentID)
	}, 2*time.Second, 20*time.Millisecond)

	// messages on one channel arrive in order, so own would land before marker
	own := newCard(uuid.NewString(), time.Now())
	marker := newCard(uuid.NewString(), time.Now())
	require.NoError(t, transport.Announce(ctx, []*a2a.AgentCard{own}))
	require.NoError(t, peer.Announce(ctx, []*a2a.AgentCard{marker}))

	require.Eventually(t, func() bool { return sink.has(marker.AgentID) }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, sink.has(own.AgentID))
}

func TestRedisTransport_SnapshotReplay(t *testing.T) {
	mr, manager := newTestRedisManager(t)
	announcer := NewRedisTransport(manager, nil, zap.NewNop())
	ctx := context.Background()

	early := newCard(uuid.NewString(), time.Now())
	require.NoError(t, announcer.Announce(ctx, []*a2a.AgentCard{early}))

	snapshot, err := announcer.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, early.AgentID, snapshot[0].AgentID)

	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	late := NewRedisTransport(manager, nil, zap.NewNop())
	sink := newCardSink()
	go late.Listen(listenCtx, sink.handle)
	assert.Eventually(t, func() bool { return sink.has(early.AgentID) }, 2*time.Second, 10*time.Millisecond)

	mr.FastForward(DefaultRedisTransportConfig().PresenceTTL + time.Second)
	snapshot, err = announcer.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}

// =============================================================================
// MulticastTransport 测试
// =============================================================================

func TestMulticastTransport_RejectsUnicastAddress(t *testing.T) {
	_, err := NewMulticastTransport(&MulticastConfig{Address: "192.168.1.10", Port: 3501}, zap.NewNop())
	assert.Error(t, err)
}

func TestMulticastTransport_Loopback(t *testing.T) {
	config := &MulticastConfig{Address: "239.255.42.99", Port: 35011}
	a, err := NewMulticastTransport(config, zap.NewNop())
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	defer a.Close()
	b, err := NewMulticastTransport(config, zap.NewNop())
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := newCardSink()
	go b.Listen(ctx, sink.handle)

	card := newCard(uuid.NewString(), time.Now())
	var sendErr error
	delivered := testutil.WaitFor(func() bool {
		if sink.has(card.AgentID) {
			return true
		}
		sendErr = a.Announce(ctx, []*a2a.AgentCard{card})
		return sendErr != nil || sink.has(card.AgentID)
	}, 2*time.Second)
	if sendErr != nil {
		t.Skipf("multicast send failed: %v", sendErr)
	}
	if !delivered {
		t.Skip("multicast loopback not delivered on this host")
	}

	require.NoError(t, a.Close())
	assert.Error(t, a.Announce(ctx, []*a2a.AgentCard{card}))
}
