package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/macawi-ai/cyreal-sub001/agent/protocol/a2a"
)

// fakeTransport is an in-memory Transport.
type fakeTransport struct {
	mu        sync.Mutex
	announced [][]*a2a.AgentCard
	incoming  chan *a2a.AgentCard
	closed    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{incoming: make(chan *a2a.AgentCard, 16)}
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Announce(_ context.Context, cards []*a2a.AgentCard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced = append(f.announced, cards)
	return nil
}

func (f *fakeTransport) Listen(ctx context.Context, handler func(*a2a.AgentCard)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case card := <-f.incoming:
			handler(card)
		}
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) announcements() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.announced)
}

type recorder struct {
	mu         sync.Mutex
	discovered []string
	lost       []string
}

func (r *recorder) attach(sd *ServiceDiscovery) {
	sd.OnDiscovered(func(card *a2a.AgentCard) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.discovered = append(r.discovered, card.AgentID)
	})
	sd.OnLost(func(id string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.lost = append(r.lost, id)
	})
}

func (r *recorder) snapshot() (discovered, lost []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.discovered...), append([]string(nil), r.lost...)
}

func newTestDiscovery(t *testing.T, opts ...ServiceOption) (*ServiceDiscovery, *AgentRegistry, *testingclock.FakeClock) {
	t.Helper()
	fc := testingclock.NewFakeClock(epoch)
	registry := NewAgentRegistry(nil, zap.NewNop(), WithRegistryClock(fc))
	opts = append([]ServiceOption{WithServiceClock(fc)}, opts...)
	return NewServiceDiscovery(nil, registry, zap.NewNop(), opts...), registry, fc
}

// =============================================================================
// ServiceDiscovery 测试
// =============================================================================

func TestServiceDiscovery_DiscoverRefreshesFromRegistry(t *testing.T) {
	sd, registry, _ := newTestDiscovery(t)
	rec := &recorder{}
	rec.attach(sd)

	a, b := uuid.NewString(), uuid.NewString()
	require.NoError(t, registry.Register(newCard(b, epoch), Credential{}))
	require.NoError(t, registry.Register(newCard(a, epoch), Credential{}))

	cards := sd.Discover()
	require.Len(t, cards, 2)
	ids := []string{cards[0].AgentID, cards[1].AgentID}
	assert.ElementsMatch(t, []string{a, b}, ids)
	assert.Less(t, cards[0].AgentID, cards[1].AgentID)

	sd.Discover()
	discovered, _ := rec.snapshot()
	assert.Len(t, discovered, 2)
}

func TestServiceDiscovery_DiscoverExcludesStale(t *testing.T) {
	sd, registry, fc := newTestDiscovery(t)

	stale := uuid.NewString()
	require.NoError(t, registry.Register(newCard(stale, epoch), Credential{}))

	fc.Step(130 * time.Second)
	fresh := uuid.NewString()
	require.NoError(t, registry.Register(newCard(fresh, fc.Now()), Credential{}))

	cards := sd.Discover()
	require.Len(t, cards, 1)
	assert.Equal(t, fresh, cards[0].AgentID)
}

func TestServiceDiscovery_CachedEntryAgesOut(t *testing.T) {
	sd, registry, fc := newTestDiscovery(t)

	id := uuid.NewString()
	require.NoError(t, registry.Register(newCard(id, epoch), Credential{}))
	require.Len(t, sd.Discover(), 1)

	fc.Step(121 * time.Second)
	assert.Empty(t, sd.Discover())
}

func TestServiceDiscovery_OnAnnouncement(t *testing.T) {
	sd, _, fc := newTestDiscovery(t)
	rec := &recorder{}
	rec.attach(sd)

	id := uuid.NewString()
	sd.OnAnnouncement(newCard(id, epoch))
	fc.Step(10 * time.Second)
	sd.OnAnnouncement(newCard(id, fc.Now()))
	sd.OnAnnouncement(nil)

	discovered, _ := rec.snapshot()
	assert.Equal(t, []string{id}, discovered)

	entries := sd.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, fc.Now(), entries[0].LastSeen)
}

func TestServiceDiscovery_SweepLostFiresOnce(t *testing.T) {
	sd, _, fc := newTestDiscovery(t)
	rec := &recorder{}
	rec.attach(sd)

	a, b := uuid.NewString(), uuid.NewString()
	sd.OnAnnouncement(newCard(a, epoch))
	fc.Step(60 * time.Second)
	sd.OnAnnouncement(newCard(b, fc.Now()))

	fc.Step(61 * time.Second)
	assert.Equal(t, []string{a}, sd.SweepLost())
	assert.Empty(t, sd.SweepLost())

	_, lost := rec.snapshot()
	assert.Equal(t, []string{a}, lost)
}

func TestServiceDiscovery_Forget(t *testing.T) {
	sd, _, _ := newTestDiscovery(t)
	rec := &recorder{}
	rec.attach(sd)

	id := uuid.NewString()
	sd.OnAnnouncement(newCard(id, epoch))

	assert.True(t, sd.Forget(id))
	assert.False(t, sd.Forget(id))

	_, lost := rec.snapshot()
	assert.Equal(t, []string{id}, lost)
}

func TestServiceDiscovery_PanickingCallback(t *testing.T) {
	sd, _, _ := newTestDiscovery(t)
	sd.OnDiscovered(func(*a2a.AgentCard) { panic("boom") })
	sd.OnLost(func(string) { panic("boom") })
	rec := &recorder{}
	rec.attach(sd)

	id := uuid.NewString()
	require.NotPanics(t, func() {
		sd.OnAnnouncement(newCard(id, epoch))
		sd.Forget(id)
	})

	discovered, lost := rec.snapshot()
	assert.Equal(t, []string{id}, discovered)
	assert.Equal(t, []string{id}, lost)
}

func TestServiceDiscovery_DiscoverByCapability(t *testing.T) {
	sd, _, _ := newTestDiscovery(t)

	reader := uuid.NewString()
	sd.OnAnnouncement(newCard(reader, epoch, "serial.read"))
	sd.OnAnnouncement(newCard(uuid.NewString(), epoch, "serial.write"))

	found := sd.DiscoverByCapability("serial.read")
	require.Len(t, found, 1)
	assert.Equal(t, reader, found[0].AgentID)
}

func TestServiceDiscovery_Stats(t *testing.T) {
	sd, _, fc := newTestDiscovery(t)

	assert.Equal(t, DiscoveryStats{DiscoveryHealth: 100}, sd.Stats())

	sd.OnAnnouncement(newCard(uuid.NewString(), epoch))
	fc.Step(70 * time.Second)
	sd.OnAnnouncement(newCard(uuid.NewString(), fc.Now()))

	stats := sd.Stats()
	assert.Equal(t, 2, stats.TotalDiscovered)
	assert.Equal(t, 1, stats.ActiveAgents)
	assert.InDelta(t, 35.0, stats.AverageStaleness, 0.001)
	assert.InDelta(t, 50.0, stats.DiscoveryHealth, 0.001)
}

func TestServiceDiscovery_Loops(t *testing.T) {
	transport := newFakeTransport()
	sd, registry, fc := newTestDiscovery(t, WithTransports(transport))
	rec := &recorder{}
	rec.attach(sd)

	local := newCard(uuid.NewString(), epoch)
	sd.SetLocalCard(local)
	agent := uuid.NewString()
	require.NoError(t, registry.Register(newCard(agent, epoch), Credential{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sd.Start(ctx)

	require.Eventually(t, fc.HasWaiters, time.Second, 5*time.Millisecond)
	fc.Step(30 * time.Second)

	require.Eventually(t, func() bool { return transport.announcements() == 1 }, time.Second, 5*time.Millisecond)
	transport.mu.Lock()
	assert.Len(t, transport.announced[0], 2)
	transport.mu.Unlock()

	// the registry agent never heartbeats again, so the cleanup loop evicts it
	fc.Step(150 * time.Second)
	assert.Eventually(t, func() bool {
		_, lost := rec.snapshot()
		return len(lost) == 1 && lost[0] == agent
	}, time.Second, 5*time.Millisecond)

	sd.Stop()
	transport.mu.Lock()
	assert.True(t, transport.closed)
	transport.mu.Unlock()
}

func TestServiceDiscovery_RemoteCardsAreValidated(t *testing.T) {
	transport := newFakeTransport()
	sd, _, fc := newTestDiscovery(t, WithTransports(transport))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sd.Start(ctx)
	defer sd.Stop()

	insecure := newCard(uuid.NewString(), fc.Now())
	insecure.Endpoints[0].URL = "http://192.168.1.20:3500/a2a"
	stale := newCard(uuid.NewString(), fc.Now().Add(-time.Hour))
	valid := newCard(uuid.NewString(), fc.Now())

	transport.incoming <- insecure
	transport.incoming <- stale
	transport.incoming <- valid

	require.Eventually(t, func() bool { return len(sd.Entries()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, valid.AgentID, sd.Entries()[0].Card.AgentID)
}
