package tokens

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/macawi-ai/cyreal-sub001/agent/protocol/a2a"
)

const testAgentID = "8d3f5c2b-1a4e-4b6d-9c7f-2e8a1b3c4d5f"

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, *testingclock.FakeClock) {
	t.Helper()
	fc := testingclock.NewFakeClock(epoch)
	m, err := NewManager(Config{Secret: "test-secret-0123456789abcdef"}, zap.NewNop(), WithClock(fc))
	require.NoError(t, err)
	return m, fc
}

func testCard(now time.Time) *a2a.AgentCard {
	card := a2a.NewAgentCard(testAgentID, "sensor", "serial sensor", "1.0.0", now)
	card.AddCapability("serial.read", "Serial Read", "", a2a.CategorySerial)
	card.AddEndpoint("https://192.168.1.20:3500/a2a", "https", "POST")
	return card
}

func TestManager_IssueAndAuthenticate(t *testing.T) {
	m, _ := newTestManager(t)

	pair, err := m.Issue("device:tty0", Permissions{Read: true, Write: true, SecurityLevel: "elevated"}, time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.ID)
	assert.Equal(t, epoch, pair.CreatedAt)
	assert.Equal(t, epoch.Add(time.Minute), pair.ExpiresAt)
	assert.Len(t, strings.Split(pair.Token, "."), 3)

	perms, err := m.Authenticate(pair.Token)
	require.NoError(t, err)
	assert.True(t, perms.Read)
	assert.True(t, perms.Write)
	assert.False(t, perms.Configure)
	assert.Equal(t, "device:tty0", perms.ResourceID)
	assert.Equal(t, 1, m.Stats().Active)
}

func TestManager_RejectionReasons(t *testing.T) {
	m, fc := newTestManager(t)

	pair, err := m.Issue("r", ReadOnly(""), time.Minute)
	require.NoError(t, err)

	_, err = m.Authenticate("not-a-token")
	assert.ErrorIs(t, err, ErrMalformed)

	other, err := NewManager(Config{Secret: "another-secret"}, zap.NewNop(), WithClock(fc))
	require.NoError(t, err)
	_, err = other.Authenticate(pair.Token)
	assert.ErrorIs(t, err, ErrBadSignature)

	parts := strings.Split(pair.Token, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	_, err = m.Authenticate(parts[0] + "." + parts[1] + "." + string(sig))
	assert.ErrorIs(t, err, ErrBadSignature)

	fc.Step(time.Minute)
	_, err = m.Authenticate(pair.Token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestManager_Revoke(t *testing.T) {
	m, _ := newTestManager(t)

	pair, err := m.Issue("r", ReadOnly(""), time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.Revoke(pair.Token))

	_, err = m.Authenticate(pair.Token)
	assert.ErrorIs(t, err, ErrRevoked)
	assert.True(t, m.IsRevoked(pair.ID))
	assert.Equal(t, Stats{Active: 0, Revoked: 1}, m.Stats())

	assert.ErrorIs(t, m.Revoke("garbage"), ErrMalformed)
}

func TestManager_SweepPrunesBothSets(t *testing.T) {
	m, fc := newTestManager(t)

	short, err := m.Issue("a", ReadOnly(""), time.Minute)
	require.NoError(t, err)
	_, err = m.Issue("b", ReadOnly(""), time.Hour)
	require.NoError(t, err)
	revoked, err := m.Issue("c", ReadOnly(""), 2*time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.Revoke(revoked.Token))

	expired, pruned := m.Sweep()
	assert.Zero(t, expired)
	assert.Zero(t, pruned)

	fc.Step(90 * time.Second)
	expired, pruned = m.Sweep()
	assert.Equal(t, 1, expired)
	assert.Zero(t, pruned)
	_, err = m.Authenticate(short.Token)
	assert.ErrorIs(t, err, ErrExpired)

	fc.Step(time.Minute)
	expired, pruned = m.Sweep()
	assert.Zero(t, expired)
	assert.Equal(t, 1, pruned)
	assert.Equal(t, Stats{Active: 1, Revoked: 0}, m.Stats())

	// once pruned, the revoked token still fails on expiry
	_, err = m.Authenticate(revoked.Token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestManager_BackgroundSweep(t *testing.T) {
	m, fc := newTestManager(t)

	_, err := m.Issue("a", ReadOnly(""), 30*time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, fc.HasWaiters, time.Second, 5*time.Millisecond)
	fc.Step(60 * time.Second)

	assert.Eventually(t, func() bool { return m.Stats().Active == 0 }, time.Second, 5*time.Millisecond)
}

func TestManager_AuthenticateAgentCard(t *testing.T) {
	m, _ := newTestManager(t)

	pair, err := m.AuthenticateAgentCard(testCard(epoch))
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(AgentCardTTL), pair.ExpiresAt)

	claims, err := m.Verify(pair.Token)
	require.NoError(t, err)
	assert.Equal(t, testAgentID, claims.Subject)
	assert.Equal(t, ResourceID(testAgentID), claims.Permissions.ResourceID)
	assert.True(t, claims.Permissions.Read)
	assert.False(t, claims.Permissions.Write)
	assert.False(t, claims.Permissions.Configure)
}

func TestManager_AuthenticateAgentCard_Rejects(t *testing.T) {
	m, _ := newTestManager(t)

	stale := testCard(epoch.Add(-15 * time.Minute))
	_, err := m.AuthenticateAgentCard(stale)
	assert.ErrorIs(t, err, ErrInvalidCard)

	insecure := testCard(epoch)
	insecure.Endpoints[0].URL = "http://192.168.1.20/a2a"
	_, err = m.AuthenticateAgentCard(insecure)
	assert.ErrorIs(t, err, ErrInvalidCard)

	badID := testCard(epoch)
	badID.AgentID = "agent-1"
	_, err = m.AuthenticateAgentCard(badID)
	assert.ErrorIs(t, err, ErrInvalidCard)
	assert.Zero(t, m.Stats().Active)
}

func TestManager_GeneratedSecret(t *testing.T) {
	a, err := NewManager(Config{}, nil)
	require.NoError(t, err)
	b, err := NewManager(Config{}, nil)
	require.NoError(t, err)

	pair, err := a.Issue("r", ReadOnly(""), time.Minute)
	require.NoError(t, err)
	_, err = a.Authenticate(pair.Token)
	assert.NoError(t, err)
	_, err = b.Authenticate(pair.Token)
	assert.ErrorIs(t, err, ErrBadSignature)
}

const base64URLAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

func TestProperty_TamperedPayloadIsRejected(t *testing.T) {
	m, _ := newTestManager(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("altering any payload character fails validation", prop.ForAll(
		func(resource string, pos int, replacement int) bool {
			pair, err := m.Issue(resource, ReadOnly(""), time.Minute)
			if err != nil {
				return false
			}
			parts := strings.Split(pair.Token, ".")
			payload := []byte(parts[1])
			i := pos % len(payload)
			next := base64URLAlphabet[replacement%len(base64URLAlphabet)]
			if next == payload[i] {
				next = base64URLAlphabet[(replacement+1)%len(base64URLAlphabet)]
			}
			payload[i] = next

			_, err = m.Authenticate(parts[0] + "." + string(payload) + "." + parts[2])
			return err != nil
		},
		gen.Identifier(),
		gen.IntRange(0, 1<<16),
		gen.IntRange(0, 63),
	))

	properties.Property("untampered tokens authenticate", prop.ForAll(
		func(resource string) bool {
			pair, err := m.Issue(resource, ReadOnly(""), time.Minute)
			if err != nil {
				return false
			}
			perms, err := m.Authenticate(pair.Token)
			return err == nil && perms.ResourceID == resource
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
