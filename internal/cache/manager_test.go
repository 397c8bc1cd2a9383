package cache

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/macawi-ai/cyreal-sub001/testutil"
)

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)

	config := DefaultConfig()
	config.Addr = mr.Addr()
	config.HealthCheckInterval = 0

	manager, err := NewManager(config, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return mr, manager
}

type presence struct {
	AgentID string `json:"agentId"`
	Port    int    `json:"port"`
}

func TestManager_SetAndGetJSON(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	key := manager.Key("agent:a")
	assert.Equal(t, "cyreal:agent:a", key)

	require.NoError(t, manager.SetJSON(ctx, key, presence{AgentID: "a", Port: 3500}, time.Minute))

	var got presence
	require.NoError(t, manager.GetJSON(ctx, key, &got))
	assert.Equal(t, presence{AgentID: "a", Port: 3500}, got)
}

func TestManager_GetMissing(t *testing.T) {
	_, manager := setupTestRedis(t)

	var got presence
	err := manager.GetJSON(context.Background(), "missing", &got)
	assert.True(t, IsCacheMiss(err))
}

func TestManager_GetInvalidJSON(t *testing.T) {
	mr, manager := setupTestRedis(t)
	require.NoError(t, mr.Set("broken", "not a json"))

	var got presence
	err := manager.GetJSON(context.Background(), "broken", &got)
	require.Error(t, err)
	assert.False(t, IsCacheMiss(err))
}

func TestManager_SetJSONInvalidData(t *testing.T) {
	_, manager := setupTestRedis(t)
	err := manager.SetJSON(context.Background(), "bad", make(chan int), time.Minute)
	assert.Error(t, err)
}

func TestManager_TTLExpiry(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.SetJSON(ctx, "ttl", presence{AgentID: "a"}, time.Minute))
	mr.FastForward(2 * time.Minute)

	var got presence
	assert.True(t, IsCacheMiss(manager.GetJSON(ctx, "ttl", &got)))
}

func TestManager_ScanAndDelete(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, manager.SetJSON(ctx, manager.Key("agent:"+id), presence{AgentID: id}, 0))
	}
	require.NoError(t, manager.SetJSON(ctx, manager.Key("other"), 1, 0))

	keys, err := manager.Scan(ctx, manager.Key("agent:*"))
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"cyreal:agent:a", "cyreal:agent:b", "cyreal:agent:c"}, keys)

	require.NoError(t, manager.Delete(ctx, keys[0]))
	keys, err = manager.Scan(ctx, manager.Key("agent:*"))
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestManager_PublishSubscribe(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	sub, err := manager.Subscribe(ctx, "announce")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, manager.Publish(ctx, "announce", presence{AgentID: "a", Port: 1}))

	msg, ok := testutil.WaitForChannel(sub.Channel(), 2*time.Second)
	require.True(t, ok, "no message received")
	assert.JSONEq(t, `{"agentId":"a","port":1}`, msg.Payload)
}

func TestManager_Closed(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	assert.ErrorIs(t, manager.Ping(ctx), ErrClosed)
	assert.ErrorIs(t, manager.Publish(ctx, "c", 1), ErrClosed)
	assert.ErrorIs(t, manager.SetJSON(ctx, "k", 1, 0), ErrClosed)
	_, err := manager.Subscribe(ctx, "c")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManager_ConnectFailure(t *testing.T) {
	config := DefaultConfig()
	config.Addr = "127.0.0.1:1"
	config.MaxRetries = -1

	manager, err := NewManager(config, zap.NewNop())
	assert.Nil(t, manager)
	assert.Error(t, err)
}
