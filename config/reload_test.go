package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	testingclock "k8s.io/utils/clock/testing"
)

func writeConfig(t *testing.T, path, body string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestNewReloader_RequiresPath(t *testing.T) {
	_, err := NewReloader(NewLoader(), zap.NewNop())
	assert.ErrorIs(t, err, ErrNoConfigPath)
}

func TestReloader_Check(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cyreal.yaml")
	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	writeConfig(t, path, "log:\n  level: info\n", base)

	r, err := NewReloader(NewLoader().WithConfigPath(path).WithEnvironment(map[string]string{}), zap.NewNop())
	require.NoError(t, err)

	var levels []string
	r.OnReload(func(c *Config) { levels = append(levels, c.Log.Level) })
	r.OnReload(func(*Config) { panic("boom") })

	// unchanged file
	assert.False(t, r.Check())

	writeConfig(t, path, "log:\n  level: debug\n", base.Add(time.Second))
	assert.True(t, r.Check())
	assert.Equal(t, []string{"debug"}, levels)

	// broken file keeps the previous config
	writeConfig(t, path, "log: [", base.Add(2*time.Second))
	assert.False(t, r.Check())
	assert.Equal(t, []string{"debug"}, levels)
}

func TestReloader_Run(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cyreal.yaml")
	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	writeConfig(t, path, "log:\n  level: info\n", base)

	fc := testingclock.NewFakeClock(base)
	r, err := NewReloader(
		NewLoader().WithConfigPath(path).WithEnvironment(map[string]string{}),
		zap.NewNop(),
		WithReloadClock(fc),
		WithReloadInterval(time.Second),
	)
	require.NoError(t, err)

	var reloads atomic.Int32
	r.OnReload(func(*Config) { reloads.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, fc.HasWaiters, time.Second, 5*time.Millisecond)
	writeConfig(t, path, "log:\n  level: warn\n", base.Add(time.Minute))
	fc.Step(time.Second)

	assert.Eventually(t, func() bool { return reloads.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
