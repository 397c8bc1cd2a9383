// 配置文件轮询重载。
//
// 基于修改时间轮询触发重载回调，回调收到完整校验后的新配置。
package config

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// ErrNoConfigPath is returned when a Reloader has no file to watch.
var ErrNoConfigPath = errors.New("config: no config path")

// --- 重载器 ---

// Reloader polls a config file and re-runs a Loader when it changes.
type Reloader struct {
	loader   *Loader
	interval time.Duration
	clock    clock.WithTicker
	logger   *zap.Logger

	mu        sync.Mutex
	lastMod   time.Time
	callbacks []func(*Config)
}

// ReloaderOption configures a Reloader.
type ReloaderOption func(*Reloader)

// WithReloadInterval sets the polling period.
func WithReloadInterval(d time.Duration) ReloaderOption {
	return func(r *Reloader) { r.interval = d }
}

// WithReloadClock sets the tick source.
func WithReloadClock(c clock.WithTicker) ReloaderOption {
	return func(r *Reloader) { r.clock = c }
}

// NewReloader creates a Reloader for loader. The loader must have a config path.
func NewReloader(loader *Loader, logger *zap.Logger, opts ...ReloaderOption) (*Reloader, error) {
	if loader == nil || loader.configPath == "" {
		return nil, ErrNoConfigPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reloader{
		loader:   loader,
		interval: 5 * time.Second,
		clock:    clock.RealClock{},
		logger:   logger.With(zap.String("component", "config_reloader")),
	}
	for _, opt := range opts {
		opt(r)
	}
	if info, err := os.Stat(loader.configPath); err == nil {
		r.lastMod = info.ModTime()
	}
	return r, nil
}

// OnReload registers a callback invoked with each successfully reloaded config.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Run polls until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.Check()
		}
	}
}

// Check reloads once if the file's modification time moved. It reports
// whether callbacks ran. A broken file is logged and the old config stays.
func (r *Reloader) Check() bool {
	info, err := os.Stat(r.loader.configPath)
	if err != nil {
		r.logger.Warn("config file unavailable", zap.Error(err))
		return false
	}

	r.mu.Lock()
	if !info.ModTime().After(r.lastMod) {
		r.mu.Unlock()
		return false
	}
	r.lastMod = info.ModTime()
	callbacks := append([]func(*Config){}, r.callbacks...)
	r.mu.Unlock()

	cfg, err := r.loader.Load()
	if err != nil {
		r.logger.Error("config reload failed, keeping previous config", zap.Error(err))
		return false
	}
	r.logger.Info("config reloaded", zap.String("path", r.loader.configPath))
	for _, fn := range callbacks {
		r.safeCall(fn, cfg)
	}
	return true
}

func (r *Reloader) safeCall(fn func(*Config), cfg *Config) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("config reload callback panicked", zap.Any("recover", rec))
		}
	}()
	fn(cfg)
}
