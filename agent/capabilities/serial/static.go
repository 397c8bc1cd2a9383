package serial

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// StaticProvider serves a fixed set of configured ports. Settings changes
// are kept in memory. With loopback enabled every write is queued for the
// next read on the same port; otherwise I/O returns ErrNoDevice.
type StaticProvider struct {
	mu       sync.Mutex
	ports    map[string]*Port
	loopback bool
	buffers  map[string][]byte
}

// NewStaticProvider creates a provider for ports.
func NewStaticProvider(ports []Port, loopback bool) (*StaticProvider, error) {
	p := &StaticProvider{
		ports:    make(map[string]*Port, len(ports)),
		loopback: loopback,
		buffers:  make(map[string][]byte),
	}
	for _, port := range ports {
		if err := ValidatePortPath(port.Path); err != nil {
			return nil, err
		}
		if port.Settings == (Settings{}) {
			port.Settings = DefaultSettings()
		}
		if err := port.Settings.Validate(); err != nil {
			return nil, fmt.Errorf("port %s: %w", port.Path, err)
		}
		if _, dup := p.ports[port.Path]; dup {
			return nil, fmt.Errorf("port %s configured twice", port.Path)
		}
		port := port
		p.ports[port.Path] = &port
	}
	return p, nil
}

// List implements Provider.
func (p *StaticProvider) List(context.Context) ([]Port, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Port, 0, len(p.ports))
	for _, port := range p.ports {
		out = append(out, *port)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Read implements Provider.
func (p *StaticProvider) Read(_ context.Context, port string, maxBytes int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.ports[port]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrPortNotFound, port)
	}
	if !p.loopback {
		return nil, fmt.Errorf("%w: %s", ErrNoDevice, port)
	}
	buf := p.buffers[port]
	n := min(maxBytes, len(buf))
	out := append([]byte(nil), buf[:n]...)
	p.buffers[port] = buf[n:]
	return out, nil
}

// Write implements Provider.
func (p *StaticProvider) Write(_ context.Context, port string, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.ports[port]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrPortNotFound, port)
	}
	if !p.loopback {
		return 0, fmt.Errorf("%w: %s", ErrNoDevice, port)
	}
	if len(p.buffers[port])+len(data) > MaxReadBytes {
		return 0, fmt.Errorf("loopback buffer for %s is full", port)
	}
	p.buffers[port] = append(p.buffers[port], data...)
	return len(data), nil
}

// Configure implements Provider.
func (p *StaticProvider) Configure(_ context.Context, port string, settings Settings) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.ports[port]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPortNotFound, port)
	}
	entry.Settings = settings
	return nil
}

var _ Provider = (*StaticProvider)(nil)
