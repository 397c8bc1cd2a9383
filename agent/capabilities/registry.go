// Package capabilities holds the table of capability methods the
// coordination server dispatches to after the built-in methods.
package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/macawi-ai/cyreal-sub001/agent/protocol/a2a"
)

// Permission names the token grant a method requires.
type Permission string

const (
	PermissionRead      Permission = "read"
	PermissionWrite     Permission = "write"
	PermissionConfigure Permission = "configure"
)

// HandlerFunc executes one capability method.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Metadata describes a registered method.
type Metadata struct {
	Descriptor a2a.Capability // advertised on the server's agent card
	Permission Permission     // required grant, defaults to read
	Timeout    time.Duration  // execution timeout (default 30s)
}

// Capability is a group of methods contributed by one provider.
type Capability interface {
	Methods() map[string]Metadata
	Handle(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// ====== Registry ======

// Registry maps method names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	metadata map[string]Metadata
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		handlers: make(map[string]HandlerFunc),
		metadata: make(map[string]Metadata),
		logger:   logger.With(zap.String("component", "capabilities")),
	}
}

// Register adds a single method.
func (r *Registry) Register(method string, fn HandlerFunc, meta Metadata) error {
	if !a2a.IsAllowedMethod(method) {
		return fmt.Errorf("method %s is not on the allow-list", method)
	}
	if meta.Descriptor.ID == "" {
		meta.Descriptor.ID = method
	}
	if meta.Descriptor.ID != method {
		return fmt.Errorf("capability id mismatch: descriptor=%s, method=%s", meta.Descriptor.ID, method)
	}
	if meta.Permission == "" {
		meta.Permission = PermissionRead
	}
	if meta.Timeout == 0 {
		meta.Timeout = 30 * time.Second
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[method]; exists {
		return fmt.Errorf("method %s already registered", method)
	}
	r.handlers[method] = fn
	r.metadata[method] = meta

	r.logger.Info("capability registered", zap.String("method", method), zap.String("permission", string(meta.Permission)))
	return nil
}

// RegisterCapability adds every method of c.
func (r *Registry) RegisterCapability(c Capability) error {
	methods := c.Methods()
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		method := name
		fn := func(ctx context.Context, params json.RawMessage) (any, error) {
			return c.Handle(ctx, method, params)
		}
		if err := r.Register(method, fn, methods[method]); err != nil {
			return err
		}
	}
	return nil
}

// Unregister removes a method.
func (r *Registry) Unregister(method string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[method]; !exists {
		return fmt.Errorf("method %s not found", method)
	}
	delete(r.handlers, method)
	delete(r.metadata, method)
	return nil
}

// Lookup returns the handler and metadata for method.
func (r *Registry) Lookup(method string) (HandlerFunc, Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.handlers[method]
	if !ok {
		return nil, Metadata{}, false
	}
	return fn, r.metadata[method], true
}

// Methods returns the registered method names in order.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Descriptors returns the advertised capabilities ordered by id.
func (r *Registry) Descriptors() []a2a.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]a2a.Capability, 0, len(r.metadata))
	for _, meta := range r.metadata {
		out = append(out, meta.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Invoke runs method under its timeout.
func (r *Registry) Invoke(ctx context.Context, method string, params json.RawMessage) (any, error) {
	fn, meta, ok := r.Lookup(method)
	if !ok {
		return nil, fmt.Errorf("method %s not found", method)
	}
	ctx, cancel := context.WithTimeout(ctx, meta.Timeout)
	defer cancel()
	return fn(ctx, params)
}
