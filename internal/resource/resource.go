// Package resource manages the named resources an API declares, such as
// the caches used by the cache policy.
package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/apigw/internal/config"
	"github.com/wudi/apigw/internal/logging"
)

// Cache is a byte store with per-entry expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Factory creates a resource from its raw configuration. Resources holding
// connections implement io.Closer.
type Factory func(cfg map[string]any) (any, error)

// Registry maps resource types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in cache types.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(TypeMemoryCache, func(raw map[string]any) (any, error) {
		c, err := NewMemoryFromConfig(raw)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	r.Register(TypeRedisCache, func(raw map[string]any) (any, error) {
		c, err := NewRedisFromConfig(raw)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	return r
}

func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	r.factories[typ] = f
	r.mu.Unlock()
}

func (r *Registry) factory(typ string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[typ]
	return f, ok
}

// Manager owns the resources deployed with one API. Resources are created by
// Start and released by Stop.
type Manager struct {
	registry *Registry
	cfgs     []config.ResourceConfig

	mu     sync.RWMutex
	byName map[string]any
}

func NewManager(registry *Registry, cfgs []config.ResourceConfig) *Manager {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Manager{registry: registry, cfgs: cfgs}
}

// Start creates the enabled resources. On error the resources built so far
// are closed.
func (m *Manager) Start(context.Context) error {
	byName := make(map[string]any, len(m.cfgs))
	for _, rc := range m.cfgs {
		if rc.Enabled != nil && !*rc.Enabled {
			continue
		}
		if _, dup := byName[rc.Name]; dup {
			closeAll(byName)
			return fmt.Errorf("resource %q declared twice", rc.Name)
		}
		f, ok := m.registry.factory(rc.Type)
		if !ok {
			closeAll(byName)
			return fmt.Errorf("resource %q: unknown type %q", rc.Name, rc.Type)
		}
		res, err := f(rc.Config)
		if err != nil {
			closeAll(byName)
			return fmt.Errorf("resource %q: %w", rc.Name, err)
		}
		byName[rc.Name] = res
	}

	m.mu.Lock()
	m.byName = byName
	m.mu.Unlock()
	return nil
}

// Resource returns the named resource.
func (m *Manager) Resource(name string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.byName[name]
	return res, ok
}

// Names lists the started resources.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byName))
	for n := range m.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Stop releases every resource implementing io.Closer.
func (m *Manager) Stop(context.Context) error {
	m.mu.Lock()
	byName := m.byName
	m.byName = nil
	m.mu.Unlock()
	return closeAll(byName)
}

func closeAll(byName map[string]any) error {
	var errs []error
	for name, res := range byName {
		c, ok := res.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			logging.Warn("Failed to close resource", zap.String("resource", name), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
