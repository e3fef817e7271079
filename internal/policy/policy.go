// Package policy defines the policies run by flows and the manager creating
// them from configuration.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/logging"
)

// ErrManagerNotStarted is returned when a policy is created before Start.
var ErrManagerNotStarted = errors.New("policy manager not started")

// Policy is a step of a flow. Returning execution.Interrupt or
// execution.InterruptWith short-circuits the request.
type Policy interface {
	ID() string
	OnRequest(ctx *execution.Context) error
	OnResponse(ctx *execution.Context) error
}

// Base provides no-op phases for policies acting on a single phase.
type Base struct{}

func (Base) OnRequest(*execution.Context) error  { return nil }
func (Base) OnResponse(*execution.Context) error { return nil }

// Factory creates a policy from its raw configuration.
type Factory func(cfg map[string]any) (Policy, error)

// Manager creates policies of registered types. Policies holding resources
// implement io.Closer and are closed by Stop.
type Manager struct {
	mu        sync.Mutex
	factories map[string]Factory
	created   []Policy
	started   bool
	logger    *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = logging.Global()
	}
	return &Manager{
		factories: make(map[string]Factory),
		logger:    logger,
	}
}

// Register adds a policy type. Registering the same id twice replaces it.
func (m *Manager) Register(id string, f Factory) {
	m.mu.Lock()
	m.factories[id] = f
	m.mu.Unlock()
}

// Types lists registered policy types.
func (m *Manager) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.factories))
	for id := range m.factories {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) Start(context.Context) error {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	m.logger.Debug("policy manager started")
	return nil
}

// Started reports whether Start was called and Stop was not.
func (m *Manager) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// Create instantiates a policy of type id.
func (m *Manager) Create(id string, cfg map[string]any) (Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil, fmt.Errorf("create policy %s: %w", id, ErrManagerNotStarted)
	}
	f, ok := m.factories[id]
	if !ok {
		return nil, fmt.Errorf("unknown policy %q", id)
	}
	p, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", id, err)
	}
	m.created = append(m.created, p)
	return p, nil
}

// Stop releases the policies created by the manager.
func (m *Manager) Stop(context.Context) error {
	m.mu.Lock()
	created := m.created
	m.created = nil
	m.started = false
	m.mu.Unlock()

	var errs []error
	for _, p := range created {
		if c, ok := p.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("policy %s: %w", p.ID(), err))
			}
		}
	}
	return errors.Join(errs...)
}
