package endpoint

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/apigw/internal/config"
	"github.com/wudi/apigw/internal/connector"
	"github.com/wudi/apigw/internal/loadbalancer"
	"github.com/wudi/apigw/internal/logging"
)

// ErrNotFound is returned when an endpoint or group does not exist.
var ErrNotFound = errors.New("endpoint not found")

// Event describes a registry change.
type Event int

const (
	EventAdded Event = iota
	EventUpdated
	EventRemoved
	EventDisabled
	EventEnabled
)

func (e Event) String() string {
	switch e {
	case EventAdded:
		return "added"
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	case EventDisabled:
		return "disabled"
	default:
		return "enabled"
	}
}

// Listener is notified after each registry change, outside the registry lock.
type Listener func(ev Event, ep *ManagedEndpoint)

// Options configures a Manager.
type Options struct {
	// GraceDelay is how long a disabled or removed endpoint may keep serving
	// in-flight calls before its connector is stopped.
	GraceDelay time.Duration
	Logger     *zap.Logger
}

type pendingRemoval struct {
	timer *time.Timer
}

// Manager tracks the live endpoints of one API. Reads from in-flight requests
// and writes from discovery may run concurrently.
type Manager struct {
	apiID      string
	defs       []config.EndpointGroupConfig
	connectors *connector.Registry
	graceDelay time.Duration
	logger     *zap.Logger

	mu           sync.RWMutex
	groups       []*ManagedGroup
	groupsByName map[string]*ManagedGroup
	endpoints    map[string]*ManagedEndpoint
	pending      map[string]*pendingRemoval
	listeners    []Listener
	started      bool
	stopping     sync.WaitGroup
}

// NewManager creates a manager for the endpoint groups of an API.
func NewManager(apiID string, groups []config.EndpointGroupConfig, connectors *connector.Registry, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Global()
	}
	return &Manager{
		apiID:        apiID,
		defs:         groups,
		connectors:   connectors,
		graceDelay:   opts.GraceDelay,
		logger:       logger.With(zap.String("api", apiID)),
		groupsByName: make(map[string]*ManagedGroup),
		endpoints:    make(map[string]*ManagedEndpoint),
		pending:      make(map[string]*pendingRemoval),
	}
}

// AddListener registers l for subsequent changes.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Start creates and starts the connectors of every declared endpoint.
func (m *Manager) Start(ctx context.Context) error {
	for _, gdef := range m.defs {
		alg, err := loadbalancer.ParseAlgorithm(gdef.LoadBalancer)
		if err != nil {
			return fmt.Errorf("group %s: %w", gdef.Name, err)
		}
		g := &ManagedGroup{
			name:     gdef.Name,
			def:      gdef,
			balancer: loadbalancer.New[*ManagedEndpoint](alg),
		}
		m.mu.Lock()
		m.groups = append(m.groups, g)
		m.groupsByName[g.name] = g
		m.mu.Unlock()

		for _, edef := range gdef.Endpoints {
			if err := m.Add(ctx, gdef.Name, edef); err != nil {
				return fmt.Errorf("group %s: %w", gdef.Name, err)
			}
		}
	}

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	m.logger.Debug("endpoint manager started", zap.Int("groups", len(m.defs)))
	return nil
}

// Stop cancels pending removals and stops every connector.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	for name, p := range m.pending {
		p.timer.Stop()
		delete(m.pending, name)
	}
	eps := make([]*ManagedEndpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		eps = append(eps, ep)
	}
	m.endpoints = make(map[string]*ManagedEndpoint)
	for _, g := range m.groups {
		g.setEndpoints(nil)
	}
	m.started = false
	m.mu.Unlock()

	var errs []error
	for _, ep := range eps {
		if err := ep.connector.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("endpoint %s: %w", ep.name, err))
		}
	}
	m.stopping.Wait()
	return errors.Join(errs...)
}

// Next returns the endpoint to call for c, or nil when none matches.
func (m *Manager) Next(c Criteria) *ManagedEndpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if c.Name != "" {
		if ep, ok := m.endpoints[c.Name]; ok {
			if ep.matches(c) {
				return ep
			}
			return nil
		}
		if g, ok := m.groupsByName[c.Name]; ok {
			return g.next(c)
		}
		return nil
	}

	for _, g := range m.groups {
		if ep := g.next(c); ep != nil {
			return ep
		}
	}
	return nil
}

// Add creates an endpoint in group. An endpoint with the same name is
// replaced and any pending removal of it is cancelled.
func (m *Manager) Add(ctx context.Context, group string, def config.EndpointConfig) error {
	m.mu.RLock()
	g, ok := m.groupsByName[group]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("group %s: %w", group, ErrNotFound)
	}

	typ := def.Type
	if typ == "" {
		typ = g.def.Type
	}
	cfg := make(map[string]any, len(g.def.Config)+len(def.Config))
	maps.Copy(cfg, g.def.Config)
	maps.Copy(cfg, def.Config)

	conn, err := m.connectors.NewEndpoint(typ, cfg)
	if err != nil {
		return fmt.Errorf("endpoint %s: %w", def.Name, err)
	}
	if err := conn.Start(ctx); err != nil {
		return fmt.Errorf("endpoint %s: starting connector: %w", def.Name, err)
	}

	ep := &ManagedEndpoint{name: def.Name, group: g, def: def, connector: conn}
	ep.enabled.Store(!def.Disabled)
	ep.healthy.Store(true)

	m.mu.Lock()
	m.cancelPendingLocked(def.Name)
	old, replaced := m.endpoints[def.Name]
	if replaced {
		old.group.setEndpoints(old.group.without(def.Name))
	}
	m.endpoints[def.Name] = ep
	g.setEndpoints(append(g.without(def.Name), ep))
	listeners := m.listeners
	m.mu.Unlock()

	ev := EventAdded
	if replaced {
		ev = EventUpdated
		m.retire(old)
	}
	m.logger.Debug("endpoint "+ev.String(), zap.String("endpoint", def.Name), zap.String("group", group), zap.String("type", typ))
	notify(listeners, ev, ep)
	return nil
}

// Update replaces the definition of an existing endpoint.
func (m *Manager) Update(ctx context.Context, def config.EndpointConfig) error {
	m.mu.RLock()
	ep, ok := m.endpoints[def.Name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("endpoint %s: %w", def.Name, ErrNotFound)
	}
	return m.Add(ctx, ep.group.name, def)
}

// Remove makes an endpoint unselectable immediately. Its connector is stopped
// once in-flight calls finish or the grace delay elapses.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	ep, listeners, err := m.removeLocked(name)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.removed(ep, listeners)
	return nil
}

func (m *Manager) removeLocked(name string) (*ManagedEndpoint, []Listener, error) {
	ep, ok := m.endpoints[name]
	if !ok {
		return nil, nil, fmt.Errorf("endpoint %s: %w", name, ErrNotFound)
	}
	m.cancelPendingLocked(name)
	delete(m.endpoints, name)
	ep.group.setEndpoints(ep.group.without(name))
	ep.enabled.Store(false)
	return ep, m.listeners, nil
}

func (m *Manager) removed(ep *ManagedEndpoint, listeners []Listener) {
	m.retire(ep)
	m.logger.Debug("endpoint removed", zap.String("endpoint", ep.name))
	notify(listeners, EventRemoved, ep)
}

// Disable makes an endpoint unselectable and schedules its removal after the
// grace delay. Enable or Add cancel the removal.
func (m *Manager) Disable(name string) error {
	m.mu.Lock()
	ep, ok := m.endpoints[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("endpoint %s: %w", name, ErrNotFound)
	}
	ep.enabled.Store(false)
	m.cancelPendingLocked(name)
	p := &pendingRemoval{}
	p.timer = time.AfterFunc(m.graceDelay, func() { m.expire(name, p) })
	m.pending[name] = p
	listeners := m.listeners
	m.mu.Unlock()

	m.logger.Info("endpoint disabled", zap.String("endpoint", name), zap.Duration("grace_delay", m.graceDelay))
	notify(listeners, EventDisabled, ep)
	return nil
}

// Enable makes a disabled endpoint selectable again.
func (m *Manager) Enable(name string) error {
	m.mu.Lock()
	ep, ok := m.endpoints[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("endpoint %s: %w", name, ErrNotFound)
	}
	m.cancelPendingLocked(name)
	ep.enabled.Store(true)
	listeners := m.listeners
	m.mu.Unlock()

	m.logger.Info("endpoint enabled", zap.String("endpoint", name))
	notify(listeners, EventEnabled, ep)
	return nil
}

// Endpoint returns an endpoint by name.
func (m *Manager) Endpoint(name string) (*ManagedEndpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[name]
	return ep, ok
}

// Groups returns the groups in declaration order.
func (m *Manager) Groups() []*ManagedGroup {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ManagedGroup, len(m.groups))
	copy(out, m.groups)
	return out
}

// PendingRemoval reports whether name is scheduled for removal.
func (m *Manager) PendingRemoval(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.pending[name]
	return ok
}

// expire removes name if p is still its pending removal. The check and the
// removal share one critical section so a concurrent Enable or Add wins.
func (m *Manager) expire(name string, p *pendingRemoval) {
	m.mu.Lock()
	if m.pending[name] != p {
		m.mu.Unlock()
		return
	}
	ep, listeners, err := m.removeLocked(name)
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("deferred endpoint removal failed", zap.String("endpoint", name), zap.Error(err))
		return
	}
	m.removed(ep, listeners)
}

// cancelPendingLocked must be called with m.mu held.
func (m *Manager) cancelPendingLocked(name string) {
	if p, ok := m.pending[name]; ok {
		p.timer.Stop()
		delete(m.pending, name)
	}
}

// retire stops ep's connector once it is idle or the grace delay elapsed.
func (m *Manager) retire(ep *ManagedEndpoint) {
	m.stopping.Add(1)
	go func() {
		defer m.stopping.Done()
		deadline := time.Now().Add(m.graceDelay)
		for ep.InFlight() > 0 && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ep.connector.Stop(ctx); err != nil {
			m.logger.Warn("stopping endpoint connector", zap.String("endpoint", ep.name), zap.Error(err))
		}
	}()
}

func notify(listeners []Listener, ev Event, ep *ManagedEndpoint) {
	for _, l := range listeners {
		l(ev, ep)
	}
}
