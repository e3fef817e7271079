package endpoint

import (
	"sync/atomic"

	"github.com/wudi/apigw/internal/config"
	"github.com/wudi/apigw/internal/connector"
	"github.com/wudi/apigw/internal/loadbalancer"
)

// Criteria filters candidate endpoints for a request.
type Criteria struct {
	// Name selects an endpoint, or a group when no endpoint has that name.
	Name    string
	APIType connector.APIType
	Modes   []connector.Mode
}

// ManagedEndpoint is a backend target owned by a Manager.
type ManagedEndpoint struct {
	name      string
	group     *ManagedGroup
	def       config.EndpointConfig
	connector connector.EndpointConnector
	enabled   atomic.Bool
	healthy   atomic.Bool
	inFlight  atomic.Int64
}

func (e *ManagedEndpoint) Name() string                           { return e.name }
func (e *ManagedEndpoint) Group() *ManagedGroup                   { return e.group }
func (e *ManagedEndpoint) Connector() connector.EndpointConnector { return e.connector }
func (e *ManagedEndpoint) Definition() config.EndpointConfig      { return e.def }
func (e *ManagedEndpoint) Enabled() bool                          { return e.enabled.Load() }
func (e *ManagedEndpoint) Healthy() bool                          { return e.healthy.Load() }

// SetHealthy marks the endpoint up or down for selection. Unlike Disable, an
// unhealthy endpoint is never scheduled for removal.
func (e *ManagedEndpoint) SetHealthy(v bool) { e.healthy.Store(v) }

// Weight implements loadbalancer.Target.
func (e *ManagedEndpoint) Weight() int { return e.def.Weight }

// InFlight returns the number of calls currently using the endpoint.
func (e *ManagedEndpoint) InFlight() int64 { return e.inFlight.Load() }

// Acquire marks a call as started. Release must follow.
func (e *ManagedEndpoint) Acquire() { e.inFlight.Add(1) }

// Release marks a call as finished.
func (e *ManagedEndpoint) Release() { e.inFlight.Add(-1) }

func (e *ManagedEndpoint) matches(c Criteria) bool {
	if !e.enabled.Load() || !e.healthy.Load() {
		return false
	}
	if c.APIType != "" && e.connector.SupportedAPI() != c.APIType {
		return false
	}
	return connector.SupportsAll(e.connector.SupportedModes(), c.Modes)
}

// ManagedGroup is an ordered set of endpoints sharing a balancer.
type ManagedGroup struct {
	name      string
	def       config.EndpointGroupConfig
	balancer  loadbalancer.Balancer[*ManagedEndpoint]
	// endpoints is copy-on-write. Writers hold the manager lock.
	endpoints atomic.Pointer[[]*ManagedEndpoint]
}

func (g *ManagedGroup) Name() string { return g.name }

// Endpoints returns the endpoints of the group in declaration order. The
// slice is a snapshot and must not be modified.
func (g *ManagedGroup) Endpoints() []*ManagedEndpoint {
	if eps := g.endpoints.Load(); eps != nil {
		return *eps
	}
	return nil
}

func (g *ManagedGroup) setEndpoints(eps []*ManagedEndpoint) { g.endpoints.Store(&eps) }

func (g *ManagedGroup) next(c Criteria) *ManagedEndpoint {
	eps := g.Endpoints()
	candidates := make([]*ManagedEndpoint, 0, len(eps))
	for _, e := range eps {
		if e.matches(c) {
			candidates = append(candidates, e)
		}
	}
	ep, ok := g.balancer.Next(candidates)
	if !ok {
		return nil
	}
	return ep
}

func (g *ManagedGroup) without(name string) []*ManagedEndpoint {
	eps := g.Endpoints()
	out := make([]*ManagedEndpoint, 0, len(eps))
	for _, e := range eps {
		if e.name != name {
			out = append(out, e)
		}
	}
	return out
}
