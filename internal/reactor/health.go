package reactor

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wudi/apigw/internal/endpoint"
	"github.com/wudi/apigw/internal/health"
)

func (r *Reactor) buildHealthCheckers() error {
	for _, g := range r.api.EndpointGroups {
		if g.HealthCheck == nil || !g.HealthCheck.Enabled {
			continue
		}
		settings, err := health.NewSettings(*g.HealthCheck)
		if err != nil {
			return fmt.Errorf("group %s: health check: %w", g.Name, err)
		}
		if r.health == nil {
			r.health = make(map[string]*health.Checker)
		}
		r.health[g.Name] = health.NewChecker(settings, r.healthChanged)
	}
	return nil
}

// trackHealth keeps the probed targets in step with the endpoint registry.
func (r *Reactor) trackHealth(ev endpoint.Event, ep *endpoint.ManagedEndpoint) {
	c, ok := r.health[ep.Group().Name()]
	if !ok {
		return
	}
	switch ev {
	case endpoint.EventAdded, endpoint.EventUpdated:
		p, ok := health.ProbeFor(ep.Connector(), c.Settings(), r.opts.HTTPClient)
		if !ok {
			c.Remove(ep.Name())
			return
		}
		c.Add(ep.Name(), p)
	case endpoint.EventRemoved:
		c.Remove(ep.Name())
	}
}

func (r *Reactor) healthChanged(name string, status health.Status) {
	ep, ok := r.endpoints.Endpoint(name)
	if !ok {
		return
	}
	healthy := status != health.StatusUnhealthy
	if ep.Healthy() == healthy {
		return
	}
	ep.SetHealthy(healthy)
	if healthy {
		r.logger.Info("endpoint recovered", zap.String("endpoint", name))
	} else {
		r.logger.Warn("endpoint unhealthy", zap.String("endpoint", name))
	}
	r.reportEndpoints()
}
