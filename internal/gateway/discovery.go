package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wudi/apigw/internal/config"
	"github.com/wudi/apigw/internal/discovery"
	"github.com/wudi/apigw/internal/discovery/consul"
	"github.com/wudi/apigw/internal/discovery/etcd"
)

// startDiscovery feeds every endpoint group declaring a discovery block from
// its service registry.
func (g *Gateway) startDiscovery(d *deployment) error {
	api := d.reactor.API()
	for _, group := range api.EndpointGroups {
		if group.Discovery == nil {
			continue
		}
		reg, owned, err := g.openRegistry(*group.Discovery)
		if err != nil {
			return fmt.Errorf("group %s: %w", group.Name, err)
		}
		if owned {
			d.remote = append(d.remote, reg)
		}

		s := discovery.NewSynchronizer(reg, d.reactor.Endpoints(), group.Name, *group.Discovery,
			g.logger.With(zap.String("api", api.ID)))
		s.Start(context.Background())
		d.syncs = append(d.syncs, s)
	}
	return nil
}

// openRegistry returns the registry of a discovery block. Owned registries
// hold a client the deployment must close.
func (g *Gateway) openRegistry(cfg config.DiscoveryConfig) (reg discovery.Registry, owned bool, err error) {
	switch cfg.Provider {
	case discovery.ProviderConsul:
		reg, err = consul.New(cfg.Consul)
		return reg, true, err
	case discovery.ProviderEtcd:
		reg, err = etcd.New(cfg.Etcd)
		return reg, true, err
	case discovery.ProviderMemory:
		return g.local, false, nil
	default:
		return nil, false, fmt.Errorf("unknown discovery provider: %s", cfg.Provider)
	}
}
