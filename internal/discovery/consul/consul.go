// Package consul discovers service instances from the Consul health API.
package consul

import (
	"context"
	"fmt"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"github.com/wudi/apigw/internal/config"
	"github.com/wudi/apigw/internal/discovery"
	"github.com/wudi/apigw/internal/logging"
)

// Registry reads instances from Consul using blocking queries.
type Registry struct {
	client     *consulapi.Client
	datacenter string
	namespace  string
	waitTime   time.Duration
	logger     *zap.Logger
}

// New creates a Consul client. The agent is not contacted until the first
// query.
func New(cfg config.ConsulConfig) (*Registry, error) {
	consulCfg := consulapi.DefaultConfig()
	if cfg.Address != "" {
		consulCfg.Address = cfg.Address
	}
	if cfg.Scheme != "" {
		consulCfg.Scheme = cfg.Scheme
	}
	consulCfg.Datacenter = cfg.Datacenter
	consulCfg.Namespace = cfg.Namespace
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}

	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}
	return &Registry{
		client:     client,
		datacenter: cfg.Datacenter,
		namespace:  cfg.Namespace,
		waitTime:   30 * time.Second,
		logger:     logging.Global().With(zap.String("registry", discovery.ProviderConsul)),
	}, nil
}

func (r *Registry) Discover(ctx context.Context, service string, tags []string) ([]*discovery.Instance, error) {
	instances, _, err := r.query(ctx, service, tags, 0)
	return instances, err
}

func (r *Registry) query(ctx context.Context, service string, tags []string, index uint64) ([]*discovery.Instance, uint64, error) {
	opts := (&consulapi.QueryOptions{
		Datacenter: r.datacenter,
		Namespace:  r.namespace,
		WaitIndex:  index,
		WaitTime:   r.waitTime,
	}).WithContext(ctx)

	entries, meta, err := r.client.Health().ServiceMultipleTags(service, tags, true, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to discover services: %w", err)
	}

	instances := make([]*discovery.Instance, 0, len(entries))
	for _, entry := range entries {
		inst := &discovery.Instance{
			ID:       entry.Service.ID,
			Service:  entry.Service.Service,
			Address:  entry.Service.Address,
			Port:     entry.Service.Port,
			Tags:     entry.Service.Tags,
			Metadata: entry.Service.Meta,
			Healthy:  healthy(entry.Checks),
		}
		// Use node address if service address is empty
		if inst.Address == "" {
			inst.Address = entry.Node.Address
		}
		instances = append(instances, inst)
	}
	return instances, meta.LastIndex, nil
}

func healthy(checks consulapi.HealthChecks) bool {
	for _, check := range checks {
		if check.Status == consulapi.HealthCritical {
			return false
		}
	}
	return true
}

// Watch runs blocking queries until ctx is done or a query fails.
func (r *Registry) Watch(ctx context.Context, service string, tags []string) (<-chan []*discovery.Instance, error) {
	ch := make(chan []*discovery.Instance, 1)
	go func() {
		defer close(ch)
		var lastIndex uint64
		for {
			instances, index, err := r.query(ctx, service, tags, lastIndex)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("consul watch failed", zap.String("service", service), zap.Error(err))
				}
				return
			}
			if index == lastIndex {
				continue
			}
			// Reset when the index goes backwards, e.g. after a snapshot restore
			if index < lastIndex {
				index = 0
			}
			lastIndex = index

			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (r *Registry) Close() error { return nil }
