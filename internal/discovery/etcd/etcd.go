// Package etcd discovers service instances stored as JSON under
// <prefix><service>/<id>.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/wudi/apigw/internal/config"
	"github.com/wudi/apigw/internal/discovery"
	"github.com/wudi/apigw/internal/logging"
)

const defaultPrefix = "/services/"

// Registry reads and watches instances in etcd.
type Registry struct {
	client *clientv3.Client
	prefix string
	logger *zap.Logger
}

func New(cfg config.EtcdConfig) (*Registry, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd: no endpoints configured")
	}
	etcdCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: 5 * time.Second,
	}
	if cfg.Username != "" {
		etcdCfg.Username = cfg.Username
		etcdCfg.Password = cfg.Password
	}

	client, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *clientv3.Client, prefix string) *Registry {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Registry{
		client: client,
		prefix: prefix,
		logger: logging.Global().With(zap.String("registry", discovery.ProviderEtcd)),
	}
}

func (r *Registry) key(service, id string) string {
	return r.prefix + service + "/" + id
}

// Register stores inst, optionally bound to a lease.
func (r *Registry) Register(ctx context.Context, inst *discovery.Instance, opts ...clientv3.OpOption) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}
	if _, err := r.client.Put(ctx, r.key(inst.Service, inst.ID), string(data), opts...); err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}
	return nil
}

func (r *Registry) Deregister(ctx context.Context, service, id string) error {
	resp, err := r.client.Delete(ctx, r.key(service, id))
	if err != nil {
		return fmt.Errorf("failed to deregister instance: %w", err)
	}
	if resp.Deleted == 0 {
		return discovery.ErrInstanceNotFound
	}
	return nil
}

func (r *Registry) Discover(ctx context.Context, service string, tags []string) ([]*discovery.Instance, error) {
	resp, err := r.client.Get(ctx, r.prefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}

	instances := make([]*discovery.Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst discovery.Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.logger.Debug("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		if inst.Healthy && discovery.HasAllTags(inst.Tags, tags) {
			instances = append(instances, &inst)
		}
	}
	return instances, nil
}

// Watch sends the current instances then the full set after every change
// under the service prefix.
func (r *Registry) Watch(ctx context.Context, service string, tags []string) (<-chan []*discovery.Instance, error) {
	initial, err := r.Discover(ctx, service, tags)
	if err != nil {
		return nil, err
	}

	ch := make(chan []*discovery.Instance, 1)
	ch <- initial

	go func() {
		defer close(ch)
		watchCh := r.client.Watch(clientv3.WithRequireLeader(ctx), r.prefix+service+"/", clientv3.WithPrefix())
		for resp := range watchCh {
			if err := resp.Err(); err != nil {
				r.logger.Warn("etcd watch failed", zap.String("service", service), zap.Error(err))
				return
			}
			instances, err := r.Discover(ctx, service, tags)
			if err != nil {
				r.logger.Warn("etcd refresh failed", zap.String("service", service), zap.Error(err))
				return
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (r *Registry) Close() error {
	return r.client.Close()
}
