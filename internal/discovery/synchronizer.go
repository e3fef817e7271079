package discovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/wudi/apigw/internal/config"
	"github.com/wudi/apigw/internal/logging"
)

// Target is the endpoint registry updated by a Synchronizer. It is
// implemented by endpoint.Manager.
type Target interface {
	Add(ctx context.Context, group string, def config.EndpointConfig) error
	Disable(name string) error
}

// Synchronizer keeps an endpoint group in line with the instances of a
// service: new instances are added, vanished ones disabled so the endpoint
// registry removes them after its grace delay.
type Synchronizer struct {
	registry Registry
	target   Target
	group    string
	cfg      config.DiscoveryConfig
	logger   *zap.Logger

	mu    sync.Mutex
	known map[string]string // endpoint name -> target

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSynchronizer(reg Registry, target Target, group string, cfg config.DiscoveryConfig, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = logging.Global()
	}
	return &Synchronizer{
		registry: reg,
		target:   target,
		group:    group,
		cfg:      cfg,
		logger:   logger.With(zap.String("group", group), zap.String("service", cfg.Service)),
		known:    make(map[string]string),
	}
}

// Start watches the service until Stop. Broken watches are re-established
// with exponential backoff.
func (s *Synchronizer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Second
		bo.MaxInterval = 30 * time.Second
		bo.MaxElapsedTime = 0

		for {
			err := s.watch(ctx, bo)
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("service watch interrupted, retrying", zap.Error(err))

			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Synchronizer) watch(ctx context.Context, bo backoff.BackOff) error {
	ch, err := s.registry.Watch(ctx, s.cfg.Service, s.cfg.Tags)
	if err != nil {
		return err
	}
	for instances := range ch {
		bo.Reset()
		s.Apply(ctx, instances)
	}
	return ctx.Err()
}

// Stop ends the watch. Endpoints already synchronized are left in place.
func (s *Synchronizer) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Apply reconciles the group with instances.
func (s *Synchronizer) Apply(ctx context.Context, instances []*Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(instances))
	for _, inst := range instances {
		if !inst.Healthy || !HasAllTags(inst.Tags, s.cfg.Tags) {
			continue
		}
		name := s.endpointName(inst)
		target := s.targetOf(inst)
		seen[name] = true
		if s.known[name] == target {
			continue
		}

		def := config.EndpointConfig{
			Name:   name,
			Config: map[string]any{"target": target},
		}
		if err := s.target.Add(ctx, s.group, def); err != nil {
			s.logger.Warn("adding discovered endpoint", zap.String("endpoint", name), zap.Error(err))
			continue
		}
		s.known[name] = target
		s.logger.Info("discovered endpoint added", zap.String("endpoint", name), zap.String("target", target))
	}

	for name := range s.known {
		if seen[name] {
			continue
		}
		delete(s.known, name)
		if err := s.target.Disable(name); err != nil {
			s.logger.Warn("disabling vanished endpoint", zap.String("endpoint", name), zap.Error(err))
			continue
		}
		s.logger.Info("vanished endpoint disabled", zap.String("endpoint", name))
	}
}

// Known returns the synchronized endpoint names and targets.
func (s *Synchronizer) Known() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.known))
	for k, v := range s.known {
		out[k] = v
	}
	return out
}

// endpointName derives a stable endpoint name. Colons would be read as a
// routing override separator.
func (s *Synchronizer) endpointName(inst *Instance) string {
	id := inst.ID
	if id == "" {
		id = inst.HostPort()
	}
	return strings.NewReplacer(":", "-", "/", "-").Replace(s.cfg.Service + "-" + id)
}

func (s *Synchronizer) targetOf(inst *Instance) string {
	scheme := s.cfg.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + inst.HostPort()
}
