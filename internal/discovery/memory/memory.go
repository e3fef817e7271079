// Package memory is an in-process service registry, used for static
// deployments and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/wudi/apigw/internal/discovery"
)

type watcher struct {
	service string
	tags    []string
	ch      chan []*discovery.Instance
}

// Registry holds instances in memory and notifies watchers on change.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*discovery.Instance
	watchers  map[*watcher]struct{}
}

func New() *Registry {
	return &Registry{
		instances: make(map[string]*discovery.Instance),
		watchers:  make(map[*watcher]struct{}),
	}
}

// Register adds or replaces an instance. An empty id is generated.
func (r *Registry) Register(_ context.Context, inst *discovery.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	r.instances[inst.ID] = inst
	r.notifyLocked(inst.Service)
	return nil
}

// Deregister removes an instance by id.
func (r *Registry) Deregister(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return discovery.ErrInstanceNotFound
	}
	delete(r.instances, id)
	r.notifyLocked(inst.Service)
	return nil
}

func (r *Registry) Discover(_ context.Context, service string, tags []string) ([]*discovery.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthyLocked(service, tags), nil
}

// Watch sends the current instances then every change until ctx is done.
func (r *Registry) Watch(ctx context.Context, service string, tags []string) (<-chan []*discovery.Instance, error) {
	w := &watcher{service: service, tags: tags, ch: make(chan []*discovery.Instance, 10)}

	r.mu.Lock()
	r.watchers[w] = struct{}{}
	w.ch <- r.healthyLocked(service, tags)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		if _, ok := r.watchers[w]; ok {
			delete(r.watchers, w)
			close(w.ch)
		}
		r.mu.Unlock()
	}()
	return w.ch, nil
}

// Close ends every watch.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for w := range r.watchers {
		close(w.ch)
		delete(r.watchers, w)
	}
	return nil
}

func (r *Registry) healthyLocked(service string, tags []string) []*discovery.Instance {
	var out []*discovery.Instance
	for _, inst := range r.instances {
		if inst.Service == service && inst.Healthy && discovery.HasAllTags(inst.Tags, tags) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// notifyLocked must be called with r.mu held. Full watcher channels skip
// the update; the next change carries the full set anyway.
func (r *Registry) notifyLocked(service string) {
	for w := range r.watchers {
		if w.service != service {
			continue
		}
		select {
		case w.ch <- r.healthyLocked(service, w.tags):
		default:
		}
	}
}
