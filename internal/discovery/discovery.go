// Package discovery feeds endpoint groups from service registries.
package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
)

// Instance is a registered instance of a service.
type Instance struct {
	ID       string            `json:"id"`
	Service  string            `json:"service"`
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Healthy  bool              `json:"healthy"`
}

// HostPort returns the address of the instance.
func (i *Instance) HostPort() string {
	return net.JoinHostPort(i.Address, strconv.Itoa(i.Port))
}

// Registry lists and watches the healthy instances of a service.
type Registry interface {
	// Discover returns the healthy instances carrying every tag.
	Discover(ctx context.Context, service string, tags []string) ([]*Instance, error)

	// Watch emits the full instance set on every change. The channel is
	// closed when ctx is done or the watch broke.
	Watch(ctx context.Context, service string, tags []string) (<-chan []*Instance, error)

	Close() error
}

// Provider names.
const (
	ProviderConsul = "consul"
	ProviderEtcd   = "etcd"
	ProviderMemory = "memory"
)

// ErrInstanceNotFound is returned when deregistering an unknown instance.
var ErrInstanceNotFound = errors.New("instance not found")

// HasAllTags reports whether tags contains every required tag.
func HasAllTags(tags, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[t] = true
	}
	for _, t := range required {
		if !set[t] {
			return false
		}
	}
	return true
}
