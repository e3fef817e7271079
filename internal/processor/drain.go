package processor

import (
	"sync/atomic"

	"github.com/wudi/apigw/internal/execution"
)

// Drain asks clients to close their connection once the node is shutting
// down, so keep-alive connections move to other nodes before the listener
// stops.
type Drain struct {
	draining atomic.Bool
}

func (*Drain) ID() string { return "shutdown-drain" }

// Start switches to draining.
func (d *Drain) Start() { d.draining.Store(true) }

func (d *Drain) Draining() bool { return d.draining.Load() }

func (d *Drain) Execute(ctx *execution.Context) error {
	if d.draining.Load() {
		ctx.Response().Headers.Set("Connection", "close")
	}
	return nil
}
