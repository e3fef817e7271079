// Package processor holds the processor chains run by the reactor around the
// policy flows: before the plan flows, after a response and on failure.
package processor

import (
	"github.com/wudi/apigw/internal/execution"
)

// Processor is a gateway-owned step of a processor chain. It follows the same
// error contract as policies: execution.Interrupt and execution.InterruptWith
// short-circuit the request.
type Processor interface {
	ID() string
	Execute(ctx *execution.Context) error
}

// Func adapts a function to a Processor.
type Func struct {
	Name string
	Fn   func(ctx *execution.Context) error
}

func (f Func) ID() string                           { return f.Name }
func (f Func) Execute(ctx *execution.Context) error { return f.Fn(ctx) }

// Chain runs processors in order and stops at the first error.
type Chain struct {
	name       string
	processors []Processor
}

func NewChain(name string, processors ...Processor) *Chain {
	return &Chain{name: name, processors: processors}
}

func (c *Chain) Name() string { return c.name }

// Processors returns the processors of the chain.
func (c *Chain) Processors() []Processor {
	return c.processors
}

// Append returns a new chain with processors added at the end.
func (c *Chain) Append(processors ...Processor) *Chain {
	out := make([]Processor, 0, len(c.processors)+len(processors))
	out = append(out, c.processors...)
	out = append(out, processors...)
	return &Chain{name: c.name, processors: out}
}

// Execute runs the chain. The request context is checked before every
// processor so a cancelled request stops early.
func (c *Chain) Execute(ctx *execution.Context) error {
	if c == nil {
		return nil
	}
	for _, p := range c.processors {
		if err := ctx.Context().Err(); err != nil {
			return err
		}
		if err := p.Execute(ctx); err != nil {
			return err
		}
	}
	return nil
}
