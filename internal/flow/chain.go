package flow

import (
	"github.com/wudi/apigw/internal/execution"
)

// Chain runs the steps of the flows a resolver selects.
type Chain struct {
	name    string
	resolve func(ctx *execution.Context) []*Flow
}

// NewChain creates a chain over a single resolver, used for platform and
// API flows.
func NewChain(name string, r *Resolver) *Chain {
	return &Chain{name: name, resolve: r.Resolve}
}

// NewPlanChain creates a chain running the flows of the plan selected by the
// security chain.
func NewPlanChain(name string, resolvers map[string]*Resolver) *Chain {
	return &Chain{
		name: name,
		resolve: func(ctx *execution.Context) []*Flow {
			r, ok := resolvers[ctx.AttributeString(execution.AttrPlan)]
			if !ok {
				return nil
			}
			return r.Resolve(ctx)
		},
	}
}

func (c *Chain) Name() string { return c.name }

// Execute runs the steps of phase in flow then step order. It stops at the
// first step returning an error or when the request is cancelled.
func (c *Chain) Execute(ctx *execution.Context, phase Phase) error {
	for _, f := range c.resolve(ctx) {
		for _, s := range f.Steps(phase) {
			if err := ctx.Context().Err(); err != nil {
				return err
			}
			if err := s.execute(ctx, phase); err != nil {
				return err
			}
		}
	}
	return nil
}
