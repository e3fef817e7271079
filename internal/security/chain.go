package security

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wudi/apigw/internal/config"
	gwerrors "github.com/wudi/apigw/internal/errors"
	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/policy"
	"github.com/wudi/apigw/internal/subscription"
)

// keylessApplication is the application reported for anonymous consumers.
const keylessApplication = "1"

// Chain selects the first executable plan and runs its policy.
type Chain struct {
	plans  []*Plan
	logger *zap.Logger
}

// NewChain creates a chain evaluating plans in the given order.
func NewChain(plans []*Plan, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{plans: plans, logger: logger}
}

// Plans returns the plans in evaluation order.
func (c *Chain) Plans() []*Plan { return c.plans }

// Execute authorizes the request. It fails with GATEWAY_PLAN_UNRESOLVABLE
// when no plan applies. The security.skip internal attribute bypasses it.
func (c *Chain) Execute(ctx *execution.Context) error {
	if skip, _ := ctx.InternalAttribute(execution.InternalSecuritySkip).(bool); skip {
		return nil
	}

	for _, plan := range c.plans {
		if !plan.CanExecute(ctx) {
			continue
		}
		c.selected(ctx, plan)
		return plan.policy.OnRequest(ctx)
	}

	c.logger.Debug("no plan matches the request",
		zap.String("path", ctx.Request().Path))
	return execution.InterruptWith(gwerrors.ErrPlanUnresolvable)
}

// ExecuteResponse runs the response phase of the policy of the plan selected
// by Execute. Requests that bypassed the chain have no plan and pass.
func (c *Chain) ExecuteResponse(ctx *execution.Context) error {
	plan, ok := ctx.InternalAttribute(execution.InternalSecurityPlan).(*Plan)
	if !ok {
		return nil
	}
	return plan.policy.OnResponse(ctx)
}

func (c *Chain) selected(ctx *execution.Context, plan *Plan) {
	ctx.SetInternalAttribute(execution.InternalSecurityPlan, plan)
	m := ctx.Metrics()
	m.Plan = plan.id
	m.SecurityType = plan.policy.ID()
	ctx.SetAttribute(execution.AttrPlan, plan.id)

	if sub, ok := ctx.InternalAttribute(execution.InternalSubscription).(*subscription.Subscription); ok && plan.policy.RequireSubscription() {
		ctx.SetAttribute(execution.AttrApplication, sub.Application)
		ctx.SetAttribute(execution.AttrSubscriptionID, sub.ID)
		m.Application = sub.Application
		m.Subscription = sub.ID
		return
	}
	ctx.SetAttribute(execution.AttrApplication, keylessApplication)
	ctx.SetAttribute(execution.AttrSubscriptionID, ctx.Request().RemoteAddress)
	m.Application = keylessApplication
	m.Subscription = ctx.Request().RemoteAddress
}

// Build creates the plans of an API through the started policy manager.
func Build(apiID string, plans []config.PlanConfig, pm *policy.Manager, subs subscription.Service, logger *zap.Logger) (*Chain, error) {
	out := make([]*Plan, 0, len(plans))
	for _, pc := range plans {
		p, err := pm.Create(pc.Security.Type, pc.Security.Config)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", pc.ID, err)
		}
		sp, ok := p.(Policy)
		if !ok {
			return nil, fmt.Errorf("plan %s: policy %s is not a security policy", pc.ID, pc.Security.Type)
		}
		out = append(out, NewPlan(pc.ID, apiID, sp, pc.SelectionRule, subs, logger))
	}
	return NewChain(out, logger), nil
}
