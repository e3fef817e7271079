package security

import (
	"go.uber.org/zap"

	"github.com/wudi/apigw/internal/el"
	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/subscription"
)

// Plan pairs a security policy with an optional selection rule. Plans are
// immutable once built.
type Plan struct {
	id            string
	apiID         string
	policy        Policy
	selectionRule string
	subscriptions subscription.Service
	logger        *zap.Logger
}

// NewPlan creates a plan. A legacy "#expr" selection rule is normalized to
// its "{#expr}" template form.
func NewPlan(id, apiID string, p Policy, selectionRule string, subs subscription.Service, logger *zap.Logger) *Plan {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Plan{
		id:            id,
		apiID:         apiID,
		policy:        p,
		selectionRule: el.NormalizeSelectionRule(selectionRule),
		subscriptions: subs,
		logger:        logger,
	}
}

func (p *Plan) ID() string            { return p.id }
func (p *Plan) Policy() Policy        { return p.policy }
func (p *Plan) SelectionRule() string { return p.selectionRule }

// Order returns the order of the plan's policy.
func (p *Plan) Order() int { return p.policy.Order() }

// CanExecute reports whether the plan authorizes the request. An extracted
// token is stored in the security-token internal attribute even when the
// plan is rejected afterwards. Subscription lookup errors reject the plan.
func (p *Plan) CanExecute(ctx *execution.Context) bool {
	token, ok := p.policy.ExtractToken(ctx)
	if !ok {
		return false
	}
	ctx.SetInternalAttribute(execution.InternalSecurityToken, token)

	if p.selectionRule != "" {
		match, err := ctx.TemplateEngine().EvalBool(p.selectionRule)
		if err != nil {
			p.logger.Debug("selection rule evaluation failed",
				zap.String("plan", p.id), zap.Error(err))
			return false
		}
		if !match {
			return false
		}
	}

	if !p.policy.RequireSubscription() || !validateSubscription(ctx) {
		return true
	}

	sub, err := p.subscriptions.GetByAPIAndSecurityToken(ctx.Context(), p.apiID, token, p.id)
	if err != nil {
		p.logger.Warn("subscription lookup failed",
			zap.String("plan", p.id), zap.Error(err))
		return false
	}
	if sub == nil || sub.Plan != p.id || !sub.IsTimeValid(ctx.Request().Timestamp) {
		return false
	}
	ctx.SetInternalAttribute(execution.InternalSubscription, sub)
	return true
}

func validateSubscription(ctx *execution.Context) bool {
	v, ok := ctx.InternalAttribute(execution.InternalValidateSubscription).(bool)
	return !ok || v
}
