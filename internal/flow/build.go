package flow

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wudi/apigw/internal/config"
	"github.com/wudi/apigw/internal/el"
	"github.com/wudi/apigw/internal/policy"
)

// Build creates the flows declared in cfgs. Policies are created through pm,
// which must be started. Disabled flows and steps are left out.
func Build(cfgs []config.FlowConfig, pm *policy.Manager) ([]*Flow, error) {
	flows := make([]*Flow, 0, len(cfgs))
	for i, fc := range cfgs {
		if fc.Enabled != nil && !*fc.Enabled {
			continue
		}
		name := fc.Name
		if name == "" {
			name = fmt.Sprintf("flow-%d", i)
		}
		op, err := ParseOperator(fc.Operator)
		if err != nil {
			return nil, fmt.Errorf("flow %s: %w", name, err)
		}
		if fc.Condition != "" {
			if err := el.Default().Compile(fc.Condition, el.KindBool); err != nil {
				return nil, fmt.Errorf("flow %s: %w", name, err)
			}
		}

		f := NewFlow(name, fc.Methods, fc.Path, op, fc.Condition)
		if f.Request, err = buildSteps(name, fc.Request, pm); err != nil {
			return nil, err
		}
		if f.Response, err = buildSteps(name, fc.Response, pm); err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, nil
}

func buildSteps(flow string, cfgs []config.StepConfig, pm *policy.Manager) ([]*Step, error) {
	steps := make([]*Step, 0, len(cfgs))
	for _, sc := range cfgs {
		if sc.Enabled != nil && !*sc.Enabled {
			continue
		}
		if sc.Condition != "" {
			if err := el.Default().Compile(sc.Condition, el.KindBool); err != nil {
				return nil, fmt.Errorf("flow %s step %s: %w", flow, sc.Policy, err)
			}
		}
		p, err := pm.Create(sc.Policy, sc.Config)
		if err != nil {
			return nil, fmt.Errorf("flow %s: %w", flow, err)
		}
		name := sc.Name
		if name == "" {
			name = sc.Policy
		}
		steps = append(steps, &Step{Name: name, Policy: p, Condition: sc.Condition})
	}
	return steps, nil
}

// BuildResolver builds the flows of cfgs and wraps them in a resolver.
func BuildResolver(id string, mode string, cfgs []config.FlowConfig, pm *policy.Manager, logger *zap.Logger) (*Resolver, error) {
	m, err := ParseMode(mode)
	if err != nil {
		return nil, err
	}
	flows, err := Build(cfgs, pm)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	return NewResolver(id, flows, m, logger), nil
}
