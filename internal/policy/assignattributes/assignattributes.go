// Package assignattributes implements the assign-attributes policy, storing
// evaluated values as request attributes for later steps and the backend
// routing override.
package assignattributes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wudi/apigw/internal/config"
	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/policy"
)

// ID is the policy type id.
const ID = "assign-attributes"

type Attribute struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// Config lists attributes assigned in order. Scope is REQUEST (default) or
// RESPONSE.
type Config struct {
	Scope      string      `yaml:"scope"`
	Attributes []Attribute `yaml:"attributes"`
}

type assignment struct {
	name  string
	value *policy.Value
}

type Policy struct {
	response    bool
	assignments []assignment
}

func New(raw map[string]any) (*Policy, error) {
	var cfg Config
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, err
	}
	p := &Policy{}
	switch strings.ToUpper(cfg.Scope) {
	case "", "REQUEST":
	case "RESPONSE":
		p.response = true
	default:
		return nil, fmt.Errorf("assign-attributes: unknown scope %q", cfg.Scope)
	}
	for _, a := range cfg.Attributes {
		if a.Name == "" {
			return nil, errors.New("assign-attributes: attribute name is required")
		}
		v, err := policy.NewValue(a.Name, a.Value)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", a.Name, err)
		}
		p.assignments = append(p.assignments, assignment{name: a.Name, value: v})
	}
	return p, nil
}

func (p *Policy) ID() string { return ID }

func (p *Policy) OnRequest(ctx *execution.Context) error {
	if p.response {
		return nil
	}
	return p.assign(ctx)
}

func (p *Policy) OnResponse(ctx *execution.Context) error {
	if !p.response {
		return nil
	}
	return p.assign(ctx)
}

// assign evaluates each value after the previous assignments were made.
func (p *Policy) assign(ctx *execution.Context) error {
	for _, a := range p.assignments {
		v, err := a.value.Eval(ctx)
		if err != nil {
			return fmt.Errorf("attribute %s: %w", a.name, err)
		}
		ctx.SetAttribute(a.name, v)
	}
	return nil
}
