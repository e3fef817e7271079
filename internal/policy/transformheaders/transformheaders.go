// Package transformheaders implements the transform-headers policy.
package transformheaders

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/wudi/apigw/internal/config"
	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/policy"
)

// ID is the policy type id.
const ID = "transform-headers"

// Transform lists header operations. Values may be templates.
type Transform struct {
	Add    map[string]string `yaml:"add"`
	Set    map[string]string `yaml:"set"`
	Remove []string          `yaml:"remove"`
}

// Config holds the request and response transforms.
type Config struct {
	Request  Transform `yaml:"request"`
	Response Transform `yaml:"response"`
}

type header struct {
	name  string
	value *policy.Value
}

type compiled struct {
	add    []header
	set    []header
	remove []string
}

// Policy rewrites request headers before the backend call and response
// headers after it.
type Policy struct {
	request  compiled
	response compiled
}

func New(raw map[string]any) (*Policy, error) {
	var cfg Config
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, err
	}
	req, err := compile(cfg.Request)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	resp, err := compile(cfg.Response)
	if err != nil {
		return nil, fmt.Errorf("response: %w", err)
	}
	return &Policy{request: req, response: resp}, nil
}

func compile(t Transform) (compiled, error) {
	var c compiled
	var err error
	if c.add, err = compileHeaders(t.Add); err != nil {
		return c, err
	}
	if c.set, err = compileHeaders(t.Set); err != nil {
		return c, err
	}
	c.remove = t.Remove
	return c, nil
}

// compileHeaders sorts by name so repeated adds are applied in a stable order.
func compileHeaders(m map[string]string) ([]header, error) {
	out := make([]header, 0, len(m))
	for name, raw := range m {
		v, err := policy.NewValue(name, raw)
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", name, err)
		}
		out = append(out, header{name: name, value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

func (p *Policy) ID() string { return ID }

func (p *Policy) OnRequest(ctx *execution.Context) error {
	return p.request.apply(ctx, ctx.Request().Headers)
}

func (p *Policy) OnResponse(ctx *execution.Context) error {
	return p.response.apply(ctx, ctx.Response().Headers)
}

func (c compiled) apply(ctx *execution.Context, h http.Header) error {
	for _, hv := range c.add {
		v, err := hv.value.Render(ctx)
		if err != nil {
			return err
		}
		h.Add(hv.name, v)
	}
	for _, hv := range c.set {
		v, err := hv.value.Render(ctx)
		if err != nil {
			return err
		}
		h.Set(hv.name, v)
	}
	for _, name := range c.remove {
		h.Del(name)
	}
	return nil
}
