// Package jsontransform implements the json-transform policy, rewriting JSON
// request and response bodies with gjson paths.
package jsontransform

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wudi/apigw/internal/config"
	gwerrors "github.com/wudi/apigw/internal/errors"
	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/policy"
)

// ID is the policy type id.
const ID = "json-transform"

// errInvalidBackendPayload is returned when the backend answered with a body
// that is not JSON.
var errInvalidBackendPayload = gwerrors.New(http.StatusBadGateway, gwerrors.KeyInvalidPayload, "Invalid backend payload")

// Transform describes the body operations applied in order:
// target, set, remove, rename.
type Transform struct {
	Target string            `yaml:"target"`
	Set    map[string]string `yaml:"set"`
	Remove []string          `yaml:"remove"`
	Rename map[string]string `yaml:"rename"`
}

type Config struct {
	Request  *Transform `yaml:"request"`
	Response *Transform `yaml:"response"`
}

type field struct {
	path  string
	value *policy.Value
}

type rename struct{ from, to string }

type compiled struct {
	target string
	set    []field
	remove []string
	rename []rename
}

type Policy struct {
	request  *compiled
	response *compiled
}

func New(raw map[string]any) (*Policy, error) {
	var cfg Config
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, err
	}
	p := &Policy{}
	var err error
	if cfg.Request != nil {
		if p.request, err = compile(*cfg.Request); err != nil {
			return nil, fmt.Errorf("request: %w", err)
		}
	}
	if cfg.Response != nil {
		if p.response, err = compile(*cfg.Response); err != nil {
			return nil, fmt.Errorf("response: %w", err)
		}
	}
	return p, nil
}

func compile(t Transform) (*compiled, error) {
	c := &compiled{target: t.Target, remove: t.Remove}
	for path, raw := range t.Set {
		v, err := policy.NewValue(path, raw)
		if err != nil {
			return nil, fmt.Errorf("set %s: %w", path, err)
		}
		c.set = append(c.set, field{path: path, value: v})
	}
	sort.Slice(c.set, func(i, j int) bool { return c.set[i].path < c.set[j].path })

	for from, to := range t.Rename {
		c.rename = append(c.rename, rename{from: from, to: to})
	}
	sort.Slice(c.rename, func(i, j int) bool { return c.rename[i].from < c.rename[j].from })
	return c, nil
}

func (p *Policy) ID() string { return ID }

func (p *Policy) OnRequest(ctx *execution.Context) error {
	if p.request == nil {
		return nil
	}
	body, err := ctx.Request().Body()
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	if !gjson.ValidBytes(body) {
		return execution.InterruptWith(gwerrors.ErrInvalidPayload)
	}
	out, err := p.request.apply(ctx, body)
	if err != nil {
		return err
	}
	ctx.Request().SetBody(out)
	return nil
}

func (p *Policy) OnResponse(ctx *execution.Context) error {
	if p.response == nil {
		return nil
	}
	body := ctx.Response().Body()
	if len(body) == 0 {
		return nil
	}
	if !gjson.ValidBytes(body) {
		return execution.InterruptWith(errInvalidBackendPayload)
	}
	out, err := p.response.apply(ctx, body)
	if err != nil {
		return err
	}
	ctx.Response().SetBody(out)
	ctx.Response().Headers.Del("Content-Length")
	return nil
}

func (c *compiled) apply(ctx *execution.Context, body []byte) ([]byte, error) {
	if c.target != "" {
		r := gjson.GetBytes(body, c.target)
		if !r.Exists() {
			body = []byte("null")
		} else {
			body = []byte(r.Raw)
		}
	}

	var err error
	for _, f := range c.set {
		v, rerr := f.value.Render(ctx)
		if rerr != nil {
			return nil, rerr
		}
		if body, err = sjson.SetBytes(body, f.path, inferType(v)); err != nil {
			return nil, fmt.Errorf("set %s: %w", f.path, err)
		}
	}
	for _, path := range c.remove {
		if body, err = sjson.DeleteBytes(body, path); err != nil {
			return nil, fmt.Errorf("remove %s: %w", path, err)
		}
	}
	for _, rn := range c.rename {
		r := gjson.GetBytes(body, rn.from)
		if !r.Exists() {
			continue
		}
		if body, err = sjson.SetRawBytes(body, rn.to, []byte(r.Raw)); err != nil {
			return nil, fmt.Errorf("rename %s: %w", rn.from, err)
		}
		if body, err = sjson.DeleteBytes(body, rn.from); err != nil {
			return nil, fmt.Errorf("rename %s: %w", rn.from, err)
		}
	}
	return body, nil
}

// inferType converts rendered values to JSON scalars when they look like one.
func inferType(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
