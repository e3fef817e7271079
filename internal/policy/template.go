package policy

import (
	"text/template"

	"github.com/wudi/apigw/internal/el"
	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/tmplutil"
)

// Value is a configured string rendered per request. Values using Go
// template actions ({{ }}) are rendered with the Sprig function map over the
// expression environment; other values go through the expression engine.
type Value struct {
	raw  string
	tmpl *template.Template
}

// NewValue compiles raw.
func NewValue(name, raw string) (*Value, error) {
	v := &Value{raw: raw}
	if tmplutil.IsTemplate(raw) {
		t, err := tmplutil.Compile(name, raw)
		if err != nil {
			return nil, err
		}
		v.tmpl = t
		return v, nil
	}
	if el.IsTemplate(raw) {
		if err := el.Default().Compile(raw, el.KindString); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Render evaluates the value against ctx.
func (v *Value) Render(ctx *execution.Context) (string, error) {
	if v.tmpl != nil {
		return tmplutil.Execute(v.tmpl, ctx.Env())
	}
	if !el.IsTemplate(v.raw) {
		return v.raw, nil
	}
	return ctx.TemplateEngine().EvalString(v.raw)
}

// Eval is like Render but keeps the type of expression values.
func (v *Value) Eval(ctx *execution.Context) (any, error) {
	if v.tmpl != nil || !el.IsTemplate(v.raw) {
		return v.Render(ctx)
	}
	return ctx.TemplateEngine().Eval(v.raw)
}

// String returns the configured text.
func (v *Value) String() string { return v.raw }
