package assignattributes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/apigw/internal/execution"
)

func newContext() *execution.Context {
	r := httptest.NewRequest(http.MethodGet, "/pets?limit=20", nil)
	r.Header.Set("X-Version", "2")
	return execution.NewContext(context.Background(), execution.NewRequest(r, "/"), execution.NewResponse(httptest.NewRecorder()))
}

func TestAssignRequestAttributes(t *testing.T) {
	p, err := New(map[string]any{
		"attributes": []any{
			map[string]any{"name": "version", "value": "{#request.headers['X-Version']}"},
			map[string]any{"name": execution.AttrRequestEndpoint, "value": "backend-v{#context.attributes['version']}:/pets"},
			map[string]any{"name": "is-get", "value": "{#request.method == 'GET'}"},
			map[string]any{"name": "static", "value": "fixed"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := newContext()
	if err := p.OnRequest(ctx); err != nil {
		t.Fatal(err)
	}
	if got := ctx.Attribute("version"); got != "2" {
		t.Errorf("version = %v", got)
	}
	if got := ctx.AttributeString(execution.AttrRequestEndpoint); got != "backend-v2:/pets" {
		t.Errorf("endpoint = %q", got)
	}
	if got := ctx.Attribute("is-get"); got != true {
		t.Errorf("is-get = %#v, want typed true", got)
	}
	if got := ctx.Attribute("static"); got != "fixed" {
		t.Errorf("static = %v", got)
	}
}

func TestAssignResponseScope(t *testing.T) {
	p, err := New(map[string]any{
		"scope":      "RESPONSE",
		"attributes": []any{map[string]any{"name": "status", "value": "{#response.status}"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := newContext()
	if err := p.OnRequest(ctx); err != nil {
		t.Fatal(err)
	}
	if ctx.Attribute("status") != nil {
		t.Fatal("assigned during request phase")
	}
	ctx.Response().Status = http.StatusCreated
	if err := p.OnResponse(ctx); err != nil {
		t.Fatal(err)
	}
	if got := ctx.Attribute("status"); got != http.StatusCreated {
		t.Errorf("status = %#v", got)
	}
}

func TestInvalidConfig(t *testing.T) {
	for _, cfg := range []map[string]any{
		{"attributes": []any{map[string]any{"value": "x"}}},
		{"scope": "sometimes"},
	} {
		if _, err := New(cfg); err == nil {
			t.Errorf("New(%v) succeeded", cfg)
		}
	}
}
