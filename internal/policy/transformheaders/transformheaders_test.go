package transformheaders

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/apigw/internal/execution"
)

func newContext(r *http.Request) *execution.Context {
	return execution.NewContext(context.Background(), execution.NewRequest(r, "/"), execution.NewResponse(httptest.NewRecorder()))
}

func TestTransformRequest(t *testing.T) {
	p, err := New(map[string]any{
		"request": map[string]any{
			"add":    map[string]any{"X-Via": "apigw"},
			"set":    map[string]any{"X-Tenant": "{#request.headers['X-Org']}", "X-Method": "{{ .Request.Method | lower }}"},
			"remove": []any{"X-Org"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodPost, "/pets", nil)
	r.Header.Set("X-Org", "acme")
	r.Header.Set("X-Tenant", "old")
	r.Header.Set("X-Via", "edge")
	ctx := newContext(r)

	if err := p.OnRequest(ctx); err != nil {
		t.Fatal(err)
	}
	h := ctx.Request().Headers
	if got := h.Get("X-Tenant"); got != "acme" {
		t.Errorf("X-Tenant = %q", got)
	}
	if got := h.Get("X-Method"); got != "post" {
		t.Errorf("X-Method = %q", got)
	}
	if got := h.Values("X-Via"); len(got) != 2 {
		t.Errorf("X-Via = %v, want both values", got)
	}
	if h.Get("X-Org") != "" {
		t.Error("X-Org not removed")
	}
}

func TestTransformResponse(t *testing.T) {
	p, err := New(map[string]any{
		"response": map[string]any{
			"set":    map[string]any{"Cache-Control": "no-store"},
			"remove": []any{"Server"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := newContext(httptest.NewRequest(http.MethodGet, "/", nil))
	ctx.Response().Headers.Set("Server", "backend/1.0")
	ctx.Request().Headers.Set("Server", "client")

	if err := p.OnRequest(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.OnResponse(ctx); err != nil {
		t.Fatal(err)
	}
	if ctx.Response().Headers.Get("Server") != "" || ctx.Response().Headers.Get("Cache-Control") != "no-store" {
		t.Errorf("response headers = %v", ctx.Response().Headers)
	}
	if ctx.Request().Headers.Get("Server") != "client" {
		t.Error("request headers touched by response transform")
	}
}

func TestInvalidTemplate(t *testing.T) {
	if _, err := New(map[string]any{"request": map[string]any{"set": map[string]any{"X": "{{ .Broken "}}}); err == nil {
		t.Error("expected error")
	}
}
