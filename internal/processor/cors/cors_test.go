package cors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/apigw/internal/config"
	gwerrors "github.com/wudi/apigw/internal/errors"
	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/invoker"
)

func preflight(origin, method, headers string) *execution.Context {
	r := httptest.NewRequest(http.MethodOptions, "/pets", nil)
	r.Header.Set("Origin", origin)
	r.Header.Set("Access-Control-Request-Method", method)
	if headers != "" {
		r.Header.Set("Access-Control-Request-Headers", headers)
	}
	return execution.NewContext(context.Background(), execution.NewRequest(r, "/"), execution.NewResponse(httptest.NewRecorder()))
}

func newHandler(t *testing.T, cfg config.CORSConfig) *Handler {
	t.Helper()
	h, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestPreflightValidation(t *testing.T) {
	base := config.CORSConfig{
		Enabled:          true,
		AllowOrigins:     []string{"https://app.example.com", "*.partner.io"},
		AllowOriginRegex: []string{`^https://[a-z]+\.test$`, `https://.*\.example\.com`},
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Content-Type", "X-Api-Key"},
	}

	tests := []struct {
		name    string
		cfg     func(c config.CORSConfig) config.CORSConfig
		origin  string
		method  string
		headers string
		ok      bool
	}{
		{"exact origin", nil, "https://app.example.com", "POST", "content-type", true},
		{"wildcard suffix", nil, "https://api.partner.io", "GET", "", true},
		{"regex origin", nil, "https://dev.test", "GET", "", true},
		{"origin refused", nil, "https://evil.com", "GET", "", false},
		{"unanchored regex matches whole origin", nil, "https://a.example.com", "GET", "", true},
		{"regex suffix refused", nil, "https://a.example.com.attacker.io", "GET", "", false},
		{"regex prefix refused", nil, "evil-https://a.example.com", "GET", "", false},
		{"method refused", nil, "https://app.example.com", "DELETE", "", false},
		{"headers trimmed and case insensitive", nil, "https://app.example.com", "GET", " x-api-key , CONTENT-TYPE", true},
		{"header refused", nil, "https://app.example.com", "GET", "X-Other", false},
		{"empty configured headers allow any", func(c config.CORSConfig) config.CORSConfig {
			c.AllowHeaders = nil
			return c
		}, "https://app.example.com", "GET", "X-Anything", true},
		{"empty configured methods refuse preflight", func(c config.CORSConfig) config.CORSConfig {
			c.AllowMethods = nil
			return c
		}, "https://app.example.com", "GET", "", false},
	}
	for _, tt := range tests {
		cfg := base
		if tt.cfg != nil {
			cfg = tt.cfg(base)
		}
		ctx := preflight(tt.origin, tt.method, tt.headers)
		outcome, f := execution.Classify(newHandler(t, cfg).Preflight().Execute(ctx))
		if tt.ok {
			if outcome != execution.Interrupted {
				t.Errorf("%s: outcome = %v (%v), want interrupt", tt.name, outcome, f)
			}
			continue
		}
		if outcome != execution.InterruptedWithFailure || f.StatusCode != http.StatusBadRequest || f.Key != gwerrors.KeyCorsPreflightFailed {
			t.Errorf("%s: outcome = %v, failure = %v", tt.name, outcome, f)
		}
	}
}

func TestPreflightAnswers(t *testing.T) {
	h := newHandler(t, config.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           600,
	})
	ctx := preflight("https://app.example.com", "GET", "")
	if outcome, _ := execution.Classify(h.Preflight().Execute(ctx)); outcome != execution.Interrupted {
		t.Fatalf("outcome = %v", outcome)
	}

	resp := ctx.Response()
	want := map[string]string{
		"Access-Control-Allow-Origin":      "https://app.example.com",
		"Access-Control-Allow-Methods":     "GET, POST",
		"Access-Control-Allow-Headers":     "Content-Type",
		"Access-Control-Allow-Credentials": "true",
		"Access-Control-Max-Age":           "600",
	}
	for k, v := range want {
		if got := resp.Headers.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if resp.Status != http.StatusOK {
		t.Errorf("status = %d", resp.Status)
	}
}

func TestPreflightRunPolicies(t *testing.T) {
	h := newHandler(t, config.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET"},
		RunPolicies:  true,
	})
	ctx := preflight("https://x.io", "GET", "")
	if err := h.Preflight().Execute(ctx); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if skip, _ := ctx.InternalAttribute(execution.InternalSecuritySkip).(bool); !skip {
		t.Error("security not marked skipped")
	}
	if _, ok := ctx.Attribute(execution.AttrInvoker).(invoker.NoOp); !ok {
		t.Errorf("invoker = %T", ctx.Attribute(execution.AttrInvoker))
	}
	if got := ctx.Response().Headers.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestNotPreflight(t *testing.T) {
	h := newHandler(t, config.CORSConfig{})
	r := httptest.NewRequest(http.MethodOptions, "/", nil)
	r.Header.Set("Origin", "https://x.io")
	ctx := execution.NewContext(context.Background(), execution.NewRequest(r, "/"), execution.NewResponse(httptest.NewRecorder()))
	if err := h.Preflight().Execute(ctx); err != nil {
		t.Errorf("OPTIONS without request method treated as preflight: %v", err)
	}
}

func TestSimpleRequest(t *testing.T) {
	h := newHandler(t, config.CORSConfig{
		AllowOrigins:  []string{"https://app.example.com"},
		ExposeHeaders: []string{"X-Request-Id", "X-Rate-Limit-Remaining"},
	})

	newCtx := func(origin string) *execution.Context {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return execution.NewContext(context.Background(), execution.NewRequest(r, "/"), execution.NewResponse(httptest.NewRecorder()))
	}

	ctx := newCtx("https://app.example.com")
	_ = h.Simple().Execute(ctx)
	rh := ctx.Response().Headers
	if rh.Get("Access-Control-Allow-Origin") != "https://app.example.com" || rh.Get("Access-Control-Expose-Headers") != "X-Request-Id, X-Rate-Limit-Remaining" {
		t.Errorf("headers = %v", rh)
	}

	for _, origin := range []string{"", "https://evil.com"} {
		ctx := newCtx(origin)
		_ = h.Simple().Execute(ctx)
		if ctx.Response().Headers.Get("Access-Control-Allow-Origin") != "" {
			t.Errorf("origin %q received CORS headers", origin)
		}
	}
}

func TestInvalidOriginPattern(t *testing.T) {
	if _, err := New(config.CORSConfig{AllowOriginRegex: []string{"("}}); err == nil {
		t.Error("expected error")
	}
}
