package execution

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gwerrors "github.com/wudi/apigw/internal/errors"
)

func newTestContext(method, target, contextPath string, body string) (*Context, *httptest.ResponseRecorder) {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	return NewContext(r.Context(), NewRequest(r, contextPath), NewResponse(rec)), rec
}

func TestNewRequestPathInfo(t *testing.T) {
	tests := []struct {
		target, contextPath, wantInfo string
	}{
		{"/petstore/pets/1", "/petstore", "/pets/1"},
		{"/petstore/pets/1", "/petstore/", "/pets/1"},
		{"/petstore", "/petstore", "/"},
		{"/", "/", "/"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, tt.target, nil)
		req := NewRequest(r, tt.contextPath)
		if req.PathInfo != tt.wantInfo {
			t.Errorf("NewRequest(%q, %q).PathInfo = %q, want %q", tt.target, tt.contextPath, req.PathInfo, tt.wantInfo)
		}
	}
}

func TestRequestBodyBufferedOnce(t *testing.T) {
	ctx, _ := newTestContext(http.MethodPost, "/api/items", "/api", `{"a":1}`)

	b1, err := ctx.Request().Body()
	if err != nil {
		t.Fatal(err)
	}
	b2, _ := ctx.Request().Body()
	if string(b1) != `{"a":1}` || string(b2) != `{"a":1}` {
		t.Errorf("body = %q / %q", b1, b2)
	}

	ctx.Request().SetBody([]byte("x"))
	if b, _ := ctx.Request().Body(); string(b) != "x" {
		t.Errorf("SetBody not visible: %q", b)
	}
}

func TestRequestBodyTooLarge(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		chunked   bool
		wantError bool
	}{
		{"at limit", MaxBodySize, false, false},
		{"over limit", MaxBodySize + 1, false, true},
		{"over limit without length", MaxBodySize + 1, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api", strings.NewReader(strings.Repeat("a", tt.size)))
			if tt.chunked {
				r.ContentLength = -1
			}
			req := NewRequest(r, "/api")
			b, err := req.Body()
			if !tt.wantError {
				if err != nil || len(b) != tt.size {
					t.Fatalf("Body() = %d bytes, %v", len(b), err)
				}
				return
			}
			f, ok := gwerrors.AsFailure(err)
			if !ok || f.StatusCode != http.StatusRequestEntityTooLarge || f.Key != gwerrors.KeyRequestContentTooLarge {
				t.Fatalf("err = %v, want 413 %s", err, gwerrors.KeyRequestContentTooLarge)
			}
			if _, again := req.Body(); again != err {
				t.Errorf("second read = %v, want the same failure", again)
			}
		})
	}
}

func TestResponseEndOnce(t *testing.T) {
	ctx, rec := newTestContext(http.MethodGet, "/api", "/api", "")
	resp := ctx.Response()
	resp.Status = http.StatusCreated
	resp.Headers.Set("X-Test", "1")
	_, _ = resp.Write([]byte("hello"))

	if err := resp.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := resp.End(); err != ErrResponseEnded {
		t.Errorf("second End = %v, want ErrResponseEnded", err)
	}
	if _, err := resp.Write([]byte("more")); err != ErrResponseEnded {
		t.Errorf("Write after End = %v, want ErrResponseEnded", err)
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
	if rec.Header().Get("X-Test") != "1" {
		t.Error("header not flushed")
	}
	if rec.Body.String() != "hello" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestAttributesAreSeparate(t *testing.T) {
	ctx, _ := newTestContext(http.MethodGet, "/api", "/api", "")
	ctx.SetAttribute(AttrPlan, "gold")
	ctx.SetInternalAttribute(InternalSecurityToken, "secret")

	if ctx.AttributeString(AttrPlan) != "gold" {
		t.Error("attribute not stored")
	}
	if _, ok := ctx.Attributes()[InternalSecurityToken]; ok {
		t.Error("internal attribute leaked into policy attributes")
	}
	env := ctx.Env()
	if _, ok := env.Context.Attributes[InternalSecurityToken]; ok {
		t.Error("internal attribute leaked into expression environment")
	}

	ctx.RemoveAttribute(AttrPlan)
	if ctx.Attribute(AttrPlan) != nil {
		t.Error("attribute not removed")
	}
}

func TestTemplateEngineBoundToContext(t *testing.T) {
	ctx, _ := newTestContext(http.MethodGet, "/api/pets?limit=5", "/api", "")
	ctx.Request().Headers.Set("X-Tenant", "acme")
	ctx.SetAttribute("region", "eu")

	got, err := ctx.TemplateEngine().EvalString("{#request.headers['X-Tenant']}-{#context.attributes['region']}-{#request.params['limit']}")
	if err != nil {
		t.Fatal(err)
	}
	if got != "acme-eu-5" {
		t.Errorf("EvalString = %q, want acme-eu-5", got)
	}

	ctx.Request().Method = http.MethodPut
	if ok, _ := ctx.TemplateEngine().EvalBool("{#request.method == 'PUT'}"); !ok {
		t.Error("template engine should observe request mutations")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    Outcome
		wantKey string
	}{
		{"nil", nil, Continue, ""},
		{"interrupt", Interrupt(), Interrupted, ""},
		{"interrupt with failure", InterruptWith(gwerrors.ErrNoEndpointFound), InterruptedWithFailure, gwerrors.KeyNoEndpointFound},
		{"wrapped interruption", fmt.Errorf("stage: %w", InterruptWith(gwerrors.ErrInvalidHTTPMethod)), InterruptedWithFailure, gwerrors.KeyInvalidHTTPMethod},
		{"bare failure", gwerrors.ErrTooManyRequests, InterruptedWithFailure, gwerrors.KeyTooManyRequests},
		{"cancelled", fmt.Errorf("read: %w", context.Canceled), Cancelled, ""},
		{"unexpected", fmt.Errorf("boom"), Failed, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, f := Classify(tt.err)
			if got != tt.want {
				t.Errorf("Classify = %v, want %v", got, tt.want)
			}
			if tt.wantKey != "" && (f == nil || f.Key != tt.wantKey) {
				t.Errorf("failure = %v, want key %s", f, tt.wantKey)
			}
		})
	}
}

func TestMetricsLatency(t *testing.T) {
	ctx, _ := newTestContext(http.MethodGet, "/api", "/api", "")
	m := ctx.Metrics()
	m.MarkEndpointStart()
	m.MarkEndpointEnd()
	if m.EndpointEnd.Before(m.EndpointStart) {
		t.Error("endpoint end before start")
	}
	m.Finish(m.Timestamp)
	if m.GatewayLatency != 0 {
		t.Errorf("GatewayLatency = %v, want clamped to 0", m.GatewayLatency)
	}
}
