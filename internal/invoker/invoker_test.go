package invoker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/apigw/internal/config"
	"github.com/wudi/apigw/internal/connector"
	"github.com/wudi/apigw/internal/endpoint"
	gwerrors "github.com/wudi/apigw/internal/errors"
	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/httpmethod"
)

type recordingConnector struct {
	kind   connector.Kind
	calls  *atomic.Int32
	method *string
}

func (r *recordingConnector) ID() string                       { return "recording" }
func (r *recordingConnector) Kind() connector.Kind             { return r.kind }
func (r *recordingConnector) SupportedAPI() connector.APIType  { return connector.APITypeProxy }
func (r *recordingConnector) SupportedModes() []connector.Mode { return []connector.Mode{connector.ModeRequestResponse} }
func (r *recordingConnector) Start(context.Context) error      { return nil }
func (r *recordingConnector) Stop(context.Context) error       { return nil }

func (r *recordingConnector) Connect(ctx *execution.Context) error {
	r.calls.Add(1)
	*r.method = ctx.Request().Method
	ctx.Response().Status = http.StatusOK
	return nil
}

type fixture struct {
	manager *endpoint.Manager
	calls   atomic.Int32
	method  string
}

func newFixture(t *testing.T, kind connector.Kind, groups []config.EndpointGroupConfig) *fixture {
	t.Helper()
	f := &fixture{}
	reg := connector.NewRegistry()
	reg.RegisterEndpoint("recording", func(map[string]any) (connector.EndpointConnector, error) {
		return &recordingConnector{kind: kind, calls: &f.calls, method: &f.method}, nil
	})
	f.manager = endpoint.NewManager("api", groups, reg, endpoint.Options{GraceDelay: time.Second})
	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = f.manager.Stop(context.Background()) })
	return f
}

func singleGroup(names ...string) []config.EndpointGroupConfig {
	g := config.EndpointGroupConfig{Name: "default", Type: "recording"}
	for _, n := range names {
		g.Endpoints = append(g.Endpoints, config.EndpointConfig{Name: n})
	}
	return []config.EndpointGroupConfig{g}
}

func newContext() *execution.Context {
	r := httptest.NewRequest(http.MethodGet, "/api/pets", nil)
	ctx := execution.NewContext(context.Background(), execution.NewRequest(r, "/api"), execution.NewResponse(httptest.NewRecorder()))
	ctx.SetInternalAttribute(execution.InternalEntrypointConnector, connector.HTTPEntrypoint{})
	return ctx
}

func TestParseOverride(t *testing.T) {
	tests := []struct {
		in, name, target string
	}{
		{"name:with:colon:", "name", "with:colon:"},
		{"backend:/pets", "backend", "/pets"},
		{"backend:", "backend", ""},
		{"http://host:8080/path", "", "http://host:8080/path"},
		{"https://host/a:b", "", "https://host/a:b"},
		{"/plain/path", "", "/plain/path"},
		{":missing-name", "", ":missing-name"},
	}
	for _, tt := range tests {
		name, target := ParseOverride(tt.in)
		if name != tt.name || target != tt.target {
			t.Errorf("ParseOverride(%q) = %q, %q; want %q, %q", tt.in, name, target, tt.name, tt.target)
		}
	}
}

func TestInvokeNamedOverride(t *testing.T) {
	f := newFixture(t, connector.KindHTTP, singleGroup("a", "name"))
	inv := New(f.manager)

	for i := 0; i < 3; i++ {
		ctx := newContext()
		ctx.SetAttribute(execution.AttrRequestEndpoint, "name:with:colon:")
		if err := inv.Invoke(ctx); err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		if got := ctx.Attribute(execution.AttrRequestEndpoint); got != "with:colon:" {
			t.Errorf("attribute = %v, want with:colon:", got)
		}
		if ctx.Metrics().Endpoint != "name" {
			t.Errorf("endpoint = %q, want name on every call", ctx.Metrics().Endpoint)
		}
		if ctx.InternalAttribute(execution.InternalEndpointConnectorID) != "recording" {
			t.Error("connector id not recorded")
		}
	}
}

func TestInvokeAbsoluteOverrideIsTemplated(t *testing.T) {
	f := newFixture(t, connector.KindHTTP, singleGroup("a"))
	ctx := newContext()
	ctx.SetAttribute(execution.AttrRequestEndpoint, "http://backend{#request.pathInfo}")

	if err := New(f.manager).Invoke(ctx); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := ctx.Attribute(execution.AttrRequestEndpoint); got != "http://backend/pets" {
		t.Errorf("attribute = %v", got)
	}
	if ctx.Metrics().Endpoint != "a" {
		t.Errorf("endpoint = %q", ctx.Metrics().Endpoint)
	}
}

func TestInvokeNoEndpointFound(t *testing.T) {
	f := newFixture(t, connector.KindHTTP, singleGroup("a"))
	ctx := newContext()
	ctx.SetAttribute(execution.AttrRequestEndpoint, "unknown:/x")

	err := New(f.manager).Invoke(ctx)
	outcome, failure := execution.Classify(err)
	if outcome != execution.InterruptedWithFailure {
		t.Fatalf("outcome = %v", outcome)
	}
	if failure.StatusCode != http.StatusServiceUnavailable || failure.Key != gwerrors.KeyNoEndpointFound {
		t.Errorf("failure = %d %s", failure.StatusCode, failure.Key)
	}
	if f.calls.Load() != 0 {
		t.Error("connector must not be called")
	}
}

func TestInvokeMessageEntrypointFindsNothing(t *testing.T) {
	f := newFixture(t, connector.KindHTTP, singleGroup("a"))
	ctx := newContext()
	ctx.SetInternalAttribute(execution.InternalEntrypointConnector, messageEntrypoint{})

	if outcome, _ := execution.Classify(New(f.manager).Invoke(ctx)); outcome != execution.InterruptedWithFailure {
		t.Fatalf("outcome = %v", outcome)
	}
}

type messageEntrypoint struct{}

func (messageEntrypoint) ID() string                       { return "message" }
func (messageEntrypoint) SupportedAPI() connector.APIType  { return connector.APITypeMessage }
func (messageEntrypoint) SupportedModes() []connector.Mode { return []connector.Mode{connector.ModeSubscribe} }

type vendorMethod string

func (v vendorMethod) String() string { return string(v) }

func TestInvokeMethodOverride(t *testing.T) {
	for _, v := range []any{httpmethod.Put, vendorMethod("PUT"), "PUT"} {
		f := newFixture(t, connector.KindHTTP, singleGroup("a"))
		ctx := newContext()
		ctx.SetAttribute(execution.AttrRequestMethod, v)
		if err := New(f.manager).Invoke(ctx); err != nil {
			t.Fatalf("%T: %v", v, err)
		}
		if f.method != http.MethodPut {
			t.Errorf("%T: method = %q, want PUT", v, f.method)
		}
	}
}

func TestInvokeInvalidMethodOverride(t *testing.T) {
	for _, v := range []any{[]string{"PUT"}, "GET /admin", "PUT\r\n"} {
		f := newFixture(t, connector.KindHTTP, singleGroup("a"))
		ctx := newContext()
		ctx.SetAttribute(execution.AttrRequestMethod, v)

		_, failure := execution.Classify(New(f.manager).Invoke(ctx))
		if failure == nil || failure.StatusCode != http.StatusBadRequest || failure.Key != gwerrors.KeyInvalidHTTPMethod {
			t.Fatalf("%q: failure = %v", v, failure)
		}
		if f.calls.Load() != 0 {
			t.Errorf("%q: connector must not be called", v)
		}
	}
}

func TestInvokeTCPIgnoresMethodOverride(t *testing.T) {
	f := newFixture(t, connector.KindTCP, singleGroup("a"))
	ctx := newContext()
	ctx.SetAttribute(execution.AttrRequestMethod, []string{"PUT"})

	if err := New(f.manager).Invoke(ctx); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if f.method != http.MethodGet {
		t.Errorf("method = %q, want GET", f.method)
	}
}

func TestResolveIdempotentSingleEndpoint(t *testing.T) {
	f := newFixture(t, connector.KindHTTP, singleGroup("only"))
	inv := New(f.manager)

	first, err := inv.resolve(newContext())
	if err != nil {
		t.Fatal(err)
	}
	second, err := inv.resolve(newContext())
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("resolved %s then %s", first.Name(), second.Name())
	}
}

func TestInvokeReleasesEndpoint(t *testing.T) {
	f := newFixture(t, connector.KindHTTP, singleGroup("a"))
	if err := New(f.manager).Invoke(newContext()); err != nil {
		t.Fatal(err)
	}
	ep, _ := f.manager.Endpoint("a")
	if ep.InFlight() != 0 {
		t.Errorf("in flight = %d after call", ep.InFlight())
	}
}

func TestNoOp(t *testing.T) {
	var inv execution.Invoker = NoOp{}
	if err := inv.Invoke(newContext()); err != nil {
		t.Fatal(err)
	}
}
