package flow

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/wudi/apigw/internal/config"
	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/policy"
)

type recorder struct {
	log *[]string
}

type recordingPolicy struct {
	name string
	log  *[]string
	err  error
}

func (p *recordingPolicy) ID() string { return "record" }

func (p *recordingPolicy) OnRequest(*execution.Context) error {
	*p.log = append(*p.log, "req:"+p.name)
	return p.err
}

func (p *recordingPolicy) OnResponse(*execution.Context) error {
	*p.log = append(*p.log, "resp:"+p.name)
	return p.err
}

func newManager(t *testing.T, r recorder) *policy.Manager {
	t.Helper()
	pm := policy.NewManager(nil)
	pm.Register("record", func(cfg map[string]any) (policy.Policy, error) {
		name, _ := cfg["name"].(string)
		return &recordingPolicy{name: name, log: r.log}, nil
	})
	if err := pm.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return pm
}

func step(name string) config.StepConfig {
	return config.StepConfig{Policy: "record", Config: map[string]any{"name": name}}
}

func newContext(method, target string) *execution.Context {
	r := httptest.NewRequest(method, target, nil)
	return execution.NewContext(context.Background(), execution.NewRequest(r, "/api"), execution.NewResponse(httptest.NewRecorder()))
}

func flowNames(flows []*Flow) []string {
	out := make([]string, 0, len(flows))
	for _, f := range flows {
		out = append(out, f.Name)
	}
	return out
}

func TestMatchPath(t *testing.T) {
	tests := []struct {
		path     string
		op       Operator
		pathInfo string
		ok       bool
		static   int
	}{
		{"/", OperatorStartsWith, "/anything", true, 0},
		{"", OperatorStartsWith, "/", true, 0},
		{"/pets", OperatorStartsWith, "/pets/1", true, 1},
		{"/pets", OperatorEquals, "/pets/1", false, 0},
		{"/pets/:id", OperatorEquals, "/pets/1", true, 1},
		{"/pets/*/photos", OperatorStartsWith, "/pets/1/photos/2", true, 2},
		{"/pets", OperatorStartsWith, "/petsitters", false, 0},
		{"/pets/1/photos", OperatorStartsWith, "/pets/1", false, 0},
	}
	for _, tt := range tests {
		f := NewFlow("f", nil, tt.path, tt.op, "")
		ok, static, _ := f.matchPath(tt.pathInfo)
		if ok != tt.ok || static != tt.static {
			t.Errorf("%s %s %s: got %v/%d, want %v/%d", tt.path, tt.op, tt.pathInfo, ok, static, tt.ok, tt.static)
		}
	}
}

func TestResolveDefaultMode(t *testing.T) {
	flows := []*Flow{
		NewFlow("all", nil, "/", OperatorStartsWith, ""),
		NewFlow("get-pets", []string{"get"}, "/pets", OperatorStartsWith, ""),
		NewFlow("post-pets", []string{"POST"}, "/pets", OperatorStartsWith, ""),
		NewFlow("header", nil, "/", OperatorStartsWith, "{#request.headers['X-Flag'] == 'on'}"),
		NewFlow("one-pet", nil, "/pets/:id", OperatorEquals, ""),
	}
	r := NewResolver("api", flows, ModeDefault, nil)

	ctx := newContext(http.MethodGet, "/api/pets/7")
	got := flowNames(r.Resolve(ctx))
	want := []string{"all", "get-pets", "one-pet"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("flows = %v, want %v", got, want)
	}
	if ctx.Request().PathParams["id"] != "7" {
		t.Errorf("path params = %v", ctx.Request().PathParams)
	}
}

func TestResolveBestMatch(t *testing.T) {
	flows := []*Flow{
		NewFlow("root", nil, "/", OperatorStartsWith, ""),
		NewFlow("pets", nil, "/pets", OperatorStartsWith, ""),
		NewFlow("pet-by-id", nil, "/pets/:id", OperatorStartsWith, ""),
		NewFlow("pets-again", nil, "/pets", OperatorStartsWith, ""),
		NewFlow("photos", nil, "/pets/:id/photos", OperatorStartsWith, ""),
	}
	r := NewResolver("api", flows, ModeBestMatch, nil)

	tests := []struct {
		target string
		want   string
	}{
		{"/api/pets/1", "pets"},
		{"/api/pets/1/photos", "photos"},
		{"/api/other", "root"},
	}
	for _, tt := range tests {
		got := flowNames(r.Resolve(newContext(http.MethodGet, tt.target)))
		if len(got) != 1 || got[0] != tt.want {
			t.Errorf("%s: flows = %v, want [%s]", tt.target, got, tt.want)
		}
	}
}

func TestResolveIsCachedPerRequest(t *testing.T) {
	flows := []*Flow{NewFlow("pets", nil, "/pets", OperatorStartsWith, "")}
	r := NewResolver("api", flows, ModeBestMatch, nil)

	ctx := newContext(http.MethodGet, "/api/pets")
	if len(r.Resolve(ctx)) != 1 {
		t.Fatal("flow should match")
	}
	ctx.Request().PathInfo = "/rewritten"
	if len(r.Resolve(ctx)) != 1 {
		t.Error("response phase must reuse the request phase resolution")
	}

	other := NewResolver("plan", flows, ModeBestMatch, nil)
	if len(other.Resolve(ctx)) != 0 {
		t.Error("resolvers must not share a cache entry")
	}
}

func TestChainRunsStepsInOrder(t *testing.T) {
	var log []string
	pm := newManager(t, recorder{log: &log})

	r, err := BuildResolver("api", "default", []config.FlowConfig{
		{Name: "first", Request: []config.StepConfig{step("a"), step("b")}, Response: []config.StepConfig{step("c")}},
		{Name: "second", Request: []config.StepConfig{step("d")}, Response: []config.StepConfig{step("e")}},
	}, pm, nil)
	if err != nil {
		t.Fatal(err)
	}
	chain := NewChain("api", r)

	ctx := newContext(http.MethodGet, "/api/x")
	if err := chain.Execute(ctx, PhaseRequest); err != nil {
		t.Fatal(err)
	}
	if err := chain.Execute(ctx, PhaseResponse); err != nil {
		t.Fatal(err)
	}
	want := []string{"req:a", "req:b", "req:d", "resp:c", "resp:e"}
	if !reflect.DeepEqual(log, want) {
		t.Errorf("log = %v, want %v", log, want)
	}
}

func TestChainStepConditionAndDisabled(t *testing.T) {
	var log []string
	pm := newManager(t, recorder{log: &log})
	disabled := false

	skipped := step("skipped")
	skipped.Condition = "{#request.method == 'POST'}"
	off := step("off")
	off.Enabled = &disabled

	r, err := BuildResolver("api", "", []config.FlowConfig{
		{Request: []config.StepConfig{skipped, off, step("run")}},
		{Enabled: &disabled, Request: []config.StepConfig{step("disabled-flow")}},
	}, pm, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := NewChain("api", r).Execute(newContext(http.MethodGet, "/api"), PhaseRequest); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(log, []string{"req:run"}) {
		t.Errorf("log = %v", log)
	}
}

func TestChainStopsOnError(t *testing.T) {
	var log []string
	boom := errors.New("boom")
	failing := &recordingPolicy{name: "fail", log: &log, err: boom}
	after := &recordingPolicy{name: "after", log: &log}

	f := NewFlow("f", nil, "/", OperatorStartsWith, "")
	f.Request = []*Step{{Name: "fail", Policy: failing}, {Name: "after", Policy: after}}
	chain := NewChain("api", NewResolver("api", []*Flow{f}, ModeDefault, nil))

	if err := chain.Execute(newContext(http.MethodGet, "/api"), PhaseRequest); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if !reflect.DeepEqual(log, []string{"req:fail"}) {
		t.Errorf("log = %v", log)
	}
}

func TestChainObservesCancellation(t *testing.T) {
	var log []string
	f := NewFlow("f", nil, "/", OperatorStartsWith, "")
	f.Request = []*Step{{Name: "s", Policy: &recordingPolicy{name: "s", log: &log}}}
	chain := NewChain("api", NewResolver("api", []*Flow{f}, ModeDefault, nil))

	cctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := httptest.NewRequest(http.MethodGet, "/api", nil)
	ctx := execution.NewContext(cctx, execution.NewRequest(r, "/api"), nil)
	if err := chain.Execute(ctx, PhaseRequest); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if len(log) != 0 {
		t.Errorf("steps ran after cancellation: %v", log)
	}
}

func TestPlanChainUsesSelectedPlan(t *testing.T) {
	var log []string
	gold := NewFlow("gold", nil, "/", OperatorStartsWith, "")
	gold.Request = []*Step{{Name: "g", Policy: &recordingPolicy{name: "gold", log: &log}}}
	silver := NewFlow("silver", nil, "/", OperatorStartsWith, "")
	silver.Request = []*Step{{Name: "s", Policy: &recordingPolicy{name: "silver", log: &log}}}

	chain := NewPlanChain("plan", map[string]*Resolver{
		"gold":   NewResolver("plan-gold", []*Flow{gold}, ModeDefault, nil),
		"silver": NewResolver("plan-silver", []*Flow{silver}, ModeDefault, nil),
	})

	ctx := newContext(http.MethodGet, "/api")
	ctx.SetAttribute(execution.AttrPlan, "silver")
	if err := chain.Execute(ctx, PhaseRequest); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(log, []string{"req:silver"}) {
		t.Errorf("log = %v", log)
	}
	if err := chain.Execute(newContext(http.MethodGet, "/api"), PhaseRequest); err != nil {
		t.Errorf("no plan selected: %v", err)
	}
}

func TestBuildRejectsInvalidCondition(t *testing.T) {
	pm := newManager(t, recorder{log: new([]string)})
	_, err := Build([]config.FlowConfig{{Name: "bad", Condition: "{#request.nope == 1}"}}, pm)
	if err == nil {
		t.Error("unknown field accepted")
	}
	if _, err := ParseMode("fastest"); err == nil {
		t.Error("unknown mode accepted")
	}
	if _, err := ParseOperator("CONTAINS"); err == nil {
		t.Error("unknown operator accepted")
	}
}
