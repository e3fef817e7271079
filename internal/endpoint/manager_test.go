package endpoint

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/apigw/internal/config"
	"github.com/wudi/apigw/internal/connector"
	"github.com/wudi/apigw/internal/execution"
)

type fakeConnector struct {
	api     connector.APIType
	modes   []connector.Mode
	stopped atomic.Bool
}

func (f *fakeConnector) ID() string                       { return "fake" }
func (f *fakeConnector) Kind() connector.Kind             { return connector.KindGeneric }
func (f *fakeConnector) SupportedAPI() connector.APIType  { return f.api }
func (f *fakeConnector) SupportedModes() []connector.Mode { return f.modes }
func (f *fakeConnector) Connect(*execution.Context) error { return nil }
func (f *fakeConnector) Start(context.Context) error      { return nil }
func (f *fakeConnector) Stop(context.Context) error       { f.stopped.Store(true); return nil }

func testRegistry() *connector.Registry {
	reg := connector.NewRegistry()
	reg.RegisterEndpoint("fake", func(cfg map[string]any) (connector.EndpointConnector, error) {
		api := connector.APITypeProxy
		if cfg["api"] == "MESSAGE" {
			api = connector.APITypeMessage
		}
		return &fakeConnector{api: api, modes: []connector.Mode{connector.ModeRequestResponse}}, nil
	})
	return reg
}

func proxyCriteria(name string) Criteria {
	return Criteria{
		Name:    name,
		APIType: connector.APITypeProxy,
		Modes:   []connector.Mode{connector.ModeRequestResponse},
	}
}

func startManager(t *testing.T, groups []config.EndpointGroupConfig, grace time.Duration) *Manager {
	t.Helper()
	m := NewManager("api-1", groups, testRegistry(), Options{GraceDelay: grace})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m
}

func twoGroups() []config.EndpointGroupConfig {
	return []config.EndpointGroupConfig{
		{
			Name: "default",
			Type: "fake",
			Endpoints: []config.EndpointConfig{
				{Name: "a"}, {Name: "b"}, {Name: "c"},
			},
		},
		{
			Name: "secondary",
			Type: "fake",
			Endpoints: []config.EndpointConfig{
				{Name: "s1"},
			},
		},
	}
}

func TestNextRoundRobinVisitsAll(t *testing.T) {
	m := startManager(t, twoGroups(), time.Second)

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		ep := m.Next(proxyCriteria(""))
		if ep == nil {
			t.Fatal("Next returned nil")
		}
		seen[ep.Name()] = true
	}
	for _, name := range []string{"a", "b", "c"} {
		if !seen[name] {
			t.Errorf("endpoint %s not visited in 3 resolutions", name)
		}
	}
}

func TestNextByNameAndGroup(t *testing.T) {
	m := startManager(t, twoGroups(), time.Second)

	if ep := m.Next(proxyCriteria("b")); ep == nil || ep.Name() != "b" {
		t.Errorf("Next(name=b) = %v", ep)
	}
	if ep := m.Next(proxyCriteria("secondary")); ep == nil || ep.Name() != "s1" {
		t.Errorf("Next(name=secondary) = %v", ep)
	}
	if ep := m.Next(proxyCriteria("unknown")); ep != nil {
		t.Errorf("Next(name=unknown) = %s, want nil", ep.Name())
	}
}

func TestNextIdempotentForSingleEndpoint(t *testing.T) {
	m := startManager(t, twoGroups(), time.Second)

	first := m.Next(proxyCriteria("secondary"))
	second := m.Next(proxyCriteria("secondary"))
	if first == nil || first != second {
		t.Errorf("expected the same endpoint twice, got %v and %v", first, second)
	}
}

func TestNextFiltersByCriteria(t *testing.T) {
	groups := []config.EndpointGroupConfig{
		{Name: "events", Type: "fake", Config: map[string]any{"api": "MESSAGE"}, Endpoints: []config.EndpointConfig{{Name: "kafka"}}},
		{Name: "http", Type: "fake", Endpoints: []config.EndpointConfig{{Name: "web"}}},
	}
	m := startManager(t, groups, time.Second)

	if ep := m.Next(proxyCriteria("")); ep == nil || ep.Name() != "web" {
		t.Errorf("expected first matching group to be skipped over, got %v", ep)
	}
	if ep := m.Next(proxyCriteria("kafka")); ep != nil {
		t.Errorf("named endpoint of another api type must not match, got %s", ep.Name())
	}

	modes := Criteria{APIType: connector.APITypeProxy, Modes: []connector.Mode{connector.ModeSubscribe}}
	if ep := m.Next(modes); ep != nil {
		t.Errorf("no endpoint supports SUBSCRIBE, got %s", ep.Name())
	}
}

func TestRemoveStopsSelection(t *testing.T) {
	m := startManager(t, twoGroups(), 50*time.Millisecond)
	ep, _ := m.Endpoint("a")

	if err := m.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	for i := 0; i < 6; i++ {
		if got := m.Next(proxyCriteria("")); got.Name() == "a" {
			t.Fatal("removed endpoint was selected")
		}
	}
	if got := m.Next(proxyCriteria("a")); got != nil {
		t.Error("removed endpoint selectable by name")
	}

	waitFor(t, func() bool { return ep.Connector().(*fakeConnector).stopped.Load() })
}

func TestUnhealthyEndpointIsNotSelected(t *testing.T) {
	m := startManager(t, twoGroups(), time.Second)
	ep, _ := m.Endpoint("a")
	if !ep.Healthy() {
		t.Fatal("new endpoint should start healthy")
	}

	ep.SetHealthy(false)
	for i := 0; i < 6; i++ {
		if got := m.Next(proxyCriteria("")); got.Name() == "a" {
			t.Fatal("unhealthy endpoint was selected")
		}
	}
	if got := m.Next(proxyCriteria("a")); got != nil {
		t.Error("unhealthy endpoint selectable by name")
	}
	if m.PendingRemoval("a") || !ep.Enabled() {
		t.Error("unhealthy endpoint should stay registered and enabled")
	}

	ep.SetHealthy(true)
	if got := m.Next(proxyCriteria("a")); got != ep {
		t.Error("recovered endpoint not selectable")
	}
}

func TestRemoveWaitsForInFlight(t *testing.T) {
	m := startManager(t, twoGroups(), time.Second)
	ep, _ := m.Endpoint("a")
	ep.Acquire()

	if err := m.Remove("a"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)
	if ep.Connector().(*fakeConnector).stopped.Load() {
		t.Fatal("connector stopped while a call was in flight")
	}
	ep.Release()
	waitFor(t, func() bool { return ep.Connector().(*fakeConnector).stopped.Load() })
}

func TestDisableSchedulesRemoval(t *testing.T) {
	m := startManager(t, twoGroups(), 40*time.Millisecond)

	if err := m.Disable("b"); err != nil {
		t.Fatal(err)
	}
	if got := m.Next(proxyCriteria("b")); got != nil {
		t.Error("disabled endpoint selectable")
	}
	if !m.PendingRemoval("b") {
		t.Error("removal not scheduled")
	}

	waitFor(t, func() bool {
		_, ok := m.Endpoint("b")
		return !ok
	})
}

func TestEnableCancelsRemoval(t *testing.T) {
	m := startManager(t, twoGroups(), 40*time.Millisecond)

	_ = m.Disable("b")
	if err := m.Enable("b"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, ok := m.Endpoint("b"); !ok {
		t.Fatal("enabled endpoint was removed")
	}
	if got := m.Next(proxyCriteria("b")); got == nil {
		t.Error("re-enabled endpoint not selectable")
	}
}

func TestAddCancelsRemovalAndReplaces(t *testing.T) {
	m := startManager(t, twoGroups(), 40*time.Millisecond)
	old, _ := m.Endpoint("c")

	_ = m.Disable("c")
	if err := m.Add(context.Background(), "default", config.EndpointConfig{Name: "c", Weight: 5}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	ep, ok := m.Endpoint("c")
	if !ok || ep == old {
		t.Fatal("endpoint c should have been replaced and kept")
	}
	if ep.Weight() != 5 {
		t.Errorf("weight = %d, want 5", ep.Weight())
	}
	if n := len(m.Groups()[0].Endpoints()); n != 3 {
		t.Errorf("group has %d endpoints, want 3", n)
	}
	waitFor(t, func() bool { return old.Connector().(*fakeConnector).stopped.Load() })
}

func TestListenersAndErrors(t *testing.T) {
	m := startManager(t, twoGroups(), time.Second)

	var mu sync.Mutex
	var events []Event
	m.AddListener(func(ev Event, _ *ManagedEndpoint) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	_ = m.Disable("a")
	_ = m.Enable("a")
	_ = m.Remove("a")

	mu.Lock()
	defer mu.Unlock()
	want := []Event{EventDisabled, EventEnabled, EventRemoved}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %v, want %v", i, events[i], want[i])
		}
	}

	if err := m.Disable("missing"); err == nil {
		t.Error("Disable(missing) should fail")
	}
	if err := m.Add(context.Background(), "nogroup", config.EndpointConfig{Name: "x"}); err == nil {
		t.Error("Add to unknown group should fail")
	}
}

func TestConcurrentNextAndWrites(t *testing.T) {
	m := startManager(t, twoGroups(), 10*time.Millisecond)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					m.Next(proxyCriteria(""))
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				for _, g := range m.Groups() {
					for _, ep := range g.Endpoints() {
						_ = ep.Name()
					}
				}
			}
		}
	}()
	for i := 0; i < 20; i++ {
		_ = m.Disable("a")
		_ = m.Enable("a")
		_ = m.Add(context.Background(), "default", config.EndpointConfig{Name: "d"})
		_ = m.Remove("d")
	}
	close(stop)
	wg.Wait()
}

func TestEnableWinsOverExpiringRemoval(t *testing.T) {
	m := startManager(t, twoGroups(), time.Millisecond)

	for i := 0; i < 50; i++ {
		if err := m.Disable("a"); err != nil {
			if err := m.Add(context.Background(), "default", config.EndpointConfig{Name: "a"}); err != nil {
				t.Fatal(err)
			}
			continue
		}
		time.Sleep(time.Millisecond)
		if err := m.Enable("a"); err != nil {
			continue
		}
		time.Sleep(3 * time.Millisecond)
		if _, ok := m.Endpoint("a"); !ok {
			t.Fatalf("iteration %d: endpoint removed after Enable succeeded", i)
		}
	}
}

func TestStaleExpiryIsIgnored(t *testing.T) {
	m := startManager(t, twoGroups(), time.Hour)

	if err := m.Disable("a"); err != nil {
		t.Fatal(err)
	}
	m.mu.RLock()
	stale := m.pending["a"]
	m.mu.RUnlock()
	if err := m.Enable("a"); err != nil {
		t.Fatal(err)
	}

	m.expire("a", stale)
	if _, ok := m.Endpoint("a"); !ok {
		t.Error("stale expiry removed the endpoint")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
