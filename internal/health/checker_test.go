package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/apigw/internal/config"
	"github.com/wudi/apigw/internal/connector/httpproxy"
	"github.com/wudi/apigw/internal/connector/mock"
	"github.com/wudi/apigw/internal/connector/tcpproxy"
)

func TestParseStatusRange(t *testing.T) {
	tests := []struct {
		in      string
		want    StatusRange
		wantErr bool
	}{
		{"200", StatusRange{200, 200}, false},
		{"2xx", StatusRange{200, 299}, false},
		{"5xx", StatusRange{500, 599}, false},
		{"200-399", StatusRange{200, 399}, false},
		{"0xx", StatusRange{}, true},
		{"399-200", StatusRange{}, true},
		{"abc", StatusRange{}, true},
		{"700", StatusRange{}, true},
	}
	for _, tt := range tests {
		got, err := ParseStatusRange(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStatusRange(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStatusRange(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewSettingsDefaults(t *testing.T) {
	s, err := NewSettings(config.HealthCheckConfig{Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	if s.Path != "/health" || s.Method != http.MethodGet || s.HealthyAfter != 2 || s.UnhealthyAfter != 3 {
		t.Errorf("settings = %+v", s)
	}
	if len(s.Expected) != 1 || s.Expected[0] != (StatusRange{200, 399}) {
		t.Errorf("expected = %v", s.Expected)
	}

	if _, err := NewSettings(config.HealthCheckConfig{ExpectedStatus: []string{"9xx"}}); err == nil {
		t.Error("invalid expected status accepted")
	}
}

// flakyProbe fails while down is set.
type flakyProbe struct {
	down atomic.Bool
}

func (p *flakyProbe) Check(context.Context) error {
	if p.down.Load() {
		return errors.New("down")
	}
	return nil
}

func testSettings() Settings {
	return Settings{
		Interval:       5 * time.Millisecond,
		Timeout:        time.Second,
		HealthyAfter:   2,
		UnhealthyAfter: 2,
	}
}

func waitStatus(t *testing.T, c *Checker, name string, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Status(name) != want {
		if time.Now().After(deadline) {
			t.Fatalf("status of %s = %s, want %s", name, c.Status(name), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestCheckerTransitions(t *testing.T) {
	var (
		mu      sync.Mutex
		changes []Status
	)
	c := NewChecker(testSettings(), func(name string, s Status) {
		mu.Lock()
		changes = append(changes, s)
		mu.Unlock()
	})
	defer c.Stop()

	p := &flakyProbe{}
	c.Add("a", p)
	waitStatus(t, c, "a", StatusHealthy)

	p.down.Store(true)
	waitStatus(t, c, "a", StatusUnhealthy)
	if res := c.Results()["a"]; res.Error == nil || res.Timestamp.IsZero() {
		t.Errorf("result = %+v", res)
	}

	p.down.Store(false)
	waitStatus(t, c, "a", StatusHealthy)

	c.Stop()
	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusHealthy, StatusUnhealthy, StatusHealthy}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("changes = %v, want %v", changes, want)
		}
	}
}

func TestCheckerRemove(t *testing.T) {
	c := NewChecker(testSettings(), nil)
	defer c.Stop()

	c.Add("a", &flakyProbe{})
	waitStatus(t, c, "a", StatusHealthy)
	c.Remove("a")
	if s := c.Status("a"); s != StatusUnknown {
		t.Errorf("status after remove = %s", s)
	}
	if len(c.Results()) != 0 {
		t.Errorf("results = %v", c.Results())
	}
}

func TestCheckerIgnoresAddAfterStop(t *testing.T) {
	c := NewChecker(testSettings(), nil)
	c.Stop()
	c.Add("a", &flakyProbe{})
	if len(c.Results()) != 0 {
		t.Error("target added to a stopped checker")
	}
}

func TestHTTPProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ready" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := HTTPProbe{Client: srv.Client(), Method: http.MethodGet, URL: srv.URL + "/ready", Expected: []StatusRange{{200, 299}}}
	if err := p.Check(context.Background()); err != nil {
		t.Errorf("healthy backend: %v", err)
	}
	status.Store(http.StatusServiceUnavailable)
	if err := p.Check(context.Background()); err == nil {
		t.Error("503 accepted")
	}
}

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	if err := (TCPProbe{Address: addr}).Check(context.Background()); err != nil {
		t.Errorf("open port: %v", err)
	}
	ln.Close()
	if err := (TCPProbe{Address: addr}).Check(context.Background()); err == nil {
		t.Error("closed port accepted")
	}
}

func TestProbeFor(t *testing.T) {
	s, _ := NewSettings(config.HealthCheckConfig{Path: "/status"})

	hc, err := httpproxy.New(httpproxy.Config{Target: "http://10.0.0.1:8080/api/"}, http.DefaultTransport)
	if err != nil {
		t.Fatal(err)
	}
	p, ok := ProbeFor(hc, s, http.DefaultClient)
	if hp, isHTTP := p.(HTTPProbe); !ok || !isHTTP || hp.URL != "http://10.0.0.1:8080/api/status" {
		t.Errorf("http probe = %#v", p)
	}

	tc, err := tcpproxy.New(tcpproxy.Config{Target: "tcp://10.0.0.1:9000"})
	if err != nil {
		t.Fatal(err)
	}
	p, ok = ProbeFor(tc, s, http.DefaultClient)
	if tp, isTCP := p.(TCPProbe); !ok || !isTCP || tp.Address != "10.0.0.1:9000" {
		t.Errorf("tcp probe = %#v", p)
	}

	if _, ok := ProbeFor(mock.New(mock.Config{}), s, http.DefaultClient); ok {
		t.Error("mock endpoints should not be probed")
	}
}
