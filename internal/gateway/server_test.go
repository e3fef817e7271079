package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wudi/apigw/internal/config"
)

func testServerConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Listeners = []config.ListenerConfig{{Name: "http", Address: "127.0.0.1:0"}}
	cfg.Admin.Address = "127.0.0.1:0"
	cfg.Shutdown.DrainDelay = 0
	cfg.Shutdown.Timeout = 5 * time.Second
	cfg.APIs = []config.APIConfig{mockAPI("pets", "/pets", "pets")}
	return cfg
}

func httpGet(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestServerServesAndShutsDown(t *testing.T) {
	s, err := NewServer(testServerConfig(), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	base := "http://" + s.Addr("http")
	if code, body := httpGet(t, base+"/pets"); code != http.StatusOK || body != "pets" {
		t.Errorf("GET /pets = %d %q", code, body)
	}
	if code, _ := httpGet(t, "http://"+s.Addr("admin")+"/_node/health"); code != http.StatusOK {
		t.Errorf("admin health = %d", code)
	}

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if !s.Gateway().Drain().Draining() {
		t.Error("gateway not draining after shutdown")
	}
	if _, err := http.Get(base + "/pets"); err == nil {
		t.Error("listener still accepting connections")
	}
}

func TestServerDrainsBeforeStopping(t *testing.T) {
	cfg := testServerConfig()
	cfg.Shutdown.DrainDelay = 200 * time.Millisecond
	s, err := NewServer(cfg, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Shutdown(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for !s.Gateway().Drain().Draining() {
		if time.Now().After(deadline) {
			t.Fatal("never started draining")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get("http://" + s.Addr("http") + "/pets")
	if err != nil {
		t.Fatalf("request during drain delay: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("Connection") != "close" && !resp.Close {
		t.Error("draining response does not close the connection")
	}

	if err := <-done; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestServerRunStopsWithContext(t *testing.T) {
	s, err := NewServer(testServerConfig(), "")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for s.Gateway().routes.Load().match("/pets") == nil {
		if time.Now().After(deadline) {
			t.Fatal("api never deployed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestServerListenError(t *testing.T) {
	cfg := testServerConfig()
	cfg.Listeners = []config.ListenerConfig{{Name: "http", Address: "256.0.0.1:0"}}
	s, err := NewServer(cfg, "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown(context.Background())
	if err := s.Start(context.Background()); err == nil {
		t.Error("expected listen error")
	}
}

const reloadConfig = `
listeners:
  - name: http
    address: 127.0.0.1:0
admin:
  enabled: false
shutdown:
  drain_delay: 0s
apis:
  - id: pets
    context_path: /pets
    plans:
      - id: free
        security:
          type: keyless
    endpoint_groups:
      - name: default
        endpoints:
          - name: backend
            type: mock
            config:
              content: %s
`

func TestServerReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	write := func(content string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(fmt.Sprintf(reloadConfig, content)), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("v1")

	cfg, err := config.NewLoader().Load(path)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewServer(cfg, path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown(context.Background())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	base := "http://" + s.Addr("http")
	if _, body := httpGet(t, base+"/pets"); body != "v1" {
		t.Fatalf("body = %q, want v1", body)
	}

	write("v2")
	s.Reload()
	if _, body := httpGet(t, base+"/pets"); body != "v2" {
		t.Errorf("after reload body = %q, want v2", body)
	}
}
