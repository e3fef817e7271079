package mock

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wudi/apigw/internal/execution"
)

func newContext(ctx context.Context) *execution.Context {
	r := httptest.NewRequest(http.MethodGet, "/mock/pets?name=rex", nil)
	return execution.NewContext(ctx, execution.NewRequest(r, "/mock"), execution.NewResponse(httptest.NewRecorder()))
}

func TestConnectRendersTemplates(t *testing.T) {
	c, err := Factory(map[string]any{
		"status":  201,
		"headers": map[string]any{"X-Path": "{#request.pathInfo}"},
		"content": `{"name":"{#request.params["name"]}"}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := newContext(context.Background())
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	resp := ctx.Response()
	if resp.Status != 201 {
		t.Errorf("status = %d", resp.Status)
	}
	if resp.Headers.Get("X-Path") != "/pets" {
		t.Errorf("X-Path = %q", resp.Headers.Get("X-Path"))
	}
	if got := string(resp.Body()); got != `{"name":"rex"}` {
		t.Errorf("body = %s", got)
	}
}

func TestConnectHonoursCancellation(t *testing.T) {
	c := New(Config{Delay: time.Second})
	cctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Connect(newContext(cctx)); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
