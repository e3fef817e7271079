package memory

import (
	"context"
	"testing"
	"time"

	"github.com/wudi/apigw/internal/discovery"
)

func TestDiscover(t *testing.T) {
	r := New()
	ctx := context.Background()

	_ = r.Register(ctx, &discovery.Instance{ID: "a", Service: "pets", Address: "10.0.0.1", Port: 8080, Tags: []string{"v1", "prod"}, Healthy: true})
	_ = r.Register(ctx, &discovery.Instance{ID: "b", Service: "pets", Address: "10.0.0.2", Port: 8080, Tags: []string{"v2"}, Healthy: true})
	_ = r.Register(ctx, &discovery.Instance{ID: "c", Service: "pets", Address: "10.0.0.3", Port: 8080, Healthy: false})
	_ = r.Register(ctx, &discovery.Instance{ID: "d", Service: "users", Address: "10.0.0.4", Port: 8080, Healthy: true})

	tests := []struct {
		tags []string
		want []string
	}{
		{nil, []string{"a", "b"}},
		{[]string{"v1"}, []string{"a"}},
		{[]string{"v1", "prod"}, []string{"a"}},
		{[]string{"v3"}, nil},
	}
	for _, tt := range tests {
		got, err := r.Discover(ctx, "pets", tt.tags)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != len(tt.want) {
			t.Errorf("tags %v: got %d instances, want %d", tt.tags, len(got), len(tt.want))
			continue
		}
		for i, id := range tt.want {
			if got[i].ID != id {
				t.Errorf("tags %v: instance %d = %s, want %s", tt.tags, i, got[i].ID, id)
			}
		}
	}
}

func TestDeregister(t *testing.T) {
	r := New()
	ctx := context.Background()
	_ = r.Register(ctx, &discovery.Instance{Service: "pets", Healthy: true})

	got, _ := r.Discover(ctx, "pets", nil)
	if len(got) != 1 || got[0].ID == "" {
		t.Fatalf("instances = %v", got)
	}
	if err := r.Deregister(ctx, got[0].ID); err != nil {
		t.Fatal(err)
	}
	if err := r.Deregister(ctx, got[0].ID); err != discovery.ErrInstanceNotFound {
		t.Errorf("second deregister = %v", err)
	}
}

func TestWatch(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := r.Watch(ctx, "pets", nil)
	if err != nil {
		t.Fatal(err)
	}
	if initial := recv(t, ch); len(initial) != 0 {
		t.Errorf("initial = %v", initial)
	}

	_ = r.Register(context.Background(), &discovery.Instance{ID: "a", Service: "pets", Healthy: true})
	if got := recv(t, ch); len(got) != 1 {
		t.Errorf("after register = %v", got)
	}

	_ = r.Register(context.Background(), &discovery.Instance{ID: "x", Service: "users", Healthy: true})
	_ = r.Deregister(context.Background(), "a")
	if got := recv(t, ch); len(got) != 0 {
		t.Errorf("other services must not notify, got %v", got)
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("channel not closed after cancel")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed after cancel")
	}
}

func recv(t *testing.T, ch <-chan []*discovery.Instance) []*discovery.Instance {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("no update received")
		return nil
	}
}
