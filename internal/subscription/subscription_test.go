package subscription

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/apigw/internal/config"
)

func TestIsTimeValid(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name       string
		start, end time.Time
		want       bool
	}{
		{"open bounds", time.Time{}, time.Time{}, true},
		{"started", now.Add(-time.Hour), time.Time{}, true},
		{"not yet started", now.Add(time.Hour), time.Time{}, false},
		{"ended", now.Add(-2 * time.Hour), now.Add(-time.Hour), false},
		{"inside window", now.Add(-time.Hour), now.Add(time.Hour), true},
		{"exact start", now, time.Time{}, true},
	}
	for _, tt := range tests {
		s := &Subscription{StartingAt: tt.start, EndingAt: tt.end}
		if got := s.IsTimeValid(now); got != tt.want {
			t.Errorf("%s: IsTimeValid = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMemoryLookup(t *testing.T) {
	m := NewMemory()
	key := Token{Type: TokenAPIKey, Value: "k-1"}
	m.Put(&Subscription{ID: "s1", API: "api", Plan: "gold", Application: "app"}, key)

	sub, err := m.GetByAPIAndSecurityToken(context.Background(), "api", key, "gold")
	if err != nil || sub == nil || sub.ID != "s1" {
		t.Fatalf("lookup = %v, %v", sub, err)
	}

	sub, _ = m.GetByAPIAndSecurityToken(context.Background(), "api", key, "silver")
	if sub == nil || sub.Plan != "gold" {
		t.Errorf("cross-plan lookup should still return the subscription to let callers reject it, got %v", sub)
	}

	if sub, _ := m.GetByAPIAndSecurityToken(context.Background(), "other", key, "gold"); sub != nil {
		t.Errorf("lookup on another api = %v, want nil", sub)
	}

	m.Delete("s1")
	if sub, _ := m.GetByAPIAndSecurityToken(context.Background(), "api", key, "gold"); sub != nil {
		t.Error("deleted subscription still found")
	}
}

func TestMemorySkipsInactive(t *testing.T) {
	m := NewMemory()
	key := Token{Type: TokenClientID, Value: "client"}
	m.Put(&Subscription{ID: "s1", API: "api", Plan: "gold", Status: StatusClosed}, key)

	if sub, _ := m.GetByAPIAndSecurityToken(context.Background(), "api", key, "gold"); sub != nil {
		t.Errorf("closed subscription returned: %v", sub)
	}
}

func TestLoadStatic(t *testing.T) {
	m := NewMemory()
	LoadStatic(m, []config.SubscriptionConfig{
		{ID: "s1", API: "api", Plan: "p1", APIKey: "key", ClientID: "cid", Status: "ACCEPTED"},
	})

	for _, tok := range []Token{{TokenAPIKey, "key"}, {TokenClientID, "cid"}} {
		if sub, _ := m.GetByAPIAndSecurityToken(context.Background(), "api", tok, "p1"); sub == nil {
			t.Errorf("subscription not found by %s", tok)
		}
	}
}

type countingService struct {
	calls atomic.Int32
	sub   *Subscription
	err   error
	delay time.Duration
}

func (c *countingService) GetByAPIAndSecurityToken(context.Context, string, Token, string) (*Subscription, error) {
	c.calls.Add(1)
	time.Sleep(c.delay)
	return c.sub, c.err
}

func TestCachedDeduplicatesAndCaches(t *testing.T) {
	next := &countingService{sub: &Subscription{ID: "s1"}, delay: 20 * time.Millisecond}
	c := NewCached(next, 10, time.Minute)
	tok := Token{Type: TokenAPIKey, Value: "k"}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := c.GetByAPIAndSecurityToken(context.Background(), "api", tok, "p")
			if err != nil || sub == nil || sub.ID != "s1" {
				t.Errorf("lookup = %v, %v", sub, err)
			}
		}()
	}
	wg.Wait()

	_, _ = c.GetByAPIAndSecurityToken(context.Background(), "api", tok, "p")
	if next.calls.Load() != 1 {
		t.Errorf("backend called %d times, want 1", next.calls.Load())
	}
}

func TestCachedCachesMissesButNotErrors(t *testing.T) {
	next := &countingService{}
	c := NewCached(next, 10, time.Minute)
	tok := Token{Type: TokenAPIKey, Value: "k"}

	for i := 0; i < 3; i++ {
		if sub, err := c.GetByAPIAndSecurityToken(context.Background(), "api", tok, "p"); sub != nil || err != nil {
			t.Fatalf("lookup = %v, %v", sub, err)
		}
	}
	if next.calls.Load() != 1 {
		t.Errorf("misses should be cached, backend called %d times", next.calls.Load())
	}

	failing := &countingService{err: errors.New("redis down")}
	c = NewCached(failing, 10, time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := c.GetByAPIAndSecurityToken(context.Background(), "api", tok, "p"); err == nil {
			t.Fatal("expected error")
		}
	}
	if failing.calls.Load() != 2 {
		t.Errorf("errors must not be cached, backend called %d times", failing.calls.Load())
	}
}
