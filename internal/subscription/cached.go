package subscription

import (
	"context"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

type lookupResult struct {
	sub *Subscription
}

// Cached puts an expiring LRU in front of another Service. Concurrent misses
// for the same key share one lookup. Lookup errors are not cached.
type Cached struct {
	next  Service
	lru   *expirable.LRU[string, lookupResult]
	group singleflight.Group
}

// NewCached wraps next with a cache of size entries living ttl.
func NewCached(next Service, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cached{
		next: next,
		lru:  expirable.NewLRU[string, lookupResult](size, nil, ttl),
	}
}

func (c *Cached) GetByAPIAndSecurityToken(ctx context.Context, apiID string, token Token, planID string) (*Subscription, error) {
	key := apiID + "|" + token.String() + "|" + planID
	if r, ok := c.lru.Get(key); ok {
		return r.sub, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		sub, err := c.next.GetByAPIAndSecurityToken(ctx, apiID, token, planID)
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, lookupResult{sub: sub})
		return sub, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Subscription), nil
}

// Purge drops every cached lookup.
func (c *Cached) Purge() {
	c.lru.Purge()
}
