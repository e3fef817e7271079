package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis reads subscriptions stored as JSON arrays under
// <prefix><api>:<token type>:<token value>.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

// NewRedis creates a redis-backed store.
func NewRedis(client redis.UniversalClient, prefix string, timeout time.Duration) *Redis {
	if prefix == "" {
		prefix = "apigw:subscriptions:"
	}
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	return &Redis{client: client, prefix: prefix, timeout: timeout}
}

func (r *Redis) key(apiID string, token Token) string {
	return r.prefix + apiID + ":" + string(token.Type) + ":" + token.Value
}

func (r *Redis) GetByAPIAndSecurityToken(ctx context.Context, apiID string, token Token, planID string) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := r.client.Get(ctx, r.key(apiID, token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("subscription lookup: %w", err)
	}

	var subs []*Subscription
	if err := json.Unmarshal(data, &subs); err != nil {
		return nil, fmt.Errorf("subscription decode: %w", err)
	}
	return pick(subs, planID), nil
}

// Put writes the subscriptions bound to token.
func (r *Redis) Put(ctx context.Context, apiID string, token Token, subs ...*Subscription) error {
	data, err := json.Marshal(subs)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Set(ctx, r.key(apiID, token), data, 0).Err()
}
