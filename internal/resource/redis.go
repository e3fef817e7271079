package resource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wudi/apigw/internal/config"
)

// TypeRedisCache is the redis cache resource type.
const TypeRedisCache = "cache-redis"

// Redis stores cache entries under a key prefix.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	owned   bool
}

// NewRedis wraps client. ttl applies when Set is called without one.
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "apigw:cache:"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, timeout: 100 * time.Millisecond}
}

// RedisConfig extends the redis client settings with a default TTL.
type RedisConfig struct {
	config.RedisConfig `yaml:",inline"`
	TTL                time.Duration `yaml:"ttl"`
}

func NewRedisFromConfig(raw map[string]any) (*Redis, error) {
	var cfg RedisConfig
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Address == "" {
		return nil, errors.New("cache-redis: address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	r := NewRedis(client, cfg.KeyPrefix, cfg.TTL)
	if cfg.Timeout > 0 {
		r.timeout = cfg.Timeout
	}
	r.owned = true
	return r, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return data, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.ttl
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Del(ctx, r.prefix+key).Err()
}

// Close closes the client when it was created from configuration.
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
