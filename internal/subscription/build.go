package subscription

import (
	"io"

	"github.com/redis/go-redis/v9"

	"github.com/wudi/apigw/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds the subscription service described by cfg. The returned closer
// releases backend connections.
func New(cfg config.SubscriptionsConfig) (Service, io.Closer) {
	var (
		svc    Service
		closer io.Closer = nopCloser{}
	)

	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		svc = NewRedis(client, cfg.Redis.KeyPrefix, cfg.Redis.Timeout)
		closer = client
	default:
		mem := NewMemory()
		LoadStatic(mem, cfg.Static)
		svc = mem
	}

	if cfg.Cache.Enabled {
		svc = NewCached(svc, cfg.Cache.Size, cfg.Cache.TTL)
	}
	return svc, closer
}

// LoadStatic stores the subscriptions declared in configuration.
func LoadStatic(m *Memory, subs []config.SubscriptionConfig) {
	for _, sc := range subs {
		sub := &Subscription{
			ID:          sc.ID,
			API:         sc.API,
			Plan:        sc.Plan,
			Application: sc.Application,
			ClientID:    sc.ClientID,
			Status:      Status(sc.Status),
			StartingAt:  sc.StartingAt,
			EndingAt:    sc.EndingAt,
		}
		var tokens []Token
		if sc.APIKey != "" {
			tokens = append(tokens, Token{Type: TokenAPIKey, Value: sc.APIKey})
		}
		if sc.ClientID != "" {
			tokens = append(tokens, Token{Type: TokenClientID, Value: sc.ClientID})
		}
		m.Put(sub, tokens...)
	}
}
