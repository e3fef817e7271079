package security

import (
	"github.com/wudi/apigw/internal/config"
	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/subscription"
)

// DefaultAPIKeyHeader carries the key unless configured otherwise.
const DefaultAPIKeyHeader = "X-Gateway-Api-Key"

// APIKeyConfig configures the api-key policy.
type APIKeyConfig struct {
	Header          string `yaml:"header"`
	QueryParam      string `yaml:"query_param"`
	PropagateAPIKey bool   `yaml:"propagate_api_key"`
}

// APIKey authenticates consumers by an API key bound to a subscription.
type APIKey struct {
	cfg APIKeyConfig
}

func NewAPIKey(raw map[string]any) (*APIKey, error) {
	var cfg APIKeyConfig
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Header == "" {
		cfg.Header = DefaultAPIKeyHeader
	}
	if cfg.QueryParam == "" {
		cfg.QueryParam = "api-key"
	}
	return &APIKey{cfg: cfg}, nil
}

func (p *APIKey) ID() string                { return TypeAPIKey }
func (p *APIKey) Order() int                { return 500 }
func (p *APIKey) RequireSubscription() bool { return true }

func (p *APIKey) ExtractToken(ctx *execution.Context) (subscription.Token, bool) {
	req := ctx.Request()
	key := req.Headers.Get(p.cfg.Header)
	if key == "" {
		key = req.Query.Get(p.cfg.QueryParam)
	}
	if key == "" {
		return subscription.Token{}, false
	}
	return subscription.Token{Type: subscription.TokenAPIKey, Value: key}, true
}

// OnRequest removes the key from the request forwarded to the backend.
func (p *APIKey) OnRequest(ctx *execution.Context) error {
	if !p.cfg.PropagateAPIKey {
		req := ctx.Request()
		req.Headers.Del(p.cfg.Header)
		req.Query.Del(p.cfg.QueryParam)
	}
	return nil
}

func (p *APIKey) OnResponse(*execution.Context) error { return nil }
