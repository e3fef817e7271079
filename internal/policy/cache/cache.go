// Package cache implements the cache policy, answering requests from a cache
// resource and skipping the backend call on hits.
package cache

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/wudi/apigw/internal/config"
	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/logging"
	"github.com/wudi/apigw/internal/policy"
	"github.com/wudi/apigw/internal/resource"
)

// ID is the policy type id.
const ID = "cache"

const (
	internalKey = "cache.key"
	internalHit = "cache.hit"

	headerCache = "X-Gateway-Cache"
)

// Config configures the policy. Key defaults to the method and URI of the
// request; KeyHeaders adds header values to it.
type Config struct {
	Resource    string        `yaml:"resource"`
	Key         string        `yaml:"key"`
	KeyHeaders  []string      `yaml:"key_headers"`
	TTL         time.Duration `yaml:"ttl"`
	Methods     []string      `yaml:"methods"`
	MaxBodySize int           `yaml:"max_body_size"`
}

// entry is the stored form of a response.
type entry struct {
	Status  int         `json:"status"`
	Headers http.Header `json:"headers"`
	Body    []byte      `json:"body"`
}

type Policy struct {
	resource    string
	key         *policy.Value
	keyHeaders  []string
	ttl         time.Duration
	methods     map[string]bool
	maxBodySize int
}

func New(raw map[string]any) (*Policy, error) {
	var cfg Config
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Resource == "" {
		return nil, errors.New("cache: resource is required")
	}
	p := &Policy{
		resource:    cfg.Resource,
		keyHeaders:  cfg.KeyHeaders,
		ttl:         cfg.TTL,
		methods:     make(map[string]bool),
		maxBodySize: cfg.MaxBodySize,
	}
	if p.ttl <= 0 {
		p.ttl = time.Minute
	}
	if p.maxBodySize <= 0 {
		p.maxBodySize = 1 << 20
	}
	if len(cfg.Methods) == 0 {
		cfg.Methods = []string{http.MethodGet, http.MethodHead}
	}
	for _, m := range cfg.Methods {
		p.methods[strings.ToUpper(m)] = true
	}
	if cfg.Key != "" {
		v, err := policy.NewValue("key", cfg.Key)
		if err != nil {
			return nil, err
		}
		p.key = v
	}
	return p, nil
}

func (p *Policy) ID() string { return ID }

func (p *Policy) OnRequest(ctx *execution.Context) error {
	req := ctx.Request()
	if !p.methods[req.Method] {
		return nil
	}
	cc := req.Headers.Get("Cache-Control")
	if strings.Contains(cc, "no-store") {
		return nil
	}
	c, ok := p.cache(ctx)
	if !ok {
		return nil
	}

	key, err := p.buildKey(ctx)
	if err != nil {
		return err
	}
	ctx.SetInternalAttribute(internalKey, key)

	if strings.Contains(cc, "no-cache") {
		return nil
	}
	data, hit, err := c.Get(ctx.Context(), key)
	if err != nil {
		logging.Warn("Cache get failed, treating as miss", zap.String("resource", p.resource), zap.Error(err))
		return nil
	}
	if !hit {
		return nil
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		logging.Warn("Cache entry decode failed, treating as miss", zap.String("resource", p.resource), zap.Error(err))
		return nil
	}

	resp := ctx.Response()
	resp.Status = e.Status
	for k, vv := range e.Headers {
		resp.Headers[k] = vv
	}
	resp.Headers.Set(headerCache, "HIT")
	resp.SetBody(e.Body)
	ctx.SetInternalAttribute(internalHit, true)
	ctx.SetAttribute(execution.AttrInvokerSkip, false)
	return nil
}

func (p *Policy) OnResponse(ctx *execution.Context) error {
	key, _ := ctx.InternalAttribute(internalKey).(string)
	if key == "" {
		return nil
	}
	if hit, _ := ctx.InternalAttribute(internalHit).(bool); hit {
		return nil
	}

	resp := ctx.Response()
	resp.Headers.Set(headerCache, "MISS")
	if resp.Status < 200 || resp.Status >= 300 || len(resp.Body()) > p.maxBodySize {
		return nil
	}
	if strings.Contains(resp.Headers.Get("Cache-Control"), "no-store") {
		return nil
	}
	c, ok := p.cache(ctx)
	if !ok {
		return nil
	}

	headers := resp.Headers.Clone()
	headers.Del(headerCache)
	data, err := json.Marshal(entry{Status: resp.Status, Headers: headers, Body: resp.Body()})
	if err != nil {
		return err
	}
	if err := c.Set(ctx.Context(), key, data, p.ttl); err != nil {
		logging.Warn("Cache set failed", zap.String("resource", p.resource), zap.Error(err))
	}
	return nil
}

func (p *Policy) cache(ctx *execution.Context) (resource.Cache, bool) {
	res, ok := ctx.Resource(p.resource)
	if !ok {
		logging.Warn("Cache resource not found", zap.String("api", ctx.API().ID), zap.String("resource", p.resource))
		return nil, false
	}
	c, ok := res.(resource.Cache)
	if !ok {
		logging.Warn("Resource is not a cache", zap.String("api", ctx.API().ID), zap.String("resource", p.resource))
	}
	return c, ok
}

func (p *Policy) buildKey(ctx *execution.Context) (string, error) {
	req := ctx.Request()
	var b strings.Builder
	b.WriteString(ctx.API().ID)
	b.WriteByte('|')
	if p.key != nil {
		k, err := p.key.Render(ctx)
		if err != nil {
			return "", err
		}
		b.WriteString(k)
	} else {
		b.WriteString(req.Method)
		b.WriteByte('|')
		b.WriteString(req.Path)
		if q := req.Query.Encode(); q != "" {
			b.WriteByte('?')
			b.WriteString(q)
		}
	}
	for _, h := range p.keyHeaders {
		if v := req.Headers.Get(h); v != "" {
			b.WriteByte('|')
			b.WriteString(h)
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return strconv.FormatUint(xxhash.Sum64String(b.String()), 16), nil
}
