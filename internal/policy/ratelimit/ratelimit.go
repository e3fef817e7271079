// Package ratelimit implements the rate-limit policy: a token bucket per
// consumer key.
package ratelimit

import (
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"

	"github.com/wudi/apigw/internal/config"
	gwerrors "github.com/wudi/apigw/internal/errors"
	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/policy"
)

// ID is the policy type id.
const ID = "rate-limit"

const numShards = 64

// Config configures the policy. Limit requests are allowed per Period for
// each distinct Key, which defaults to the subscription of the request.
type Config struct {
	Limit      int           `yaml:"limit"`
	Period     time.Duration `yaml:"period"`
	Key        string        `yaml:"key"`
	AddHeaders *bool         `yaml:"add_headers"`
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Policy rejects requests above the configured rate with 429.
type Policy struct {
	policy.Base
	cfg        Config
	key        *policy.Value
	every      rate.Limit
	addHeaders bool
	limitStr   string
	shards     [numShards]shard
	done       chan struct{}
	closeOnce  sync.Once
}

func New(raw map[string]any) (*Policy, error) {
	var cfg Config
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 1
	}
	if cfg.Period <= 0 {
		cfg.Period = time.Second
	}
	if cfg.Key == "" {
		cfg.Key = "{#context.attributes['" + execution.AttrSubscriptionID + "']}"
	}
	key, err := policy.NewValue("key", cfg.Key)
	if err != nil {
		return nil, err
	}

	p := &Policy{
		cfg:        cfg,
		key:        key,
		every:      rate.Every(cfg.Period / time.Duration(cfg.Limit)),
		addHeaders: cfg.AddHeaders == nil || *cfg.AddHeaders,
		limitStr:   strconv.Itoa(cfg.Limit),
		done:       make(chan struct{}),
	}
	for i := range p.shards {
		p.shards[i].entries = make(map[string]*entry)
	}
	go p.cleanup()
	return p, nil
}

func (p *Policy) ID() string { return ID }

func (p *Policy) OnRequest(ctx *execution.Context) error {
	k, err := p.key.Render(ctx)
	if err != nil {
		return err
	}
	k = ctx.API().ID + "|" + ctx.AttributeString(execution.AttrPlan) + "|" + k

	lim := p.limiter(k, time.Now())
	allowed := lim.Allow()
	if p.addHeaders {
		h := ctx.Response().Headers
		h.Set("X-Rate-Limit-Limit", p.limitStr)
		remaining := int(lim.Tokens())
		if remaining < 0 {
			remaining = 0
		}
		h.Set("X-Rate-Limit-Remaining", strconv.Itoa(remaining))
	}
	if !allowed {
		return execution.InterruptWith(gwerrors.ErrTooManyRequests.
			WithParameter("limit", p.cfg.Limit).
			WithParameter("period", p.cfg.Period.String()))
	}
	return nil
}

func (p *Policy) limiter(key string, now time.Time) *rate.Limiter {
	s := &p.shards[xxhash.Sum64String(key)%numShards]
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(p.every, p.cfg.Limit)}
		s.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// cleanup drops limiters idle for two periods.
func (p *Policy) cleanup() {
	interval := 2 * p.cfg.Period
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case now := <-ticker.C:
			cutoff := now.Add(-2 * p.cfg.Period)
			for i := range p.shards {
				s := &p.shards[i]
				s.mu.Lock()
				for k, e := range s.entries {
					if e.lastSeen.Before(cutoff) {
						delete(s.entries, k)
					}
				}
				s.mu.Unlock()
			}
		}
	}
}

// Close stops the cleanup goroutine.
func (p *Policy) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
