package resource

import (
	"context"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/wudi/apigw/internal/config"
)

// TypeMemoryCache is the in-memory cache resource type.
const TypeMemoryCache = "cache-memory"

// MemoryConfig configures an in-memory cache.
type MemoryConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// Memory is an LRU cache. TTL bounds every entry; Set may shorten it.
type Memory struct {
	lru *expirable.LRU[string, memoryEntry]
	ttl time.Duration
}

func NewMemory(maxEntries int, ttl time.Duration) *Memory {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Memory{
		lru: expirable.NewLRU[string, memoryEntry](maxEntries, nil, ttl),
		ttl: ttl,
	}
}

func NewMemoryFromConfig(raw map[string]any) (*Memory, error) {
	var cfg MemoryConfig
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, err
	}
	return NewMemory(cfg.MaxEntries, cfg.TTL), nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		m.lru.Remove(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memoryEntry{value: value}
	if ttl > 0 && ttl < m.ttl {
		e.expires = time.Now().Add(ttl)
	}
	m.lru.Add(key, e)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}

// Len returns the number of cached entries.
func (m *Memory) Len() int {
	return m.lru.Len()
}
