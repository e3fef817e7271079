package subscription

import (
	"context"
	"sync"
)

type tokenKey struct {
	api   string
	token Token
}

// Memory is an in-memory subscription store.
type Memory struct {
	mu      sync.RWMutex
	byToken map[tokenKey][]*Subscription
	byID    map[string][]tokenKey
}

func NewMemory() *Memory {
	return &Memory{
		byToken: make(map[tokenKey][]*Subscription),
		byID:    make(map[string][]tokenKey),
	}
}

// Put stores sub under each token, replacing a previous subscription with the
// same id.
func (m *Memory) Put(sub *Subscription, tokens ...Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(sub.ID)
	keys := make([]tokenKey, 0, len(tokens))
	for _, t := range tokens {
		k := tokenKey{api: sub.API, token: t}
		m.byToken[k] = append(m.byToken[k], sub)
		keys = append(keys, k)
	}
	m.byID[sub.ID] = keys
}

// Delete removes a subscription by id.
func (m *Memory) Delete(id string) {
	m.mu.Lock()
	m.deleteLocked(id)
	m.mu.Unlock()
}

func (m *Memory) deleteLocked(id string) {
	for _, k := range m.byID[id] {
		subs := m.byToken[k]
		kept := subs[:0:0]
		for _, s := range subs {
			if s.ID != id {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(m.byToken, k)
		} else {
			m.byToken[k] = kept
		}
	}
	delete(m.byID, id)
}

func (m *Memory) GetByAPIAndSecurityToken(_ context.Context, apiID string, token Token, planID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return pick(m.byToken[tokenKey{api: apiID, token: token}], planID), nil
}
