package subscription

import (
	"context"
	"time"
)

// Status of a subscription. Only accepted subscriptions are served by stores.
type Status string

const (
	StatusAccepted Status = "ACCEPTED"
	StatusPending  Status = "PENDING"
	StatusPaused   Status = "PAUSED"
	StatusClosed   Status = "CLOSED"
)

// TokenType is the kind of security token a subscription is bound to.
type TokenType string

const (
	TokenAPIKey   TokenType = "API_KEY"
	TokenClientID TokenType = "CLIENT_ID"
	TokenNone     TokenType = "NONE"
)

// Token is the value extracted from a request by a security policy.
type Token struct {
	Type  TokenType
	Value string
}

func (t Token) String() string {
	return string(t.Type) + ":" + t.Value
}

// Subscription binds an application to a plan of an API.
type Subscription struct {
	ID          string    `json:"id"`
	API         string    `json:"api"`
	Plan        string    `json:"plan"`
	Application string    `json:"application"`
	ClientID    string    `json:"client_id,omitempty"`
	Status      Status    `json:"status"`
	StartingAt  time.Time `json:"starting_at,omitempty"`
	EndingAt    time.Time `json:"ending_at,omitempty"`
}

// IsTimeValid reports whether ts falls inside the validity window. Zero
// bounds are open.
func (s *Subscription) IsTimeValid(ts time.Time) bool {
	if !s.StartingAt.IsZero() && ts.Before(s.StartingAt) {
		return false
	}
	if !s.EndingAt.IsZero() && ts.After(s.EndingAt) {
		return false
	}
	return true
}

func (s *Subscription) active() bool {
	return s.Status == "" || s.Status == StatusAccepted
}

// Service looks subscriptions up. Implementations return (nil, nil) when no
// subscription exists.
type Service interface {
	GetByAPIAndSecurityToken(ctx context.Context, apiID string, token Token, planID string) (*Subscription, error)
}

// pick prefers the subscription of planID among candidates, falling back to
// the first one so callers can detect cross-plan reuse.
func pick(candidates []*Subscription, planID string) *Subscription {
	var first *Subscription
	for _, s := range candidates {
		if !s.active() {
			continue
		}
		if s.Plan == planID {
			return s
		}
		if first == nil {
			first = s
		}
	}
	return first
}
