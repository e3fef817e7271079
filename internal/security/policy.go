// Package security selects the plan authorizing a request and runs its
// security policy.
package security

import (
	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/policy"
	"github.com/wudi/apigw/internal/subscription"
)

// Policy is a policy able to authenticate the consumer of a plan.
type Policy interface {
	policy.Policy
	// Order ranks the policy among security steps, lower first.
	Order() int
	// ExtractToken returns the token identifying the consumer, or false when
	// the request carries none for this policy.
	ExtractToken(ctx *execution.Context) (subscription.Token, bool)
	// RequireSubscription reports whether a subscription must back the token.
	RequireSubscription() bool
}

// Policy types.
const (
	TypeKeyless = "keyless"
	TypeAPIKey  = "api-key"
	TypeJWT     = "jwt"
)

// Register adds the security policy types to m.
func Register(m *policy.Manager) {
	m.Register(TypeKeyless, func(map[string]any) (policy.Policy, error) {
		return Keyless{}, nil
	})
	m.Register(TypeAPIKey, func(cfg map[string]any) (policy.Policy, error) {
		p, err := NewAPIKey(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	m.Register(TypeJWT, func(cfg map[string]any) (policy.Policy, error) {
		p, err := NewJWT(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}
