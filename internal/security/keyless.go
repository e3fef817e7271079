package security

import (
	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/policy"
	"github.com/wudi/apigw/internal/subscription"
)

// Keyless lets every request through as an anonymous consumer.
type Keyless struct {
	policy.Base
}

func (Keyless) ID() string                { return TypeKeyless }
func (Keyless) Order() int                { return 1000 }
func (Keyless) RequireSubscription() bool { return false }

func (Keyless) ExtractToken(*execution.Context) (subscription.Token, bool) {
	return subscription.Token{Type: subscription.TokenNone}, true
}
