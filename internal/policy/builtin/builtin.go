// Package builtin registers the policies shipped with the gateway.
package builtin

import (
	"github.com/wudi/apigw/internal/policy"
	"github.com/wudi/apigw/internal/policy/assignattributes"
	"github.com/wudi/apigw/internal/policy/cache"
	"github.com/wudi/apigw/internal/policy/jsontransform"
	"github.com/wudi/apigw/internal/policy/jsonvalidation"
	"github.com/wudi/apigw/internal/policy/ratelimit"
	"github.com/wudi/apigw/internal/policy/transformheaders"
	"github.com/wudi/apigw/internal/security"
)

// Register adds the built-in flow policies and security policies to m.
func Register(m *policy.Manager) {
	m.Register(ratelimit.ID, func(cfg map[string]any) (policy.Policy, error) {
		p, err := ratelimit.New(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	m.Register(transformheaders.ID, func(cfg map[string]any) (policy.Policy, error) {
		p, err := transformheaders.New(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	m.Register(jsontransform.ID, func(cfg map[string]any) (policy.Policy, error) {
		p, err := jsontransform.New(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	m.Register(jsonvalidation.ID, func(cfg map[string]any) (policy.Policy, error) {
		p, err := jsonvalidation.New(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	m.Register(assignattributes.ID, func(cfg map[string]any) (policy.Policy, error) {
		p, err := assignattributes.New(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	m.Register(cache.ID, func(cfg map[string]any) (policy.Policy, error) {
		p, err := cache.New(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	security.Register(m)
}
