// Package invoker resolves the endpoint serving a request and calls its
// connector.
package invoker

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/wudi/apigw/internal/connector"
	"github.com/wudi/apigw/internal/endpoint"
	gwerrors "github.com/wudi/apigw/internal/errors"
	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/httpmethod"
)

// ID identifies the default invoker of an API.
const ID = "endpoint-invoker"

var overridePattern = regexp.MustCompile(`^([^:]+):(.*)$`)

// EndpointResolver picks the endpoint matching criteria. It is implemented
// by endpoint.Manager.
type EndpointResolver interface {
	Next(c endpoint.Criteria) *endpoint.ManagedEndpoint
}

// EndpointInvoker is the default invoker: it honours the routing and method
// overrides set by policies.
type EndpointInvoker struct {
	resolver EndpointResolver
}

func New(resolver EndpointResolver) *EndpointInvoker {
	return &EndpointInvoker{resolver: resolver}
}

func (i *EndpointInvoker) ID() string { return ID }

// Invoke resolves the endpoint and connects to it. Resolution and method
// override failures are returned as interruptions carrying a failure; the
// connector is not called in that case.
func (i *EndpointInvoker) Invoke(ctx *execution.Context) error {
	ep, err := i.resolve(ctx)
	if err != nil {
		return err
	}

	conn := ep.Connector()
	ctx.SetInternalAttribute(execution.InternalEndpointConnectorID, conn.ID())
	if conn.Kind() == connector.KindHTTP {
		if err := applyMethodOverride(ctx); err != nil {
			return err
		}
	}

	m := ctx.Metrics()
	m.Endpoint = ep.Name()
	m.EndpointGroup = ep.Group().Name()

	ep.Acquire()
	defer ep.Release()
	return conn.Connect(ctx)
}

func (i *EndpointInvoker) resolve(ctx *execution.Context) (*endpoint.ManagedEndpoint, error) {
	var criteria endpoint.Criteria
	if entry, ok := ctx.InternalAttribute(execution.InternalEntrypointConnector).(connector.EntrypointConnector); ok {
		criteria.APIType = entry.SupportedAPI()
		criteria.Modes = entry.SupportedModes()
	}

	if raw := ctx.Attribute(execution.AttrRequestEndpoint); raw != nil {
		evaluated, err := ctx.TemplateEngine().EvalString(fmt.Sprint(raw))
		if err != nil {
			return nil, fmt.Errorf("evaluating endpoint override: %w", err)
		}
		name, target := ParseOverride(evaluated)
		criteria.Name = name
		ctx.SetAttribute(execution.AttrRequestEndpoint, target)
	}

	ep := i.resolver.Next(criteria)
	if ep == nil {
		return nil, execution.InterruptWith(gwerrors.ErrNoEndpointFound)
	}
	return ep, nil
}

// ParseOverride splits a routing override into an endpoint (or group) name
// and the target left for the connector. Absolute URIs carry no name;
// "<name>:<path>" targets name with path, colons in path preserved.
func ParseOverride(v string) (name, target string) {
	if IsAbsoluteURI(v) {
		return "", v
	}
	if m := overridePattern.FindStringSubmatch(v); m != nil {
		return m[1], m[2]
	}
	return "", v
}

// IsAbsoluteURI reports whether v is a URI with a scheme and an authority.
func IsAbsoluteURI(v string) bool {
	u, err := url.Parse(v)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func applyMethodOverride(ctx *execution.Context) error {
	raw := ctx.Attribute(execution.AttrRequestMethod)
	if raw == nil {
		return nil
	}
	method, err := httpmethod.Resolve(raw)
	if err != nil {
		return execution.InterruptWith(gwerrors.ErrInvalidHTTPMethod.WithCause(err))
	}
	ctx.Request().Method = method
	return nil
}

// NoOp answers without calling any backend. CORS preflights running the
// policy chains install it.
type NoOp struct{}

func (NoOp) ID() string { return "noop-invoker" }

func (NoOp) Invoke(*execution.Context) error { return nil }
