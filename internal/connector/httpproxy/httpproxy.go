// Package httpproxy implements the http-proxy endpoint connector, forwarding
// requests to an HTTP backend.
package httpproxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/apigw/internal/config"
	"github.com/wudi/apigw/internal/connector"
	gwerrors "github.com/wudi/apigw/internal/errors"
	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/logging"
	"github.com/wudi/apigw/internal/tracing"
)

// ID is the connector type id.
const ID = "http-proxy"

// Config is the per-endpoint configuration.
type Config struct {
	Target              string            `yaml:"target"`
	Timeout             time.Duration     `yaml:"timeout"`
	Headers             map[string]string `yaml:"headers"`
	PropagateClientHost bool              `yaml:"propagate_client_host"`
	CircuitBreaker      BreakerConfig     `yaml:"circuit_breaker"`
}

// BreakerConfig configures the circuit breaker wrapped around the backend.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	MaxRequests      uint32        `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
}

// Connector forwards requests to a single HTTP target.
type Connector struct {
	cfg       Config
	target    *url.URL
	transport http.RoundTripper
	breaker   *gobreaker.CircuitBreaker[*http.Response]
}

// Factory returns an endpoint factory sharing transport between endpoints.
func Factory(transport http.RoundTripper) connector.EndpointFactory {
	return func(raw map[string]any) (connector.EndpointConnector, error) {
		var cfg Config
		if err := config.Decode(raw, &cfg); err != nil {
			return nil, err
		}
		c, err := New(cfg, transport)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// New creates a connector. A nil transport uses http.DefaultTransport.
func New(cfg Config, transport http.RoundTripper) (*Connector, error) {
	target, err := url.Parse(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", cfg.Target, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("invalid target %q: scheme must be http or https", cfg.Target)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}

	c := &Connector{cfg: cfg, target: target, transport: transport}
	if cb := cfg.CircuitBreaker; cb.Enabled {
		threshold := cb.FailureThreshold
		if threshold == 0 {
			threshold = 5
		}
		c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        target.Host,
			MaxRequests: cb.MaxRequests,
			Interval:    cb.Interval,
			Timeout:     cb.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn("Circuit breaker state changed",
					zap.String("target", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
	}
	return c, nil
}

func (c *Connector) ID() string                       { return ID }
func (c *Connector) Kind() connector.Kind             { return connector.KindHTTP }
func (c *Connector) SupportedAPI() connector.APIType  { return connector.APITypeProxy }
func (c *Connector) SupportedModes() []connector.Mode { return []connector.Mode{connector.ModeRequestResponse} }
func (c *Connector) Start(context.Context) error      { return nil }
func (c *Connector) Stop(context.Context) error       { return nil }

// Target returns the configured backend URL.
func (c *Connector) Target() *url.URL { return c.target }

// Connect sends the request to the backend and buffers its response into
// the context response.
func (c *Connector) Connect(ctx *execution.Context) error {
	target, err := c.targetURL(ctx)
	if err != nil {
		return gwerrors.ErrBadGateway.WithMessage("Invalid endpoint target").WithCause(err)
	}

	reqCtx := ctx.Context()
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(reqCtx, c.cfg.Timeout)
		defer cancel()
	}

	req := ctx.Request()
	body, length, err := req.BodyReader()
	if errors.Is(err, execution.ErrBodyTooLarge) {
		return err
	}
	if err != nil {
		return gwerrors.ErrBadGateway.WithMessage("Failed to read request body").WithCause(err)
	}
	out, err := http.NewRequestWithContext(reqCtx, req.Method, target.String(), body)
	if err != nil {
		return gwerrors.ErrBadGateway.WithMessage("Invalid backend request").WithCause(err)
	}
	out.ContentLength = length
	c.prepareHeaders(out, req)
	tracing.Inject(reqCtx, out.Header)

	resp, err := c.roundTrip(out)
	if err != nil {
		return c.failure(ctx.Context(), reqCtx, err)
	}
	defer resp.Body.Close()

	payload, err := execution.ReadBody(resp.Body)
	if errors.Is(err, execution.ErrBodyTooLarge) {
		return gwerrors.ErrBadGateway.WithMessage("Backend response too large").WithCause(err)
	}
	if err != nil {
		return c.failure(ctx.Context(), reqCtx, err)
	}

	response := ctx.Response()
	response.Status = resp.StatusCode
	for k, vv := range resp.Header {
		response.Headers[k] = append(vv[:0:0], vv...)
	}
	removeHopHeaders(response.Headers)
	response.Headers.Del("Content-Length")
	response.SetBody(payload)
	return nil
}

func (c *Connector) roundTrip(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.transport.RoundTrip(req)
	}
	return c.breaker.Execute(func() (*http.Response, error) {
		return c.transport.RoundTrip(req)
	})
}

func (c *Connector) failure(client, call context.Context, err error) error {
	switch {
	case client.Err() != nil:
		return client.Err()
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(call.Err(), context.DeadlineExceeded):
		return gwerrors.ErrGatewayTimeout.WithCause(err)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return gwerrors.ErrCircuitBreakerOpen.WithCause(err)
	}
	return gwerrors.ErrBadGateway.WithCause(err)
}

// targetURL resolves the backend URL. An absolute request.endpoint attribute
// replaces the target; a relative one is appended to it. Otherwise the path
// info of the request is appended.
func (c *Connector) targetURL(ctx *execution.Context) (*url.URL, error) {
	req := ctx.Request()
	u := *c.target

	if override := ctx.AttributeString(execution.AttrRequestEndpoint); override != "" {
		parsed, err := url.Parse(override)
		if err != nil {
			return nil, err
		}
		if parsed.IsAbs() {
			u = *parsed
		} else {
			u.Path = singleJoiningSlash(c.target.Path, parsed.Path)
			if parsed.RawQuery != "" {
				u.RawQuery = mergeQuery(u.RawQuery, parsed.RawQuery)
			}
		}
	} else {
		u.Path = singleJoiningSlash(c.target.Path, req.PathInfo)
	}
	u.RawPath = ""

	if q := req.Query.Encode(); q != "" {
		u.RawQuery = mergeQuery(u.RawQuery, q)
	}
	return &u, nil
}

func mergeQuery(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "&" + b
}

func (c *Connector) prepareHeaders(out *http.Request, req *execution.Request) {
	for k, vv := range req.Headers {
		out.Header[k] = append(vv[:0:0], vv...)
	}
	removeHopHeaders(out.Header)
	out.Header.Del("Host")

	if req.RemoteAddress != "" {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			out.Header.Set("X-Forwarded-For", prior+", "+req.RemoteAddress)
		} else {
			out.Header.Set("X-Forwarded-For", req.RemoteAddress)
		}
	}
	out.Header.Set("X-Forwarded-Proto", req.Scheme)
	out.Header.Set("X-Forwarded-Host", req.Host)

	for k, v := range c.cfg.Headers {
		out.Header.Set(k, v)
	}
	if c.cfg.PropagateClientHost {
		out.Host = req.Host
	}
}
