package execution

import (
	"context"
	"time"

	"github.com/wudi/apigw/internal/el"
)

// Invoker performs the backend call of a request. The active invoker is held
// in the AttrInvoker attribute so policies can replace it.
type Invoker interface {
	ID() string
	Invoke(ctx *Context) error
}

// Resources resolves named resources (caches, stores) deployed with an API.
type Resources interface {
	Resource(name string) (any, bool)
}

// APIInfo describes the deployed API a request is served by.
type APIInfo struct {
	ID           string
	Name         string
	Version      string
	Organization string
	Environment  string
	DeployedAt   time.Time
	Properties   map[string]string
}

// Context is the request-scoped state shared by every stage of the pipeline.
// It is used by a single goroutine at a time and is not safe for concurrent use.
type Context struct {
	ctx       context.Context
	request   *Request
	response  *Response
	attrs     map[string]any
	internal  map[string]any
	metrics   *Metrics
	api       APIInfo
	engine    *el.Engine
	resources Resources
	template  *el.Bound
}

// NewContext creates a request context. ctx carries the client's cancellation.
func NewContext(ctx context.Context, req *Request, resp *Response) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	c := &Context{
		ctx:      ctx,
		request:  req,
		response: resp,
		attrs:    make(map[string]any),
		internal: make(map[string]any),
		metrics: &Metrics{
			Timestamp:     req.Timestamp,
			Method:        req.Method,
			Host:          req.Host,
			Path:          req.Path,
			RemoteAddress: req.RemoteAddress,
			UserAgent:     req.Headers.Get("User-Agent"),
		},
	}
	c.template = el.Bind(nil, c.Env)
	return c
}

// Context returns the request's context.Context.
func (c *Context) Context() context.Context { return c.ctx }

// SetContext replaces the context.Context, e.g. to carry a tracing span. It
// must derive from the previous one so cancellation is kept.
func (c *Context) SetContext(ctx context.Context) {
	c.ctx = ctx
}

func (c *Context) Request() *Request   { return c.request }
func (c *Context) Response() *Response { return c.response }
func (c *Context) Metrics() *Metrics   { return c.metrics }
func (c *Context) API() APIInfo        { return c.api }

// SetAPI records the API serving this request.
func (c *Context) SetAPI(api APIInfo) {
	c.api = api
}

// SetEngine replaces the expression engine used by TemplateEngine.
func (c *Context) SetEngine(e *el.Engine) {
	c.engine = e
	c.template = el.Bind(e, c.Env)
}

// Engine returns the expression engine of the context, nil for the default.
func (c *Context) Engine() *el.Engine {
	return c.engine
}

// SetResources installs the resource lookup of the API.
func (c *Context) SetResources(r Resources) {
	c.resources = r
}

// Resource looks up a named resource.
func (c *Context) Resource(name string) (any, bool) {
	if c.resources == nil {
		return nil, false
	}
	return c.resources.Resource(name)
}

// TemplateEngine returns the expression engine bound to this context.
func (c *Context) TemplateEngine() *el.Bound {
	return c.template
}

func (c *Context) Attribute(key string) any {
	return c.attrs[key]
}

func (c *Context) SetAttribute(key string, value any) {
	c.attrs[key] = value
}

func (c *Context) RemoveAttribute(key string) {
	delete(c.attrs, key)
}

// AttributeString returns the attribute as a string, or "" when absent or
// of another type.
func (c *Context) AttributeString(key string) string {
	s, _ := c.attrs[key].(string)
	return s
}

// Attributes returns a copy of the policy-visible attributes.
func (c *Context) Attributes() map[string]any {
	out := make(map[string]any, len(c.attrs))
	for k, v := range c.attrs {
		out[k] = v
	}
	return out
}

func (c *Context) InternalAttribute(key string) any {
	return c.internal[key]
}

func (c *Context) SetInternalAttribute(key string, value any) {
	c.internal[key] = value
}

func (c *Context) RemoveInternalAttribute(key string) {
	delete(c.internal, key)
}

// Env snapshots the context as an expression environment.
func (c *Context) Env() el.Env {
	req := c.request
	env := el.Env{
		Request: el.RequestEnv{
			ID:            req.ID,
			TransactionID: req.TransactionID,
			Method:        req.Method,
			Scheme:        req.Scheme,
			Host:          req.Host,
			Path:          req.Path,
			PathInfo:      req.PathInfo,
			ContextPath:   req.ContextPath,
			RemoteAddress: req.RemoteAddress,
			Headers:       firstValues(req.Headers),
			Params:        firstValues(req.Query),
			PathParams:    req.PathParams,
			Timestamp:     req.Timestamp.UnixMilli(),
		},
		Context: el.ContextEnv{Attributes: c.Attributes()},
		API: el.APIEnv{
			ID:         c.api.ID,
			Name:       c.api.Name,
			Version:    c.api.Version,
			Properties: c.api.Properties,
		},
	}
	if b, err := req.Body(); err == nil {
		env.Request.Content = string(b)
	}
	if resp := c.response; resp != nil {
		env.Response = el.ResponseEnv{
			Status:  resp.Status,
			Headers: firstValues(resp.Headers),
			Content: string(resp.Body()),
		}
	}
	return env
}

func firstValues(h map[string][]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if len(vv) > 0 {
			out[k] = vv[0]
		}
	}
	return out
}
