// Package gateway deploys API definitions onto reactors and serves them on
// the node listeners.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/wudi/apigw/internal/config"
	"github.com/wudi/apigw/internal/connector"
	"github.com/wudi/apigw/internal/connector/httpproxy"
	"github.com/wudi/apigw/internal/connector/mock"
	"github.com/wudi/apigw/internal/connector/tcpproxy"
	"github.com/wudi/apigw/internal/discovery"
	"github.com/wudi/apigw/internal/discovery/memory"
	"github.com/wudi/apigw/internal/el"
	gwerrors "github.com/wudi/apigw/internal/errors"
	"github.com/wudi/apigw/internal/logging"
	"github.com/wudi/apigw/internal/metrics"
	"github.com/wudi/apigw/internal/policy"
	"github.com/wudi/apigw/internal/processor"
	"github.com/wudi/apigw/internal/reactor"
	"github.com/wudi/apigw/internal/resource"
	"github.com/wudi/apigw/internal/subscription"
	"github.com/wudi/apigw/internal/tracing"
)

// Options customizes a Gateway.
type Options struct {
	Logger *zap.Logger

	// RegisterPolicies overrides the policy types installed in every reactor.
	RegisterPolicies func(m *policy.Manager)
}

// Gateway holds the deployed APIs of the node. Requests are dispatched to
// the reactor owning the longest context path prefix of the request path.
type Gateway struct {
	logger    *zap.Logger
	transport *http.Transport
	closers   []io.Closer

	connectors    *connector.Registry
	resources     *resource.Registry
	subscriptions subscription.Service
	reporter      *metrics.Reporter
	tracer        *tracing.Tracer
	drain         *processor.Drain
	local         *memory.Registry

	mu          sync.Mutex
	opts        reactor.Options
	deployments map[string]*deployment
	routes      atomic.Pointer[routeTable]
	closed      bool
}

type deployment struct {
	reactor *reactor.Reactor
	hash    uint64
	syncs   []*discovery.Synchronizer
	remote  []discovery.Registry
}

// New builds the node-wide collaborators described by cfg. No API is
// deployed yet.
func New(cfg *config.Config, opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Global()
	}

	transport, err := httpproxy.NewTransport(cfg.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("http client: %w", err)
	}
	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	subs, subsCloser := subscription.New(cfg.Subscriptions)

	g := &Gateway{
		logger:        logger,
		transport:     transport,
		closers:       []io.Closer{subsCloser, tracer},
		connectors:    connector.NewRegistry(),
		resources:     resource.NewRegistry(),
		subscriptions: subs,
		reporter:      metrics.NewReporter(),
		tracer:        tracer,
		drain:         &processor.Drain{},
		local:         memory.New(),
		deployments:   make(map[string]*deployment),
	}
	g.connectors.RegisterEndpoint(httpproxy.ID, httpproxy.Factory(transport))
	g.connectors.RegisterEndpoint(mock.ID, mock.Factory)
	g.connectors.RegisterEndpoint(tcpproxy.ID, tcpproxy.Factory)

	g.opts = reactor.Options{
		Node:             cfg.Node,
		Platform:         cfg.Platform,
		Connectors:       g.connectors,
		Resources:        g.resources,
		Subscriptions:    g.subscriptions,
		Reporter:         g.reporter,
		Tracer:           g.tracer,
		Drain:            g.drain,
		Engine:           el.Default(),
		GraceDelay:       cfg.Endpoints.RemovalGraceDelay,
		Logger:           logger,
		HTTPClient:       &http.Client{Transport: transport},
		RegisterPolicies: opts.RegisterPolicies,
	}
	g.routes.Store(&routeTable{})
	return g, nil
}

func (g *Gateway) Reporter() *metrics.Reporter         { return g.reporter }
func (g *Gateway) Drain() *processor.Drain             { return g.drain }
func (g *Gateway) Connectors() *connector.Registry     { return g.connectors }
func (g *Gateway) Resources() *resource.Registry       { return g.resources }
func (g *Gateway) Subscriptions() subscription.Service { return g.subscriptions }

// LocalRegistry is the in-process service registry used by endpoint groups
// discovering with the memory provider.
func (g *Gateway) LocalRegistry() *memory.Registry { return g.local }

// ServeHTTP dispatches req to the reactor of its API.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r := g.routes.Load().match(req.URL.Path); r != nil {
		r.ServeHTTP(w, req)
		return
	}
	gwerrors.ErrNoContextPath.WriteJSON(w)
}

// Deploy starts a reactor for api and swaps it in for the previous
// deployment of the same API, which is stopped afterwards. Deploying an
// unchanged definition is a no-op and a disabled definition is undeployed.
func (g *Gateway) Deploy(ctx context.Context, api config.APIConfig) error {
	if !api.IsEnabled() {
		return g.Undeploy(ctx, api.ID)
	}
	if err := config.ValidateAPI(api); err != nil {
		return err
	}
	api.ContextPath = config.NormalizeContextPath(api.ContextPath)

	old, err := g.deploy(ctx, api)
	if err != nil || old == nil {
		return err
	}
	// Retired outside the lock so draining in-flight requests does not
	// hold up other deployments.
	g.retire(ctx, old)
	return nil
}

// deploy starts api and publishes it, returning the deployment it replaced.
func (g *Gateway) deploy(ctx context.Context, api config.APIConfig) (*deployment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, errors.New("gateway is closed")
	}

	hash, err := definitionHash(api, g.opts.Node, g.opts.Platform)
	if err != nil {
		return nil, fmt.Errorf("api %s: %w", api.ID, err)
	}
	old := g.deployments[api.ID]
	if old != nil && old.hash == hash {
		g.logger.Debug("api definition unchanged", zap.String("api", api.ID))
		return nil, nil
	}
	for id, d := range g.deployments {
		if id != api.ID && d.reactor.API().ContextPath == api.ContextPath {
			return nil, fmt.Errorf("api %s: context path %s already used by api %s", api.ID, api.ContextPath, id)
		}
	}

	r, err := reactor.New(api, g.opts)
	if err != nil {
		return nil, err
	}
	if err := r.Start(ctx); err != nil {
		return nil, err
	}
	d := &deployment{reactor: r, hash: hash}
	if err := g.startDiscovery(d); err != nil {
		g.retire(ctx, d)
		return nil, fmt.Errorf("api %s: %w", api.ID, err)
	}

	g.deployments[api.ID] = d
	g.publishLocked()

	g.logger.Info("api deployed",
		zap.String("api", api.ID),
		zap.String("context_path", api.ContextPath),
		zap.Bool("redeploy", old != nil))
	return old, nil
}

// Undeploy stops the reactor of the API. Unknown ids are ignored.
func (g *Gateway) Undeploy(ctx context.Context, id string) error {
	g.mu.Lock()
	d, ok := g.deployments[id]
	if !ok {
		g.mu.Unlock()
		return nil
	}
	delete(g.deployments, id)
	g.publishLocked()
	g.mu.Unlock()

	err := g.retire(ctx, d)
	g.reporter.ForgetAPI(id)
	g.logger.Info("api undeployed", zap.String("api", id))
	return err
}

// Apply makes the deployed APIs match cfg: new and changed definitions are
// deployed, the others undeployed. Node or platform flow changes redeploy
// every API.
// A definition failing to deploy keeps its previous version running.
func (g *Gateway) Apply(ctx context.Context, cfg *config.Config) error {
	g.mu.Lock()
	g.opts.Node = cfg.Node
	g.opts.Platform = cfg.Platform
	stale := make(map[string]bool, len(g.deployments))
	for id := range g.deployments {
		stale[id] = true
	}
	g.mu.Unlock()

	var errs []error
	for _, api := range cfg.APIs {
		if api.IsEnabled() {
			delete(stale, api.ID)
		}
		if err := g.Deploy(ctx, api); err != nil {
			g.logger.Error("api deployment failed", zap.String("api", api.ID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	for id := range stale {
		if err := g.Undeploy(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reactor returns the deployed reactor of an API.
func (g *Gateway) Reactor(id string) (*reactor.Reactor, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.deployments[id]
	if !ok {
		return nil, false
	}
	return d.reactor, true
}

// Reactors returns the deployed reactors ordered by API id.
func (g *Gateway) Reactors() []*reactor.Reactor {
	g.mu.Lock()
	out := make([]*reactor.Reactor, 0, len(g.deployments))
	for _, d := range g.deployments {
		out = append(out, d.reactor)
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].API().ID < out[j].API().ID })
	return out
}

// Close undeploys every API and releases the node-wide clients.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	deployments := g.deployments
	g.deployments = make(map[string]*deployment)
	g.publishLocked()
	g.mu.Unlock()

	var errs []error
	for _, d := range deployments {
		if err := g.retire(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range g.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := g.local.Close(); err != nil {
		errs = append(errs, err)
	}
	g.transport.CloseIdleConnections()
	return errors.Join(errs...)
}

// retire stops discovery then the reactor of d.
func (g *Gateway) retire(ctx context.Context, d *deployment) error {
	for _, s := range d.syncs {
		s.Stop()
	}
	for _, reg := range d.remote {
		_ = reg.Close()
	}
	return d.reactor.Stop(ctx)
}

func (g *Gateway) publishLocked() {
	routes := make([]route, 0, len(g.deployments))
	for _, d := range g.deployments {
		routes = append(routes, route{contextPath: d.reactor.API().ContextPath, handler: d.reactor})
	}
	g.routes.Store(newRouteTable(routes))
}

// definitionHash fingerprints what a reactor is built from.
func definitionHash(api config.APIConfig, node config.NodeConfig, platform config.PlatformConfig) (uint64, error) {
	b, err := yaml.Marshal(struct {
		API      config.APIConfig      `yaml:"api"`
		Node     config.NodeConfig     `yaml:"node"`
		Platform config.PlatformConfig `yaml:"platform"`
	}{api, node, platform})
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(b), nil
}
