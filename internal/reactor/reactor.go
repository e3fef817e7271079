// Package reactor runs the request pipeline of a deployed API: platform, plan
// and API flows around one backend call, framed by the processor chains.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/apigw/internal/config"
	"github.com/wudi/apigw/internal/connector"
	"github.com/wudi/apigw/internal/el"
	"github.com/wudi/apigw/internal/endpoint"
	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/flow"
	"github.com/wudi/apigw/internal/health"
	"github.com/wudi/apigw/internal/invoker"
	"github.com/wudi/apigw/internal/logging"
	"github.com/wudi/apigw/internal/metrics"
	"github.com/wudi/apigw/internal/policy"
	"github.com/wudi/apigw/internal/policy/builtin"
	"github.com/wudi/apigw/internal/processor"
	"github.com/wudi/apigw/internal/processor/cors"
	"github.com/wudi/apigw/internal/resource"
	"github.com/wudi/apigw/internal/security"
	"github.com/wudi/apigw/internal/subscription"
	"github.com/wudi/apigw/internal/tracing"
)

// Options holds the node-wide collaborators shared by every reactor.
type Options struct {
	Node          config.NodeConfig
	Platform      config.PlatformConfig
	Connectors    *connector.Registry
	Resources     *resource.Registry
	Subscriptions subscription.Service
	Reporter      *metrics.Reporter
	Tracer        *tracing.Tracer
	Drain         *processor.Drain
	Engine        *el.Engine
	GraceDelay    time.Duration
	Logger        *zap.Logger

	// HTTPClient sends endpoint health probes. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// RegisterPolicies installs the policy types of the API. Defaults to
	// builtin.Register.
	RegisterPolicies func(m *policy.Manager)
}

// Reactor is the request handler of one deployed API. A reactor is never
// mutated after Start: redeploying builds a new one.
type Reactor struct {
	api        config.APIConfig
	info       execution.APIInfo
	opts       Options
	logger     *zap.Logger
	entrypoint connector.EntrypointConnector

	policies  *policy.Manager
	resources *resource.Manager
	endpoints *endpoint.Manager
	invoker   execution.Invoker
	health    map[string]*health.Checker

	security      *security.Chain
	platformFlows *flow.Chain
	planFlows     *flow.Chain
	apiFlows      *flow.Chain
	requestStages []stage

	pre       *processor.Chain
	post      *processor.Chain
	onFailure *processor.Chain

	active atomic.Int64

	mu      sync.RWMutex
	started bool
}

// defaultDrainTimeout bounds Stop waiting for in-flight requests when no
// grace delay is configured.
const defaultDrainTimeout = 30 * time.Second

// New prepares the reactor of api. Nothing is started.
func New(api config.APIConfig, opts Options) (*Reactor, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}
	if opts.Connectors == nil {
		opts.Connectors = connector.NewRegistry()
	}
	if opts.Resources == nil {
		opts.Resources = resource.NewRegistry()
	}
	if opts.Subscriptions == nil {
		opts.Subscriptions = subscription.NewMemory()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Disabled()
	}
	if opts.RegisterPolicies == nil {
		opts.RegisterPolicies = builtin.Register
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	logger := opts.Logger.With(zap.String("api", api.ID))
	r := &Reactor{
		api:  api,
		opts: opts,
		info: execution.APIInfo{
			ID:           api.ID,
			Name:         api.Name,
			Version:      api.Version,
			Organization: opts.Node.Organization,
			Environment:  opts.Node.Environment,
			DeployedAt:   time.Now(),
			Properties:   api.Properties,
		},
		logger:     logger,
		entrypoint: connector.HTTPEntrypoint{},
		policies:   policy.NewManager(logger),
		resources:  resource.NewManager(opts.Resources, api.Resources),
		endpoints: endpoint.NewManager(api.ID, api.EndpointGroups, opts.Connectors, endpoint.Options{
			GraceDelay: opts.GraceDelay,
			Logger:     opts.Logger,
		}),
	}
	opts.RegisterPolicies(r.policies)
	r.invoker = invoker.New(r.endpoints)
	if err := r.buildHealthCheckers(); err != nil {
		return nil, fmt.Errorf("api %s: %w", api.ID, err)
	}
	r.endpoints.AddListener(func(ev endpoint.Event, ep *endpoint.ManagedEndpoint) {
		r.trackHealth(ev, ep)
		r.reportEndpoints()
	})

	if err := r.buildProcessors(); err != nil {
		return nil, fmt.Errorf("api %s: %w", api.ID, err)
	}
	return r, nil
}

func (r *Reactor) buildProcessors() error {
	pre := []processor.Processor{processor.TransactionID{}}
	var tail []processor.Processor

	if r.api.CORS.Enabled {
		h, err := cors.New(r.api.CORS)
		if err != nil {
			return err
		}
		pre = append(pre, h.Preflight())
		tail = append(tail, h.Simple())
	}
	if len(r.api.PathMappings) > 0 {
		pm, err := processor.NewPathMapping(r.api.PathMappings)
		if err != nil {
			return err
		}
		tail = append(tail, pm)
	}
	if r.api.AccessLog {
		tail = append(tail, processor.NewAccessLog(r.opts.Logger))
	}
	if r.opts.Drain != nil {
		tail = append(tail, r.opts.Drain)
	}

	r.pre = processor.NewChain("pre-processor", pre...)
	r.post = processor.NewChain("post-processor", tail...)
	r.onFailure = processor.NewChain("error-processor", processor.Failure{}).Append(tail...)
	return nil
}

// API returns the deployed definition.
func (r *Reactor) API() config.APIConfig { return r.api }

// Info returns the API description exposed to expressions.
func (r *Reactor) Info() execution.APIInfo { return r.info }

// Endpoints returns the endpoint registry of the API.
func (r *Reactor) Endpoints() *endpoint.Manager { return r.endpoints }

// Started reports whether the reactor accepts requests.
func (r *Reactor) Started() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.started
}

// Start starts the policy, resource and endpoint managers, in that order,
// then builds the security and flow chains. On failure everything already
// started is stopped again.
func (r *Reactor) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	if err := r.policies.Start(ctx); err != nil {
		return fmt.Errorf("api %s: policies: %w", r.api.ID, err)
	}
	if err := r.resources.Start(ctx); err != nil {
		r.stopLocked(ctx)
		return fmt.Errorf("api %s: resources: %w", r.api.ID, err)
	}
	if err := r.endpoints.Start(ctx); err != nil {
		r.stopLocked(ctx)
		return fmt.Errorf("api %s: endpoints: %w", r.api.ID, err)
	}
	if err := r.buildChains(); err != nil {
		r.stopLocked(ctx)
		return fmt.Errorf("api %s: %w", r.api.ID, err)
	}

	r.started = true
	r.reportEndpoints()
	r.logger.Info("api started",
		zap.String("context_path", r.api.ContextPath),
		zap.Int("plans", len(r.api.Plans)),
		zap.Int("flows", len(r.api.Flows)))
	return nil
}

func (r *Reactor) buildChains() error {
	sec, err := security.Build(r.api.ID, r.api.Plans, r.policies, r.opts.Subscriptions, r.logger)
	if err != nil {
		return err
	}

	platform, err := flow.BuildResolver("platform", r.opts.Platform.FlowMode, r.opts.Platform.Flows, r.policies, r.logger)
	if err != nil {
		return err
	}
	api, err := flow.BuildResolver("api", r.api.FlowMode, r.api.Flows, r.policies, r.logger)
	if err != nil {
		return err
	}
	plans := make(map[string]*flow.Resolver, len(r.api.Plans))
	for _, pc := range r.api.Plans {
		pr, err := flow.BuildResolver("plan:"+pc.ID, r.api.FlowMode, pc.Flows, r.policies, r.logger)
		if err != nil {
			return err
		}
		plans[pc.ID] = pr
	}

	r.security = sec
	r.platformFlows = flow.NewChain("platform", platform)
	r.planFlows = flow.NewPlanChain("plan", plans)
	r.apiFlows = flow.NewChain("api", api)
	r.requestStages = r.stages()
	return nil
}

// Stop waits for the requests already in the pipeline, at most the grace
// delay, then stops the endpoint, resource and policy managers, in that order.
func (r *Reactor) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	r.mu.Unlock()

	r.awaitIdle(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.stopLocked(ctx)
	r.logger.Info("api stopped")
	return err
}

// InFlight returns the number of requests inside the pipeline.
func (r *Reactor) InFlight() int64 { return r.active.Load() }

func (r *Reactor) awaitIdle(ctx context.Context) {
	timeout := r.opts.GraceDelay
	if timeout <= 0 {
		timeout = defaultDrainTimeout
	}
	deadline := time.Now().Add(timeout)
	for r.active.Load() > 0 && time.Now().Before(deadline) && ctx.Err() == nil {
		time.Sleep(10 * time.Millisecond)
	}
	if n := r.active.Load(); n > 0 {
		r.logger.Warn("stopping with requests in flight", zap.Int64("requests", n))
	}
}

func (r *Reactor) stopLocked(ctx context.Context) error {
	for _, c := range r.health {
		c.Stop()
	}
	var errs []error
	if err := r.endpoints.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("endpoints: %w", err))
	}
	if err := r.resources.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("resources: %w", err))
	}
	if err := r.policies.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("policies: %w", err))
	}
	return errors.Join(errs...)
}

// HealthCheck returns the health checker of group, if it has one.
func (r *Reactor) HealthCheck(group string) (*health.Checker, bool) {
	c, ok := r.health[group]
	return c, ok
}

// ServeHTTP wraps req into an execution context and runs the pipeline.
func (r *Reactor) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx := execution.NewContext(req.Context(), execution.NewRequest(req, r.api.ContextPath), execution.NewResponse(w))
	ctx.SetInternalAttribute(execution.InternalEntrypointConnector, r.entrypoint)
	r.Handle(ctx)
}

func (r *Reactor) reportEndpoints() {
	if r.opts.Reporter == nil {
		return
	}
	for _, g := range r.endpoints.Groups() {
		var enabled, disabled, unhealthy int
		for _, ep := range g.Endpoints() {
			switch {
			case !ep.Enabled():
				disabled++
			case !ep.Healthy():
				unhealthy++
			default:
				enabled++
			}
		}
		r.opts.Reporter.SetEndpoints(r.api.ID, g.Name(), "enabled", enabled)
		r.opts.Reporter.SetEndpoints(r.api.ID, g.Name(), "disabled", disabled)
		r.opts.Reporter.SetEndpoints(r.api.ID, g.Name(), "unhealthy", unhealthy)
	}
}
