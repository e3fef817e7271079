package flow

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/wudi/apigw/internal/execution"
)

// Mode selects how many flows a resolver returns.
type Mode int

const (
	// ModeDefault returns every matching flow in declaration order.
	ModeDefault Mode = iota
	// ModeBestMatch returns the single most specific matching flow.
	ModeBestMatch
)

// ParseMode parses a flow mode name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return ModeDefault, nil
	case "best_match", "best-match":
		return ModeBestMatch, nil
	}
	return ModeDefault, fmt.Errorf("unknown flow mode %q", s)
}

// Resolver matches a deployed flow set against requests. The result is
// computed once per request and reused by the response phase.
type Resolver struct {
	id     string
	flows  []*Flow
	mode   Mode
	logger *zap.Logger
}

// NewResolver creates a resolver. id must be unique among the resolvers of
// an API since it keys the per-request cache.
func NewResolver(id string, flows []*Flow, mode Mode, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{id: id, flows: flows, mode: mode, logger: logger}
}

func (r *Resolver) ID() string { return r.id }

// Flows returns the deployed flows in declaration order.
func (r *Resolver) Flows() []*Flow { return r.flows }

// Resolve returns the flows matching the request.
func (r *Resolver) Resolve(ctx *execution.Context) []*Flow {
	key := execution.InternalFlowsPrefix + r.id
	if cached, ok := ctx.InternalAttribute(key).([]*Flow); ok {
		return cached
	}
	flows := r.resolve(ctx)
	ctx.SetInternalAttribute(key, flows)
	return flows
}

func (r *Resolver) resolve(ctx *execution.Context) []*Flow {
	out := make([]*Flow, 0, len(r.flows))
	var (
		best       *Flow
		bestStatic = -1
		bestParams map[string]string
	)

	for _, f := range r.flows {
		ok, static, params, err := f.match(ctx)
		if err != nil {
			r.logger.Warn("flow condition evaluation failed",
				zap.String("flow", f.Name), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if r.mode == ModeBestMatch {
			if static > bestStatic {
				best, bestStatic, bestParams = f, static, params
			}
			continue
		}
		addParams(ctx, params)
		out = append(out, f)
	}

	if r.mode == ModeBestMatch && best != nil {
		addParams(ctx, bestParams)
		out = append(out, best)
	}
	return out
}

func addParams(ctx *execution.Context, params map[string]string) {
	if len(params) == 0 {
		return
	}
	req := ctx.Request()
	if req.PathParams == nil {
		req.PathParams = make(map[string]string, len(params))
	}
	for k, v := range params {
		req.PathParams[k] = v
	}
}
