// Package flow resolves the flows matching a request and runs their policy
// steps.
package flow

import (
	"fmt"
	"strings"

	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/policy"
)

// Operator selects how a flow path is compared to the request path info.
type Operator string

const (
	OperatorStartsWith Operator = "STARTS_WITH"
	OperatorEquals     Operator = "EQUALS"
)

// ParseOperator normalizes an operator, defaulting to STARTS_WITH.
func ParseOperator(s string) (Operator, error) {
	switch strings.ToUpper(s) {
	case "", string(OperatorStartsWith):
		return OperatorStartsWith, nil
	case string(OperatorEquals):
		return OperatorEquals, nil
	}
	return "", fmt.Errorf("unknown path operator %q", s)
}

// Phase is the direction a chain runs in.
type Phase int

const (
	PhaseRequest Phase = iota
	PhaseResponse
)

func (p Phase) String() string {
	if p == PhaseResponse {
		return "response"
	}
	return "request"
}

// Step is a policy invocation inside a flow.
type Step struct {
	Name      string
	Policy    policy.Policy
	Condition string
}

func (s *Step) execute(ctx *execution.Context, phase Phase) error {
	if s.Condition != "" {
		ok, err := ctx.TemplateEngine().EvalBool(s.Condition)
		if err != nil {
			return fmt.Errorf("step %s condition: %w", s.Name, err)
		}
		if !ok {
			return nil
		}
	}
	if phase == PhaseResponse {
		return s.Policy.OnResponse(ctx)
	}
	return s.Policy.OnRequest(ctx)
}

// Flow is an ordered list of steps guarded by a method set, a path and an
// expression. An absent guard always passes.
type Flow struct {
	Name      string
	Methods   map[string]bool
	Path      string
	Operator  Operator
	Condition string
	Request   []*Step
	Response  []*Step

	segments []string
}

// NewFlow prepares a flow for matching.
func NewFlow(name string, methods []string, path string, op Operator, condition string) *Flow {
	f := &Flow{
		Name:      name,
		Path:      path,
		Operator:  op,
		Condition: condition,
		segments:  splitPath(path),
	}
	if len(methods) > 0 {
		f.Methods = make(map[string]bool, len(methods))
		for _, m := range methods {
			f.Methods[strings.ToUpper(m)] = true
		}
	}
	return f
}

// Steps returns the steps of phase.
func (f *Flow) Steps(phase Phase) []*Step {
	if phase == PhaseResponse {
		return f.Response
	}
	return f.Request
}

// match evaluates the composite condition. It returns the number of static
// path segments matched and the captured path parameters.
func (f *Flow) match(ctx *execution.Context) (bool, int, map[string]string, error) {
	req := ctx.Request()
	if f.Methods != nil && !f.Methods[req.Method] {
		return false, 0, nil, nil
	}

	ok, static, params := f.matchPath(req.PathInfo)
	if !ok {
		return false, 0, nil, nil
	}

	if f.Condition != "" {
		pass, err := ctx.TemplateEngine().EvalBool(f.Condition)
		if err != nil {
			return false, 0, nil, err
		}
		if !pass {
			return false, 0, nil, nil
		}
	}
	return true, static, params, nil
}

// matchPath compares the flow path with pathInfo segment by segment. ":name"
// captures one segment, "*" matches one segment.
func (f *Flow) matchPath(pathInfo string) (bool, int, map[string]string) {
	req := splitPath(pathInfo)
	if len(f.segments) > len(req) {
		return false, 0, nil
	}
	if f.Operator == OperatorEquals && len(f.segments) != len(req) {
		return false, 0, nil
	}

	var params map[string]string
	static := 0
	for i, seg := range f.segments {
		switch {
		case strings.HasPrefix(seg, ":"):
			if params == nil {
				params = make(map[string]string)
			}
			params[seg[1:]] = req[i]
		case seg == "*":
		case seg == req[i]:
			static++
		default:
			return false, 0, nil
		}
	}
	return true, static, params
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
