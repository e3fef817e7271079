package el

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Kind selects the expected result type of an evaluation.
type Kind int

const (
	KindAny Kind = iota
	KindBool
	KindString
)

const defaultCacheSize = 4096

type programKey struct {
	expression string
	asBool     bool
}

// Engine evaluates templates made of literal text and {#expression} segments.
// Compiled programs are cached by expression text.
type Engine struct {
	programs *lru.Cache[programKey, *vm.Program]
}

// NewEngine creates an engine caching up to size compiled programs.
func NewEngine(size int) (*Engine, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	c, err := lru.New[programKey, *vm.Program](size)
	if err != nil {
		return nil, err
	}
	return &Engine{programs: c}, nil
}

var defaultEngine *Engine

func init() {
	defaultEngine, _ = NewEngine(defaultCacheSize)
}

// Default returns the process-wide engine.
func Default() *Engine {
	return defaultEngine
}

// Eval evaluates tmpl against env. A template made of a single expression
// returns the expression's value; mixed templates are rendered as strings.
func (e *Engine) Eval(tmpl string, kind Kind, env Env) (any, error) {
	segs, err := parse(tmpl)
	if err != nil {
		return nil, err
	}

	if len(segs) == 1 && segs[0].expr {
		out, err := e.run(segs[0].text, kind == KindBool, env)
		if err != nil {
			return nil, err
		}
		if kind == KindString {
			return stringify(out), nil
		}
		return out, nil
	}

	var sb strings.Builder
	for _, s := range segs {
		if !s.expr {
			sb.WriteString(s.text)
			continue
		}
		out, err := e.run(s.text, false, env)
		if err != nil {
			return nil, err
		}
		sb.WriteString(stringify(out))
	}

	if kind == KindBool {
		b, err := strconv.ParseBool(strings.TrimSpace(sb.String()))
		if err != nil {
			return nil, fmt.Errorf("template %q is not a boolean", tmpl)
		}
		return b, nil
	}
	return sb.String(), nil
}

// EvalBool evaluates tmpl as a boolean predicate.
func (e *Engine) EvalBool(tmpl string, env Env) (bool, error) {
	out, err := e.Eval(tmpl, KindBool, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("template %q evaluated to %T, not bool", tmpl, out)
	}
	return b, nil
}

// EvalString evaluates tmpl and renders the result as a string. A nil result
// renders as the empty string.
func (e *Engine) EvalString(tmpl string, env Env) (string, error) {
	out, err := e.Eval(tmpl, KindString, env)
	if err != nil {
		return "", err
	}
	s, _ := out.(string)
	return s, nil
}

// Compile validates every expression of tmpl without running it.
func (e *Engine) Compile(tmpl string, kind Kind) error {
	segs, err := parse(tmpl)
	if err != nil {
		return err
	}
	for _, s := range segs {
		if s.expr {
			if _, err := e.program(s.text, kind == KindBool && len(segs) == 1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) run(expression string, asBool bool, env Env) (any, error) {
	p, err := e.program(expression, asBool)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(p, env)
	if err != nil {
		return nil, fmt.Errorf("evaluating %q: %w", expression, err)
	}
	return out, nil
}

func (e *Engine) program(expression string, asBool bool) (*vm.Program, error) {
	key := programKey{expression: expression, asBool: asBool}
	if p, ok := e.programs.Get(key); ok {
		return p, nil
	}

	opts := []expr.Option{expr.Env(Env{})}
	if asBool {
		opts = append(opts, expr.AsBool())
	}
	p, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, fmt.Errorf("compiling %q: %w", expression, err)
	}
	e.programs.Add(key, p)
	return p, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// NormalizeSelectionRule rewrites a legacy "#expr" rule to the "{#expr}"
// template form.
func NormalizeSelectionRule(rule string) string {
	rule = strings.TrimSpace(rule)
	if strings.HasPrefix(rule, "#") {
		return "{" + rule + "}"
	}
	return rule
}

// IsTemplate reports whether s contains at least one expression segment.
func IsTemplate(s string) bool {
	return strings.Contains(s, "{#")
}
