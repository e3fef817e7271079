package el

import "fmt"

type segment struct {
	text string
	expr bool
}

// parse splits a template into literal and {#expression} segments. Braces
// nested inside an expression and braces inside quoted strings are balanced.
func parse(tmpl string) ([]segment, error) {
	var segs []segment
	i, start := 0, 0
	for i < len(tmpl) {
		if tmpl[i] != '{' || i+1 >= len(tmpl) || tmpl[i+1] != '#' {
			i++
			continue
		}
		if i > start {
			segs = append(segs, segment{text: tmpl[start:i]})
		}
		end, err := closing(tmpl, i+2)
		if err != nil {
			return nil, err
		}
		segs = append(segs, segment{text: tmpl[i+2 : end], expr: true})
		i = end + 1
		start = i
	}
	if start < len(tmpl) {
		segs = append(segs, segment{text: tmpl[start:]})
	}
	return segs, nil
}

func closing(tmpl string, from int) (int, error) {
	depth := 1
	var quote byte
	for j := from; j < len(tmpl); j++ {
		c := tmpl[j]
		if quote != 0 {
			if c == '\\' {
				j++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return j, nil
			}
		}
	}
	return 0, fmt.Errorf("unterminated expression in template %q", tmpl)
}

// Bound is an engine bound to a lazily built environment. The environment is
// rebuilt on each evaluation so it observes the latest request state.
type Bound struct {
	engine *Engine
	env    func() Env
}

// Bind binds e to the environment produced by env.
func Bind(e *Engine, env func() Env) *Bound {
	if e == nil {
		e = Default()
	}
	return &Bound{engine: e, env: env}
}

func (b *Bound) Eval(tmpl string) (any, error) {
	return b.engine.Eval(tmpl, KindAny, b.env())
}

func (b *Bound) EvalBool(tmpl string) (bool, error) {
	return b.engine.EvalBool(tmpl, b.env())
}

func (b *Bound) EvalString(tmpl string) (string, error) {
	return b.engine.EvalString(tmpl, b.env())
}
