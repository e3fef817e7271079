// Package tmplutil compiles the Go text templates used by header and body
// transformation policies.
package tmplutil

import (
	"encoding/json"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// FuncMap returns the template function map: every Sprig function plus the
// gateway helpers json and first.
func FuncMap() template.FuncMap {
	fm := sprig.TxtFuncMap()

	fm["json"] = func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	}
	fm["first"] = func(vals []string) string {
		if len(vals) > 0 {
			return vals[0]
		}
		return ""
	}

	return fm
}

// IsTemplate reports whether s uses Go template actions.
func IsTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

// Compile parses text with FuncMap.
func Compile(name, text string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Parse(text)
}

// Execute renders t against data.
func Execute(t *template.Template, data any) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}
