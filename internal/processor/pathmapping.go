package processor

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/wudi/apigw/internal/execution"
)

// PathMapping records in the metrics the first configured path pattern the
// request path info matches, giving a bounded set of paths for reporting.
// Patterns are globs (doublestar syntax) where a ":name" segment matches any
// single segment.
type PathMapping struct {
	mappings []pathMapping
}

type pathMapping struct {
	name string
	glob string
}

func NewPathMapping(patterns []string) (*PathMapping, error) {
	pm := &PathMapping{}
	for _, p := range patterns {
		glob := toGlob(p)
		if !doublestar.ValidatePattern(glob) {
			return nil, fmt.Errorf("invalid path mapping %q", p)
		}
		pm.mappings = append(pm.mappings, pathMapping{name: p, glob: glob})
	}
	return pm, nil
}

func toGlob(pattern string) string {
	segs := strings.Split(pattern, "/")
	for i, s := range segs {
		if strings.HasPrefix(s, ":") {
			segs[i] = "*"
		}
	}
	return strings.Join(segs, "/")
}

func (*PathMapping) ID() string { return "path-mapping" }

func (pm *PathMapping) Execute(ctx *execution.Context) error {
	path := ctx.Request().PathInfo
	for _, m := range pm.mappings {
		if ok, _ := doublestar.Match(m.glob, path); ok {
			ctx.Metrics().MappedPath = m.name
			return nil
		}
	}
	return nil
}
