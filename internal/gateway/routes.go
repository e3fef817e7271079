package gateway

import (
	"net/http"
	"sort"
	"strings"
)

type route struct {
	contextPath string
	handler     http.Handler
}

// routeTable is an immutable snapshot of the deployed context paths, longest
// first. It is replaced as a whole on every deployment change.
type routeTable struct {
	routes []route
}

func newRouteTable(routes []route) *routeTable {
	sort.Slice(routes, func(i, j int) bool {
		if len(routes[i].contextPath) != len(routes[j].contextPath) {
			return len(routes[i].contextPath) > len(routes[j].contextPath)
		}
		return routes[i].contextPath < routes[j].contextPath
	})
	return &routeTable{routes: routes}
}

func (t *routeTable) match(path string) http.Handler {
	for _, r := range t.routes {
		if hasContextPath(path, r.contextPath) {
			return r.handler
		}
	}
	return nil
}

// hasContextPath reports whether path lies under contextPath on a segment
// boundary: /api matches /api and /api/pets but not /apis.
func hasContextPath(path, contextPath string) bool {
	if contextPath == "/" {
		return true
	}
	if !strings.HasPrefix(path, contextPath) {
		return false
	}
	return len(path) == len(contextPath) || path[len(contextPath)] == '/'
}
