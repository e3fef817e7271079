// Package cors implements CORS handling as processors: preflight validation
// before the flows run and response headers for simple requests.
package cors

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/wudi/apigw/internal/config"
	gwerrors "github.com/wudi/apigw/internal/errors"
	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/invoker"
)

// Handler holds a compiled CORS configuration.
type Handler struct {
	allowOrigins        []string
	allowOriginPatterns []*regexp.Regexp
	allowAllOrigins     bool
	allowMethods        []string
	allowHeaders        []string
	allowCredentials    bool
	exposeHeaders       string
	maxAge              string
	runPolicies         bool
}

func New(cfg config.CORSConfig) (*Handler, error) {
	h := &Handler{
		allowOrigins:     cfg.AllowOrigins,
		allowMethods:     cfg.AllowMethods,
		allowHeaders:     cfg.AllowHeaders,
		allowCredentials: cfg.AllowCredentials,
		runPolicies:      cfg.RunPolicies,
	}
	for _, pattern := range cfg.AllowOriginRegex {
		// Patterns match the whole origin.
		re, err := regexp.Compile(`^(?:` + pattern + `)$`)
		if err != nil {
			return nil, fmt.Errorf("cors origin pattern %q: %w", pattern, err)
		}
		h.allowOriginPatterns = append(h.allowOriginPatterns, re)
	}
	for _, o := range cfg.AllowOrigins {
		if o == "*" {
			h.allowAllOrigins = true
			break
		}
	}
	if len(cfg.ExposeHeaders) > 0 {
		h.exposeHeaders = strings.Join(cfg.ExposeHeaders, ", ")
	}
	if cfg.MaxAge > 0 {
		h.maxAge = strconv.Itoa(cfg.MaxAge)
	}
	return h, nil
}

// IsPreflight reports whether the request is a CORS preflight.
func IsPreflight(req *execution.Request) bool {
	return req.Method == http.MethodOptions &&
		req.Headers.Get("Origin") != "" &&
		req.Headers.Get("Access-Control-Request-Method") != ""
}

// Preflight returns the pre-processor validating preflight requests.
func (h *Handler) Preflight() *Preflight { return &Preflight{h: h} }

// Simple returns the post-processor decorating non-preflight responses.
func (h *Handler) Simple() *Simple { return &Simple{h: h} }

// Preflight answers or prepares CORS preflight requests. Validation order:
// origin, requested method, requested headers, then a configured list of
// allowed methods. The last step rejects an empty configuration, unlike the
// method and header checks which let an empty configuration allow anything.
type Preflight struct {
	h *Handler
}

func (*Preflight) ID() string { return "cors-preflight" }

func (p *Preflight) Execute(ctx *execution.Context) error {
	req := ctx.Request()
	if !IsPreflight(req) {
		return nil
	}
	h := p.h
	origin := req.Headers.Get("Origin")

	if !h.isOriginAllowed(origin) ||
		!allowed(req.Headers.Get("Access-Control-Request-Method"), h.allowMethods, strings.EqualFold) ||
		!allowed(req.Headers.Get("Access-Control-Request-Headers"), h.allowHeaders, strings.EqualFold) ||
		len(h.allowMethods) == 0 {
		return execution.InterruptWith(gwerrors.ErrCorsPreflightFailed)
	}

	rh := ctx.Response().Headers
	rh.Set("Access-Control-Allow-Origin", h.responseOrigin(origin))
	rh.Set("Access-Control-Allow-Methods", strings.Join(h.allowMethods, ", "))
	if len(h.allowHeaders) > 0 {
		rh.Set("Access-Control-Allow-Headers", strings.Join(h.allowHeaders, ", "))
	}
	if h.allowCredentials {
		rh.Set("Access-Control-Allow-Credentials", "true")
	}
	if h.maxAge != "" {
		rh.Set("Access-Control-Max-Age", h.maxAge)
	}
	rh.Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")

	if !h.runPolicies {
		ctx.Response().Status = http.StatusOK
		return execution.Interrupt()
	}
	ctx.SetInternalAttribute(execution.InternalSecuritySkip, true)
	ctx.SetAttribute(execution.AttrInvoker, invoker.NoOp{})
	return nil
}

// Simple adds the CORS response headers for allowed origins on requests that
// are not preflights.
type Simple struct {
	h *Handler
}

func (*Simple) ID() string { return "cors-simple" }

func (s *Simple) Execute(ctx *execution.Context) error {
	req := ctx.Request()
	origin := req.Headers.Get("Origin")
	if origin == "" || IsPreflight(req) || !s.h.isOriginAllowed(origin) {
		return nil
	}
	rh := ctx.Response().Headers
	rh.Set("Access-Control-Allow-Origin", s.h.responseOrigin(origin))
	if s.h.allowCredentials {
		rh.Set("Access-Control-Allow-Credentials", "true")
	}
	if s.h.exposeHeaders != "" {
		rh.Set("Access-Control-Expose-Headers", s.h.exposeHeaders)
	}
	rh.Add("Vary", "Origin")
	return nil
}

func (h *Handler) responseOrigin(origin string) string {
	if h.allowAllOrigins && !h.allowCredentials {
		return "*"
	}
	return origin
}

func (h *Handler) isOriginAllowed(origin string) bool {
	if h.allowAllOrigins {
		return true
	}
	for _, a := range h.allowOrigins {
		if a == origin {
			return true
		}
		// *.example.com
		if strings.HasPrefix(a, "*.") && strings.HasSuffix(origin, a[1:]) {
			return true
		}
	}
	for _, re := range h.allowOriginPatterns {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}

// allowed checks a comma-separated incoming value against a configured list.
// An empty incoming value or an empty configuration passes.
func allowed(incoming string, configured []string, eq func(a, b string) bool) bool {
	if strings.TrimSpace(incoming) == "" || len(configured) == 0 {
		return true
	}
	for _, v := range strings.Split(incoming, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if !contains(configured, v, eq) {
			return false
		}
	}
	return true
}

func contains(list []string, v string, eq func(a, b string) bool) bool {
	for _, c := range list {
		if c == "*" || eq(c, v) {
			return true
		}
	}
	return false
}
