// Package httpmethod defines the gateway's HTTP method enumeration and the
// conversion of method override values.
package httpmethod

import (
	"fmt"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Method is an HTTP request method.
type Method int

const (
	Other Method = iota
	Connect
	Delete
	Get
	Head
	Options
	Patch
	Post
	Put
	Trace
)

var names = [...]string{
	Other:   "OTHER",
	Connect: "CONNECT",
	Delete:  "DELETE",
	Get:     "GET",
	Head:    "HEAD",
	Options: "OPTIONS",
	Patch:   "PATCH",
	Post:    "POST",
	Put:     "PUT",
	Trace:   "TRACE",
}

func (m Method) String() string {
	if m < 0 || int(m) >= len(names) {
		return names[Other]
	}
	return names[m]
}

// Parse returns the method named s, case-insensitively.
func Parse(s string) (Method, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, n := range names {
		if Method(i) != Other && n == s {
			return Method(i), true
		}
	}
	return Other, false
}

// Resolve converts a method override to a method name. It accepts a Method,
// a string, or any other method type exposing its name through String.
func Resolve(v any) (string, error) {
	switch m := v.(type) {
	case Method:
		if m == Other {
			return "", fmt.Errorf("method %v cannot be used as an override", m)
		}
		return m.String(), nil
	case string:
		if m == "" {
			return "", fmt.Errorf("empty method")
		}
		if !isToken(m) {
			return "", fmt.Errorf("invalid method %q", m)
		}
		return strings.ToUpper(m), nil
	case fmt.Stringer:
		if parsed, ok := Parse(m.String()); ok {
			return parsed.String(), nil
		}
		return "", fmt.Errorf("unknown method %q", m.String())
	}
	return "", fmt.Errorf("unsupported method override type %T", v)
}

// isToken reports whether s is an RFC 7230 token, the syntax of a method.
func isToken(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return !httpguts.IsTokenRune(r) }) == -1
}
