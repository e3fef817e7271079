package execution

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	gwerrors "github.com/wudi/apigw/internal/errors"
)

// MaxBodySize bounds the request and response bodies buffered by the gateway.
const MaxBodySize = 10 << 20

// ErrBodyTooLarge reports a body longer than MaxBodySize.
var ErrBodyTooLarge = errors.New("body exceeds the buffering limit")

// ReadBody buffers rd, failing with ErrBodyTooLarge instead of truncating.
func ReadBody(rd io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(rd, MaxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > MaxBodySize {
		return nil, ErrBodyTooLarge
	}
	return b, nil
}

// Request is the gateway's mutable view of the inbound request. Policies may
// rewrite the method, path info, headers, query and body before the backend
// is called.
type Request struct {
	ID            string
	TransactionID string
	Method        string
	Scheme        string
	Host          string
	Path          string
	PathInfo      string
	ContextPath   string
	RemoteAddress string
	Headers       http.Header
	Query         url.Values
	PathParams    map[string]string
	Timestamp     time.Time

	raw      *http.Request
	body     []byte
	bodyErr  error
	bodyRead bool
}

// NewRequest wraps r. contextPath is the API context path that matched.
func NewRequest(r *http.Request, contextPath string) *Request {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	pathInfo := strings.TrimPrefix(r.URL.Path, strings.TrimSuffix(contextPath, "/"))
	if pathInfo == "" {
		pathInfo = "/"
	}
	return &Request{
		Method:        r.Method,
		Scheme:        scheme,
		Host:          r.Host,
		Path:          r.URL.Path,
		PathInfo:      pathInfo,
		ContextPath:   contextPath,
		RemoteAddress: remoteIP(r.RemoteAddr),
		Headers:       r.Header.Clone(),
		Query:         r.URL.Query(),
		PathParams:    map[string]string{},
		Timestamp:     time.Now(),
		raw:           r,
	}
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Raw returns the underlying http.Request.
func (r *Request) Raw() *http.Request {
	return r.raw
}

// Body returns the buffered request body, reading it on first use. A body
// longer than MaxBodySize fails with a 413 REQUEST_CONTENT_TOO_LARGE failure.
func (r *Request) Body() ([]byte, error) {
	if r.bodyRead {
		return r.body, r.bodyErr
	}
	r.bodyRead = true
	if r.raw == nil || r.raw.Body == nil || r.raw.Body == http.NoBody {
		return nil, nil
	}
	if r.raw.ContentLength > MaxBodySize {
		r.bodyErr = gwerrors.ErrRequestContentTooLarge.WithCause(ErrBodyTooLarge)
		return nil, r.bodyErr
	}
	b, err := ReadBody(r.raw.Body)
	if errors.Is(err, ErrBodyTooLarge) {
		err = gwerrors.ErrRequestContentTooLarge.WithCause(err)
	}
	if err != nil {
		r.bodyErr = err
		return nil, err
	}
	r.body = b
	return b, nil
}

// SetBody replaces the request body and adjusts Content-Length.
func (r *Request) SetBody(b []byte) {
	r.body = b
	r.bodyErr = nil
	r.bodyRead = true
	r.Headers.Del("Content-Length")
}

// BodyReader returns a reader over the buffered body, or nil when empty.
func (r *Request) BodyReader() (io.Reader, int64, error) {
	b, err := r.Body()
	if err != nil || len(b) == 0 {
		return nil, 0, err
	}
	return bytes.NewReader(b), int64(len(b)), nil
}

// URI returns the inbound path with its query string.
func (r *Request) URI() string {
	if q := r.Query.Encode(); q != "" {
		return r.Path + "?" + q
	}
	return r.Path
}
