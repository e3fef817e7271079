package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/wudi/apigw/internal/connector"
)

// Probe checks a target once.
type Probe interface {
	Check(ctx context.Context) error
}

// HTTPProbe sends a request and expects a status in one of the ranges.
type HTTPProbe struct {
	Client   *http.Client
	Method   string
	URL      string
	Expected []StatusRange
}

func (p HTTPProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if !matchStatus(resp.StatusCode, p.Expected) {
		return fmt.Errorf("unhealthy status code: %d", resp.StatusCode)
	}
	return nil
}

// TCPProbe opens and closes a connection.
type TCPProbe struct {
	Address string
}

func (p TCPProbe) Check(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return fmt.Errorf("tcp connection failed: %w", err)
	}
	return conn.Close()
}

// ProbeFor builds the probe of an endpoint connector. Connectors without a
// network target, such as mocks, are not probed.
func ProbeFor(conn connector.EndpointConnector, s Settings, client *http.Client) (Probe, bool) {
	switch c := conn.(type) {
	case interface{ Target() *url.URL }:
		target := c.Target()
		if target == nil {
			return nil, false
		}
		return HTTPProbe{
			Client:   client,
			Method:   s.Method,
			URL:      strings.TrimSuffix(target.String(), "/") + s.Path,
			Expected: s.Expected,
		}, true
	case interface{ Address() string }:
		return TCPProbe{Address: c.Address()}, true
	default:
		return nil, false
	}
}

// StatusRange is an inclusive range of HTTP status codes.
type StatusRange struct {
	Lo, Hi int
}

// ParseStatusRange parses "200", "2xx" or "200-299".
func ParseStatusRange(s string) (StatusRange, error) {
	s = strings.TrimSpace(s)
	if len(s) == 3 && s[1] == 'x' && s[2] == 'x' {
		base := int(s[0]-'0') * 100
		if base < 100 || base > 500 {
			return StatusRange{}, fmt.Errorf("invalid status range %q", s)
		}
		return StatusRange{base, base + 99}, nil
	}
	if lo, hi, ok := strings.Cut(s, "-"); ok {
		l, err1 := strconv.Atoi(lo)
		h, err2 := strconv.Atoi(hi)
		if err1 != nil || err2 != nil || l < 100 || h > 599 || l > h {
			return StatusRange{}, fmt.Errorf("invalid status range %q", s)
		}
		return StatusRange{l, h}, nil
	}
	code, err := strconv.Atoi(s)
	if err != nil || code < 100 || code > 599 {
		return StatusRange{}, fmt.Errorf("invalid status code %q", s)
	}
	return StatusRange{code, code}, nil
}

func matchStatus(code int, ranges []StatusRange) bool {
	for _, r := range ranges {
		if code >= r.Lo && code <= r.Hi {
			return true
		}
	}
	return false
}
