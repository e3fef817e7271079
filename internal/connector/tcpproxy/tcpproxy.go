// Package tcpproxy implements the tcp-proxy endpoint connector. The request
// body is written to a TCP backend and everything it answers until it closes
// the connection becomes the response body.
package tcpproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/wudi/apigw/internal/config"
	"github.com/wudi/apigw/internal/connector"
	gwerrors "github.com/wudi/apigw/internal/errors"
	"github.com/wudi/apigw/internal/execution"
)

// ID is the connector type id.
const ID = "tcp-proxy"

// Config is the per-endpoint configuration.
type Config struct {
	Target         string        `yaml:"target"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
}

// Connector relays a request body over a TCP connection.
type Connector struct {
	addr           string
	connectTimeout time.Duration
	readTimeout    time.Duration
}

// Factory decodes the endpoint configuration.
func Factory(raw map[string]any) (connector.EndpointConnector, error) {
	var cfg Config
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, err
	}
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// New creates a connector for cfg.Target, given as host:port or
// tcp://host:port.
func New(cfg Config) (*Connector, error) {
	addr, err := parseAddr(cfg.Target)
	if err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	return &Connector{addr: addr, connectTimeout: cfg.ConnectTimeout, readTimeout: cfg.ReadTimeout}, nil
}

func parseAddr(target string) (string, error) {
	if strings.HasPrefix(target, "tcp://") {
		u, err := url.Parse(target)
		if err != nil {
			return "", fmt.Errorf("invalid target %q: %w", target, err)
		}
		target = u.Host
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		return "", fmt.Errorf("invalid target %q: %w", target, err)
	}
	return target, nil
}

func (c *Connector) ID() string                       { return ID }
func (c *Connector) Kind() connector.Kind             { return connector.KindTCP }
func (c *Connector) SupportedAPI() connector.APIType  { return connector.APITypeProxy }
func (c *Connector) SupportedModes() []connector.Mode { return []connector.Mode{connector.ModeRequestResponse} }
func (c *Connector) Start(context.Context) error      { return nil }
func (c *Connector) Stop(context.Context) error       { return nil }

// Address returns the backend host:port.
func (c *Connector) Address() string { return c.addr }

// Connect writes the request body and reads the backend answer.
func (c *Connector) Connect(ctx *execution.Context) error {
	dialer := &net.Dialer{Timeout: c.connectTimeout}
	conn, err := dialer.DialContext(ctx.Context(), "tcp", c.addr)
	if err != nil {
		if ctx.Context().Err() != nil {
			return ctx.Context().Err()
		}
		return gwerrors.ErrBadGateway.WithCause(err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx.Context(), func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()
	_ = conn.SetDeadline(time.Now().Add(c.readTimeout))

	body, err := ctx.Request().Body()
	if errors.Is(err, execution.ErrBodyTooLarge) {
		return err
	}
	if err != nil {
		return gwerrors.ErrBadGateway.WithMessage("Failed to read request body").WithCause(err)
	}
	if len(body) > 0 {
		if _, err := conn.Write(body); err != nil {
			return c.failure(ctx, err)
		}
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}

	payload, err := execution.ReadBody(conn)
	if errors.Is(err, execution.ErrBodyTooLarge) {
		return gwerrors.ErrBadGateway.WithMessage("Backend response too large").WithCause(err)
	}
	if err != nil {
		return c.failure(ctx, err)
	}

	resp := ctx.Response()
	resp.Status = http.StatusOK
	resp.Headers.Set("Content-Type", "application/octet-stream")
	resp.SetBody(payload)
	return nil
}

func (c *Connector) failure(ctx *execution.Context, err error) error {
	if ctx.Context().Err() != nil {
		return ctx.Context().Err()
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return gwerrors.ErrGatewayTimeout.WithCause(err)
	}
	return gwerrors.ErrBadGateway.WithCause(err)
}
