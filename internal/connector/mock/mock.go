// Package mock implements the mock endpoint connector, answering requests
// with a configured response without reaching any backend.
package mock

import (
	"context"
	"net/http"
	"time"

	"github.com/wudi/apigw/internal/config"
	"github.com/wudi/apigw/internal/connector"
	gwerrors "github.com/wudi/apigw/internal/errors"
	"github.com/wudi/apigw/internal/execution"
)

// ID is the connector type id.
const ID = "mock"

// Config is the canned response. Content and header values may hold
// {#expression} segments.
type Config struct {
	Status  int               `yaml:"status"`
	Headers map[string]string `yaml:"headers"`
	Content string            `yaml:"content"`
	Delay   time.Duration     `yaml:"delay"`
}

// Connector answers every request with the same response.
type Connector struct {
	cfg Config
}

// Factory decodes the endpoint configuration.
func Factory(raw map[string]any) (connector.EndpointConnector, error) {
	var cfg Config
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, err
	}
	return New(cfg), nil
}

func New(cfg Config) *Connector {
	if cfg.Status == 0 {
		cfg.Status = http.StatusOK
	}
	return &Connector{cfg: cfg}
}

func (c *Connector) ID() string                       { return ID }
func (c *Connector) Kind() connector.Kind             { return connector.KindGeneric }
func (c *Connector) SupportedAPI() connector.APIType  { return connector.APITypeProxy }
func (c *Connector) SupportedModes() []connector.Mode { return []connector.Mode{connector.ModeRequestResponse} }
func (c *Connector) Start(context.Context) error      { return nil }
func (c *Connector) Stop(context.Context) error       { return nil }

func (c *Connector) Connect(ctx *execution.Context) error {
	if c.cfg.Delay > 0 {
		t := time.NewTimer(c.cfg.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Context().Done():
			return ctx.Context().Err()
		}
	}

	tmpl := ctx.TemplateEngine()
	resp := ctx.Response()
	resp.Status = c.cfg.Status
	for k, v := range c.cfg.Headers {
		value, err := tmpl.EvalString(v)
		if err != nil {
			return gwerrors.ErrInternal.WithMessage("Invalid mock header").WithCause(err)
		}
		resp.Headers.Set(k, value)
	}
	content, err := tmpl.EvalString(c.cfg.Content)
	if err != nil {
		return gwerrors.ErrInternal.WithMessage("Invalid mock content").WithCause(err)
	}
	resp.SetBody([]byte(content))
	return nil
}
