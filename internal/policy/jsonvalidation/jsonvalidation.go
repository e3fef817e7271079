// Package jsonvalidation implements the json-validation policy, checking
// request or response bodies against a JSON schema.
package jsonvalidation

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/wudi/apigw/internal/config"
	gwerrors "github.com/wudi/apigw/internal/errors"
	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/logging"
)

// ID is the policy type id.
const ID = "json-validation"

var errInvalidBackendPayload = gwerrors.New(http.StatusBadGateway, gwerrors.KeyInvalidPayload, "Invalid backend payload")

// Config configures the policy. Scope is REQUEST (default) or RESPONSE.
// With LogOnly, violations are logged and the request continues.
type Config struct {
	Schema  string `yaml:"schema"`
	Scope   string `yaml:"scope"`
	LogOnly bool   `yaml:"log_only"`
}

type Policy struct {
	schema   *jsonschema.Schema
	response bool
	logOnly  bool
}

func New(raw map[string]any) (*Policy, error) {
	var cfg Config
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Schema) == "" {
		return nil, errors.New("json-validation: schema is required")
	}
	p := &Policy{logOnly: cfg.LogOnly}
	switch strings.ToUpper(cfg.Scope) {
	case "", "REQUEST":
	case "RESPONSE":
		p.response = true
	default:
		return nil, fmt.Errorf("json-validation: unknown scope %q", cfg.Scope)
	}

	schema, err := compileSchema(cfg.Schema)
	if err != nil {
		return nil, err
	}
	p.schema = schema
	return p, nil
}

func compileSchema(inline string) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(inline), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse JSON schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return schema, nil
}

func (p *Policy) ID() string { return ID }

func (p *Policy) OnRequest(ctx *execution.Context) error {
	if p.response {
		return nil
	}
	body, err := ctx.Request().Body()
	if err != nil {
		return err
	}
	return p.check(ctx, body, gwerrors.ErrInvalidPayload)
}

func (p *Policy) OnResponse(ctx *execution.Context) error {
	if !p.response {
		return nil
	}
	return p.check(ctx, ctx.Response().Body(), errInvalidBackendPayload)
}

func (p *Policy) check(ctx *execution.Context, body []byte, reject *gwerrors.ExecutionFailure) error {
	err := p.validate(body)
	if err == nil {
		return nil
	}
	if p.logOnly {
		logging.Warn("JSON validation failed",
			zap.String("api", ctx.API().ID),
			zap.String("path", ctx.Request().Path),
			zap.Error(err),
		)
		return nil
	}
	return execution.InterruptWith(reject.WithMessage(err.Error()))
}

func (p *Policy) validate(body []byte) error {
	var data any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			return fmt.Errorf("invalid JSON body: %s", err.Error())
		}
	}
	if err := p.schema.Validate(data); err != nil {
		return fmt.Errorf("validation failed: %s", err.Error())
	}
	return nil
}
