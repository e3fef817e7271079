package reactor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	gwerrors "github.com/wudi/apigw/internal/errors"
	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/flow"
	"github.com/wudi/apigw/internal/processor"
	"github.com/wudi/apigw/internal/tracing"
)

// Stage names, reported as span events.
const (
	StagePlatformRequestFlows  = "PLATFORM_REQUEST_FLOWS"
	StageSecurityChain         = "SECURITY_CHAIN"
	StagePreProcessorChain     = "PRE_PROCESSOR_CHAIN"
	StagePlanRequestFlows      = "PLAN_FLOWS_REQUEST"
	StageAPIRequestFlows       = "API_FLOWS_REQUEST"
	StageInvokeBackend         = "INVOKE_BACKEND"
	StagePlanResponseFlows     = "PLAN_FLOWS_RESPONSE"
	StageAPIResponseFlows      = "API_FLOWS_RESPONSE"
	StageSecurityResponse      = "SECURITY_CHAIN_RESPONSE"
	StagePostProcessorChain    = "POST_PROCESSOR_CHAIN"
	StageErrorProcessorChain   = "ERROR_PROCESSOR_CHAIN"
	StagePlatformResponseFlows = "PLATFORM_RESPONSE_FLOWS"
	StageEndResponse           = "END_RESPONSE"
)

type stage struct {
	name string
	run  func(ctx *execution.Context) error
}

func flowStage(name string, c *flow.Chain, phase flow.Phase) stage {
	return stage{name: name, run: func(ctx *execution.Context) error {
		return c.Execute(ctx, phase)
	}}
}

// stages lists the request stages up to the response flows. The post
// processor chain is run separately since an interruption lands there too.
func (r *Reactor) stages() []stage {
	return []stage{
		flowStage(StagePlatformRequestFlows, r.platformFlows, flow.PhaseRequest),
		{name: StageSecurityChain, run: r.security.Execute},
		{name: StagePreProcessorChain, run: r.pre.Execute},
		flowStage(StagePlanRequestFlows, r.planFlows, flow.PhaseRequest),
		flowStage(StageAPIRequestFlows, r.apiFlows, flow.PhaseRequest),
		{name: StageInvokeBackend, run: r.invokeBackend},
		flowStage(StagePlanResponseFlows, r.planFlows, flow.PhaseResponse),
		flowStage(StageAPIResponseFlows, r.apiFlows, flow.PhaseResponse),
		{name: StageSecurityResponse, run: r.security.ExecuteResponse},
	}
}

// Handle runs the pipeline for ctx. The platform response flows and the end
// of the response run exactly once whatever the outcome of the other stages.
func (r *Reactor) Handle(ctx *execution.Context) {
	r.active.Add(1)
	defer r.active.Add(-1)

	r.prepare(ctx)

	spanCtx, span := r.opts.Tracer.Start(ctx.Context(), ctx.Request())
	ctx.SetContext(spanCtx)

	r.process(ctx, span)
	r.platformResponse(ctx, span)
	r.endResponse(ctx, span)
}

func (r *Reactor) prepare(ctx *execution.Context) {
	ctx.SetAPI(r.info)
	if r.opts.Engine != nil {
		ctx.SetEngine(r.opts.Engine)
	}
	ctx.SetResources(r.resources)

	ctx.SetAttribute(execution.AttrContextPath, r.api.ContextPath)
	ctx.SetAttribute(execution.AttrAPI, r.api.ID)
	ctx.SetAttribute(execution.AttrAPIName, r.api.Name)
	ctx.SetAttribute(execution.AttrAPIDeployedAt, r.info.DeployedAt.UnixMilli())
	ctx.SetAttribute(execution.AttrInvoker, r.invoker)
	ctx.SetAttribute(execution.AttrOrganization, r.info.Organization)
	ctx.SetAttribute(execution.AttrEnvironment, r.info.Environment)

	m := ctx.Metrics()
	m.APIID = r.api.ID
	m.APIName = r.api.Name
	m.Path = ctx.Request().PathInfo
}

func (r *Reactor) process(ctx *execution.Context, span trace.Span) {
	var err error
	for _, s := range r.requestStages {
		if err = r.run(ctx, span, s); err != nil {
			break
		}
	}

	outcome, failure := execution.Classify(err)
	if outcome == execution.Continue || outcome == execution.Interrupted {
		err = r.run(ctx, span, stage{name: StagePostProcessorChain, run: r.post.Execute})
		outcome, failure = execution.Classify(err)
	}

	switch outcome {
	case execution.InterruptedWithFailure:
		r.handleFailure(ctx, span, failure)
	case execution.Cancelled:
		r.logger.Debug("request cancelled by the client",
			zap.String("request_id", ctx.Request().ID))
	case execution.Failed:
		r.handleError(ctx, err)
	}
}

// run executes a stage, converting a panic into an error.
func (r *Reactor) run(ctx *execution.Context, span trace.Span, s stage) (err error) {
	if cerr := ctx.Context().Err(); cerr != nil {
		return cerr
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic recovered",
				zap.String("stage", s.name),
				zap.Any("error", rec),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic in %s: %v", s.name, rec)
		}
		outcome, _ := execution.Classify(err)
		span.AddEvent(s.name, trace.WithAttributes(attribute.String("outcome", outcome.String())))
	}()
	return s.run(ctx)
}

func (r *Reactor) invokeBackend(ctx *execution.Context) error {
	if skip, ok := ctx.Attribute(execution.AttrInvokerSkip).(bool); ok && !skip {
		return nil
	}
	inv, ok := ctx.Attribute(execution.AttrInvoker).(execution.Invoker)
	if !ok || inv == nil {
		inv = r.invoker
	}

	m := ctx.Metrics()
	m.MarkEndpointStart()
	defer m.MarkEndpointEnd()
	return inv.Invoke(ctx)
}

// handleFailure records f and renders it through the error processor chain.
func (r *Reactor) handleFailure(ctx *execution.Context, span trace.Span, f *gwerrors.ExecutionFailure) {
	ctx.SetInternalAttribute(execution.InternalFailure, f)
	m := ctx.Metrics()
	m.ErrorKey = f.Key
	m.ErrorMessage = f.Message

	err := r.run(ctx, span, stage{name: StageErrorProcessorChain, run: r.onFailure.Execute})
	switch outcome, _ := execution.Classify(err); outcome {
	case execution.Failed:
		r.handleError(ctx, err)
	case execution.InterruptedWithFailure:
		r.logger.Warn("error processor chain failed", zap.Error(err))
	}
}

// handleError answers 500 to an unexpected error. The error chain is not
// run again since it may be the origin of the error.
func (r *Reactor) handleError(ctx *execution.Context, err error) {
	r.logger.Error("unexpected error while handling request",
		zap.String("request_id", ctx.Request().ID),
		zap.String("path", ctx.Request().Path),
		zap.Error(err))

	f := gwerrors.ErrInternal
	ctx.SetInternalAttribute(execution.InternalFailure, f)
	m := ctx.Metrics()
	m.ErrorKey = f.Key
	m.ErrorMessage = err.Error()

	ctx.Response().Headers.Del("Content-Encoding")
	_ = processor.Failure{}.Execute(ctx)
}

func (r *Reactor) platformResponse(ctx *execution.Context, span trace.Span) {
	if ctx.Context().Err() != nil {
		ctx.SetContext(context.WithoutCancel(ctx.Context()))
	}

	err := r.run(ctx, span, flowStage(StagePlatformResponseFlows, r.platformFlows, flow.PhaseResponse))
	switch outcome, f := execution.Classify(err); outcome {
	case execution.InterruptedWithFailure:
		ctx.SetInternalAttribute(execution.InternalFailure, f)
		m := ctx.Metrics()
		m.ErrorKey = f.Key
		m.ErrorMessage = f.Message
		_ = processor.Failure{}.Execute(ctx)
	case execution.Failed:
		r.handleError(ctx, err)
	}
}

func (r *Reactor) endResponse(ctx *execution.Context, span trace.Span) {
	resp := ctx.Response()
	m := ctx.Metrics()
	m.Status = resp.Status
	m.ResponseLength = int64(len(resp.Body()))

	if err := resp.End(); err != nil {
		r.logger.Debug("response not written",
			zap.String("request_id", ctx.Request().ID), zap.Error(err))
	}
	span.AddEvent(StageEndResponse)

	m.Finish(time.Now())
	r.opts.Reporter.Report(m)
	tracing.End(span, m)
}
