package processor

import (
	"time"

	"go.uber.org/zap"

	"github.com/wudi/apigw/internal/execution"
	"github.com/wudi/apigw/internal/logging"
)

// AccessLog writes one structured line per request.
type AccessLog struct {
	logger *zap.Logger
}

// NewAccessLog logs to logger, or to the global logger when nil.
func NewAccessLog(logger *zap.Logger) *AccessLog {
	return &AccessLog{logger: logger}
}

func (*AccessLog) ID() string { return "access-log" }

func (a *AccessLog) Execute(ctx *execution.Context) error {
	logger := a.logger
	if logger == nil {
		logger = logging.Global()
	}
	req := ctx.Request()
	resp := ctx.Response()
	m := ctx.Metrics()

	fields := make([]zap.Field, 0, 14)
	fields = append(fields, zap.String("request_id", req.ID))
	fields = append(fields, zap.String("transaction_id", req.TransactionID))
	fields = append(fields, zap.String("api", ctx.API().ID))
	fields = append(fields, zap.String("remote_addr", req.RemoteAddress))
	fields = append(fields, zap.String("method", req.Method))
	fields = append(fields, zap.String("path", req.Path))
	fields = append(fields, zap.Int("status", resp.Status))
	fields = append(fields, zap.Int("body_bytes", len(resp.Body())))
	fields = append(fields, zap.Duration("response_time", time.Since(req.Timestamp)))
	if m.Plan != "" {
		fields = append(fields, zap.String("plan", m.Plan))
	}
	if m.Application != "" {
		fields = append(fields, zap.String("application", m.Application))
	}
	if m.Endpoint != "" {
		fields = append(fields, zap.String("endpoint", m.Endpoint))
	}
	if m.ErrorKey != "" {
		fields = append(fields, zap.String("error_key", m.ErrorKey))
	}
	if ua := m.UserAgent; ua != "" {
		fields = append(fields, zap.String("user_agent", ua))
	}
	logger.Info("HTTP request", fields...)
	return nil
}
