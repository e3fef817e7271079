package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Failure keys surfaced to clients and telemetry.
const (
	KeyNoEndpointFound          = "NO_ENDPOINT_FOUND"
	KeyInvalidHTTPMethod        = "INVALID_HTTP_METHOD"
	KeyCorsPreflightFailed      = "CORS_PREFLIGHT_FAILED"
	KeyPlanUnresolvable         = "GATEWAY_PLAN_UNRESOLVABLE"
	KeyTooManyRequests          = "RATE_LIMIT_TOO_MANY_REQUESTS"
	KeyInvalidPayload           = "JSON_INVALID_PAYLOAD"
	KeyClientConnectionError    = "GATEWAY_CLIENT_CONNECTION_ERROR"
	KeyCircuitBreakerOpen       = "GATEWAY_CIRCUIT_BREAKER_OPEN"
	KeyRequestTimeout           = "REQUEST_TIMEOUT"
	KeyInvalidSecurityToken     = "GATEWAY_INVALID_SECURITY_TOKEN"
	KeyInternalError            = "GATEWAY_INTERNAL_ERROR"
	KeyServiceUnavailable       = "GATEWAY_SERVICE_UNAVAILABLE"
	KeyPolicyConfigurationError = "GATEWAY_POLICY_CONFIGURATION_ERROR"
	KeyNoContextPath            = "GATEWAY_NO_CONTEXT_PATH"
	KeyRequestContentTooLarge   = "REQUEST_CONTENT_TOO_LARGE"
)

// ExecutionFailure is a structured failure produced by a stage of the
// request pipeline. It is rendered by the error processor chain.
type ExecutionFailure struct {
	StatusCode  int            `json:"http_status_code"`
	Key         string         `json:"key,omitempty"`
	Message     string         `json:"message"`
	ContentType string         `json:"-"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	underlying  error
}

func (e *ExecutionFailure) Error() string {
	msg := e.Message
	if e.Key != "" {
		msg = e.Key + ": " + msg
	}
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", msg, e.underlying)
	}
	return msg
}

func (e *ExecutionFailure) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the failure as JSON to the response.
// Canned failures use pre-serialized bytes.
func (e *ExecutionFailure) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	_, _ = w.Write(e.JSON())
}

// JSON returns the JSON body of the failure.
func (e *ExecutionFailure) JSON() []byte {
	if pre, ok := preSerialized[e]; ok {
		return pre
	}
	b, err := json.Marshal(e)
	if err != nil {
		return []byte(`{"message":"Internal Server Error","http_status_code":500}` + "\n")
	}
	return append(b, '\n')
}

// Canned failures.
var (
	ErrNoEndpointFound = &ExecutionFailure{
		StatusCode: http.StatusServiceUnavailable,
		Key:        KeyNoEndpointFound,
		Message:    "No endpoint available",
	}

	ErrInvalidHTTPMethod = &ExecutionFailure{
		StatusCode: http.StatusBadRequest,
		Key:        KeyInvalidHTTPMethod,
		Message:    "Invalid HTTP method",
	}

	ErrCorsPreflightFailed = &ExecutionFailure{
		StatusCode: http.StatusBadRequest,
		Key:        KeyCorsPreflightFailed,
		Message:    "Request rejected by CORS preflight",
	}

	ErrPlanUnresolvable = &ExecutionFailure{
		StatusCode: http.StatusUnauthorized,
		Key:        KeyPlanUnresolvable,
		Message:    "Unauthorized",
	}

	ErrTooManyRequests = &ExecutionFailure{
		StatusCode: http.StatusTooManyRequests,
		Key:        KeyTooManyRequests,
		Message:    "Too Many Requests",
	}

	ErrInvalidPayload = &ExecutionFailure{
		StatusCode: http.StatusBadRequest,
		Key:        KeyInvalidPayload,
		Message:    "Bad request",
	}

	ErrBadGateway = &ExecutionFailure{
		StatusCode: http.StatusBadGateway,
		Key:        KeyClientConnectionError,
		Message:    "Bad Gateway",
	}

	ErrCircuitBreakerOpen = &ExecutionFailure{
		StatusCode: http.StatusServiceUnavailable,
		Key:        KeyCircuitBreakerOpen,
		Message:    "Service Unavailable",
	}

	ErrGatewayTimeout = &ExecutionFailure{
		StatusCode: http.StatusGatewayTimeout,
		Key:        KeyRequestTimeout,
		Message:    "Gateway Timeout",
	}

	ErrInvalidSecurityToken = &ExecutionFailure{
		StatusCode: http.StatusUnauthorized,
		Key:        KeyInvalidSecurityToken,
		Message:    "Unauthorized",
	}

	ErrServiceUnavailable = &ExecutionFailure{
		StatusCode: http.StatusServiceUnavailable,
		Key:        KeyServiceUnavailable,
		Message:    "Service Unavailable",
	}

	ErrInternal = &ExecutionFailure{
		StatusCode: http.StatusInternalServerError,
		Key:        KeyInternalError,
		Message:    "Internal Server Error",
	}

	ErrNoContextPath = &ExecutionFailure{
		StatusCode: http.StatusNotFound,
		Key:        KeyNoContextPath,
		Message:    "No context-path matches the request URI.",
	}

	ErrRequestContentTooLarge = &ExecutionFailure{
		StatusCode: http.StatusRequestEntityTooLarge,
		Key:        KeyRequestContentTooLarge,
		Message:    "Request content too large",
	}
)

var preSerialized map[*ExecutionFailure][]byte

func init() {
	bases := []*ExecutionFailure{
		ErrNoEndpointFound, ErrInvalidHTTPMethod, ErrCorsPreflightFailed,
		ErrPlanUnresolvable, ErrTooManyRequests, ErrInvalidPayload,
		ErrBadGateway, ErrCircuitBreakerOpen, ErrGatewayTimeout,
		ErrInvalidSecurityToken, ErrServiceUnavailable, ErrInternal,
		ErrNoContextPath, ErrRequestContentTooLarge,
	}
	preSerialized = make(map[*ExecutionFailure][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		preSerialized[e] = append(b, '\n')
	}
}

// New creates a failure with a status code, key and message.
func New(status int, key, message string) *ExecutionFailure {
	return &ExecutionFailure{
		StatusCode: status,
		Key:        key,
		Message:    message,
	}
}

// Wrap attaches an underlying cause to a new failure.
func Wrap(err error, status int, key, message string) *ExecutionFailure {
	return &ExecutionFailure{
		StatusCode: status,
		Key:        key,
		Message:    message,
		underlying: err,
	}
}

// WithMessage returns a copy with a different message.
func (e *ExecutionFailure) WithMessage(message string) *ExecutionFailure {
	c := e.clone()
	c.Message = message
	return c
}

// WithCause returns a copy carrying err as its underlying cause.
func (e *ExecutionFailure) WithCause(err error) *ExecutionFailure {
	c := e.clone()
	c.underlying = err
	return c
}

// WithParameter returns a copy with an extra parameter.
func (e *ExecutionFailure) WithParameter(name string, value any) *ExecutionFailure {
	c := e.clone()
	params := make(map[string]any, len(e.Parameters)+1)
	for k, v := range e.Parameters {
		params[k] = v
	}
	params[name] = value
	c.Parameters = params
	return c
}

func (e *ExecutionFailure) clone() *ExecutionFailure {
	return &ExecutionFailure{
		StatusCode:  e.StatusCode,
		Key:         e.Key,
		Message:     e.Message,
		ContentType: e.ContentType,
		Parameters:  e.Parameters,
		underlying:  e.underlying,
	}
}

// AsFailure finds the first ExecutionFailure in err's chain.
func AsFailure(err error) (*ExecutionFailure, bool) {
	var f *ExecutionFailure
	if stderrors.As(err, &f) {
		return f, true
	}
	return nil, false
}
