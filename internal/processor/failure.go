package processor

import (
	"mime"
	"net/http"
	"strings"

	gwerrors "github.com/wudi/apigw/internal/errors"
	"github.com/wudi/apigw/internal/execution"
)

// Failure renders the execution failure of the request, stored in the
// InternalFailure attribute, into the response. JSON is used unless the
// client only accepts other media types.
type Failure struct{}

func (Failure) ID() string { return "failure" }

func (Failure) Execute(ctx *execution.Context) error {
	f, ok := ctx.InternalAttribute(execution.InternalFailure).(*gwerrors.ExecutionFailure)
	if !ok || f == nil {
		return nil
	}
	resp := ctx.Response()
	resp.Status = f.StatusCode
	if resp.Status == 0 {
		resp.Status = http.StatusInternalServerError
	}
	resp.Headers.Del("Content-Length")

	switch {
	case f.ContentType != "":
		resp.Headers.Set("Content-Type", f.ContentType)
		resp.SetBody([]byte(f.Message))
	case acceptsJSON(ctx.Request().Headers.Get("Accept")):
		resp.Headers.Set("Content-Type", "application/json")
		resp.SetBody(f.JSON())
	default:
		resp.Headers.Set("Content-Type", "text/plain; charset=utf-8")
		resp.SetBody([]byte(f.Message))
	}
	return nil
}

func acceptsJSON(accept string) bool {
	if accept == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if mt == "*/*" || mt == "application/*" || mt == "application/json" || strings.HasSuffix(mt, "+json") {
			return true
		}
	}
	return false
}
