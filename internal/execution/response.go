package execution

import (
	"errors"
	"net/http"
	"strconv"
)

// ErrResponseEnded is returned when End is called more than once.
var ErrResponseEnded = errors.New("response already ended")

// Response buffers the status, headers and body sent back to the client.
// Nothing reaches the client until End.
type Response struct {
	Status  int
	Headers http.Header
	Trailer http.Header

	body  []byte
	w     http.ResponseWriter
	ended bool
}

// NewResponse creates a buffered response flushed to w on End.
func NewResponse(w http.ResponseWriter) *Response {
	return &Response{
		Status:  http.StatusOK,
		Headers: make(http.Header),
		w:       w,
	}
}

func (r *Response) Body() []byte {
	return r.body
}

// SetBody replaces the buffered body.
func (r *Response) SetBody(b []byte) {
	r.body = b
}

// Write appends to the buffered body.
func (r *Response) Write(p []byte) (int, error) {
	if r.ended {
		return 0, ErrResponseEnded
	}
	r.body = append(r.body, p...)
	return len(p), nil
}

// Ended reports whether End was called.
func (r *Response) Ended() bool {
	return r.ended
}

// End flushes the response to the client. It succeeds once.
func (r *Response) End() error {
	if r.ended {
		return ErrResponseEnded
	}
	r.ended = true
	if r.w == nil {
		return nil
	}

	h := r.w.Header()
	for k, vv := range r.Headers {
		h[k] = append([]string(nil), vv...)
	}
	if len(r.body) > 0 || (r.Status != http.StatusNoContent && r.Status != http.StatusNotModified) {
		h.Set("Content-Length", strconv.Itoa(len(r.body)))
	}
	r.w.WriteHeader(r.Status)
	if len(r.body) > 0 {
		_, err := r.w.Write(r.body)
		return err
	}
	return nil
}
