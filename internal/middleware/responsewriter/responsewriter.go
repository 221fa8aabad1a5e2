// Package responsewriter wraps an http.ResponseWriter to record what the
// handler wrote, for logging and metrics after the request completed.
package responsewriter

import (
	"net/http"
)

// StatusRecorder remembers the status code and body size of a response.
type StatusRecorder struct {
	http.ResponseWriter

	status  int
	written int64
}

func Wrap(w http.ResponseWriter) *StatusRecorder {
	if rec, ok := w.(*StatusRecorder); ok {
		return rec
	}
	return &StatusRecorder{ResponseWriter: w}
}

func (r *StatusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *StatusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += int64(n)
	return n, err
}

// Status returns the status sent to the client. A handler that wrote
// nothing implicitly answered 200.
func (r *StatusRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *StatusRecorder) Written() int64 {
	return r.written
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *StatusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
