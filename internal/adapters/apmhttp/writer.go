package apmhttp

import (
	"bufio"
	"errors"
	"net"
	"net/http"

	"github.com/fllarpy/reqorder/internal/application/collector"
)

// ResponseWriter records the status, headers and length of a response, and
// its body when capture is on.
type ResponseWriter struct {
	http.ResponseWriter
	status  int
	length  int64
	capture bool
	limit   int64
	body    []byte
}

// NewResponseWriter wraps w. When capture is set, up to limit bytes of the
// body are kept.
func NewResponseWriter(w http.ResponseWriter, capture bool, limit int64) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, capture: capture, limit: limit}
}

func (rw *ResponseWriter) WriteHeader(code int) {
	// Informational headers precede the final status, except a protocol switch.
	final := code >= http.StatusOK || code == http.StatusSwitchingProtocols
	if rw.status == 0 && final {
		rw.status = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *ResponseWriter) Write(p []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(p)
	rw.length += int64(n)
	if rw.capture && int64(len(rw.body)) < rw.limit {
		keep := p[:n]
		if room := rw.limit - int64(len(rw.body)); int64(len(keep)) > room {
			keep = keep[:room]
		}
		rw.body = append(rw.body, keep...)
	}
	return n, err
}

// Status returns the written status, 200 if the handler wrote nothing.
func (rw *ResponseWriter) Status() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

// Response describes what was written so far.
func (rw *ResponseWriter) Response() collector.Response {
	return collector.Response{
		Status:  rw.Status(),
		Headers: rw.Header().Clone(),
		Body:    rw.body,
		Length:  rw.length,
	}
}

func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("apmhttp: response writer does not support hijacking")
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
