package collector

import (
	"net/http"
	"time"

	"github.com/fllarpy/reqorder/domain/metrics"
)

// Request describes an inbound request as seen by the interception layer.
type Request struct {
	Method   string
	Path     string
	FullPath string
	URL      string
	Scheme   string
	BaseURL  string
	Port     int
	IP       string
	Headers  http.Header
	Params   map[string][]string
	Body     []byte
	TLS      bool
	XHR      bool
}

// Response describes the response written by the downstream handler.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
	Length  int64
}

// Exchange carries the state of one request/response cycle between Begin
// and Complete or Fail.
type Exchange struct {
	Request   Request
	Route     metrics.RouteTemplate
	Recording *metrics.RecordingRule
	// Captured is set when the request was stored.
	Captured *metrics.RequestRecord
	Start    time.Time
}

// CapturesResponse reports whether the response should be stored.
func (ex *Exchange) CapturesResponse() bool {
	return ex != nil && ex.Captured != nil && ex.Recording != nil
}
