package apmhttp

import (
	"context"
	"net/http"
	"strings"

	"github.com/fllarpy/reqorder/internal/application/collector"
)

type exchangeKey struct{}

// WithExchange returns a context carrying ex.
func WithExchange(ctx context.Context, ex *collector.Exchange) context.Context {
	return context.WithValue(ctx, exchangeKey{}, ex)
}

// ExchangeFromContext returns the exchange stored by WithExchange, or nil.
func ExchangeFromContext(ctx context.Context) *collector.Exchange {
	ex, _ := ctx.Value(exchangeKey{}).(*collector.Exchange)
	return ex
}

// Transport is an http.RoundTripper that forwards the header of the
// recording rule that selected the current inbound request, so that
// downstream services record the same traffic.
type Transport struct {
	// Base is the underlying RoundTripper to execute the request.
	// If nil, http.DefaultTransport is used.
	Base http.RoundTripper
}

// RoundTrip executes a single HTTP transaction, returning a Response for the request `req`.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	ex := ExchangeFromContext(req.Context())
	if ex == nil || ex.Recording == nil || ex.Recording.HTTPHeader == "" {
		return base.RoundTrip(req)
	}
	name := headerName(ex.Recording.HTTPHeader)
	if req.Header.Get(name) != "" {
		return base.RoundTrip(req)
	}

	// RoundTrippers must not modify the caller's request.
	out := req.Clone(req.Context())
	out.Header.Set(name, ex.Recording.HTTPHeaderValue)
	return base.RoundTrip(out)
}

// NewTransport creates a new Transport around base.
func NewTransport(base http.RoundTripper) *Transport {
	return &Transport{Base: base}
}

// headerName turns a rule header such as "HTTP_X_RECORD_ME" into the
// "X-Record-Me" wire form.
func headerName(name string) string {
	n := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "HTTP_")
	return http.CanonicalHeaderKey(strings.ReplaceAll(n, "_", "-"))
}
