package http_middleware

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/fllarpy/reqorder/internal/adapters/apmhttp"
	"github.com/fllarpy/reqorder/internal/application/collector"
)

// Options tunes the middleware.
type Options struct {
	// MaxBodyBytes bounds the captured request and response bodies.
	MaxBodyBytes int64
	Logger       *zap.Logger
}

// Middleware creates a new HTTP middleware that records each request into
// c. It returns a function that takes an http.Handler and returns an
// http.Handler, suitable for use with routers like gorilla/mux. Panics of
// the downstream handler are recorded and then re-raised.
func Middleware(c *collector.Collector, opts Options) func(http.Handler) http.Handler {
	if c == nil {
		// If disabled, return a no-op middleware.
		return func(next http.Handler) http.Handler {
			return next
		}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Recording must outlive a client that hangs up.
			ctx := context.WithoutCancel(r.Context())

			req, err := apmhttp.NewRequest(r, opts.MaxBodyBytes)
			if err != nil {
				opts.Logger.Debug("Request body unreadable", zap.String("path", r.URL.Path), zap.Error(err))
			}
			var ex *collector.Exchange
			contained(c, func() { ex = c.Begin(ctx, req) })
			if ex == nil {
				next.ServeHTTP(w, r)
				return
			}
			rw := apmhttp.NewResponseWriter(w, ex.CapturesResponse(), opts.MaxBodyBytes)

			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						// An aborted response is not a fault, but it still
						// counts as a server error.
						contained(c, func() {
							resp := rw.Response()
							resp.Status = http.StatusInternalServerError
							c.Complete(ctx, ex, resp)
						})
					} else {
						stack := apmhttp.CaptureStack(1)
						contained(c, func() { c.Fail(ctx, ex, apmhttp.DescriptorFromPanic(rec, stack)) })
					}
					panic(rec)
				}
				contained(c, func() { c.Complete(ctx, ex, rw.Response()) })
			}()

			next.ServeHTTP(rw, r.WithContext(apmhttp.WithExchange(r.Context(), ex)))
		})
	}
}

// contained runs record and swallows any panic it raises, so telemetry
// never replaces the handler's outcome.
func contained(c *collector.Collector, record func()) {
	defer c.Contain("telemetry_panic")
	record()
}
