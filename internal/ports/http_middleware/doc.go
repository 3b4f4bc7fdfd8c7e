// Package http_middleware provides the HTTP middleware that feeds every
// request/response cycle of an application into the collector. It wraps
// handlers to classify the route, capture recorded traffic, fold the
// outcome into the statistics and record panics as faults.
//
// The middleware is designed to be used with the standard library's
// net/http package and any router that accepts func(http.Handler) http.Handler.
package http_middleware
